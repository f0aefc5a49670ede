// Package delivery publishes the finished digest.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/00sapo/better-morning/internal/config"
)

// ErrMissingCredentials is returned when a delivery mode's env vars are unset.
var ErrMissingCredentials = errors.New("missing delivery credentials")

// Document is a rendered digest.
type Document struct {
	Date     time.Time
	Title    string
	Markdown string
}

// FileName returns the local file name for the document.
func (d Document) FileName() string {
	return "digest-" + d.Date.Format("2006-01-02") + ".md"
}

// Deliverer publishes a document and returns where it went.
type Deliverer interface {
	Deliver(ctx context.Context, doc Document) (string, error)
}

// New builds the deliverer for cfg.Mode. Every mode except local falls back to
// a local file when its credentials are missing or delivery fails.
func New(cfg config.OutputSettings, log *slog.Logger) Deliverer {
	local := NewLocal(cfg.LocalDir)

	var primary Deliverer
	switch cfg.Mode {
	case config.OutputEmail:
		primary = NewEmail(cfg.Email, log)
	case config.OutputGitHubRelease:
		primary = NewGitHubRelease(cfg.GitHub, local, log)
	case config.OutputTelegram:
		primary = NewTelegram(cfg.Telegram, log)
	default:
		return local
	}
	return &Fallback{Primary: primary, Local: local, log: log.With("mode", cfg.Mode)}
}

// Fallback tries Primary and writes to Local when it fails.
type Fallback struct {
	Primary Deliverer
	Local   Deliverer
	log     *slog.Logger
}

// Deliver never drops the document: it errors only when the local write also fails.
func (f *Fallback) Deliver(ctx context.Context, doc Document) (string, error) {
	where, err := f.Primary.Deliver(ctx, doc)
	if err == nil {
		return where, nil
	}
	if errors.Is(err, ErrMissingCredentials) {
		f.log.Warn("delivery credentials missing, writing digest locally", "error", err)
	} else {
		f.log.Error("delivery failed, writing digest locally", "error", err)
	}

	where, lerr := f.Local.Deliver(ctx, doc)
	if lerr != nil {
		return "", errors.Join(err, lerr)
	}
	return where, nil
}

// requireEnv resolves each named env var, failing with ErrMissingCredentials for the first unset one.
func requireEnv(names ...string) ([]string, error) {
	out := make([]string, len(names))
	for i, name := range names {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("%w: %s is not set", ErrMissingCredentials, name)
		}
		out[i] = v
	}
	return out, nil
}
