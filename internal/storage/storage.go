// Package storage defines the history persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/model"
)

// ErrCorrupt is returned when stored history cannot be decoded.
// Callers should treat the history as empty and keep going.
var ErrCorrupt = errors.New("corrupt history")

// Storage persists per-collection history. Collection keys are config slugs.
type Storage interface {
	// LoadArticles returns every known article keyed by ID. Missing history is an empty map.
	LoadArticles(ctx context.Context, collection string) (map[string]model.Article, error)
	// MergeArticles upserts articles into history; later writes win.
	MergeArticles(ctx context.Context, collection string, articles []model.Article) error

	LoadDigestTime(ctx context.Context, collection string) (*time.Time, error)
	SaveDigestTime(ctx context.Context, collection string, at time.Time) error

	// AppendDigest stores a digest body and trims the ring to the store's retention.
	AppendDigest(ctx context.Context, collection string, entry model.DigestEntry) error
	// RecentDigests returns up to n digests, oldest first.
	RecentDigests(ctx context.Context, collection string, n int) ([]model.DigestEntry, error)

	// Commit records a delivered digest. The digest time is never written
	// unless the articles are.
	Commit(ctx context.Context, collection string, b Batch) error

	Close() error
}

// Batch is the history written once a digest has been delivered.
type Batch struct {
	Articles []model.Article
	At       time.Time
	// Digest is nil when there is no digest body worth keeping as context.
	Digest *model.DigestEntry
}

// Retention returns how many digest bodies to keep for a given context window.
func Retention(contextSize int) int {
	return max(2*contextSize, 10)
}

// Open builds the history backend selected in the global config.
func Open(g *config.Global, log *slog.Logger) (Storage, error) {
	keep := Retention(g.ContextDigestSize)

	if err := os.MkdirAll(g.History.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	switch g.History.Backend {
	case config.BackendSQLite:
		return NewSQLite(g.HistoryPath(), keep)
	case config.BackendJSON:
		return NewJSON(g.History.Dir, keep, log), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", g.History.Backend)
	}
}

// snapshot strips the heavy payloads before an article is persisted.
func snapshot(a model.Article) model.Article {
	a.Content = ""
	a.RawContent = nil
	a.PublishedDate = a.PublishedDate.UTC()
	return a
}
