package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

var _ Deliverer = (*Local)(nil)

// Local writes the digest into a directory.
type Local struct {
	dir string
}

// NewLocal creates a Local deliverer writing into dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

// Deliver writes doc to <dir>/digest-YYYY-MM-DD.md, replacing an earlier digest of the same day.
func (l *Local) Deliver(_ context.Context, doc Document) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(l.dir, doc.FileName())
	if err := os.WriteFile(path, []byte(doc.Markdown), 0o644); err != nil {
		return "", fmt.Errorf("write digest: %w", err)
	}
	return path, nil
}
