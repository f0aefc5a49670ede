package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/00sapo/better-morning/internal/model"
)

var _ Storage = (*JSON)(nil)

// JSON implements Storage as one set of JSON files per collection under a directory.
type JSON struct {
	dir  string
	keep int
	log  *slog.Logger
	now  func() time.Time

	mu sync.Mutex
}

type digestTimeFile struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewJSON creates a file-backed store rooted at dir.
func NewJSON(dir string, keep int, log *slog.Logger) *JSON {
	return &JSON{dir: dir, keep: keep, log: log, now: time.Now}
}

// Close is a no-op; every write is flushed immediately.
func (s *JSON) Close() error { return nil }

func (s *JSON) articlesPath(collection string) string {
	return filepath.Join(s.dir, collection+"_articles.json")
}

func (s *JSON) digestTimePath(collection string) string {
	return filepath.Join(s.dir, collection+"_last_digest.json")
}

func (s *JSON) digestsPath(collection string) string {
	return filepath.Join(s.dir, collection+"_digests.json")
}

// LoadArticles returns the stored articles. A corrupt file is moved aside and
// reported with ErrCorrupt alongside an empty map.
func (s *JSON) LoadArticles(_ context.Context, collection string) (map[string]model.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.Article
	if err := s.read(s.articlesPath(collection), &list); err != nil {
		return map[string]model.Article{}, err
	}

	out := make(map[string]model.Article, len(list))
	for _, a := range list {
		out[a.ID] = a
	}
	return out, nil
}

// MergeArticles unions the stored articles with the given ones and rewrites the file atomically.
func (s *JSON) MergeArticles(_ context.Context, collection string, articles []model.Article) error {
	if len(articles) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeArticles(collection, articles)
}

func (s *JSON) mergeArticles(collection string, articles []model.Article) error {
	path := s.articlesPath(collection)
	var list []model.Article
	if err := s.read(path, &list); err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		s.log.Error("starting fresh article history", "collection", collection, "error", err)
		list = nil
	}

	index := make(map[string]int, len(list))
	for i, a := range list {
		index[a.ID] = i
	}
	for _, a := range articles {
		snap := snapshot(a)
		if i, ok := index[a.ID]; ok {
			list[i] = snap
			continue
		}
		index[a.ID] = len(list)
		list = append(list, snap)
	}

	return s.write(path, list)
}

// LoadDigestTime returns the last digest time, or nil if none was recorded.
func (s *JSON) LoadDigestTime(_ context.Context, collection string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var f digestTimeFile
	if err := s.read(s.digestTimePath(collection), &f); err != nil {
		return nil, err
	}
	if f.Timestamp.IsZero() {
		return nil, nil
	}
	t := f.Timestamp.UTC()
	return &t, nil
}

// SaveDigestTime records the time of the latest successful digest.
func (s *JSON) SaveDigestTime(_ context.Context, collection string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.digestTimePath(collection), digestTimeFile{Timestamp: at.UTC()})
}

// AppendDigest appends a digest body and drops the oldest entries beyond retention.
func (s *JSON) AppendDigest(_ context.Context, collection string, entry model.DigestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendDigest(collection, entry)
}

func (s *JSON) appendDigest(collection string, entry model.DigestEntry) error {
	path := s.digestsPath(collection)
	var list []model.DigestEntry
	if err := s.read(path, &list); err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		s.log.Error("starting fresh digest history", "collection", collection, "error", err)
		list = nil
	}

	entry.Date = entry.Date.UTC()
	list = append(list, entry)
	if len(list) > s.keep {
		list = list[len(list)-s.keep:]
	}
	return s.write(path, list)
}

// Commit writes the articles, then the digest body, then the digest time.
// Each file is replaced atomically; a failure stops before the digest time,
// so articles newer than the stored cutoff are never lost.
func (s *JSON) Commit(_ context.Context, collection string, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b.Articles) > 0 {
		if err := s.mergeArticles(collection, b.Articles); err != nil {
			return fmt.Errorf("merge articles: %w", err)
		}
	}
	if b.Digest != nil {
		if err := s.appendDigest(collection, *b.Digest); err != nil {
			return fmt.Errorf("append digest: %w", err)
		}
	}
	if err := s.write(s.digestTimePath(collection), digestTimeFile{Timestamp: b.At.UTC()}); err != nil {
		return fmt.Errorf("save digest time: %w", err)
	}
	return nil
}

// RecentDigests returns up to n digests, oldest first.
func (s *JSON) RecentDigests(_ context.Context, collection string, n int) ([]model.DigestEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var list []model.DigestEntry
	if err := s.read(s.digestsPath(collection), &list); err != nil {
		return nil, err
	}
	if len(list) > n {
		list = list[len(list)-n:]
	}
	return list, nil
}

// read decodes path into v. A missing file leaves v untouched.
// An undecodable file is renamed to <path>.corrupt-<unix> and ErrCorrupt is returned.
func (s *JSON) read(path string, v any) error {
	raw, err := os.ReadFile(path) //nolint:gosec // path built from the history dir
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, s.now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			return fmt.Errorf("%w: %s: %v (move aside: %v)", ErrCorrupt, path, err, rerr)
		}
		return fmt.Errorf("%w: %s moved to %s: %v", ErrCorrupt, path, aside, err)
	}
	return nil
}

// write replaces path atomically with the JSON encoding of v.
func (s *JSON) write(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
