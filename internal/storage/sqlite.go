package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/migrations"
)

const timeLayout = time.RFC3339Nano

var _ Storage = (*SQLite)(nil)

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db   *sql.DB
	keep int
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
// keep bounds the number of stored digest bodies per collection.
func NewSQLite(dsn string, keep int) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, keep: keep}, nil
}

// DB exposes the underlying handle for migration commands.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LoadArticles returns all stored article snapshots of a collection.
func (s *SQLite) LoadArticles(ctx context.Context, collection string) (map[string]model.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, snapshot FROM articles WHERE collection = ?`, collection,
	)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]model.Article)
	var bad int
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		var a model.Article
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			bad++
			a = model.Article{ID: id}
		}
		out[id] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	if bad > 0 {
		// IDs are still known, so deduplication holds.
		return out, fmt.Errorf("%w: %d undecodable snapshots in %s", ErrCorrupt, bad, collection)
	}
	return out, nil
}

// MergeArticles upserts the given articles in one transaction.
func (s *SQLite) MergeArticles(ctx context.Context, collection string, articles []model.Article) error {
	if len(articles) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return mergeArticles(ctx, tx, collection, articles)
	})
}

func mergeArticles(ctx context.Context, tx *sql.Tx, collection string, articles []model.Article) error {
	now := time.Now().UTC().Format(timeLayout)
	for _, a := range articles {
		snap := snapshot(a)
		raw, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode article %s: %w", a.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO articles (collection, id, snapshot, published_at, seen_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE SET
			   snapshot = excluded.snapshot,
			   published_at = excluded.published_at,
			   seen_at = excluded.seen_at`,
			collection, a.ID, string(raw), snap.PublishedDate.Format(timeLayout), now,
		)
		if err != nil {
			return fmt.Errorf("upsert article %s: %w", a.ID, err)
		}
	}
	return nil
}

// LoadDigestTime returns the last digest time, or nil if none was recorded.
func (s *SQLite) LoadDigestTime(ctx context.Context, collection string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest_at FROM digest_times WHERE collection = ?`, collection,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query digest time: %w", err)
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: digest time %q: %v", ErrCorrupt, raw, err)
	}
	return &t, nil
}

// SaveDigestTime records the time of the latest successful digest.
func (s *SQLite) SaveDigestTime(ctx context.Context, collection string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return saveDigestTime(ctx, tx, collection, at)
	})
}

func saveDigestTime(ctx context.Context, tx *sql.Tx, collection string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO digest_times (collection, digest_at) VALUES (?, ?)
		 ON CONFLICT (collection) DO UPDATE SET digest_at = excluded.digest_at`,
		collection, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save digest time: %w", err)
	}
	return nil
}

// AppendDigest stores a digest body and deletes the oldest beyond retention.
func (s *SQLite) AppendDigest(ctx context.Context, collection string, entry model.DigestEntry) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.appendDigest(ctx, tx, collection, entry)
	})
}

func (s *SQLite) appendDigest(ctx context.Context, tx *sql.Tx, collection string, entry model.DigestEntry) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO digests (collection, body, created_at) VALUES (?, ?, ?)`,
		collection, entry.Content, entry.Date.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM digests
		 WHERE collection = ?
		   AND id NOT IN (SELECT id FROM digests WHERE collection = ? ORDER BY id DESC LIMIT ?)`,
		collection, collection, s.keep,
	); err != nil {
		return fmt.Errorf("trim digests: %w", err)
	}
	return nil
}

// Commit writes the articles, the digest time and the digest body in one transaction.
func (s *SQLite) Commit(ctx context.Context, collection string, b Batch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := mergeArticles(ctx, tx, collection, b.Articles); err != nil {
			return err
		}
		if err := saveDigestTime(ctx, tx, collection, b.At); err != nil {
			return err
		}
		if b.Digest != nil {
			return s.appendDigest(ctx, tx, collection, *b.Digest)
		}
		return nil
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// RecentDigests returns up to n digests, oldest first.
func (s *SQLite) RecentDigests(ctx context.Context, collection string, n int) ([]model.DigestEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body, created_at FROM digests WHERE collection = ? ORDER BY id DESC LIMIT ?`,
		collection, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query digests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DigestEntry
	var bad []string
	for rows.Next() {
		var e model.DigestEntry
		var created string
		if err := rows.Scan(&e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		e.Date, err = time.Parse(timeLayout, created)
		if err != nil {
			bad = append(bad, created)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digests: %w", err)
	}
	slices.Reverse(out)
	if len(bad) > 0 {
		return out, fmt.Errorf("%w: %d digests in %s with unreadable dates %q", ErrCorrupt, len(bad), collection, bad)
	}
	return out, nil
}
