// Package cache stores per-article summaries so a rerun after a failed
// collection does not pay for the same model calls twice.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "better-morning:summary:"

// Cache maps a collection's article IDs to finished summaries.
type Cache interface {
	Get(ctx context.Context, collection, articleID string) (string, bool, error)
	Set(ctx context.Context, collection, articleID, summary string) error
	Close() error
}

// Key returns the storage key for one article summary.
func Key(collection, articleID string) string {
	return keyPrefix + collection + ":" + articleID
}

// Open returns a Redis cache when url is set, otherwise a Nop cache.
// An unreachable Redis degrades to Nop with a warning.
func Open(ctx context.Context, url string, ttl time.Duration, log *slog.Logger) Cache {
	if url == "" {
		return Nop{}
	}
	r, err := NewRedis(url, ttl)
	if err != nil {
		log.Warn("summary cache disabled", "error", err)
		return Nop{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		log.Warn("summary cache unreachable, continuing without it", "error", err)
		_ = r.Close()
		return Nop{}
	}
	log.Info("summary cache enabled", "ttl", ttl)
	return r
}

var _ Cache = (*Redis)(nil)

// Redis is a Cache backed by a Redis server.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a Redis cache from a redis:// URL.
func NewRedis(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{rdb: redis.NewClient(opts), ttl: ttl}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, collection, articleID string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, Key(collection, articleID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, collection, articleID, summary string) error {
	if err := r.rdb.Set(ctx, Key(collection, articleID), summary, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

var _ Cache = (*Memory)(nil)

// Memory is an in-process Cache, used in tests and single-run daemons.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemory creates a Memory cache. A zero ttl never expires entries.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(_ context.Context, collection, articleID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := Key(collection, articleID)
	e, ok := m.entries[k]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, k)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, collection, articleID, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: summary}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.entries[Key(collection, articleID)] = e
	return nil
}

func (m *Memory) Close() error { return nil }

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string, string) (string, bool, error) { return "", false, nil }
func (Nop) Set(context.Context, string, string, string) error         { return nil }
func (Nop) Close() error                                              { return nil }
