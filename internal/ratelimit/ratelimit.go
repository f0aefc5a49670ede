// Package ratelimit spaces out requests to the same host.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DomainLimiter delays requests per normalized domain. Requests to different
// domains never wait on each other. One instance is scoped to one collection run.
//
// Each request to a domain is given the next free slot, and the slot after it
// is pushed out by minDelay plus a random jitter. Concurrent callers therefore
// queue behind each other instead of sharing one delay.
type DomainLimiter struct {
	minDelay, maxDelay time.Duration

	mu     sync.Mutex
	next   map[string]time.Time
	hits   map[string]int
	jitter func(time.Duration) time.Duration
	now    func() time.Time
}

// New creates a limiter that spaces requests to one domain by a random delay
// between minDelay and maxDelay. A zero minDelay disables limiting.
func New(minDelay, maxDelay time.Duration) *DomainLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &DomainLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		next:     make(map[string]time.Time),
		hits:     make(map[string]int),
		jitter: func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return rand.N(d + 1) //nolint:gosec // jitter, not security
		},
		now: time.Now,
	}
}

// Wait blocks until a request to rawURL's domain may proceed, or ctx is done.
func (l *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	if l == nil || l.minDelay <= 0 {
		return nil
	}

	domain := Domain(rawURL)
	now := l.now()
	slot, after := l.reserve(domain, now)

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.release(domain, slot, after)
		return ctx.Err()
	}
}

// reserve claims the next slot for domain and returns it together with the
// earliest time the following request may go.
func (l *DomainLimiter) reserve(domain string, now time.Time) (slot, after time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot = l.next[domain]
	if slot.Before(now) {
		slot = now
	}
	after = slot.Add(l.minDelay + l.jitter(l.maxDelay-l.minDelay))
	l.next[domain] = after
	l.hits[domain]++
	return slot, after
}

// release gives back an abandoned slot if no later request has queued behind it.
func (l *DomainLimiter) release(domain string, slot, after time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next[domain].Equal(after) {
		l.next[domain] = slot
	}
}

// Stats returns the number of requests seen per domain.
func (l *DomainLimiter) Stats() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.hits))
	for k, v := range l.hits {
		out[k] = v
	}
	return out
}

// Domain returns the lowercase host of rawURL without port or leading "www.".
func Domain(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(rawURL))
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return strings.TrimPrefix(host, "www.")
}
