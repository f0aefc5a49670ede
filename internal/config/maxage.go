package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// LastDigest is the max_age value that limits articles to those published since the previous digest.
const LastDigest = "last-digest"

// MaxSpan is the longest accepted time span.
const MaxSpan = 10 * 365 * 24 * time.Hour

var spanPattern = regexp.MustCompile(`^(\d+)([hdm])$`)

// AgeKind tells how a MaxAge cutoff is computed.
type AgeKind int

// Supported max_age policies.
const (
	AgeNone AgeKind = iota
	AgeSpan
	AgeSinceLastDigest
)

// MaxAge is a parsed max_age policy.
type MaxAge struct {
	Kind AgeKind
	Span time.Duration
}

// ParseSpan parses "<N>h", "<N>d" or "<N>m" into a duration no longer than MaxSpan.
func ParseSpan(s string) (time.Duration, error) {
	m := spanPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid time span %q: want <number><h|d|m>", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid time span %q: %w", s, err)
	}

	unit := time.Minute
	switch m[2] {
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int(MaxSpan/unit) {
		return 0, fmt.Errorf("invalid time span %q: longer than %d days", s, MaxSpan/(24*time.Hour))
	}
	return time.Duration(n) * unit, nil
}

// ParseMaxAge parses a max_age policy. An empty string disables age filtering.
func ParseMaxAge(s string) (MaxAge, error) {
	switch s {
	case "":
		return MaxAge{Kind: AgeNone}, nil
	case LastDigest:
		return MaxAge{Kind: AgeSinceLastDigest}, nil
	}
	d, err := ParseSpan(s)
	if err != nil {
		return MaxAge{}, &ValidationError{Field: "max_age", Message: fmt.Sprintf("unsupported value %q", s), Err: err}
	}
	return MaxAge{Kind: AgeSpan, Span: d}, nil
}

// Cutoff returns the oldest publication time that passes the policy.
// ok is false when no cutoff applies.
func (m MaxAge) Cutoff(now time.Time, lastDigest *time.Time) (cutoff time.Time, ok bool) {
	switch m.Kind {
	case AgeSpan:
		return now.UTC().Add(-m.Span), true
	case AgeSinceLastDigest:
		if lastDigest == nil {
			return time.Time{}, false
		}
		return lastDigest.UTC(), true
	default:
		return time.Time{}, false
	}
}

func (m MaxAge) String() string {
	switch m.Kind {
	case AgeSpan:
		return m.Span.String()
	case AgeSinceLastDigest:
		return LastDigest
	default:
		return "none"
	}
}
