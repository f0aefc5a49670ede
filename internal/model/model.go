// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"time"
)

// Content type tags assigned by the extractor.
const (
	ContentTypeText = "text/plain"
	ContentTypeHTML = "text/html"
	ContentTypePDF  = "application/pdf"
)

// Article is a single feed entry moving through the pipeline.
// ID is derived from the canonical link and is the only deduplication key.
type Article struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Link          string    `json:"link"`
	SourceURL     string    `json:"source_url,omitempty"`
	FeedName      string    `json:"feed_name,omitempty"`
	PublishedDate time.Time `json:"published_date"`
	Summary       string    `json:"summary,omitempty"`
	Content       string    `json:"content,omitempty"`
	// RawContent holds binary payloads (PDF bytes). It is never persisted.
	RawContent  []byte `json:"-"`
	ContentType string `json:"content_type,omitempty"`
	// FollowArticleLinks overrides the collection link-following policy when set.
	FollowArticleLinks *bool `json:"follow_article_links,omitempty"`
	// ParentID is set on articles produced by link following.
	ParentID string `json:"parent_id,omitempty"`
}

// HasContent reports whether the article carries anything worth summarizing.
func (a Article) HasContent() bool {
	return a.Content != "" || len(a.RawContent) > 0
}

// IsPDF reports whether the article carries a PDF payload.
func (a Article) IsPDF() bool {
	return a.ContentType == ContentTypePDF && len(a.RawContent) > 0
}

// LinkedID derives the identifier of the n-th article reached from a parent page.
func LinkedID(parentID string, n int) string {
	return fmt.Sprintf("%s#link-%d", parentID, n)
}

// FeedReport is the per-run outcome of fetching a single feed.
type FeedReport struct {
	FeedName string
	URL      string
	Success  bool
	Error    string
	Articles int
}

// FetchReport aggregates feed outcomes for one collection run. It is never persisted.
type FetchReport struct {
	Feeds []FeedReport
}

// Add records the outcome of one feed.
func (r *FetchReport) Add(fr FeedReport) {
	r.Feeds = append(r.Feeds, fr)
}

// Failed returns the feeds that could not be fetched.
func (r FetchReport) Failed() []FeedReport {
	var out []FeedReport
	for _, f := range r.Feeds {
		if !f.Success {
			out = append(out, f)
		}
	}
	return out
}

// SuccessRate returns the fraction of feeds fetched successfully, 0 when no feeds ran.
func (r FetchReport) SuccessRate() float64 {
	if len(r.Feeds) == 0 {
		return 0
	}
	return float64(len(r.Feeds)-len(r.Failed())) / float64(len(r.Feeds))
}

// DigestEntry is one stored digest body used as context for later runs.
type DigestEntry struct {
	Date    time.Time `json:"date"`
	Content string    `json:"content"`
}

// FilterKind defines the type of keyword filter rule.
type FilterKind string

// Supported filter kinds.
const (
	FilterInclude   FilterKind = "include"
	FilterExclude   FilterKind = "exclude"
	FilterIncludeRe FilterKind = "include_re"
	FilterExcludeRe FilterKind = "exclude_re"
)

// FilterScope defines which part of the entry a filter matches against.
type FilterScope string

// Supported filter scopes.
const (
	ScopeTitle   FilterScope = "title"
	ScopeContent FilterScope = "content"
	ScopeAll     FilterScope = "all"
	// ScopeCategory matches whole category terms of the entry.
	ScopeCategory FilterScope = "category"
	ScopeFeed     FilterScope = "feed"
	ScopeLink     FilterScope = "link"
)

// Filter is a single keyword rule attached to a feed.
type Filter struct {
	Kind  FilterKind  `toml:"kind" yaml:"kind"`
	Scope FilterScope `toml:"scope" yaml:"scope"`
	Value string      `toml:"value" yaml:"value"`
}
