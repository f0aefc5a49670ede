// Package fetcher downloads RSS feeds and turns new entries into articles.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/filter"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/ratelimit"
	"github.com/00sapo/better-morning/internal/storage"
)

const (
	userAgent    = "BetterMorning/1.0 (+https://github.com/00sapo/better-morning)"
	maxFeedBytes = 10 << 20

	defaultTimeout = 30 * time.Second
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses RSS feeds for one collection run.
type Fetcher struct {
	client   HTTPClient
	store    storage.Storage
	limiter  *ratelimit.DomainLimiter
	log      *slog.Logger
	now      func() time.Time
	backoff  time.Duration
	parallel int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLimiter sets the per-domain limiter shared with content extraction.
func WithLimiter(l *ratelimit.DomainLimiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithClock overrides the time source used for age cutoffs and date fallbacks.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// WithBackoff sets the base delay of the exponential retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(f *Fetcher) { f.backoff = d }
}

// WithParallelism bounds how many feeds are downloaded at once.
func WithParallelism(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.parallel = n
		}
	}
}

// New creates a Fetcher. The store is only read, never written.
func New(client HTTPClient, store storage.Storage, log *slog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   client,
		store:    store,
		log:      log,
		now:      time.Now,
		backoff:  time.Second,
		parallel: 4,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads and parses a feed in a single attempt.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// fetchWithRetry retries Fetch with jittered exponential backoff (base 2).
func (f *Fetcher) fetchWithRetry(ctx context.Context, fs config.FeedSettings) (*gofeed.Feed, error) {
	attempts := max(fs.Retries, 1)
	timeout := fs.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var lastErr error
	for attempt := range attempts {
		if err := f.limiter.Wait(ctx, fs.URL); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		feed, err := f.Fetch(attemptCtx, fs.URL)
		cancel()
		if err == nil {
			return feed, nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		delay := f.backoff<<attempt + jitter(f.backoff)
		f.log.Warn("feed fetch failed, retrying",
			"feed", fs.Name, "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// FetchNew fetches every feed and returns entries that are neither known to
// history nor older than the cutoff, in feed order. It never writes history.
func (f *Fetcher) FetchNew(ctx context.Context, collection string, feeds []config.FeedSettings, maxAge config.MaxAge) ([]model.Article, model.FetchReport) {
	log := f.log.With("collection", collection)

	known, err := f.store.LoadArticles(ctx, collection)
	if err != nil {
		log.Error("history unreadable, treating as empty; articles may be reprocessed", "error", err)
	}
	if known == nil {
		known = map[string]model.Article{}
	}

	var lastDigest *time.Time
	if maxAge.Kind == config.AgeSinceLastDigest {
		lastDigest, err = f.store.LoadDigestTime(ctx, collection)
		if err != nil {
			log.Error("last digest time unreadable, no age cutoff applied", "error", err)
		}
	}
	cutoff, hasCutoff := maxAge.Cutoff(f.now(), lastDigest)

	type feedResult struct {
		articles []model.Article
		report   model.FeedReport
	}
	results := make([]feedResult, len(feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i, fs := range feeds {
		g.Go(func() error {
			arts, rep := f.processFeed(gctx, log, fs, known, cutoff, hasCutoff)
			results[i] = feedResult{articles: arts, report: rep}
			return nil
		})
	}
	_ = g.Wait()

	var (
		out    []model.Article
		report model.FetchReport
		seen   = make(map[string]bool)
	)
	for _, r := range results {
		report.Add(r.report)
		for _, a := range r.articles {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}
	}

	log.Info("feeds fetched",
		"feeds", len(feeds), "failed", len(report.Failed()), "new_articles", len(out))
	return out, report
}

func (f *Fetcher) processFeed(ctx context.Context, log *slog.Logger, fs config.FeedSettings,
	known map[string]model.Article, cutoff time.Time, hasCutoff bool,
) ([]model.Article, model.FeedReport) {
	log = log.With("feed", fs.Name)
	rep := model.FeedReport{FeedName: fs.Name, URL: fs.URL}

	rules, err := filter.Compile(fs.Filters)
	if err != nil {
		log.Error("feed filters invalid", "error", err)
		rep.Error = err.Error()
		return nil, rep
	}

	feed, err := f.fetchWithRetry(ctx, fs)
	if err != nil {
		log.Error("feed fetch failed", "url", fs.URL, "error", err)
		rep.Error = err.Error()
		return nil, rep
	}

	var candidates []*gofeed.Item
	for _, item := range feed.Items {
		id := ArticleID(item)
		if id == "" {
			continue
		}
		if _, ok := known[id]; ok {
			continue
		}
		if !rules.Match(filter.EntryFromItem(item, fs.Name)) {
			log.Debug("entry filtered by keyword rules", "title", item.Title, "categories", item.Categories)
			continue
		}
		candidates = append(candidates, item)
	}
	if fs.MaxArticles > 0 && len(candidates) > fs.MaxArticles {
		candidates = candidates[:fs.MaxArticles]
	}

	now := f.now()
	var out []model.Article
	for _, item := range candidates {
		a := toArticle(item, feed, fs, PublishedDate(item, now, log))
		if hasCutoff && a.PublishedDate.Before(cutoff) {
			log.Info("dropping article older than cutoff",
				"article_id", a.ID, "published", a.PublishedDate, "cutoff", cutoff)
			continue
		}
		out = append(out, a)
	}

	rep.Success = true
	rep.Articles = len(out)
	return out, rep
}

func toArticle(item *gofeed.Item, feed *gofeed.Feed, fs config.FeedSettings, published time.Time) model.Article {
	link := resolveLink(fs.URL, strings.TrimSpace(item.Link))

	summary := item.Description
	if strings.TrimSpace(item.Content) != "" {
		summary = item.Content
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = link
	}

	name := fs.Name
	if name == fs.URL && feed.Title != "" {
		name = feed.Title
	}

	return model.Article{
		ID:                 ArticleID(item),
		Title:              title,
		Link:               link,
		SourceURL:          fs.URL,
		FeedName:           name,
		PublishedDate:      published,
		Summary:            strings.TrimSpace(summary),
		FollowArticleLinks: fs.FollowArticleLinks,
	}
}

// ArticleID returns the stable identifier of a feed item: its link, else its
// GUID, else a SHA-256 hash of title and link.
func ArticleID(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	if guid := strings.TrimSpace(item.GUID); guid != "" {
		return guid
	}
	if item.Title == "" {
		return ""
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// PublishedDate resolves an item's publication time in UTC: parsed published
// time, else parsed updated time, else the raw published string, else now.
func PublishedDate(item *gofeed.Item, now time.Time, log *slog.Logger) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		log.Warn("no published date, using updated date", "title", item.Title)
		return item.UpdatedParsed.UTC()
	}
	raw := strings.TrimSpace(item.Published)
	if raw != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				log.Warn("parsed raw published date", "title", item.Title, "raw", raw)
				return t.UTC()
			}
		}
	}
	log.Warn("no usable published date, using current time", "title", item.Title, "raw", raw)
	return now.UTC()
}

func resolveLink(base, link string) string {
	if link == "" {
		return link
	}
	u, err := url.Parse(link)
	if err != nil || u.IsAbs() {
		return link
	}
	b, err := url.Parse(base)
	if err != nil {
		return link
	}
	return b.ResolveReference(u).String()
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return rand.N(base) //nolint:gosec // backoff jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
