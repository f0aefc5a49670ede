// Package extractor resolves the full content of articles through a chain of fallbacks.
package extractor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/00sapo/better-morning/internal/browser"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/ratelimit"
)

const (
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	// Summaries at least this long are used as content without fetching.
	longSummaryWords = 400
	maxMetaRefreshes = 3
	linkParallelism  = 4
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Settings control one Expand call.
type Settings struct {
	// FollowLinks is the collection policy; an article's own override wins.
	FollowLinks bool
	LinkFilter  *regexp.Regexp
	MaxLinks    int
	// MergeLinked appends linked pages' text to the parent instead of emitting sub-articles.
	MergeLinked bool
	// Timeout bounds the whole Expand call.
	Timeout time.Duration
	// FetchTimeout bounds one direct request.
	FetchTimeout time.Duration
}

// Extractor fetches article pages and classifies their content.
type Extractor struct {
	client         HTTPClient
	browser        browser.Browser
	limiter        *ratelimit.DomainLimiter
	log            *slog.Logger
	browserTimeout time.Duration
	maxBody        int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBrowserTimeout bounds a single headless render.
func WithBrowserTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.browserTimeout = d }
}

// WithMaxBody bounds how many bytes of a response are read.
func WithMaxBody(n int64) Option {
	return func(e *Extractor) { e.maxBody = n }
}

// New creates an Extractor. b may be nil to disable the browser tier.
func New(client HTTPClient, b browser.Browser, limiter *ratelimit.DomainLimiter, log *slog.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		client:         client,
		browser:        b,
		limiter:        limiter,
		log:            log,
		browserTimeout: 60 * time.Second,
		maxBody:        25 << 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// fetched is a successfully downloaded document.
type fetched struct {
	url  string
	mime *mimetype.MIME
	body []byte
	html bool
}

func (f *fetched) pdf() bool {
	return f.mime.Is(model.ContentTypePDF)
}

func (f *fetched) text() bool {
	return !f.html && strings.HasPrefix(f.mime.String(), "text/")
}

// Expand resolves an article's content and, when link following applies,
// the content of pages it links to. It always returns at least the article itself.
func (e *Extractor) Expand(ctx context.Context, a model.Article, s Settings) []model.Article {
	log := e.log.With("article_id", a.ID)

	if len(strings.Fields(a.Summary)) >= longSummaryWords {
		a.Content = a.Summary
		a.ContentType = model.ContentTypeText
		return []model.Article{a}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	done := make(chan []model.Article, 1)
	go func() { done <- e.expand(ctx, log, a, s) }()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		log.Warn("extraction timed out, using feed summary", "url", a.Link, "error", ctx.Err())
		return []model.Article{withSummary(a)}
	}
}

func (e *Extractor) expand(ctx context.Context, log *slog.Logger, a model.Article, s Settings) []model.Article {
	doc := e.resolve(ctx, log, a.Link, s.FetchTimeout)
	if doc == nil {
		log.Warn("all fetch tiers failed, using feed summary", "url", a.Link)
		return []model.Article{withSummary(a)}
	}

	if doc.pdf() {
		a.RawContent = doc.body
		a.ContentType = model.ContentTypePDF
		a.Content = ""
		return []model.Article{a}
	}

	text := e.textOf(doc)
	if text == "" {
		log.Warn("no readable text, using feed summary", "url", doc.url, "mime", doc.mime.String())
		return []model.Article{withSummary(a)}
	}
	a.Content = text
	a.ContentType = model.ContentTypeText

	follow := s.FollowLinks
	if a.FollowArticleLinks != nil {
		follow = *a.FollowArticleLinks
	}
	if !follow || !doc.html || a.ParentID != "" {
		return []model.Article{a}
	}

	subs := e.followLinks(ctx, log, a, candidateLinks(doc, s.LinkFilter), s)
	if !s.MergeLinked {
		return append([]model.Article{a}, subs...)
	}

	out := []model.Article{a}
	var merged strings.Builder
	merged.WriteString(a.Content)
	for _, sub := range subs {
		if sub.IsPDF() {
			out = append(out, sub)
			continue
		}
		fmt.Fprintf(&merged, "\n\n## %s\n%s\n\n%s", sub.Title, sub.Link, sub.Content)
	}
	out[0].Content = merged.String()
	return out
}

// resolve runs the fetch tiers in order: direct request, then headless browser.
func (e *Extractor) resolve(ctx context.Context, log *slog.Logger, link string, timeout time.Duration) *fetched {
	doc, err := e.direct(ctx, link, timeout)
	if err == nil {
		return doc
	}
	log.Debug("direct fetch failed", "url", link, "error", err)

	doc, err = e.rendered(ctx, link)
	if err != nil {
		log.Debug("browser fetch failed", "url", link, "error", err)
		return nil
	}
	return doc
}

// direct fetches link over HTTP, following redirector query parameters and meta refreshes.
func (e *Extractor) direct(ctx context.Context, link string, timeout time.Duration) (*fetched, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	target := unwrapRedirector(link)

	for range maxMetaRefreshes + 1 {
		doc, err := e.get(ctx, target, timeout)
		if err != nil {
			return nil, err
		}
		if !doc.html {
			return doc, nil
		}
		next := metaRefresh(doc.body, doc.url)
		if next == "" || next == doc.url {
			return doc, nil
		}
		target = unwrapRedirector(next)
	}
	return nil, fmt.Errorf("too many meta refreshes from %s", link)
}

func (e *Extractor) get(ctx context.Context, target string, timeout time.Duration) (*fetched, error) {
	if err := e.limiter.Wait(ctx, target); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return classify(final, body, resp.Header.Get("Content-Type")), nil
}

func (e *Extractor) rendered(ctx context.Context, link string) (*fetched, error) {
	if e.browser == nil {
		return nil, fmt.Errorf("no browser configured")
	}
	if err := e.limiter.Wait(ctx, link); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.browserTimeout)
	defer cancel()

	page, err := e.browser.Render(ctx, link)
	if err != nil {
		return nil, err
	}
	return classify(page.URL, []byte(page.HTML), "text/html"), nil
}

// classify sniffs the body; the declared type only breaks ties for markup
// that sniffs as plain text.
func classify(url string, body []byte, declared string) *fetched {
	mt := mimetype.Detect(body)
	html := mt.Is("text/html") || mt.Is("application/xhtml+xml")
	if !html && mt.Is("text/plain") && strings.Contains(strings.ToLower(declared), "html") {
		html = true
	}
	return &fetched{url: url, mime: mt, body: body, html: html}
}

func (e *Extractor) textOf(doc *fetched) string {
	switch {
	case doc.html:
		return ExtractText(doc.body)
	case doc.text():
		return strings.TrimSpace(string(doc.body))
	default:
		return ""
	}
}

func candidateLinks(doc *fetched, filter *regexp.Regexp) []string {
	var out []string
	for _, link := range Links(doc.body, doc.url) {
		if filter != nil && !filter.MatchString(link) {
			continue
		}
		out = append(out, link)
	}
	return out
}

// followLinks extracts up to s.MaxLinks linked pages. A link that fails is
// skipped and the next candidate takes its slot, up to twice MaxLinks attempts.
func (e *Extractor) followLinks(ctx context.Context, log *slog.Logger, parent model.Article, candidates []string, s Settings) []model.Article {
	limit := s.MaxLinks
	if limit <= 0 || limit > 30 {
		limit = 30
	}
	budget := min(len(candidates), 2*limit)
	candidates = candidates[:budget]

	var subs []model.Article
	next := 0
	for len(subs) < limit && next < len(candidates) && ctx.Err() == nil {
		batch := candidates[next:min(next+limit-len(subs), len(candidates))]
		next += len(batch)

		results := make([]*model.Article, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(linkParallelism)
		for i, link := range batch {
			g.Go(func() error {
				results[i] = e.linked(gctx, link, s.FetchTimeout)
				return nil
			})
		}
		_ = g.Wait()

		for i, r := range results {
			if r == nil {
				log.Debug("linked page skipped", "url", batch[i])
				continue
			}
			subs = append(subs, *r)
		}
	}

	for i := range subs {
		no := false
		subs[i].ID = model.LinkedID(parent.ID, i+1)
		subs[i].SourceURL = parent.SourceURL
		subs[i].FeedName = parent.FeedName
		subs[i].PublishedDate = parent.PublishedDate
		subs[i].FollowArticleLinks = &no
		subs[i].ParentID = parent.ID
	}
	if len(candidates) > 0 {
		log.Info("followed article links", "candidates", len(candidates), "extracted", len(subs))
	}
	return subs
}

// linked extracts one linked page. It returns nil when no content could be
// obtained, since a linked page has no feed summary to fall back on.
func (e *Extractor) linked(ctx context.Context, link string, timeout time.Duration) *model.Article {
	doc := e.resolve(ctx, e.log, link, timeout)
	if doc == nil {
		return nil
	}

	a := model.Article{Link: link}
	if doc.pdf() {
		a.Title = path.Base(link)
		a.RawContent = doc.body
		a.ContentType = model.ContentTypePDF
		return &a
	}

	text := e.textOf(doc)
	if text == "" {
		return nil
	}
	a.Content = text
	a.ContentType = model.ContentTypeText
	if doc.html {
		a.Title = Title(doc.body)
	}
	if a.Title == "" {
		a.Title = link
	}
	return &a
}

func withSummary(a model.Article) model.Article {
	a.Content = a.Summary
	a.ContentType = model.ContentTypeText
	a.RawContent = nil
	return a
}
