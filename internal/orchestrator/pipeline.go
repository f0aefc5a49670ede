package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/00sapo/better-morning/internal/browser"
	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/digest"
	"github.com/00sapo/better-morning/internal/extractor"
	"github.com/00sapo/better-morning/internal/fetcher"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/ratelimit"
	"github.com/00sapo/better-morning/internal/storage"
	"github.com/00sapo/better-morning/internal/summarizer"
)

// pipeline runs fetch, select, extract, filter and summarize for one collection,
// filling res as it goes.
func (o *Orchestrator) pipeline(ctx context.Context, log *slog.Logger, c *config.Collection, res *CollectionResult) error {
	g := o.d.Global
	slug := c.Slug()
	clog := log.With("collection", slug)

	// Rate limiter state lives for this collection only.
	limiter := ratelimit.New(config.Millis(g.Extraction.MinDelayMillis), config.Millis(g.Extraction.MaxDelayMillis))

	f := fetcher.New(o.d.HTTP, o.d.Store, log, fetcher.WithLimiter(limiter), fetcher.WithClock(o.d.Now))
	articles, report := f.FetchNew(ctx, slug, c.Resolved, c.MaxAge)
	res.Report = report
	if err := ctx.Err(); err != nil {
		return err
	}

	prior := o.priorContext(ctx, clog, slug)
	sum := summarizer.New(o.d.Oracle, o.d.Cache, slug, summarizer.SettingsFor(g, c), log)

	selected := sum.SelectForFetching(ctx, articles, c.CollectionPrompt, prior)
	res.Processed = make(map[string]model.Article, len(selected))
	for _, a := range selected {
		res.Processed[a.ID] = a
	}

	expanded := o.extract(ctx, clog, c, selected, limiter)
	if err := ctx.Err(); err != nil {
		return err
	}

	var withContent []model.Article
	for _, a := range expanded {
		if !a.HasContent() {
			clog.Warn("article has no content, skipping", "article_id", a.ID)
			continue
		}
		withContent = append(withContent, a)
	}

	kept, rejected := o.applyInclusionFilter(ctx, clog, sum, c, withContent)
	res.Rejected = rejected

	res.Digest = sum.SummarizeCollection(ctx, kept, c.CollectionPrompt, prior)
	clog.Info("collection processed",
		"new", len(articles),
		"selected", len(selected),
		"extracted", len(expanded),
		"kept", len(kept),
		"included", len(res.Digest.Included),
		"degraded", res.Digest.Degraded)
	return ctx.Err()
}

func (o *Orchestrator) priorContext(ctx context.Context, log *slog.Logger, slug string) string {
	entries, err := o.d.Store.RecentDigests(ctx, slug, o.d.Global.ContextDigestSize)
	if err != nil {
		if !errors.Is(err, storage.ErrCorrupt) {
			log.Warn("previous digests unreadable, continuing without context", "error", err)
			return ""
		}
		log.Warn("some previous digests unreadable, skipping them", "error", err)
	}
	return digest.HistoryContext(entries)
}

// extract expands the selected articles with bounded concurrency, keeping selection order.
// The browser is started on first use and closed before returning.
func (o *Orchestrator) extract(ctx context.Context, log *slog.Logger, c *config.Collection, selected []model.Article, limiter *ratelimit.DomainLimiter) []model.Article {
	if len(selected) == 0 {
		return nil
	}
	es := o.d.Global.Extraction

	b := browser.NewLazy(func() (browser.Browser, error) {
		if es.DisableBrowser || o.d.NewBrowser == nil {
			return browser.Disabled{}, nil
		}
		return o.d.NewBrowser(browser.Options{
			MaxPages: es.BrowserPages,
			Timeout:  config.Seconds(es.BrowserTimeoutSeconds),
		})
	})
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close browser", "error", err)
		}
	}()

	ex := extractor.New(o.d.HTTP, b, limiter, log, extractor.WithBrowserTimeout(config.Seconds(es.BrowserTimeoutSeconds)))
	settings := extractor.Settings{
		FollowLinks:  c.FollowArticleLinks,
		LinkFilter:   c.LinkFilter,
		MaxLinks:     es.MaxLinks,
		MergeLinked:  c.MergeLinkedContent,
		Timeout:      config.Seconds(es.TimeoutSeconds),
		FetchTimeout: config.Seconds(es.FetchTimeoutSeconds),
	}

	results := make([][]model.Article, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(es.BatchSize)
	for i, a := range selected {
		g.Go(func() error {
			results[i] = ex.Expand(gctx, a, settings)
			return nil
		})
	}
	_ = g.Wait()

	var out []model.Article
	for _, r := range results {
		out = append(out, r...)
	}
	log.Info("content extracted", "selected", len(selected), "articles", len(out), "browser_used", b.Started())
	return out
}

// applyInclusionFilter asks the model to vet articles whose feed has a filter query.
// Articles from feeds without one pass through.
func (o *Orchestrator) applyInclusionFilter(ctx context.Context, log *slog.Logger, sum *summarizer.Summarizer, c *config.Collection, articles []model.Article) ([]model.Article, []model.Article) {
	feeds := make(map[string]config.FeedSettings, len(c.Resolved))
	for _, fs := range c.Resolved {
		feeds[fs.URL] = fs
	}

	include := make([]bool, len(articles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.d.Global.LLMConcurrency)
	for i, a := range articles {
		fs, ok := feeds[a.SourceURL]
		if !ok || fs.FilterQuery == "" {
			include[i] = true
			continue
		}
		g.Go(func() error {
			include[i] = sum.FilterArticle(gctx, a, fs.FilterQuery, fs.FilterModel)
			return nil
		})
	}
	_ = g.Wait()

	var kept, rejected []model.Article
	for i, a := range articles {
		if include[i] {
			kept = append(kept, a)
			continue
		}
		rejected = append(rejected, a)
	}
	if len(rejected) > 0 {
		log.Info("articles rejected by inclusion filter", "count", len(rejected))
	}
	return kept, rejected
}
