// Package orchestrator runs the digest pipeline for every collection and owns
// the rule that history is written only after the digest has been delivered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/00sapo/better-morning/internal/browser"
	"github.com/00sapo/better-morning/internal/cache"
	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/delivery"
	"github.com/00sapo/better-morning/internal/digest"
	"github.com/00sapo/better-morning/internal/extractor"
	"github.com/00sapo/better-morning/internal/fetcher"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/oracle"
	"github.com/00sapo/better-morning/internal/storage"
	"github.com/00sapo/better-morning/internal/summarizer"
)

// Placeholder is the digest text of a collection that failed.
const Placeholder = "*This collection could not be processed. See the diagnostics section.*"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	fetcher.HTTPClient
	extractor.HTTPClient
}

// Deps are the collaborators shared by every collection of a run.
type Deps struct {
	Global    *config.Global
	Store     storage.Storage
	Oracle    oracle.Client
	Cache     cache.Cache
	Deliverer delivery.Deliverer
	HTTP      HTTPClient
	// NewBrowser starts a headless browser. Nil disables the browser tier.
	NewBrowser func(browser.Options) (browser.Browser, error)
	Now        func() time.Time
	Log        *slog.Logger
}

// Orchestrator sequences collections.
type Orchestrator struct {
	d Deps
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Cache == nil {
		d.Cache = cache.Nop{}
	}
	return &Orchestrator{d: d}
}

// CollectionResult is the outcome of one collection.
type CollectionResult struct {
	Name   string
	Slug   string
	Digest summarizer.Digest
	Report model.FetchReport
	// Rejected were dropped by the inclusion filter.
	Rejected []model.Article
	// Processed holds every article selected for extraction, keyed by ID.
	Processed map[string]model.Article
	Err       error
	Committed bool
}

// Committable reports whether the collection's articles may be written to history.
func (r *CollectionResult) Committable() bool {
	return r.Err == nil && !r.Digest.Degraded
}

// Report summarizes a run.
type Report struct {
	RunID       string
	Collections []*CollectionResult
	Document    delivery.Document
	Location    string
}

// Failed returns the collections that errored.
func (r *Report) Failed() []*CollectionResult {
	var out []*CollectionResult
	for _, c := range r.Collections {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Run processes collections one after another, delivers the combined digest and then
// commits the history of every collection that succeeded. Collection files that failed
// to load are listed in the digest as failed collections. Run returns an error only
// when delivery or a history commit failed.
func (o *Orchestrator) Run(ctx context.Context, collections []*config.Collection, unloaded ...*config.LoadError) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	log := o.d.Log.With("run_id", report.RunID)
	now := o.d.Now().UTC()

	log.Info("run started", "collections", len(collections), "unloaded", len(unloaded))
	for _, c := range collections {
		res := o.runCollection(ctx, log, c)
		if res.Err != nil {
			log.Error("collection failed", "collection", c.Name, "error", res.Err)
		}
		report.Collections = append(report.Collections, res)
	}
	for _, le := range unloaded {
		log.Error("collection not loaded", "path", le.Path, "error", le.Err)
		report.Collections = append(report.Collections, &CollectionResult{
			Name:   le.Label(),
			Err:    le,
			Digest: summarizer.Digest{Text: Placeholder, Degraded: true},
		})
	}

	sections := make([]digest.Section, len(report.Collections))
	for i, res := range report.Collections {
		sections[i] = section(res)
	}
	report.Document = delivery.Document{
		Date:     now,
		Title:    digest.Title(now),
		Markdown: digest.Render(now, sections),
	}

	where, err := o.d.Deliverer.Deliver(ctx, report.Document)
	if err != nil {
		return report, fmt.Errorf("deliver digest: %w", err)
	}
	report.Location = where
	log.Info("digest delivered", "location", where)

	var errs []error
	for _, res := range report.Collections {
		if !res.Committable() {
			log.Warn("history not updated", "collection", res.Name, "degraded", res.Digest.Degraded, "failed", res.Err != nil)
			continue
		}
		if err := o.commit(ctx, res, now); err != nil {
			errs = append(errs, fmt.Errorf("commit %s: %w", res.Name, err))
			log.Error("history commit failed", "collection", res.Name, "error", err)
			continue
		}
		res.Committed = true
	}

	log.Info("run finished", "collections", len(report.Collections), "failed", len(report.Failed()))
	return report, errors.Join(errs...)
}

// runCollection never panics; any failure is recorded on the result.
func (o *Orchestrator) runCollection(ctx context.Context, log *slog.Logger, c *config.Collection) (res *CollectionResult) {
	res = &CollectionResult{Name: c.Name, Slug: c.Slug()}
	defer func() {
		if r := recover(); r != nil {
			log.Error("collection panicked", "collection", c.Name, "panic", r, "stack", string(debug.Stack()))
			res.Err = fmt.Errorf("panic: %v", r)
		}
		if res.Err != nil {
			res.Digest = summarizer.Digest{Text: Placeholder, Degraded: true}
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}
	res.Err = o.pipeline(ctx, log, c, res)
	return res
}

func section(res *CollectionResult) digest.Section {
	s := digest.Section{
		Name:     res.Name,
		Summary:  res.Digest.Text,
		Articles: res.Digest.Included,
		Report:   res.Report,
	}
	if res.Err != nil {
		s.Err = res.Err.Error()
	}
	return s
}

// commit writes the processed articles, the digest time and the digest body.
// A linked article's parent is committed with it so the parent page is not fetched again.
func (o *Orchestrator) commit(ctx context.Context, res *CollectionResult, now time.Time) error {
	var articles []model.Article
	seen := make(map[string]bool)
	add := func(a model.Article) {
		if a.ID == "" || seen[a.ID] {
			return
		}
		seen[a.ID] = true
		articles = append(articles, a)
	}

	for _, a := range slices.Concat(res.Digest.Included, res.Rejected) {
		add(a)
		if a.ParentID == "" {
			continue
		}
		parent, ok := res.Processed[a.ParentID]
		if !ok {
			parent = model.Article{ID: a.ParentID, SourceURL: a.SourceURL, FeedName: a.FeedName, PublishedDate: a.PublishedDate}
		}
		add(parent)
	}

	batch := storage.Batch{Articles: articles, At: now}
	if len(res.Digest.Included) > 0 {
		batch.Digest = &model.DigestEntry{Date: now, Content: res.Digest.Text}
	}
	if err := o.d.Store.Commit(ctx, res.Slug, batch); err != nil {
		return fmt.Errorf("commit history: %w", err)
	}
	o.d.Log.Info("history committed", "collection", res.Name, "articles", len(articles))
	return nil
}
