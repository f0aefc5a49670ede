package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/delivery"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/oracle"
	"github.com/00sapo/better-morning/internal/storage"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type item struct {
	slug  string
	title string
	age   time.Duration
}

// newsServer serves one RSS feed per path and an HTML page per article.
func newsServer(t *testing.T, feeds map[string][]item) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if items, ok := feeds[r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/rss+xml")
			var b strings.Builder
			b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Test Feed</title>`)
			for _, it := range items {
				fmt.Fprintf(&b, `<item><title>%s</title><link>%s/a/%s</link><description>Short blurb.</description><pubDate>%s</pubDate></item>`,
					it.title, srv.URL, it.slug, testNow.Add(-it.age).Format(time.RFC1123Z))
			}
			b.WriteString(`</channel></rss>`)
			_, _ = io.WriteString(w, b.String())
			return
		}
		if slug, ok := strings.CutPrefix(r.URL.Path, "/a/"); ok {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><head><title>%s</title></head><body><article><p>Full text of %s with enough words to count.</p></article></body></html>`, slug, slug)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeOracle summarizes by echoing titles, vets by rejecting "Sponsored", and
// writes the digest unless failDigest is set.
type fakeOracle struct {
	mu         sync.Mutex
	failDigest bool
	calls      int
}

func (f *fakeOracle) Complete(_ context.Context, req oracle.Request) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	text := req.Messages[0].Text
	switch {
	case strings.Contains(text, "Inclusion criteria"):
		return fmt.Sprintf(`{"include": %t}`, !strings.Contains(text, "Sponsored")), nil
	case req.Model == "reasoner":
		if f.failDigest {
			return "", errors.New("reasoner overloaded")
		}
		return "Today in brief.", nil
	default:
		start := strings.Index(text, `"`)
		end := strings.Index(text[start+1:], `"`)
		return "Summary of " + text[start+1:start+1+end], nil
	}
}

type stubDeliverer struct {
	mu   sync.Mutex
	docs []delivery.Document
	err  error
}

func (s *stubDeliverer) Deliver(_ context.Context, doc delivery.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return "memory", s.err
}

func testGlobal(t *testing.T) *config.Global {
	t.Helper()
	g := config.Default()
	g.History.Dir = t.TempDir()
	g.Extraction.MinDelayMillis, g.Extraction.MaxDelayMillis = 0, 0
	g.Extraction.DisableBrowser = true
	g.FeedDefaults.Retries = 1
	g.LLM.ReasonerModel = "reasoner"
	g.LLM.LightModel = "light"
	return g
}

func testCollection(t *testing.T, g *config.Global, name string, feedURLs ...string) *config.Collection {
	t.Helper()
	c := &config.Collection{Name: name, MaxAgeRaw: "7d"}
	for _, u := range feedURLs {
		c.Feeds = append(c.Feeds, config.FeedConfig{URL: u, Name: "Feed " + u[strings.LastIndex(u, "/")+1:]})
	}
	require.NoError(t, c.Resolve(g))
	return c
}

type harness struct {
	g     *config.Global
	store storage.Storage
	or    *fakeOracle
	out   *stubDeliverer
	orch  *Orchestrator
}

func newHarness(t *testing.T, g *config.Global, store storage.Storage) *harness {
	t.Helper()
	h := &harness{g: g, store: store, or: &fakeOracle{}, out: &stubDeliverer{}}
	h.orch = New(Deps{
		Global:    g,
		Store:     store,
		Oracle:    h.or,
		Deliverer: h.out,
		HTTP:      http.DefaultClient,
		Now:       func() time.Time { return testNow },
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func knownIDs(t *testing.T, s storage.Storage, collection string) []string {
	t.Helper()
	known, err := s.LoadArticles(context.Background(), collection)
	require.NoError(t, err)
	return slices.Sorted(maps.Keys(known))
}

func TestRunCommitsAfterDelivery(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {
			{slug: "rates", title: "Rates hold", age: 2 * time.Hour},
			{slug: "release", title: "Release day", age: 26 * time.Hour},
			{slug: "ancient", title: "Ancient news", age: 10 * 24 * time.Hour},
		},
	})
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, storage.Retention(g.ContextDigestSize), slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)
	c := testCollection(t, g, "Tech", srv.URL+"/tech.xml")

	report, err := h.orch.Run(context.Background(), []*config.Collection{c})
	require.NoError(t, err)

	require.Len(t, report.Collections, 1)
	res := report.Collections[0]
	require.NoError(t, res.Err)
	assert.True(t, res.Committed)
	assert.Equal(t, "Today in brief.", res.Digest.Text)
	assert.Equal(t, "memory", report.Location)
	assert.NotEmpty(t, report.RunID)

	wantIDs := []string{srv.URL + "/a/rates", srv.URL + "/a/release"}
	if diff := cmp.Diff(wantIDs, knownIDs(t, store, "tech")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	at, err := store.LoadDigestTime(context.Background(), "tech")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Equal(testNow))

	digests, err := store.RecentDigests(context.Background(), "tech", 5)
	require.NoError(t, err)
	require.Len(t, digests, 1)
	assert.Equal(t, "Today in brief.", digests[0].Content)

	require.Len(t, h.out.docs, 1)
	md := h.out.docs[0].Markdown
	assert.Contains(t, md, "# Better Morning Digest - 2024-03-10")
	assert.Contains(t, md, "## Tech\n\nToday in brief.")
	assert.Contains(t, md, "Summary of Rates hold")
	assert.NotContains(t, md, "Ancient news")

	// Same feed again: nothing new, nothing reprocessed.
	report, err = h.orch.Run(context.Background(), []*config.Collection{c})
	require.NoError(t, err)
	assert.Empty(t, report.Collections[0].Digest.Included)
	assert.Equal(t, "No new articles for this collection.", report.Collections[0].Digest.Text)
	if diff := cmp.Diff(wantIDs, knownIDs(t, store, "tech")); diff != "" {
		t.Errorf("history after second run mismatch (-want +got):\n%s", diff)
	}
	digests, err = store.RecentDigests(context.Background(), "tech", 5)
	require.NoError(t, err)
	assert.Len(t, digests, 1, "empty digests are not added to context")
}

func TestRunDegradedSummaryIsNotCommitted(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {{slug: "rates", title: "Rates hold", age: time.Hour}},
	})
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)
	h.or.failDigest = true
	c := testCollection(t, g, "Tech", srv.URL+"/tech.xml")

	report, err := h.orch.Run(context.Background(), []*config.Collection{c})
	require.NoError(t, err)

	res := report.Collections[0]
	assert.True(t, res.Digest.Degraded)
	assert.False(t, res.Committed)
	assert.Empty(t, knownIDs(t, store, "tech"))

	at, err := store.LoadDigestTime(context.Background(), "tech")
	require.NoError(t, err)
	assert.Nil(t, at)

	// The article is still new on the next attempt.
	h.or.failDigest = false
	report, err = h.orch.Run(context.Background(), []*config.Collection{c})
	require.NoError(t, err)
	require.Len(t, report.Collections[0].Digest.Included, 1)
	assert.Equal(t, srv.URL+"/a/rates", report.Collections[0].Digest.Included[0].ID)
}

func TestRunDeliveryFailureSkipsCommit(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {{slug: "rates", title: "Rates hold", age: time.Hour}},
	})
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)
	h.out.err = errors.New("disk full")
	c := testCollection(t, g, "Tech", srv.URL+"/tech.xml")

	report, err := h.orch.Run(context.Background(), []*config.Collection{c})
	require.Error(t, err)
	assert.False(t, report.Collections[0].Committed)
	assert.Empty(t, knownIDs(t, store, "tech"))
}

// panickingStore fails hard for one collection.
type panickingStore struct {
	storage.Storage
	slug string
}

func (p *panickingStore) RecentDigests(ctx context.Context, collection string, n int) ([]model.DigestEntry, error) {
	if collection == p.slug {
		panic("history index out of range")
	}
	return p.Storage.RecentDigests(ctx, collection, n)
}

func TestRunIsolatesCollectionFailure(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml":    {{slug: "rates", title: "Rates hold", age: time.Hour}},
		"/science.xml": {{slug: "comet", title: "Comet seen", age: time.Hour}},
	})
	g := testGlobal(t)
	inner := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	store := &panickingStore{Storage: inner, slug: "science"}
	h := newHarness(t, g, store)

	report, err := h.orch.Run(context.Background(), []*config.Collection{
		testCollection(t, g, "Science", srv.URL+"/science.xml"),
		testCollection(t, g, "Tech", srv.URL+"/tech.xml"),
	})
	require.NoError(t, err)

	require.Len(t, report.Collections, 2)
	science, tech := report.Collections[0], report.Collections[1]

	require.Error(t, science.Err)
	assert.Contains(t, science.Err.Error(), "panic")
	assert.Equal(t, Placeholder, science.Digest.Text)
	assert.False(t, science.Committed)
	assert.Empty(t, knownIDs(t, inner, "science"))

	require.NoError(t, tech.Err)
	assert.True(t, tech.Committed)
	assert.Equal(t, []string{srv.URL + "/a/rates"}, knownIDs(t, inner, "tech"))

	require.Len(t, report.Failed(), 1)
	md := h.out.docs[0].Markdown
	assert.Contains(t, md, "## Science\n\n"+Placeholder)
	assert.Contains(t, md, "## Collection Errors")
}

func TestRunReportsUnloadableCollectionFiles(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {{slug: "rates", title: "Rates hold", age: time.Hour}},
	})
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)

	dir := t.TempDir()
	files := map[string]string{
		"tech.toml":    fmt.Sprintf("name = \"Tech\"\n[[feeds]]\nurl = %q\n", srv.URL+"/tech.xml"),
		"weekend.toml": fmt.Sprintf("name = \"Weekend\"\nmax_age = \"soon\"\n[[feeds]]\nurl = %q\n", srv.URL+"/tech.xml"),
		"garbled.toml": "name = [unterminated\n",
	}
	var paths []string
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		paths = append(paths, p)
	}
	slices.Sort(paths)

	collections, loadErr := config.LoadCollections(paths, g)
	require.Error(t, loadErr)
	require.Len(t, collections, 1)
	unloaded := config.LoadErrors(loadErr)
	require.Len(t, unloaded, 2)

	report, err := h.orch.Run(context.Background(), collections, unloaded...)
	require.NoError(t, err)

	require.Len(t, report.Collections, 3)
	assert.True(t, report.Collections[0].Committed)
	for _, res := range report.Collections[1:] {
		require.Error(t, res.Err)
		assert.Equal(t, Placeholder, res.Digest.Text)
		assert.False(t, res.Committed)
	}
	assert.Len(t, report.Failed(), 2)

	require.Len(t, h.out.docs, 1)
	md := h.out.docs[0].Markdown
	assert.Contains(t, md, "## Tech\n\nToday in brief.")
	assert.Contains(t, md, "## garbled\n\n"+Placeholder)
	assert.Contains(t, md, "## Weekend\n\n"+Placeholder)
	assert.Contains(t, md, "## Collection Errors")
	assert.Contains(t, md, "- **Weekend**: collection "+filepath.Join(dir, "weekend.toml"))
	assert.Contains(t, md, "- **garbled**: collection "+filepath.Join(dir, "garbled.toml"))
}

// failingCommitStore rejects every history commit.
type failingCommitStore struct {
	storage.Storage
}

func (failingCommitStore) Commit(context.Context, string, storage.Batch) error {
	return errors.New("database is locked")
}

func TestRunCommitFailureReported(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {{slug: "rates", title: "Rates hold", age: time.Hour}},
	})
	g := testGlobal(t)
	inner := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, failingCommitStore{Storage: inner})

	report, err := h.orch.Run(context.Background(), []*config.Collection{testCollection(t, g, "Tech", srv.URL+"/tech.xml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	require.Len(t, h.out.docs, 1, "the digest is still delivered")
	assert.False(t, report.Collections[0].Committed)

	assert.Empty(t, knownIDs(t, inner, "tech"))
	at, err := inner.LoadDigestTime(context.Background(), "tech")
	require.NoError(t, err)
	assert.Nil(t, at)
}

func TestRunInclusionFilter(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {
			{slug: "rates", title: "Rates hold", age: time.Hour},
			{slug: "ad", title: "Sponsored gadget", age: 2 * time.Hour},
		},
	})
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)
	c := testCollection(t, g, "Tech", srv.URL+"/tech.xml")
	c.FilterSettings.FilterQuery = "No advertising"
	require.NoError(t, c.Resolve(g))

	report, err := h.orch.Run(context.Background(), []*config.Collection{c})
	require.NoError(t, err)

	res := report.Collections[0]
	require.Len(t, res.Digest.Included, 1)
	assert.Equal(t, "Rates hold", res.Digest.Included[0].Title)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "Sponsored gadget", res.Rejected[0].Title)

	// Rejected articles are remembered so they are not vetted again.
	wantIDs := []string{srv.URL + "/a/ad", srv.URL + "/a/rates"}
	if diff := cmp.Diff(wantIDs, knownIDs(t, store, "tech")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFeedFailureReported(t *testing.T) {
	srv := newsServer(t, map[string][]item{
		"/tech.xml": {{slug: "rates", title: "Rates hold", age: time.Hour}},
	})
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)
	c := testCollection(t, g, "Tech", srv.URL+"/tech.xml", srv.URL+"/gone.xml")

	report, err := h.orch.Run(context.Background(), []*config.Collection{c})
	require.NoError(t, err)

	res := report.Collections[0]
	assert.InDelta(t, 0.5, res.Report.SuccessRate(), 0.001)
	assert.True(t, res.Committed)
	assert.Contains(t, h.out.docs[0].Markdown, "## Feed Failures")
	assert.Contains(t, h.out.docs[0].Markdown, "1 of 2 feeds fetched (50%)")
}

func TestRunCanceled(t *testing.T) {
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, _ := h.orch.Run(ctx, []*config.Collection{testCollection(t, g, "Tech", "https://example.invalid/feed.xml")})

	require.Len(t, report.Collections, 1)
	require.ErrorIs(t, report.Collections[0].Err, context.Canceled)
	assert.Zero(t, h.or.calls)
}

func TestCommitIncludesLinkedParents(t *testing.T) {
	g := testGlobal(t)
	store := storage.NewJSON(g.History.Dir, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := newHarness(t, g, store)

	parent := model.Article{ID: "https://example.com/index", Title: "Index", PublishedDate: testNow}
	res := &CollectionResult{
		Name: "Papers",
		Slug: "papers",
		Processed: map[string]model.Article{
			parent.ID: parent,
		},
	}
	res.Digest.Text = "Digest"
	res.Digest.Included = []model.Article{
		{ID: model.LinkedID(parent.ID, 1), ParentID: parent.ID, Content: "sub one"},
		{ID: model.LinkedID("https://example.com/orphan", 2), ParentID: "https://example.com/orphan"},
	}

	require.NoError(t, h.orch.commit(context.Background(), res, testNow))

	want := []string{
		"https://example.com/index",
		"https://example.com/index#link-1",
		"https://example.com/orphan",
		"https://example.com/orphan#link-2",
	}
	if diff := cmp.Diff(want, knownIDs(t, store, "papers")); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	known, err := store.LoadArticles(context.Background(), "papers")
	require.NoError(t, err)
	assert.Equal(t, "Index", known[parent.ID].Title)
	assert.Empty(t, known[model.LinkedID(parent.ID, 1)].Content, "content is not persisted")
}
