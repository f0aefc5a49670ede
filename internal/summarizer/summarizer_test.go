package summarizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/00sapo/better-morning/internal/cache"
	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/oracle"
)

// fakeOracle answers requests with respond and records every request.
type fakeOracle struct {
	mu       sync.Mutex
	requests []oracle.Request
	respond  func(req oracle.Request) (string, error)
}

func (f *fakeOracle) Complete(_ context.Context, req oracle.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeOracle) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// scripted returns the given answers in order, then fails.
func scripted(answers ...string) *fakeOracle {
	var mu sync.Mutex
	return &fakeOracle{respond: func(oracle.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(answers) == 0 {
			return "", errors.New("no more answers")
		}
		a := answers[0]
		answers = answers[1:]
		return a, nil
	}}
}

func failing(err error) *fakeOracle {
	return &fakeOracle{respond: func(oracle.Request) (string, error) { return "", err }}
}

func testSettings() Settings {
	llm := config.DefaultLLM()
	llm.ReasonerModel = "reasoner"
	llm.LightModel = "light"
	llm.NMostImportantNews = 3
	llm.KWordsEachSummary = 50
	return Settings{
		LLM:                 llm,
		TokenThreshold:      100_000,
		CharsPerToken:       4,
		SelectionMultiplier: 3,
		MaxPDFBytes:         1 << 20,
		Concurrency:         2,
	}
}

func newTestSummarizer(client oracle.Client, s Settings) *Summarizer {
	return New(client, nil, "tech", s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleArticles(n int) []model.Article {
	out := make([]model.Article, n)
	for i := range out {
		out[i] = model.Article{
			ID:            fmt.Sprintf("test-%d", i+1),
			Title:         fmt.Sprintf("Article %d", i+1),
			Link:          fmt.Sprintf("https://example.com/%d", i+1),
			FeedName:      "Example Feed",
			PublishedDate: time.Date(2025, 1, i+1, 0, 0, 0, 0, time.UTC),
			Summary:       fmt.Sprintf("Summary %d", i+1),
		}
	}
	return out
}

func ids(articles []model.Article) []string {
	out := make([]string, len(articles))
	for i, a := range articles {
		out[i] = a.ID
	}
	return out
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		tokens  int
		ratio   int
		want    string
		wantCut bool
	}{
		{name: "cut to four chars per token", text: "12345", tokens: 1, ratio: 4, want: "1234", wantCut: true},
		{name: "exact fit", text: "12345678", tokens: 2, ratio: 4, want: "12345678"},
		{name: "shorter", text: "abc", tokens: 10, ratio: 4, want: "abc"},
		{name: "multibyte counts characters", text: "héllo wörld", tokens: 2, ratio: 3, want: "héllo "},
		{name: "zero limit", text: "abc", tokens: 0, ratio: 4, want: "", wantCut: true},
		{name: "configurable ratio", text: strings.Repeat("x", 20), tokens: 3, ratio: 5, want: strings.Repeat("x", 15), wantCut: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cut := Truncate(tt.text, tt.tokens, tt.ratio)
			if got != tt.want {
				t.Errorf("Truncate() = %q, want %q", got, tt.want)
			}
			if cut != tt.wantCut {
				t.Errorf("Truncate() cut = %v, want %v", cut, tt.wantCut)
			}
		})
	}
}

func TestSelectForFetching(t *testing.T) {
	tests := []struct {
		name      string
		oracle    *fakeOracle
		n         int
		wantIDs   []string
		wantCalls int
	}{
		{
			name:      "model picks one-based indices",
			oracle:    scripted(`{"selected_indices": [1, 3, 5]}`),
			n:         3,
			wantIDs:   []string{"test-1", "test-3", "test-5"},
			wantCalls: 1,
		},
		{
			name:      "duplicates dropped and answer capped",
			oracle:    scripted(`{"selected_indices": [2, 2, 4, 6, 8, 10]}`),
			n:         1,
			wantIDs:   []string{"test-2", "test-4", "test-6"},
			wantCalls: 1,
		},
		{
			name:      "json wrapped in prose",
			oracle:    scripted("Sure!\n```json\n{\"selected_indices\": [7]}\n```"),
			n:         1,
			wantIDs:   []string{"test-7"},
			wantCalls: 1,
		},
		{
			name:      "oracle error falls back to most recent",
			oracle:    failing(errors.New("api error")),
			n:         3,
			wantIDs:   []string{"test-10", "test-9", "test-8", "test-7", "test-6", "test-5", "test-4", "test-3", "test-2"},
			wantCalls: 1,
		},
		{
			name:      "out of range index falls back",
			oracle:    scripted(`{"selected_indices": [1, 42]}`),
			n:         1,
			wantIDs:   []string{"test-10", "test-9", "test-8"},
			wantCalls: 1,
		},
		{
			name:      "wrong shape falls back",
			oracle:    scripted(`{"articles": [1]}`),
			n:         1,
			wantIDs:   []string{"test-10", "test-9", "test-8"},
			wantCalls: 1,
		},
		{
			name:      "not json falls back",
			oracle:    scripted("I would pick the first three."),
			n:         1,
			wantIDs:   []string{"test-10", "test-9", "test-8"},
			wantCalls: 1,
		},
		{
			name:      "target covers every candidate",
			oracle:    scripted(),
			n:         5,
			wantIDs:   []string{"test-1", "test-2", "test-3", "test-4", "test-5", "test-6", "test-7", "test-8", "test-9", "test-10"},
			wantCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			s.LLM.NMostImportantNews = tt.n
			sum := newTestSummarizer(tt.oracle, s)

			got := sum.SelectForFetching(context.Background(), sampleArticles(10), "Focus on rates", "")

			if diff := cmp.Diff(tt.wantIDs, ids(got)); diff != "" {
				t.Errorf("selected IDs mismatch (-want +got):\n%s", diff)
			}
			if got := tt.oracle.calls(); got != tt.wantCalls {
				t.Errorf("oracle calls = %d, want %d", got, tt.wantCalls)
			}
			if len(got) > min(10, 3*tt.n) {
				t.Errorf("selected %d articles, bound is %d", len(got), min(10, 3*tt.n))
			}
		})
	}
}

func TestSelectionPrompt(t *testing.T) {
	o := scripted(`{"selected_indices": [1]}`)
	s := testSettings()
	s.LLM.NMostImportantNews = 1
	sum := newTestSummarizer(o, s)

	sum.SelectForFetching(context.Background(), sampleArticles(4), "Only central banks", "Digest from 2025-01-01:\nOld story")

	require.Len(t, o.requests, 1)
	req := o.requests[0]
	assert.Equal(t, "reasoner", req.Model)
	assert.True(t, req.JSON)
	prompt := req.Messages[0].Text
	assert.Contains(t, prompt, "1. [2025-01-01] Article 1\n   Summary 1")
	assert.Contains(t, prompt, "4. [2025-01-04] Article 4")
	assert.Contains(t, prompt, "Only central banks")
	assert.Contains(t, prompt, "Old story")
	assert.Contains(t, prompt, "exactly 3 distinct")
}

func TestFilterArticle(t *testing.T) {
	tests := []struct {
		name      string
		oracle    *fakeOracle
		want      bool
		wantCalls int
	}{
		{name: "include", oracle: scripted(`{"include": true}`), want: true, wantCalls: 1},
		{name: "exclude", oracle: scripted(`{"include": false}`), want: false, wantCalls: 1},
		{name: "retry then embedded json", oracle: scripted("Not JSON", `Here is JSON: {"include": true}`), want: true, wantCalls: 2},
		{name: "both unparseable excludes", oracle: scripted("Nope", "Still not JSON"), want: false, wantCalls: 2},
		{name: "missing key retries", oracle: scripted(`{"answer": "yes"}`, `{"include": true}`), want: true, wantCalls: 2},
		{name: "oracle down excludes", oracle: failing(errors.New("timeout")), want: false, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := newTestSummarizer(tt.oracle, testSettings())
			a := model.Article{ID: "a", Title: "Test Article", Link: "https://example.com/a", Content: "Some content"}

			got := sum.FilterArticle(context.Background(), a, "Include only policy news", "filter-model")

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, tt.oracle.calls())
			for _, req := range tt.oracle.requests {
				assert.Equal(t, "filter-model", req.Model)
				assert.Contains(t, req.Messages[0].Text, "Include only policy news")
			}
		})
	}
}

func TestFilterArticleStricterRetry(t *testing.T) {
	o := scripted("maybe", `{"include": false}`)
	sum := newTestSummarizer(o, testSettings())

	sum.FilterArticle(context.Background(), model.Article{ID: "a", Summary: "text"}, "q", "")

	require.Len(t, o.requests, 2)
	assert.Equal(t, "light", o.requests[0].Model, "defaults to the light model")
	assert.NotContains(t, o.requests[0].Messages[0].Text, "could not be parsed")
	assert.Contains(t, o.requests[1].Messages[0].Text, "could not be parsed")
}

func TestSummarizeOne(t *testing.T) {
	text := model.Article{
		ID: "t", Title: "Test Article", Link: "https://example.com/1", FeedName: "Test Feed",
		Content: "This is a long article content that needs to be summarized.", ContentType: model.ContentTypeText,
	}
	pdf := model.Article{
		ID: "p", Title: "Test PDF", Link: "https://example.com/report.pdf", FeedName: "Test Feed",
		RawContent: []byte("%PDF-1.4 test content"), ContentType: model.ContentTypePDF,
	}

	tests := []struct {
		name        string
		article     model.Article
		maxPDF      int64
		oracle      *fakeOracle
		wantFailed  bool
		wantReason  string
		wantSummary string
		wantCalls   int
	}{
		{
			name:        "text",
			article:     text,
			oracle:      scripted("Summarized content"),
			wantSummary: "Summarized content\n\nSource: [Test Feed](https://example.com/1)",
			wantCalls:   1,
		},
		{
			name:        "pdf",
			article:     pdf,
			oracle:      scripted("PDF summary"),
			wantSummary: "PDF summary\n\nSource: [Test Feed](https://example.com/report.pdf)",
			wantCalls:   1,
		},
		{
			name:       "oversized pdf without text",
			article:    pdf,
			maxPDF:     4,
			oracle:     scripted(),
			wantFailed: true,
			wantReason: "pdf of 21 bytes exceeds the 4 byte limit",
		},
		{
			name: "oversized pdf with text",
			article: func() model.Article {
				a := pdf
				a.Content = "Extracted text"
				return a
			}(),
			maxPDF:      4,
			oracle:      scripted("From text"),
			wantSummary: "From text\n\nSource: [Test Feed](https://example.com/report.pdf)",
			wantCalls:   1,
		},
		{
			name:       "oracle error",
			article:    text,
			oracle:     failing(errors.New("rate limited")),
			wantFailed: true,
			wantReason: "rate limited",
			wantCalls:  1,
		},
		{
			name:       "empty answer",
			article:    text,
			oracle:     scripted("   "),
			wantFailed: true,
			wantReason: "empty summary",
			wantCalls:  1,
		},
		{
			name:       "no content",
			article:    model.Article{ID: "e", Summary: "feed blurb"},
			oracle:     scripted(),
			wantFailed: true,
			wantReason: "no content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			if tt.maxPDF > 0 {
				s.MaxPDFBytes = tt.maxPDF
			}
			sum := newTestSummarizer(tt.oracle, s)

			got := sum.SummarizeOne(context.Background(), tt.article)

			assert.Equal(t, tt.wantFailed, got.Failed)
			assert.Equal(t, tt.wantReason, got.Reason)
			if !tt.wantFailed {
				assert.Equal(t, tt.wantSummary, got.Article.Summary)
			}
			assert.Equal(t, tt.wantCalls, tt.oracle.calls())
		})
	}
}

func TestSummarizeOnePDFRequest(t *testing.T) {
	o := scripted("PDF summary")
	sum := newTestSummarizer(o, testSettings())

	sum.SummarizeOne(context.Background(), model.Article{
		ID: "p", Title: "Annual Report", Link: "https://example.com/files/report.pdf",
		RawContent: []byte("%PDF-1.4"), ContentType: model.ContentTypePDF,
	})

	require.Len(t, o.requests, 1)
	msg := o.requests[0].Messages[0]
	assert.Equal(t, "light", o.requests[0].Model)
	assert.Contains(t, msg.Text, "attached PDF document titled 'Annual Report' in approximately 50 words")
	require.NotNil(t, msg.Attachment)
	want := oracle.Attachment{MIMEType: "application/pdf", Name: "report.pdf", Data: []byte("%PDF-1.4")}
	if diff := cmp.Diff(want, *msg.Attachment); diff != "" {
		t.Errorf("attachment mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarizeOnePromptTemplateAndTruncation(t *testing.T) {
	o := scripted("ok")
	s := testSettings()
	s.TokenThreshold = 10
	s.LLM.PromptTemplate = "Summarize {title} in {k_words} words: {content}"
	sum := newTestSummarizer(o, s)

	sum.SummarizeOne(context.Background(), model.Article{ID: "t", Title: "T", Content: strings.Repeat("z", 100)})

	require.Len(t, o.requests, 1)
	prompt := o.requests[0].Messages[0].Text
	assert.Len(t, prompt, 40)
	assert.True(t, strings.HasPrefix(prompt, "Summarize T in 50 words: zzz"))
}

func TestSummarizeOneCache(t *testing.T) {
	o := scripted("Fresh summary")
	mem := cache.NewMemory(time.Hour)
	sum := New(o, mem, "tech", testSettings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	a := model.Article{ID: "c", Title: "Cached", Link: "https://example.com/c", FeedName: "Feed", Content: "body"}

	first := sum.SummarizeOne(context.Background(), a)
	second := sum.SummarizeOne(context.Background(), a)

	assert.Equal(t, 1, o.calls())
	assert.Equal(t, first.Article.Summary, second.Article.Summary)
	assert.Equal(t, "Fresh summary\n\nSource: [Feed](https://example.com/c)", second.Article.Summary)
}

func TestSummarizeOneCacheLinkedArticles(t *testing.T) {
	o := scripted("Summary of alpha", "Summary of beta")
	mem := cache.NewMemory(time.Hour)
	sum := New(o, mem, "tech", testSettings(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	linked := func(n int, link string) model.Article {
		return model.Article{
			ID: model.LinkedID("https://news.example/roundup", n), ParentID: "https://news.example/roundup",
			Title: "Linked", Link: link, FeedName: "Feed", Content: "body of " + link,
		}
	}

	// The roundup page changed: its first link now points elsewhere.
	alpha := sum.SummarizeOne(context.Background(), linked(1, "https://alpha.example/story"))
	beta := sum.SummarizeOne(context.Background(), linked(1, "https://beta.example/story"))
	// The alpha story moved to the second position.
	moved := sum.SummarizeOne(context.Background(), linked(2, "https://alpha.example/story"))

	assert.Equal(t, 2, o.calls())
	assert.True(t, strings.HasPrefix(alpha.Article.Summary, "Summary of alpha"))
	assert.True(t, strings.HasPrefix(beta.Article.Summary, "Summary of beta"))
	assert.True(t, strings.HasPrefix(moved.Article.Summary, "Summary of alpha"))
}

// collectionOracle answers article summaries with "summary of <title>" and
// the collection request with digest, unless failDigest is set.
func collectionOracle(digest string, failTitles ...string) *fakeOracle {
	return &fakeOracle{respond: func(req oracle.Request) (string, error) {
		text := req.Messages[0].Text
		if req.Model == "reasoner" {
			if digest == "" {
				return "", errors.New("reasoner unavailable")
			}
			return digest, nil
		}
		for _, title := range failTitles {
			if strings.Contains(text, title) {
				return "", errors.New("cannot summarize " + title)
			}
		}
		start := strings.Index(text, `"`)
		end := strings.Index(text[start+1:], `"`)
		return "summary of " + text[start+1:start+1+end], nil
	}}
}

func contentArticles(n int) []model.Article {
	out := sampleArticles(n)
	for i := range out {
		out[i].Content = fmt.Sprintf("Content %d", i+1)
		out[i].ContentType = model.ContentTypeText
	}
	return out
}

func TestSummarizeCollection(t *testing.T) {
	o := collectionOracle("Collection overview")
	sum := newTestSummarizer(o, testSettings())

	d := sum.SummarizeCollection(context.Background(), contentArticles(2), "Test collection", "Digest from 2025-01-01:\nYesterday")

	assert.Equal(t, "Collection overview", d.Text)
	assert.False(t, d.Degraded)
	if diff := cmp.Diff([]string{"test-1", "test-2"}, ids(d.Included)); diff != "" {
		t.Errorf("included mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, d.Excluded)
	assert.Empty(t, d.Failed)
	assert.Equal(t, "summary of Article 1\n\nSource: [Example Feed](https://example.com/1)", d.Included[0].Summary)

	require.Equal(t, 3, o.calls())
	var final oracle.Request
	for _, req := range o.requests {
		if req.Model == "reasoner" {
			final = req
		}
	}
	prompt := final.Messages[0].Text
	assert.Contains(t, prompt, "Title: Article 1\nLink: https://example.com/1\nSummary: summary of Article 1")
	assert.Contains(t, prompt, "Test collection")
	assert.Contains(t, prompt, "Yesterday")
	assert.Contains(t, prompt, "Pick the 2 most important stories")
	assert.Contains(t, prompt, "in English of about 100 words")
	assert.Contains(t, prompt, "markdown link")
}

func TestSummarizeCollectionDropsFailures(t *testing.T) {
	o := collectionOracle("Overview", "Article 2")
	sum := newTestSummarizer(o, testSettings())

	d := sum.SummarizeCollection(context.Background(), contentArticles(3), "", "")

	if diff := cmp.Diff([]string{"test-1", "test-3"}, ids(d.Included)); diff != "" {
		t.Errorf("included mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, d.Failed, 1)
	assert.Equal(t, "test-2", d.Failed[0].Article.ID)
	assert.False(t, d.Degraded)
}

func TestSummarizeCollectionBudget(t *testing.T) {
	o := collectionOracle("Overview")
	s := testSettings()
	sum := newTestSummarizer(o, s)

	articles := contentArticles(4)
	head, tail := sum.collectionPrompt(4, "", "")
	block := func(i int) int {
		return len(fmt.Sprintf("Title: Article %d\nLink: https://example.com/%d\nSummary: summary of Article %d\n\nSource: [Example Feed](https://example.com/%d)\n\n", i, i, i, i))
	}
	// Room for exactly two blocks at 75% of the ceiling.
	need := len(head) + len(tail) + block(1) + block(2)
	s.TokenThreshold = need/3 + 1
	sum = newTestSummarizer(o, s)
	require.GreaterOrEqual(t, sum.charBudget(), need)
	require.Less(t, sum.charBudget(), need+block(3))

	d := sum.SummarizeCollection(context.Background(), articles, "", "")

	if diff := cmp.Diff([]string{"test-1", "test-2"}, ids(d.Included)); diff != "" {
		t.Errorf("included mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"test-3", "test-4"}, ids(d.Excluded)); diff != "" {
		t.Errorf("excluded mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "Overview", d.Text)

	final := o.requests[len(o.requests)-1]
	require.Equal(t, "reasoner", final.Model)
	prompt := final.Messages[0].Text
	assert.Contains(t, prompt, "Below are 2 article summaries")
	assert.Contains(t, prompt, "Pick the 2 most important stories")
	assert.NotContains(t, prompt, "Article 3")
}

func TestSummarizeCollectionFallbacks(t *testing.T) {
	tests := []struct {
		name         string
		oracle       *fakeOracle
		articles     []model.Article
		wantText     string
		wantDegraded bool
		wantIncluded int
	}{
		{
			name:     "no articles",
			oracle:   collectionOracle("unused"),
			wantText: "No new articles for this collection.",
		},
		{
			name:         "reasoner fails",
			oracle:       collectionOracle(""),
			articles:     contentArticles(2),
			wantText:     FallbackDigest,
			wantDegraded: true,
			wantIncluded: 2,
		},
		{
			name:         "every article fails",
			oracle:       failing(errors.New("down")),
			articles:     contentArticles(2),
			wantText:     FallbackDigest,
			wantDegraded: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := newTestSummarizer(tt.oracle, testSettings())
			d := sum.SummarizeCollection(context.Background(), tt.articles, "", "")

			assert.Equal(t, tt.wantText, d.Text)
			assert.Equal(t, tt.wantDegraded, d.Degraded)
			assert.Len(t, d.Included, tt.wantIncluded)
		})
	}
}
