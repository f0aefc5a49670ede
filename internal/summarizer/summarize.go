package summarizer

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/oracle"
)

// Digest is the outcome of summarizing a collection.
type Digest struct {
	Text string
	// Included are the articles whose summaries went into the digest prompt, in prompt order.
	Included []model.Article
	// Excluded were summarized but did not fit the token budget.
	Excluded []model.Article
	Failed   []Result
	// Degraded is set when Text is a fallback rather than a model answer.
	Degraded bool
}

// SummarizeOne summarizes a single article. Failures are reported in the Result, never as errors.
func (s *Summarizer) SummarizeOne(ctx context.Context, a model.Article) Result {
	log := s.log.With("article_id", a.ID)

	if !a.HasContent() {
		return Result{Article: a, Failed: true, Reason: "no content"}
	}

	key := cacheID(a)
	if cached, ok, err := s.cache.Get(ctx, s.collection, key); err != nil {
		log.Warn("summary cache read failed", "error", err)
	} else if ok {
		log.Debug("summary cache hit")
		a.Summary = cached + attribution(a)
		return Result{Article: a}
	}

	req, reason := s.articleRequest(a)
	if reason != "" {
		log.Warn("article not summarized", "reason", reason)
		return Result{Article: a, Failed: true, Reason: reason}
	}

	text, err := s.client.Complete(ctx, req)
	if err != nil {
		log.Warn("article summarization failed", "error", err)
		return Result{Article: a, Failed: true, Reason: err.Error()}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Article: a, Failed: true, Reason: "empty summary"}
	}

	if err := s.cache.Set(ctx, s.collection, key, text); err != nil {
		log.Warn("summary cache write failed", "error", err)
	}
	a.Summary = text + attribution(a)
	return Result{Article: a}
}

// cacheID is the summary cache key of a. A linked article's ID only records its
// position on the parent page, so it is keyed by the page it points to.
func cacheID(a model.Article) string {
	if a.ParentID != "" && a.Link != "" {
		return a.ParentID + " " + a.Link
	}
	return a.ID
}

// articleRequest builds the model request for a, or returns why none can be made.
func (s *Summarizer) articleRequest(a model.Article) (oracle.Request, string) {
	llm := s.s.LLM

	if a.IsPDF() {
		if s.s.MaxPDFBytes <= 0 || int64(len(a.RawContent)) <= s.s.MaxPDFBytes {
			prompt := fmt.Sprintf("Please summarize the attached PDF document titled '%s' in approximately %d words. Write in %s.",
				a.Title, llm.KWordsEachSummary, llm.OutputLanguage)
			return oracle.Request{
				Model:       llm.LightModel,
				Temperature: llm.Temperature,
				Messages: []oracle.Message{{
					Role: oracle.RoleUser,
					Text: prompt,
					Attachment: &oracle.Attachment{
						MIMEType: model.ContentTypePDF,
						Name:     pdfName(a.Link),
						Data:     a.RawContent,
					},
				}},
			}, ""
		}
		if a.Content == "" {
			return oracle.Request{}, fmt.Sprintf("pdf of %d bytes exceeds the %d byte limit", len(a.RawContent), s.s.MaxPDFBytes)
		}
		s.log.Info("pdf too large, summarizing text instead", "article_id", a.ID, "bytes", len(a.RawContent))
	}

	if a.Content == "" {
		return oracle.Request{}, "no text content"
	}

	prompt, cut := Truncate(s.textPrompt(a), s.s.TokenThreshold, s.s.CharsPerToken)
	if cut {
		s.log.Warn("summarization prompt truncated", "article_id", a.ID, "token_limit", s.s.TokenThreshold)
	}
	return oracle.User(llm.LightModel, llm.Temperature, prompt), ""
}

func (s *Summarizer) textPrompt(a model.Article) string {
	llm := s.s.LLM
	if llm.PromptTemplate != "" {
		return strings.NewReplacer(
			"{title}", a.Title,
			"{k_words}", strconv.Itoa(llm.KWordsEachSummary),
			"{language}", llm.OutputLanguage,
			"{content}", a.Content,
		).Replace(llm.PromptTemplate)
	}
	return fmt.Sprintf("Please summarize the following article titled %q in approximately %d words. "+
		"Write in %s. Focus on the most important points.\n\n%s",
		a.Title, llm.KWordsEachSummary, llm.OutputLanguage, a.Content)
}

func attribution(a model.Article) string {
	name := a.FeedName
	if name == "" {
		name = a.Title
	}
	return fmt.Sprintf("\n\nSource: [%s](%s)", name, a.Link)
}

func pdfName(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Path == "" {
		return "document.pdf"
	}
	return path.Base(u.Path)
}

// SummarizeCollection summarizes each article, packs as many summaries as fit the
// token budget into one prompt, and asks the model for the collection digest.
func (s *Summarizer) SummarizeCollection(ctx context.Context, articles []model.Article, collectionPrompt, priorContext string) Digest {
	if len(articles) == 0 {
		return Digest{Text: "No new articles for this collection."}
	}

	results := make([]Result, len(articles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.s.Concurrency)
	for i, a := range articles {
		g.Go(func() error {
			results[i] = s.SummarizeOne(gctx, a)
			return nil
		})
	}
	_ = g.Wait()

	var d Digest
	var summarized []model.Article
	for _, r := range results {
		if r.Failed {
			d.Failed = append(d.Failed, r)
			continue
		}
		summarized = append(summarized, r.Article)
	}
	if len(summarized) == 0 {
		s.log.Error("no article could be summarized", "articles", len(articles))
		d.Text = FallbackDigest
		d.Degraded = true
		return d
	}

	blocks := make([]string, len(summarized))
	for i, a := range summarized {
		blocks[i] = fmt.Sprintf("Title: %s\nLink: %s\nSummary: %s\n\n", a.Title, a.Link, a.Summary)
	}

	// The prompt states how many articles follow, so size it again whenever
	// the budget drops some of them.
	budget := s.charBudget()
	k := len(blocks)
	var head, tail string
	for k > 0 {
		head, tail = s.collectionPrompt(k, collectionPrompt, priorContext)
		fit := fitting(blocks[:k], budget-utf8.RuneCountInString(head)-utf8.RuneCountInString(tail))
		if fit == k {
			break
		}
		k = fit
	}

	if k < len(summarized) {
		d.Excluded = summarized[k:]
		for _, x := range d.Excluded {
			s.log.Info("article excluded by token budget", "article_id", x.ID, "title", x.Title)
		}
	}
	if k == 0 {
		s.log.Error("no summary fits the token budget", "budget_chars", budget)
		d.Text = FallbackDigest
		d.Degraded = true
		return d
	}
	d.Included = summarized[:k]
	body := strings.Join(blocks[:k], "")

	llm := s.s.LLM
	text, err := s.client.Complete(ctx, oracle.User(llm.ReasonerModel, llm.Temperature, head+body+tail))
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		s.log.Error("collection summarization failed", "error", err)
		d.Text = FallbackDigest
		d.Degraded = true
		return d
	}
	d.Text = text
	s.log.Info("collection summarized", "included", len(d.Included), "excluded", len(d.Excluded), "failed", len(d.Failed))
	return d
}

// fitting returns how many leading blocks fit in room characters.
func fitting(blocks []string, room int) int {
	for i, b := range blocks {
		room -= utf8.RuneCountInString(b)
		if room < 0 {
			return i
		}
	}
	return len(blocks)
}

// collectionPrompt returns the instructions placed before and after the article blocks.
func (s *Summarizer) collectionPrompt(available int, collectionPrompt, priorContext string) (string, string) {
	llm := s.s.LLM
	n := min(llm.NMostImportantNews, available)

	var head strings.Builder
	fmt.Fprintf(&head, "You are writing one section of a morning news digest. Below are %d article summaries.\n", available)
	if collectionPrompt != "" {
		fmt.Fprintf(&head, "\nEditorial focus:\n%s\n", collectionPrompt)
	}
	if priorContext != "" {
		fmt.Fprintf(&head, "\nPrevious digests, for reference only:\n%s\n", priorContext)
	}
	head.WriteString("\nArticles:\n\n")

	tail := fmt.Sprintf("Pick the %d most important stories and write a single cohesive text in %s of about %d words. "+
		"Cite every fact with a markdown link to its source article, e.g. [Title](link). "+
		"Do not repeat stories already covered in the previous digests. "+
		"Output only the digest text.", n, llm.OutputLanguage, n*llm.KWordsEachSummary)
	return head.String(), tail
}
