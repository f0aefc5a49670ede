package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/oracle"
)

const (
	snippetChars = 240
	// Token allowance for the article excerpt in an inclusion check.
	filterExcerptTokens = 1500
)

var errNoJSON = errors.New("no json object in response")

// SelectionTarget returns how many candidates SelectForFetching keeps.
func (s *Summarizer) SelectionTarget(candidates int) int {
	return min(candidates, s.s.SelectionMultiplier*s.s.LLM.NMostImportantNews)
}

// SelectForFetching picks the candidates worth extracting. When every candidate fits
// the target no model call is made. Model failures fall back to the most recent candidates.
func (s *Summarizer) SelectForFetching(ctx context.Context, candidates []model.Article, collectionPrompt, priorContext string) []model.Article {
	target := s.SelectionTarget(len(candidates))
	if target >= len(candidates) {
		return candidates
	}

	req := oracle.User(s.s.LLM.ReasonerModel, s.s.LLM.Temperature, s.selectionPrompt(candidates, target, collectionPrompt, priorContext))
	req.JSON = true

	resp, err := s.client.Complete(ctx, req)
	if err != nil {
		s.log.Warn("article selection failed, using most recent", "error", err, "target", target)
		return mostRecent(candidates, target)
	}

	indices, err := parseSelection(resp, len(candidates))
	if err != nil {
		s.log.Warn("unusable article selection, using most recent", "error", err, "target", target)
		return mostRecent(candidates, target)
	}

	out := make([]model.Article, 0, target)
	for _, i := range indices {
		out = append(out, candidates[i-1])
		if len(out) == target {
			break
		}
	}
	s.log.Info("selected articles for fetching", "candidates", len(candidates), "selected", len(out))
	return out
}

func (s *Summarizer) selectionPrompt(candidates []model.Article, target int, collectionPrompt, priorContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the editor of a morning news digest. From the %d numbered articles below, "+
		"choose the %d that are most important and newsworthy.\n", len(candidates), target)
	if collectionPrompt != "" {
		fmt.Fprintf(&b, "\nEditorial focus:\n%s\n", collectionPrompt)
	}
	if priorContext != "" {
		fmt.Fprintf(&b, "\nPrefer stories not already covered in these previous digests:\n%s\n", priorContext)
	}
	b.WriteString("\nArticles:\n")
	for i, a := range candidates {
		snippet, _ := Truncate(strings.Join(strings.Fields(a.Summary), " "), snippetChars, 1)
		fmt.Fprintf(&b, "%d. [%s] %s\n   %s\n", i+1, a.PublishedDate.Format("2006-01-02"), a.Title, snippet)
	}
	fmt.Fprintf(&b, "\nRespond with a JSON object only, of the form {\"selected_indices\": [1, 2, ...]}, "+
		"containing exactly %d distinct article numbers from the list.", target)
	return b.String()
}

// parseSelection returns de-duplicated 1-based indices in the order given.
func parseSelection(resp string, n int) ([]int, error) {
	var out struct {
		SelectedIndices *[]int `json:"selected_indices"`
	}
	if err := decodeObject(resp, &out); err != nil {
		return nil, err
	}
	if out.SelectedIndices == nil {
		return nil, errors.New("missing selected_indices")
	}

	seen := make(map[int]bool)
	var indices []int
	for _, i := range *out.SelectedIndices {
		if i < 1 || i > n {
			return nil, fmt.Errorf("index %d out of range 1..%d", i, n)
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return nil, errors.New("empty selection")
	}
	return indices, nil
}

func mostRecent(candidates []model.Article, n int) []model.Article {
	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, func(a, b model.Article) int {
		return b.PublishedDate.Compare(a.PublishedDate)
	})
	return sorted[:min(n, len(sorted))]
}

// FilterArticle asks the model whether a matches query. An unparseable answer is
// retried once with a stricter instruction; if that also fails the article is excluded.
func (s *Summarizer) FilterArticle(ctx context.Context, a model.Article, query, modelName string) bool {
	if modelName == "" {
		modelName = s.s.LLM.LightModel
	}
	log := s.log.With("article_id", a.ID)

	prompts := []string{
		s.filterPrompt(a, query, false),
		s.filterPrompt(a, query, true),
	}
	for attempt, prompt := range prompts {
		req := oracle.User(modelName, 0, prompt)
		req.JSON = true
		resp, err := s.client.Complete(ctx, req)
		if err != nil {
			log.Warn("inclusion check failed", "attempt", attempt+1, "error", err)
			continue
		}
		include, err := parseInclude(resp)
		if err != nil {
			log.Warn("unparseable inclusion answer", "attempt", attempt+1, "error", err)
			continue
		}
		log.Debug("inclusion check", "include", include)
		return include
	}
	log.Warn("inclusion check undecided, excluding article", "title", a.Title)
	return false
}

func (s *Summarizer) filterPrompt(a model.Article, query string, strict bool) string {
	text := a.Content
	if text == "" {
		text = a.Summary
	}
	excerpt, _ := Truncate(text, filterExcerptTokens, s.s.CharsPerToken)

	var b strings.Builder
	fmt.Fprintf(&b, "Decide whether the following article should be included in a news digest.\n"+
		"Inclusion criteria: %s\n\nTitle: %s\nLink: %s\n\n%s\n\n", query, a.Title, a.Link, excerpt)
	if strict {
		b.WriteString(`Your previous answer could not be parsed. Reply with exactly {"include": true} or {"include": false} and nothing else.`)
	} else {
		b.WriteString(`Respond with a JSON object of the form {"include": true} or {"include": false}.`)
	}
	return b.String()
}

func parseInclude(resp string) (bool, error) {
	var out struct {
		Include *bool `json:"include"`
	}
	if err := decodeObject(resp, &out); err != nil {
		return false, err
	}
	if out.Include == nil {
		return false, errors.New("missing include")
	}
	return *out.Include, nil
}

// decodeObject parses resp as JSON, falling back to the outermost {...} span
// for answers that wrap the object in prose or code fences.
func decodeObject(resp string, v any) error {
	resp = strings.TrimSpace(resp)
	if err := json.Unmarshal([]byte(resp), v); err == nil {
		return nil
	}
	start := strings.Index(resp, "{")
	end := strings.LastIndex(resp, "}")
	if start < 0 || end <= start {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(resp[start:end+1]), v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
