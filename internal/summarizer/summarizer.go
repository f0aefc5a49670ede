// Package summarizer asks the language model to pick, vet and condense a collection's articles.
package summarizer

import (
	"log/slog"
	"unicode/utf8"

	"github.com/00sapo/better-morning/internal/cache"
	"github.com/00sapo/better-morning/internal/config"
	"github.com/00sapo/better-morning/internal/model"
	"github.com/00sapo/better-morning/internal/oracle"
)

// FallbackDigest replaces the collection summary when the model cannot produce one.
const FallbackDigest = "Could not generate collection summary."

// Share of the token ceiling available to the collection prompt.
const budgetShare = 0.75

// Settings are the resolved knobs for one collection.
type Settings struct {
	LLM                 config.LLMSettings
	TokenThreshold      int
	CharsPerToken       int
	SelectionMultiplier int
	MaxPDFBytes         int64
	// Concurrency bounds per-article summarization fan-out.
	Concurrency int
}

// SettingsFor resolves Settings for a collection from the global config.
func SettingsFor(g *config.Global, c *config.Collection) Settings {
	return Settings{
		LLM:                 c.LLM,
		TokenThreshold:      g.TokenSizeThreshold,
		CharsPerToken:       g.CharsPerToken,
		SelectionMultiplier: g.SelectionMultiplier,
		MaxPDFBytes:         g.MaxPDFBytes,
		Concurrency:         g.LLMConcurrency,
	}
}

// Result is the outcome of summarizing one article.
type Result struct {
	Article model.Article
	Failed  bool
	Reason  string
}

// Summarizer runs the model calls for one collection.
type Summarizer struct {
	client     oracle.Client
	cache      cache.Cache
	collection string
	s          Settings
	log        *slog.Logger
}

// New creates a Summarizer. c may be nil to disable caching.
func New(client oracle.Client, c cache.Cache, collection string, s Settings, log *slog.Logger) *Summarizer {
	if c == nil {
		c = cache.Nop{}
	}
	if s.CharsPerToken <= 0 {
		s.CharsPerToken = 4
	}
	if s.SelectionMultiplier <= 0 {
		s.SelectionMultiplier = 3
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	return &Summarizer{
		client:     client,
		cache:      c,
		collection: collection,
		s:          s,
		log:        log.With("collection", collection),
	}
}

// Truncate cuts text to tokens*charsPerToken characters. It reports whether text was cut.
func Truncate(text string, tokens, charsPerToken int) (string, bool) {
	limit := tokens * charsPerToken
	if limit < 0 {
		limit = 0
	}
	if utf8.RuneCountInString(text) <= limit {
		return text, false
	}
	n := 0
	for i := range text {
		if n == limit {
			return text[:i], true
		}
		n++
	}
	return text, false
}

func (s *Summarizer) charBudget() int {
	return int(float64(s.s.TokenThreshold*s.s.CharsPerToken) * budgetShare)
}
