package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/00sapo/better-morning/internal/filter"
	"github.com/00sapo/better-morning/internal/model"
)

// MaxFollowedLinks is the hard cap on links followed from one page.
const MaxFollowedLinks = 30

// FeedConfig is one feed entry of a collection file.
type FeedConfig struct {
	URL                string         `toml:"url" yaml:"url"`
	Name               string         `toml:"name" yaml:"name"`
	MaxArticles        *int           `toml:"max_articles" yaml:"max_articles"`
	TimeoutSeconds     *int           `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Retries            *int           `toml:"retries" yaml:"retries"`
	FollowArticleLinks *bool          `toml:"follow_article_links" yaml:"follow_article_links"`
	FilterQuery        string         `toml:"filter_query" yaml:"filter_query"`
	FilterModel        string         `toml:"filter_model" yaml:"filter_model"`
	Filters            []model.Filter `toml:"filters" yaml:"filters"`
}

// FilterSettings configure the LLM inclusion filter for a collection.
type FilterSettings struct {
	FilterQuery string `toml:"filter_query" yaml:"filter_query"`
	FilterModel string `toml:"filter_model" yaml:"filter_model"`
}

// Collection is a named group of feeds producing one digest section.
type Collection struct {
	Name               string         `toml:"name" yaml:"name"`
	Feeds              []FeedConfig   `toml:"feeds" yaml:"feeds"`
	CollectionPrompt   string         `toml:"collection_prompt" yaml:"collection_prompt"`
	MaxAgeRaw          string         `toml:"max_age" yaml:"max_age"`
	FollowArticleLinks bool           `toml:"follow_article_links" yaml:"follow_article_links"`
	LinkFilterPattern  string         `toml:"link_filter_pattern" yaml:"link_filter_pattern"`
	MergeLinkedContent bool           `toml:"merge_linked_content" yaml:"merge_linked_content"`
	LLMOverrides       LLMOverrides   `toml:"llm_settings" yaml:"llm_settings"`
	FilterSettings     FilterSettings `toml:"filter_settings" yaml:"filter_settings"`
	Filters            []model.Filter `toml:"filters" yaml:"filters"`

	// Resolved at load time.
	Path       string         `toml:"-" yaml:"-"`
	MaxAge     MaxAge         `toml:"-" yaml:"-"`
	LLM        LLMSettings    `toml:"-" yaml:"-"`
	LinkFilter *regexp.Regexp `toml:"-" yaml:"-"`
	Resolved   []FeedSettings `toml:"-" yaml:"-"`
}

// FeedSettings are the effective settings of one feed after layering.
type FeedSettings struct {
	URL         string
	Name        string
	MaxArticles int
	Timeout     time.Duration
	Retries     int
	// FollowArticleLinks is nil when the feed inherits the collection policy.
	FollowArticleLinks *bool
	FilterQuery        string
	FilterModel        string
	Filters            []model.Filter
}

// Slug returns a filesystem-safe identifier for the collection.
func (c *Collection) Slug() string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(c.Name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// LoadCollection reads and validates one collection file.
func LoadCollection(path string, g *Global) (*Collection, error) {
	c := &Collection{}
	if err := decodeFile(path, c); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	c.Path = path
	if err := c.Resolve(g); err != nil {
		return nil, &LoadError{Path: path, Name: c.Name, Err: err}
	}
	return c, nil
}

// LoadCollections loads every file in paths, or every file matching the global glob when paths is empty.
// Invalid files are reported together; valid ones are still returned.
func LoadCollections(paths []string, g *Global) ([]*Collection, error) {
	if len(paths) == 0 {
		matches, err := filepath.Glob(g.CollectionsGlob)
		if err != nil {
			return nil, fmt.Errorf("glob collections: %w", err)
		}
		paths = matches
	}

	var (
		out  []*Collection
		errs []error
	)
	for _, p := range paths {
		c, err := LoadCollection(p, g)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

// Resolve validates the collection and computes its layered settings.
func (c *Collection) Resolve(g *Global) error {
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if len(c.Feeds) == 0 {
		return &ValidationError{Field: "feeds", Message: "at least one feed is required"}
	}

	age, err := ParseMaxAge(c.MaxAgeRaw)
	if err != nil {
		return err
	}
	c.MaxAge = age

	if c.LinkFilterPattern != "" {
		re, err := regexp.Compile(c.LinkFilterPattern)
		if err != nil {
			return &ValidationError{Field: "link_filter_pattern", Message: "invalid regex", Err: err}
		}
		c.LinkFilter = re
	}

	if err := filter.Validate(c.Filters); err != nil {
		return &ValidationError{Field: "filters", Message: "invalid rule", Err: err}
	}

	c.LLM = g.LLM.Merge(c.LLMOverrides)
	if c.LLM.NMostImportantNews <= 0 {
		return &ValidationError{Field: "llm_settings.n_most_important_news", Message: "must be positive"}
	}

	c.Resolved = make([]FeedSettings, 0, len(c.Feeds))
	for i, f := range c.Feeds {
		if strings.TrimSpace(f.URL) == "" {
			return &ValidationError{Field: fmt.Sprintf("feeds[%d].url", i), Message: "is required"}
		}
		if err := filter.Validate(f.Filters); err != nil {
			return &ValidationError{Field: fmt.Sprintf("feeds[%d].filters", i), Message: "invalid rule", Err: err}
		}
		c.Resolved = append(c.Resolved, ResolveFeed(g, c, f))
	}
	return nil
}

// ResolveFeed layers feed overrides over collection and global settings.
// Precedence is feed, then collection, then global.
func ResolveFeed(g *Global, c *Collection, f FeedConfig) FeedSettings {
	fs := FeedSettings{
		URL:                strings.TrimSpace(f.URL),
		Name:               f.Name,
		MaxArticles:        g.FeedDefaults.MaxArticles,
		Timeout:            Seconds(g.FeedDefaults.TimeoutSeconds),
		Retries:            g.FeedDefaults.Retries,
		FollowArticleLinks: f.FollowArticleLinks,
		FilterQuery:        c.FilterSettings.FilterQuery,
		FilterModel:        c.FilterSettings.FilterModel,
	}
	if fs.Name == "" {
		fs.Name = fs.URL
	}
	if f.MaxArticles != nil && *f.MaxArticles > 0 {
		fs.MaxArticles = *f.MaxArticles
	}
	if f.TimeoutSeconds != nil && *f.TimeoutSeconds > 0 {
		fs.Timeout = Seconds(*f.TimeoutSeconds)
	}
	if f.Retries != nil && *f.Retries > 0 {
		fs.Retries = *f.Retries
	}
	if f.FilterQuery != "" {
		fs.FilterQuery = f.FilterQuery
	}
	if f.FilterModel != "" {
		fs.FilterModel = f.FilterModel
	}
	if fs.FilterModel == "" {
		fs.FilterModel = c.LLM.LightModel
	}

	fs.Filters = append(fs.Filters, c.Filters...)
	fs.Filters = append(fs.Filters, f.Filters...)
	return fs
}
