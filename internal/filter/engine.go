// Package filter decides which feed entries enter the digest pipeline,
// using the keyword and regex rules configured on a feed or collection.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/00sapo/better-morning/internal/model"
)

// Entry is what rules see of a feed entry.
type Entry struct {
	Title      string
	Text       string
	Categories []string
	Feed       string
	Link       string
}

// EntryFromItem builds an Entry from a parsed feed item of the named feed.
func EntryFromItem(item *gofeed.Item, feed string) Entry {
	return Entry{
		Title:      item.Title,
		Text:       strings.TrimSpace(item.Description + " " + item.Content),
		Categories: item.Categories,
		Feed:       feed,
		Link:       item.Link,
	}
}

type matcher struct {
	scope   model.FilterScope
	keyword string // lower-cased; empty for regex rules
	re      *regexp.Regexp
}

// Rules is a compiled rule set. The zero value and nil pass every entry.
type Rules struct {
	include []matcher
	exclude []matcher
}

// Compile checks and compiles rules. Regexes are case-insensitive.
func Compile(rules []model.Filter) (*Rules, error) {
	r := &Rules{}
	for i, f := range rules {
		m := matcher{scope: f.Scope}
		switch f.Kind {
		case model.FilterInclude, model.FilterExclude:
			m.keyword = strings.ToLower(strings.TrimSpace(f.Value))
			if m.keyword == "" {
				return nil, fmt.Errorf("filter %d: empty value", i)
			}
		case model.FilterIncludeRe, model.FilterExcludeRe:
			re, err := regexp.Compile("(?i)" + f.Value)
			if err != nil {
				return nil, fmt.Errorf("filter %d: invalid regex: %w", i, err)
			}
			m.re = re
		default:
			return nil, fmt.Errorf("filter %d: unknown kind %q", i, f.Kind)
		}
		switch f.Scope {
		case "", model.ScopeAll, model.ScopeTitle, model.ScopeContent,
			model.ScopeCategory, model.ScopeFeed, model.ScopeLink:
		default:
			return nil, fmt.Errorf("filter %d: unknown scope %q", i, f.Scope)
		}

		if f.Kind == model.FilterInclude || f.Kind == model.FilterIncludeRe {
			r.include = append(r.include, m)
		} else {
			r.exclude = append(r.exclude, m)
		}
	}
	return r, nil
}

// Validate reports the first invalid rule.
func Validate(rules []model.Filter) error {
	_, err := Compile(rules)
	return err
}

// Match reports whether e passes: no exclude rule matches and, when include
// rules exist, at least one of them does.
func (r *Rules) Match(e Entry) bool {
	if r == nil {
		return true
	}
	for _, m := range r.exclude {
		if m.matches(e) {
			return false
		}
	}
	if len(r.include) == 0 {
		return true
	}
	for _, m := range r.include {
		if m.matches(e) {
			return true
		}
	}
	return false
}

func (m matcher) matches(e Entry) bool {
	switch m.scope {
	case model.ScopeTitle:
		return m.contains(e.Title)
	case model.ScopeContent:
		return m.contains(e.Text)
	case model.ScopeCategory:
		return m.category(e.Categories)
	case model.ScopeFeed:
		return m.contains(e.Feed)
	case model.ScopeLink:
		return m.contains(e.Link)
	default:
		return m.contains(e.Title) || m.contains(e.Text) || m.category(e.Categories)
	}
}

func (m matcher) contains(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return strings.Contains(strings.ToLower(s), m.keyword)
}

// category matches whole category terms, so "ai" does not match "Retail".
func (m matcher) category(categories []string) bool {
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if m.re != nil {
			if m.re.MatchString(c) {
				return true
			}
			continue
		}
		if strings.EqualFold(c, m.keyword) {
			return true
		}
	}
	return false
}
