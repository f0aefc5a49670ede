// Package digest renders the markdown document delivered at the end of a run.
package digest

import (
	"fmt"
	"strings"
	"time"

	"github.com/00sapo/better-morning/internal/model"
)

const dateLayout = "2006-01-02"

// Section is one collection's part of the digest.
type Section struct {
	Name    string
	Summary string
	// Articles are rendered as detailed per-article summaries.
	Articles []model.Article
	Report   model.FetchReport
	// Err is set when the collection failed; Summary then holds a placeholder.
	Err string
}

// Title returns the document title for date.
func Title(date time.Time) string {
	return "Better Morning Digest - " + date.Format(dateLayout)
}

// Render formats the digest for date.
func Render(date time.Time, sections []Section) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", Title(date))

	if len(sections) == 0 {
		b.WriteString("\nNo collections were processed.\n")
		return b.String()
	}

	for _, s := range sections {
		fmt.Fprintf(&b, "\n## %s\n\n", s.Name)
		b.WriteString(strings.TrimSpace(s.Summary))
		b.WriteString("\n")
	}

	if hasDetails(sections) {
		b.WriteString("\n---\n\n# Detailed Summaries\n")
		for _, s := range sections {
			if len(s.Articles) == 0 {
				continue
			}
			fmt.Fprintf(&b, "\n## %s\n", s.Name)
			for _, a := range s.Articles {
				fmt.Fprintf(&b, "\n### [%s](%s)\n\n", a.Title, a.Link)
				if a.Summary != "" {
					b.WriteString(strings.TrimSpace(a.Summary))
				} else {
					b.WriteString("*No summary available.*")
				}
				b.WriteString("\n")
			}
		}
	}

	b.WriteString(Diagnostics(sections))
	return b.String()
}

func hasDetails(sections []Section) bool {
	for _, s := range sections {
		if len(s.Articles) > 0 {
			return true
		}
	}
	return false
}

// Diagnostics formats feed failures and collection errors. It returns "" when
// every feed and collection succeeded.
func Diagnostics(sections []Section) string {
	var feeds, errs strings.Builder
	for _, s := range sections {
		failed := s.Report.Failed()
		if len(failed) > 0 {
			fmt.Fprintf(&feeds, "\n**%s**: %d of %d feeds fetched (%.0f%%)\n\n",
				s.Name, len(s.Report.Feeds)-len(failed), len(s.Report.Feeds), s.Report.SuccessRate()*100)
			for _, f := range failed {
				fmt.Fprintf(&feeds, "- %s (%s): %s\n", f.FeedName, f.URL, f.Error)
			}
		}
		if s.Err != "" {
			fmt.Fprintf(&errs, "- **%s**: %s\n", s.Name, s.Err)
		}
	}
	if feeds.Len() == 0 && errs.Len() == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n---\n\n# Diagnostics\n")
	if feeds.Len() > 0 {
		b.WriteString("\n## Feed Failures\n")
		b.WriteString(feeds.String())
	}
	if errs.Len() > 0 {
		b.WriteString("\n## Collection Errors\n\n")
		b.WriteString(errs.String())
	}
	return b.String()
}

// HistoryContext formats stored digests, oldest first, as context for the model.
func HistoryContext(entries []model.DigestEntry) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, fmt.Sprintf("Digest from %s:\n%s", e.Date.UTC().Format(dateLayout), strings.TrimSpace(e.Content)))
	}
	return strings.Join(blocks, "\n\n")
}
