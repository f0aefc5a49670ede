package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/00sapo/better-morning/internal/model"
)

var testDate = time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		sections []Section
		want     string
	}{
		{
			name: "no collections",
			want: "# Better Morning Digest - 2024-03-10\n\nNo collections were processed.\n",
		},
		{
			name: "summary with details",
			sections: []Section{{
				Name:    "Tech",
				Summary: "Rates held steady ([ECB](https://example.com/ecb)).\n",
				Articles: []model.Article{
					{Title: "ECB holds rates", Link: "https://example.com/ecb", Summary: "The ECB held rates.\n\nSource: [Example](https://example.com/ecb)"},
					{Title: "Untitled", Link: "https://example.com/x"},
				},
				Report: model.FetchReport{Feeds: []model.FeedReport{{FeedName: "Example", URL: "https://example.com/rss", Success: true, Articles: 2}}},
			}},
			want: "# Better Morning Digest - 2024-03-10\n" +
				"\n## Tech\n\nRates held steady ([ECB](https://example.com/ecb)).\n" +
				"\n---\n\n# Detailed Summaries\n" +
				"\n## Tech\n" +
				"\n### [ECB holds rates](https://example.com/ecb)\n\nThe ECB held rates.\n\nSource: [Example](https://example.com/ecb)\n" +
				"\n### [Untitled](https://example.com/x)\n\n*No summary available.*\n",
		},
		{
			name: "diagnostics",
			sections: []Section{
				{
					Name:    "Tech",
					Summary: "Quiet day.",
					Report: model.FetchReport{Feeds: []model.FeedReport{
						{FeedName: "Good", URL: "https://good.example/rss", Success: true},
						{FeedName: "Bad", URL: "https://bad.example/rss", Error: "unexpected status 503"},
					}},
				},
				{Name: "Science", Summary: "Collection failed.", Err: "invalid max_age"},
			},
			want: "# Better Morning Digest - 2024-03-10\n" +
				"\n## Tech\n\nQuiet day.\n" +
				"\n## Science\n\nCollection failed.\n" +
				"\n---\n\n# Diagnostics\n" +
				"\n## Feed Failures\n" +
				"\n**Tech**: 1 of 2 feeds fetched (50%)\n\n" +
				"- Bad (https://bad.example/rss): unexpected status 503\n" +
				"\n## Collection Errors\n\n" +
				"- **Science**: invalid max_age\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(testDate, tt.sections)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Render() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDiagnosticsEmptyWhenHealthy(t *testing.T) {
	got := Diagnostics([]Section{{
		Name:   "Tech",
		Report: model.FetchReport{Feeds: []model.FeedReport{{FeedName: "Good", Success: true}}},
	}})
	if got != "" {
		t.Errorf("Diagnostics() = %q, want empty", got)
	}
}

func TestHistoryContext(t *testing.T) {
	entries := []model.DigestEntry{
		{Date: time.Date(2024, 3, 8, 6, 0, 0, 0, time.UTC), Content: "Older story.\n"},
		{Date: time.Date(2024, 3, 9, 23, 30, 0, 0, time.FixedZone("UTC-1", -3600)), Content: "Newer story."},
	}

	got := HistoryContext(entries)
	want := "Digest from 2024-03-08:\nOlder story.\n\nDigest from 2024-03-10:\nNewer story."
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HistoryContext() mismatch (-want +got):\n%s", diff)
	}

	if HistoryContext(nil) != "" {
		t.Error("HistoryContext(nil) should be empty")
	}
}

func TestTitle(t *testing.T) {
	if got := Title(testDate); !strings.HasSuffix(got, "2024-03-10") {
		t.Errorf("Title() = %q", got)
	}
}
