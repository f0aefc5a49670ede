package extractor

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Query parameters that redirector URLs use to carry their destination.
var redirectParams = []string{"url", "u", "q", "target", "dest", "destination", "redirect", "redirect_url"}

const boilerplate = "script, style, noscript, nav, header, footer, aside, form, iframe, svg, button"

const textBlocks = "h1, h2, h3, h4, h5, h6, p, li, blockquote, pre"

func parseHTML(body []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(body))
}

// ExtractText returns the readable main text of an HTML page, paragraphs separated
// by blank lines. It returns "" when nothing readable is found.
func ExtractText(body []byte) string {
	doc, err := parseHTML(body)
	if err != nil {
		return ""
	}
	doc.Find(boilerplate).Remove()

	root := doc.Selection
	for _, sel := range []string{"article", "main", "[role=main]", "body"} {
		if s := doc.Find(sel).First(); s.Length() > 0 && collapse(s.Text()) != "" {
			root = s
			break
		}
	}

	var parts []string
	root.Find(textBlocks).Each(func(_ int, s *goquery.Selection) {
		// Containers are covered by their own paragraphs.
		if goquery.NodeName(s) != "p" && s.Find("p").Length() > 0 {
			return
		}
		if t := collapse(s.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}

	if t := collapse(root.Text()); len(strings.Fields(t)) >= 50 {
		return t
	}
	return ""
}

// Title returns the page title, falling back to og:title.
func Title(body []byte) string {
	doc, err := parseHTML(body)
	if err != nil {
		return ""
	}
	if t := collapse(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return collapse(t)
	}
	return ""
}

// Links returns the absolute http(s) links of a page in document order,
// de-duplicated, without fragments, and excluding the page itself.
func Links(body []byte, base string) []string {
	doc, err := parseHTML(body)
	if err != nil {
		return nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}

	self := stripFragment(baseURL)
	seen := map[string]bool{self: true}
	var out []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		link := stripFragment(abs)
		if seen[link] {
			return
		}
		seen[link] = true
		out = append(out, link)
	})
	return out
}

// metaRefresh returns the absolute target of an HTML meta refresh, or "".
func metaRefresh(body []byte, base string) string {
	doc, err := parseHTML(body)
	if err != nil {
		return ""
	}

	var target string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			return true
		}
		content, _ := s.Attr("content")
		for _, part := range strings.Split(content, ";") {
			part = strings.TrimSpace(part)
			if len(part) > 4 && strings.EqualFold(part[:4], "url=") {
				target = strings.Trim(strings.TrimSpace(part[4:]), `'"`)
				return false
			}
		}
		return true
	})
	if target == "" {
		return ""
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return ""
	}
	return baseURL.ResolveReference(ref).String()
}

// unwrapRedirector returns the destination embedded in a redirector URL's
// query string, or the URL unchanged.
func unwrapRedirector(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for _, key := range redirectParams {
		v := strings.TrimSpace(q.Get(key))
		if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
			if _, err := url.Parse(v); err == nil {
				return v
			}
		}
	}
	return raw
}

func stripFragment(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
