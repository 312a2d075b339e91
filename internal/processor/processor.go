package processor

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// Document is what the crawler keeps from an HTML page.
type Document struct {
	Title   string
	Content string
	Links   []string
}

// Options tunes extraction.
type Options struct {
	// ReadabilityFallback runs go-readability when the selector pass finds no text.
	ReadabilityFallback bool
}

// Elements that never carry primary content.
const noiseSelector = "script, style, noscript, nav, footer, header, aside"

// Containers checked, in document order, before falling back to <body>.
const mainSelector = "main, article, #content, .content"

var blockLevelTags = map[string]struct{}{
	"p":          {},
	"div":        {},
	"section":    {},
	"article":    {},
	"main":       {},
	"h1":         {},
	"h2":         {},
	"h3":         {},
	"h4":         {},
	"h5":         {},
	"h6":         {},
	"ul":         {},
	"ol":         {},
	"li":         {},
	"pre":        {},
	"blockquote": {},
	"table":      {},
	"tr":         {},
	"figure":     {},
	"figcaption": {},
}

// Parse extracts title, primary text and same-host links from an HTML body.
// base is the URL the body was served from, after redirects.
func Parse(body []byte, base *url.URL, opts Options) (*Document, error) {
	if base == nil {
		return nil, fmt.Errorf("base url is nil")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	out := &Document{
		Title: extractTitle(doc),
		Links: ExtractLinks(doc, base),
	}

	doc.Find(noiseSelector).Remove()
	root := doc.Find(mainSelector).First()
	if root.Length() == 0 {
		root = doc.Find("body").First()
	}
	if root.Length() > 0 {
		out.Content = extractText(root.Nodes[0])
	}

	if out.Content == "" && opts.ReadabilityFallback {
		title, text := readabilityFallback(body, base)
		out.Content = text
		if out.Title == "" {
			out.Title = title
		}
	}
	return out, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := normalizeWhitespace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		return normalizeWhitespace(og)
	}
	return ""
}

// ExtractLinks resolves every anchor against base and keeps http(s) links on the same host.
// Fragments are dropped. Order follows the document and repeats are kept.
func ExtractLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		if strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
			return
		}
		u, err := base.Parse(href)
		if err != nil {
			return
		}
		u.Fragment = ""
		u.RawFragment = ""
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return
		}
		if !strings.EqualFold(u.Hostname(), base.Hostname()) {
			return
		}
		links = append(links, u.String())
	})
	return links
}

func readabilityFallback(body []byte, base *url.URL) (title, text string) {
	article, err := readability.FromReader(bytes.NewReader(body), base)
	if err != nil {
		return "", ""
	}
	return normalizeWhitespace(article.Title), collapseBlankLines(strings.TrimSpace(article.TextContent))
}

func extractText(root *html.Node) string {
	acc := &textAccumulator{}
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		accumulateText(child, acc)
	}
	return collapseBlankLines(strings.TrimSpace(acc.String()))
}

type textAccumulator struct {
	builder   strings.Builder
	lastRune  rune
	hasLast   bool
	lastWasNL bool
}

func (t *textAccumulator) String() string {
	return t.builder.String()
}

func (t *textAccumulator) append(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	for _, r := range value {
		t.lastRune = r
		t.hasLast = true
		t.lastWasNL = r == '\n'
	}
}

func (t *textAccumulator) ensureSpace() {
	if !t.hasLast || t.lastRune == ' ' || t.lastRune == '\n' {
		return
	}
	t.append(" ")
}

func (t *textAccumulator) ensureNewline() {
	if !t.hasLast || t.lastWasNL {
		return
	}
	t.append("\n")
}

func accumulateText(node *html.Node, acc *textAccumulator) {
	switch node.Type {
	case html.TextNode:
		text := normalizeWhitespace(node.Data)
		if text == "" {
			if strings.TrimSpace(node.Data) == "" && node.Data != "" {
				acc.ensureSpace()
			}
			return
		}
		if startsWithSpace(node.Data) {
			acc.ensureSpace()
		}
		acc.append(text)
		if endsWithSpace(node.Data) {
			acc.ensureSpace()
		}
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			acc.ensureNewline()
			return
		}
		_, block := blockLevelTags[tag]
		if block {
			acc.ensureNewline()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateText(child, acc)
		}
		switch {
		case tag == "td" || tag == "th":
			acc.ensureSpace()
		case block:
			acc.ensureNewline()
		}
	}
}

func startsWithSpace(s string) bool {
	return s != "" && strings.TrimLeft(s, " \t\r\n") != s
}

func endsWithSpace(s string) bool {
	return s != "" && strings.TrimRight(s, " \t\r\n") != s
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
			result = append(result, "")
			continue
		}
		blank = 0
		result = append(result, line)
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
