package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const (
	fetchTimeout   = 30 * time.Second
	fetchMaxBytes  = 2 << 20 // 2 MiB
	fetchMaxOutput = 12000
	userAgent      = "aide/1.0 (+personal assistant)"
)

// WebFetchTool downloads a page and returns it as markdown with
// boilerplate stripped.
type WebFetchTool struct {
	client    *http.Client
	converter *md.Converter
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client:    &http.Client{Timeout: fetchTimeout},
		converter: md.NewConverter("", true, nil),
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its main content as markdown."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute http(s) URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrorResult("url must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read body: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") {
		text := strings.TrimSpace(string(body))
		if len(text) > fetchMaxOutput {
			text = text[:fetchMaxOutput] + "\n... (truncated)"
		}
		return NewResult(text)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return ErrorResult(fmt.Sprintf("parse html: %v", err))
	}
	doc.Find("script, style, nav, header, footer, iframe, noscript").Remove()

	root := doc.Find("main, article").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}
	html, err := root.Html()
	if err != nil {
		return ErrorResult(fmt.Sprintf("extract content: %v", err))
	}

	markdown, err := t.converter.ConvertString(html)
	if err != nil {
		return ErrorResult(fmt.Sprintf("convert to markdown: %v", err))
	}
	markdown = strings.TrimSpace(markdown)
	if len(markdown) > fetchMaxOutput {
		markdown = markdown[:fetchMaxOutput] + "\n... (truncated)"
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title != "" {
		markdown = "# " + title + "\n\n" + markdown
	}
	return NewResult(markdown)
}

// WebSearchTool queries the DuckDuckGo HTML endpoint, which needs no
// API key, and scrapes the result list.
type WebSearchTool struct {
	client   *http.Client
	endpoint string
}

func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{
		client:   &http.Client{Timeout: fetchTimeout},
		endpoint: "https://html.duckduckgo.com/html/",
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return the top results with titles, URLs, and snippets."
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Max results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 && v <= 10 {
		limit = int(v)
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("search failed: HTTP %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("parse results: %v", err))
	}

	var sb strings.Builder
	count := 0
	doc.Find(".result").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title := strings.TrimSpace(s.Find(".result__title").Text())
		link, _ := s.Find(".result__a").Attr("href")
		snippet := strings.TrimSpace(s.Find(".result__snippet").Text())
		if title == "" || link == "" {
			return true
		}
		count++
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", count, title, resolveRedirect(link), snippet)
		return count < limit
	})
	if count == 0 {
		return NewResult("no results found")
	}
	return NewResult(strings.TrimSpace(sb.String()))
}

// resolveRedirect unwraps DuckDuckGo's /l/?uddg= redirect links.
func resolveRedirect(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return link
}
