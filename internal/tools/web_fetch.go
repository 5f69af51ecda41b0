package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	maxFetchRedirects    = 3
	fetchTimeout         = 30 * time.Second
)

// WebFetch retrieves a URL and reduces it to text the model can read.
// Private and local addresses are rejected, including redirect targets.
type WebFetch struct {
	maxChars int
	cache    *webCache
	ssrf     func(string) error
}

var _ Tool = (*WebFetch)(nil)

func NewWebFetch() *WebFetch {
	return &WebFetch{
		maxChars: defaultFetchMaxChars,
		cache:    newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
		ssrf:     checkSSRF,
	}
}

func (t *WebFetch) Name() string { return "web_fetch" }

func (t *WebFetch) Description() string {
	return "Fetch a URL and extract its content as markdown or plain text. Handles HTML, JSON, and plain text."
}

func (t *WebFetch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"extract_mode": map[string]any{
				"type":        "string",
				"description": "Extraction mode. Default: markdown.",
				"enum":        []string{"markdown", "text"},
			},
			"max_chars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return (minimum 100).",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetch) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing hostname")
	}
	if err := t.ssrf(rawURL); err != nil {
		return "", fmt.Errorf("blocked url: %w", err)
	}

	mode := "markdown"
	if m, ok := args["extract_mode"].(string); ok && (m == "markdown" || m == "text") {
		mode = m
	}
	maxChars := t.maxChars
	if mc, ok := args["max_chars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	key := fmt.Sprintf("fetch:%s:%s:%d", rawURL, mode, maxChars)
	if hit, ok := t.cache.get(key); ok {
		slog.Debug("web_fetch cache hit", "url", rawURL)
		return hit, nil
	}

	page, err := t.fetch(ctx, rawURL, mode, maxChars)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}

	out := page.render()
	t.cache.set(key, out)
	return out, nil
}

// fetchedPage is the reduced content of one fetched URL.
type fetchedPage struct {
	FinalURL  string
	Status    int
	Extractor string
	Truncated bool
	MaxChars  int
	Text      string
}

// render prefixes the fetch metadata, then fences the content itself.
func (p *fetchedPage) render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\nExtractor: %s\n", p.FinalURL, p.Status, p.Extractor)
	if p.Truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit %d chars)\n", p.MaxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(wrapExternalContent(p.Text, p.FinalURL, true))
	return sb.String()
}

func (t *WebFetch) fetch(ctx context.Context, rawURL, mode string, maxChars int) (*fetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxFetchRedirects {
				return fmt.Errorf("stopped after %d redirects", maxFetchRedirects)
			}
			if err := t.ssrf(req.URL.String()); err != nil {
				return fmt.Errorf("blocked redirect: %w", err)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Bound the read. HTML boils down during extraction, so read extra
	// raw bytes before the character cap applies.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)*4))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &fetchedPage{
		FinalURL: resp.Request.URL.String(),
		Status:   resp.StatusCode,
		MaxChars: maxChars,
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		page.Text, page.Extractor = extractJSON(body)

	case strings.Contains(contentType, "text/markdown"):
		page.Text, page.Extractor = string(body), "markdown"
		if mode == "text" {
			page.Text = markdownToText(page.Text)
		}

	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		if mode == "markdown" {
			page.Text, page.Extractor = htmlToMarkdown(string(body)), "html-to-markdown"
		} else {
			page.Text, page.Extractor = htmlToText(string(body)), "html-to-text"
		}

	default:
		page.Text, page.Extractor = string(body), "raw"
	}

	if len(page.Text) > maxChars {
		page.Text = page.Text[:maxChars]
		page.Truncated = true
	}
	return page, nil
}
