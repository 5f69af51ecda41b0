package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// ddgProvider scrapes the DuckDuckGo HTML endpoint. It needs no API key
// and ignores the locale and freshness parameters.
type ddgProvider struct {
	client *http.Client
}

func newDDGProvider() *ddgProvider {
	return &ddgProvider{client: &http.Client{Timeout: searchTimeout}}
}

func (p *ddgProvider) Name() string { return "duckduckgo" }

func (p *ddgProvider) Search(ctx context.Context, params searchParams) ([]searchResult, error) {
	endpoint := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(params.Query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", webUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read duckduckgo response: %w", err)
	}
	return extractDDGResults(string(body), params.Count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// extractDDGResults pulls up to count results out of the DuckDuckGo
// HTML page.
func extractDDGResults(page string, count int) []searchResult {
	links := ddgLinkRe.FindAllStringSubmatch(page, count+5)
	if len(links) == 0 {
		return nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, count+5)

	var results []searchResult
	for i := 0; i < len(links) && i < count; i++ {
		desc := ""
		if i < len(snippets) {
			desc = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		results = append(results, searchResult{
			Title:       strings.TrimSpace(htmlTagRe.ReplaceAllString(links[i][2], "")),
			URL:         unwrapDDGRedirect(links[i][1]),
			Description: desc,
		})
	}
	return results
}

// unwrapDDGRedirect extracts the destination from DuckDuckGo's redirect
// links, which carry the real URL in the uddg query parameter.
func unwrapDDGRedirect(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	u, err := url.QueryUnescape(raw)
	if err != nil {
		return raw
	}
	idx := strings.Index(u, "uddg=")
	if idx == -1 {
		return raw
	}
	dest := u[idx+len("uddg="):]
	if amp := strings.Index(dest, "&"); amp != -1 {
		dest = dest[:amp]
	}
	return dest
}
