package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/config"
)

const (
	defaultSearchCount  = 5
	maxSearchCount      = 10
	searchTimeout       = 30 * time.Second
	braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
	webUserAgent        = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// SearchProvider is one web search backend. Backends are tried in order
// until one returns results.
type SearchProvider interface {
	Search(ctx context.Context, params searchParams) ([]searchResult, error)
	Name() string
}

type searchParams struct {
	Query      string
	Count      int
	Country    string
	SearchLang string
	UILang     string
	Freshness  string
}

// cacheKey folds every parameter that changes the result set.
func (p searchParams) cacheKey() string {
	parts := []string{
		p.Query,
		fmt.Sprintf("%d", p.Count),
		orDefault(p.Country, "default"),
		orDefault(p.SearchLang, "default"),
		orDefault(p.UILang, "default"),
		orDefault(p.Freshness, "default"),
	}
	return strings.Join(parts, ":")
}

type searchResult struct {
	Title       string
	URL         string
	Description string
}

// Freshness accepts the Brave shortcuts (pd, pw, pm, py) or an explicit
// date range. Anything else is dropped rather than passed through.
var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearch searches the web. Brave is preferred when a key is
// configured; the DuckDuckGo HTML endpoint needs no credentials and is
// the fallback.
type WebSearch struct {
	backends     []SearchProvider
	defaultCount int
	cache        *webCache
}

var _ Tool = (*WebSearch)(nil)

// NewWebSearch builds the web_search tool from config. Returns nil when
// no backend is enabled.
func NewWebSearch(cfg config.WebToolsConfig) *WebSearch {
	var backends []SearchProvider
	if cfg.Brave.Enabled && cfg.Brave.APIKey != "" {
		backends = append(backends, newBraveProvider(cfg.Brave.APIKey))
	}
	if cfg.DuckDuckGo.Enabled {
		backends = append(backends, newDDGProvider())
	}
	if len(backends) == 0 {
		return nil
	}

	count := cfg.DuckDuckGo.MaxResults
	if count < 1 || count > maxSearchCount {
		count = defaultSearchCount
	}
	return &WebSearch{
		backends:     backends,
		defaultCount: count,
		cache:        newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
	}
}

func (t *WebSearch) Name() string { return "web_search" }

func (t *WebSearch) Description() string {
	return "Search the web for current information. Returns result titles, URLs, and snippets."
}

func (t *WebSearch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
			"count": map[string]any{
				"type":        "number",
				"description": fmt.Sprintf("Number of results to return (1-%d).", maxSearchCount),
			},
			"country": map[string]any{
				"type":        "string",
				"description": "2-letter country code for region-specific results (e.g. 'DE', 'US').",
			},
			"search_lang": map[string]any{
				"type":        "string",
				"description": "ISO language code for search results (e.g. 'de', 'en').",
			},
			"ui_lang": map[string]any{
				"type":        "string",
				"description": "ISO language code for UI elements.",
			},
			"freshness": map[string]any{
				"type":        "string",
				"description": "Restrict by discovery time: 'pd' (past day), 'pw' (week), 'pm' (month), 'py' (year), or 'YYYY-MM-DDtoYYYY-MM-DD'.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearch) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("query is required")
	}

	count := t.defaultCount
	if c, ok := args["count"].(float64); ok && int(c) >= 1 && int(c) <= maxSearchCount {
		count = int(c)
	}
	country, _ := args["country"].(string)
	searchLang, _ := args["search_lang"].(string)
	uiLang, _ := args["ui_lang"].(string)
	freshness, _ := args["freshness"].(string)

	params := searchParams{
		Query:      query,
		Count:      count,
		Country:    country,
		SearchLang: searchLang,
		UILang:     uiLang,
		Freshness:  freshness,
	}

	key := params.cacheKey()
	if hit, ok := t.cache.get(key); ok {
		slog.Debug("web_search cache hit", "query", query)
		return hit, nil
	}

	var lastErr error
	for _, backend := range t.backends {
		results, err := backend.Search(ctx, params)
		if err != nil {
			slog.Warn("search backend failed", "backend", backend.Name(), "error", err)
			lastErr = err
			continue
		}
		out := wrapExternalContent(formatSearchResults(query, results, backend.Name()), "Web Search", false)
		t.cache.set(key, out)
		return out, nil
	}

	if lastErr != nil {
		return "", fmt.Errorf("all search backends failed: %w", lastErr)
	}
	return "", fmt.Errorf("no search backend configured")
}

func formatSearchResults(query string, results []searchResult, backend string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, backend)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
