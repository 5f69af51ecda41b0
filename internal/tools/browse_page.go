package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/parleyhq/parley/internal/config"
)

// BrowsePage renders a URL in headless Chromium and extracts the page
// text after scripts run, for pages where web_fetch only sees an app
// shell. The browser launches on first use and is shared across calls.
type BrowsePage struct {
	headless bool
	ssrf     func(string) error

	mu      sync.Mutex
	browser *rod.Browser
}

var _ Tool = (*BrowsePage)(nil)

// NewBrowsePage builds the browse_page tool. Returns nil when the
// browser tool is disabled.
func NewBrowsePage(cfg config.BrowserToolConfig) *BrowsePage {
	if !cfg.Enabled {
		return nil
	}
	return &BrowsePage{headless: cfg.Headless, ssrf: checkSSRF}
}

func (t *BrowsePage) Name() string { return "browse_page" }

func (t *BrowsePage) Description() string {
	return "Render a URL in a headless browser and extract its content after JavaScript runs. Use when web_fetch returns an empty shell."
}

func (t *BrowsePage) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to render.",
			},
			"wait_for": map[string]any{
				"type":        "string",
				"description": "Optional CSS selector to wait for before extracting.",
			},
			"extract_mode": map[string]any{
				"type":        "string",
				"description": "Extraction mode. Default: markdown.",
				"enum":        []string{"markdown", "text"},
			},
		},
		"required": []string{"url"},
	}
}

func (t *BrowsePage) Execute(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("url is required")
	}
	if err := t.ssrf(rawURL); err != nil {
		return "", fmt.Errorf("blocked url: %w", err)
	}
	mode := "markdown"
	if m, ok := args["extract_mode"].(string); ok && (m == "markdown" || m == "text") {
		mode = m
	}
	waitFor, _ := args["wait_for"].(string)

	browser, err := t.ensureBrowser()
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return "", fmt.Errorf("open page: %w", err)
	}
	page = page.Context(ctx)
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait for page load: %w", err)
	}
	if waitFor != "" {
		if _, err := page.Element(waitFor); err != nil {
			return "", fmt.Errorf("wait for %q: %w", waitFor, err)
		}
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read page: %w", err)
	}

	var text string
	if mode == "markdown" {
		text = htmlToMarkdown(html)
	} else {
		text = htmlToText(html)
	}
	if len(text) > defaultFetchMaxChars {
		text = text[:defaultFetchMaxChars]
	}
	return wrapExternalContent(text, rawURL, true), nil
}

// ensureBrowser launches Chromium once and reuses the instance.
func (t *BrowsePage) ensureBrowser() (*rod.Browser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser != nil {
		return t.browser, nil
	}

	controlURL, err := launcher.New().Headless(t.headless).Launch()
	if err != nil {
		return nil, err
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	t.browser = b
	return b, nil
}

// Close shuts the shared browser down. Safe when it never launched.
func (t *BrowsePage) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.browser == nil {
		return nil
	}
	err := t.browser.Close()
	t.browser = nil
	return err
}
