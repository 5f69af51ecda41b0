package tools

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/config"
)

func TestNewBrowsePageGating(t *testing.T) {
	if tool := NewBrowsePage(config.BrowserToolConfig{Enabled: false}); tool != nil {
		t.Error("disabled browser should yield nil tool")
	}
	if tool := NewBrowsePage(config.BrowserToolConfig{Enabled: true, Headless: true}); tool == nil {
		t.Error("enabled browser should yield a tool")
	}
}

// Validation runs before the browser launches, so these paths are safe
// without Chromium installed.
func TestBrowsePageValidation(t *testing.T) {
	tool := &BrowsePage{headless: true, ssrf: func(u string) error {
		if strings.Contains(u, "10.0.0.5") {
			return fmt.Errorf("private")
		}
		return nil
	}}

	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Error("missing url should error")
	}
	if _, err := tool.Execute(context.Background(), map[string]any{"url": "http://10.0.0.5/x"}); err == nil {
		t.Error("blocked url should error")
	}
}
