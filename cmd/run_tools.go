package cmd

import (
	"log/slog"

	"github.com/parleyhq/parley/internal/artifacts"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
	"github.com/parleyhq/parley/internal/tools"
)

// buildProviders registers every backend that has an API key. The
// OpenRouter client doubles as the image generator when configured.
func buildProviders(cfg *config.Config) (*providers.Registry, tools.ImageGenerator) {
	registry := providers.NewRegistry()

	if a := cfg.Providers.Anthropic; a.APIKey != "" {
		registry.Register(providers.NewAnthropic(a.APIKey, a.BaseURL, a.Model))
		slog.Info("provider registered", "name", "anthropic", "model", a.Model)
	}

	var imageGen tools.ImageGenerator
	if o := cfg.Providers.OpenRouter; o.APIKey != "" {
		or := providers.NewOpenRouter(o.APIKey, o.BaseURL, o.Model)
		registry.Register(or)
		imageGen = or
		slog.Info("provider registered", "name", "openrouter", "model", o.Model)
	}

	return registry, imageGen
}

// buildTools registers the built-in tools. Mode configs select subsets
// per run; MCP servers add theirs on top after startup.
func buildTools(cfg *config.Config, artStore *artifacts.Store, imageGen tools.ImageGenerator) *tools.Registry {
	reg := tools.NewRegistry()

	reg.Register(tools.NewCurrentTime())
	reg.Register(tools.NewWebFetch())

	if cfg.Tools.Web.Brave.Enabled || cfg.Tools.Web.DuckDuckGo.Enabled {
		reg.Register(tools.NewWebSearch(cfg.Tools.Web))
	}
	if cfg.Tools.Browser.Enabled {
		reg.Register(tools.NewBrowsePage(cfg.Tools.Browser))
	}
	if cfg.Tools.Image.Enabled && imageGen != nil {
		reg.Register(tools.NewGenerateImage(cfg.Tools.Image, imageGen, artStore))
	} else if cfg.Tools.Image.Enabled {
		slog.Warn("generate_image disabled: needs the openrouter provider")
	}

	return reg
}
