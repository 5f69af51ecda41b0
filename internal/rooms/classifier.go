package rooms

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/providers"
)

// nickPrefixRe strips the "<nick> " framing history rows carry so
// preprocessing prompts see the bare message text.
var nickPrefixRe = regexp.MustCompile(`^<[^>]+>\s*`)

// Classifier labels conversation context with one of the configured
// mode labels using a small preprocessing model. It never returns an
// error: anything unparseable degrades to the fallback label.
type Classifier struct {
	registry *providers.Registry
	cc       config.ClassifierConfig
}

func NewClassifier(registry *providers.Registry, cc config.ClassifierConfig) *Classifier {
	return &Classifier{registry: registry, cc: cc}
}

// Classify sends the context to the classifier model and parses the
// label out of the response: exact match first, then whole-word counts
// with ties broken by label declaration order.
func (c *Classifier) Classify(ctx context.Context, convo []providers.Message) string {
	fallback := c.cc.Fallback()
	if len(convo) == 0 || c.cc.Model == "" {
		return fallback
	}

	current := nickPrefixRe.ReplaceAllString(convo[len(convo)-1].Content, "")
	system := strings.ReplaceAll(c.cc.Prompt, "{message}", strings.TrimSpace(current))

	resp, err := c.registry.CompleteSimple(ctx, c.cc.Model, system, convo, providers.CallOptions{})
	if err != nil {
		slog.Warn("mode classification failed, using fallback", "error", err, "fallback", fallback)
		return fallback
	}
	return c.parseLabel(resp.Content, fallback)
}

func (c *Classifier) parseLabel(response, fallback string) string {
	upper := strings.ToUpper(strings.TrimSpace(response))
	for _, l := range c.cc.Labels {
		if upper == strings.ToUpper(l.Label) {
			return l.Label
		}
	}

	best := ""
	bestCount := 0
	for _, l := range c.cc.Labels {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToUpper(l.Label)) + `\b`)
		if n := len(re.FindAllStringIndex(upper, -1)); n > bestCount {
			best = l.Label
			bestCount = n
		}
	}
	if bestCount == 0 {
		slog.Warn("invalid mode classification response, using fallback", "response", response, "fallback", fallback)
		return fallback
	}
	return best
}
