package agent

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/parleyhq/parley/internal/providers"
)

// ErrEmptyCompletion is returned when the model keeps producing empty
// completions after every nudge retry.
var ErrEmptyCompletion = errors.New("Agent produced empty completion.")

const (
	maxEmptyRetries = 3
	emptyNudge      = "<meta>No valid text or tool use found in response. Please try again.</meta>"
)

// Safety refusals come back in a handful of shapes depending on the
// provider: a structured JSON flag, proxy error strings, or plain
// refusal text.
var refusalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)"is_refusal"\s*:\s*true`),
	regexp.MustCompile(`(?i)the ai refused to respond to this request`),
	regexp.MustCompile(`(?is)invalid_prompt.{0,160}?safety reasons`),
	regexp.MustCompile(`(?i)content safety refusal`),
}

// IsRefusal reports whether text looks like a model safety refusal.
func IsRefusal(text string) bool {
	for _, re := range refusalPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// RunOptions tune a single RunSingleTurn invocation.
type RunOptions struct {
	// RefusalFallbackModel, when set, is the model spec to switch to
	// and re-prompt once if the primary model refuses.
	RefusalFallbackModel string
}

// RunResult is what one completed invocation produced.
type RunResult struct {
	Text       string
	StopReason string
	Usage      providers.Usage
	Iterations int
	ToolCalls  int

	// FallbackModel is the resolved model id of the refusal fallback
	// when it was activated, empty otherwise.
	FallbackModel string

	Session *Session
}

// RunSingleTurn drives one agent invocation end to end: prompt the
// session, fall back to another model on a safety refusal, nudge the
// model when it returns empty completions, and total the usage of
// every assistant message the invocation produced.
func RunSingleTurn(ctx context.Context, s *Session, prompt string, opts RunOptions) (*RunResult, error) {
	res := &RunResult{Session: s}
	before := len(s.Messages())

	unsub := s.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventTurnEnd:
			res.Iterations++
		case EventToolEnd:
			res.ToolCalls++
		}
	})
	defer unsub()

	span := trace.SpanFromContext(ctx)

	text, err := s.Prompt(ctx, prompt)
	refused := (err == nil && IsRefusal(text)) || (err != nil && IsRefusal(err.Error()))
	if refused && opts.RefusalFallbackModel != "" {
		res.FallbackModel = s.resolveModelID(opts.RefusalFallbackModel)
		slog.Warn("model refused, switching to fallback",
			"model", s.Model(), "fallback", opts.RefusalFallbackModel, "had_error", err != nil)
		span.AddEvent("refusal_fallback", trace.WithAttributes(
			attribute.String("fallback_model", opts.RefusalFallbackModel)))
		s.SetModel(opts.RefusalFallbackModel)
		text, err = s.Prompt(ctx, prompt)
	}
	if err != nil {
		return nil, err
	}

	for attempt := 1; strings.TrimSpace(text) == "" && attempt <= maxEmptyRetries; attempt++ {
		slog.Warn("empty completion, nudging model", "attempt", attempt, "model", s.Model())
		span.AddEvent("empty_completion_retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
		text, err = s.PromptEphemeral(ctx, emptyNudge)
		if err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyCompletion
	}

	res.Text = text
	res.StopReason = s.LastStopReason()
	res.Usage = providers.SumAssistantUsage(s.Messages()[before:])
	return res, nil
}

// resolveModelID maps a model spec to its bare model id for user-facing
// annotations; the raw spec is returned when it does not resolve.
func (s *Session) resolveModelID(spec string) string {
	if s.registry != nil {
		if _, id, err := s.registry.Resolve(spec); err == nil {
			return id
		}
	}
	if _, id, found := strings.Cut(spec, ":"); found {
		return id
	}
	return spec
}
