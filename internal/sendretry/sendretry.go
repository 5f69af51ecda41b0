// Package sendretry wraps transport sends with rate-limit-aware retry:
// bounded attempts, server-provided retry-after when available, and
// observable retry/giveup events.
package sendretry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

const (
	// DefaultMaxAttempts bounds the total number of send attempts.
	DefaultMaxAttempts = 5

	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Event types emitted through Options.OnEvent.
const (
	EventRetry  = "retry"
	EventGiveup = "giveup"
)

// Event describes one retry decision.
type Event struct {
	Type        string
	Platform    string
	Destination string
	Attempt     int
	MaxAttempts int
	RetryAfter  time.Duration // 0 when the server gave no hint
	Retryable   bool
	Err         error
}

// RateLimitedError marks an error as a platform rate limit. Transports
// translate their SDK-specific errors into this type so the retry loop
// can honor the server's retry-after.
type RateLimitedError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *RateLimitedError) Error() string {
	if e.Cause != nil {
		return "rate limited: " + e.Cause.Error()
	}
	return "rate limited"
}

func (e *RateLimitedError) Unwrap() error { return e.Cause }

// Options configures a retried send.
type Options struct {
	Platform    string
	Destination string
	MaxAttempts int // 0 means DefaultMaxAttempts
	OnEvent     func(Event)

	// Classify overrides the default error classification. It reports
	// whether the error is retryable and any server retry-after hint.
	Classify func(error) (retryable bool, retryAfter time.Duration)

	// sleep is a test seam; nil means context-aware time.Sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// Send calls sendFn, retrying on rate-limit and transient connectivity
// errors with exponential backoff and full jitter. The server's
// retry-after is honored when present. A giveup event is emitted exactly
// once for every failed send, whether exhausted or non-retryable.
func Send(ctx context.Context, sendFn func(ctx context.Context) error, opts Options) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	classify := opts.Classify
	if classify == nil {
		classify = Classify
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := sendFn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		retryable, retryAfter := classify(err)
		if !retryable || attempt == maxAttempts {
			opts.emit(Event{
				Type:        EventGiveup,
				Platform:    opts.Platform,
				Destination: opts.Destination,
				Attempt:     attempt,
				MaxAttempts: maxAttempts,
				RetryAfter:  retryAfter,
				Retryable:   retryable,
				Err:         err,
			})
			return err
		}

		delay := retryAfter
		if delay <= 0 {
			delay = backoff(attempt)
		}

		opts.emit(Event{
			Type:        EventRetry,
			Platform:    opts.Platform,
			Destination: opts.Destination,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			RetryAfter:  retryAfter,
			Retryable:   true,
			Err:         err,
		})

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (o Options) emit(ev Event) {
	if o.OnEvent != nil {
		o.OnEvent(ev)
	}
}

// Classify is the default error classification: rate-limit errors and
// transient connectivity failures are retryable, everything else is not.
func Classify(err error) (bool, time.Duration) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true, rl.RetryAfter
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, 0
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limited"),
		strings.Contains(msg, "rate_limited"),
		strings.Contains(msg, "too many requests"):
		return true, 0
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "i/o timeout"):
		return true, 0
	}
	return false, 0
}

// backoff returns a full-jitter exponential delay for the given attempt:
// uniform over (0, min(maxBackoff, initialBackoff*2^(attempt-1))].
func backoff(attempt int) time.Duration {
	d := initialBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return time.Duration(rand.Int64N(int64(d))) + 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
