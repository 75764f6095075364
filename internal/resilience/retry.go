// Package resilience provides retry and circuit breaking for calls to remote
// generation services.
//
// [Retry] re-runs a call with exponential backoff. [Breaker] stops calling a
// backend that keeps failing and lets a single probe through once it has
// cooled down. [GuardLLM] composes the breaker with an [llm.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy controls [Retry].
type Policy struct {
	// Attempts is the total number of calls, including the first. Default: 3.
	Attempts int

	// Initial is the delay before the second attempt. Default: 1s.
	Initial time.Duration

	// Max caps the delay between attempts. Default: 30s.
	Max time.Duration

	// Name labels log messages.
	Name string
}

// DefaultPolicy is three attempts starting at one second.
var DefaultPolicy = Policy{Attempts: 3, Initial: time.Second, Max: 30 * time.Second}

func (p Policy) withDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPolicy.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = DefaultPolicy.Initial
	}
	if p.Max <= 0 {
		p.Max = DefaultPolicy.Max
	}
	return p
}

// Permanent marks err as not worth retrying. [Retry] returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls fn until it succeeds, returns a [Permanent] error, the attempt
// budget runs out or ctx is done. The delay doubles after every failure up to
// p.Max. On exhaustion the last error is returned.
func Retry(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.withDefaults()
	delay := p.Initial

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.Attempts {
			return err
		}

		slog.Info("resilience: attempt failed, retrying",
			"name", p.Name,
			"attempt", attempt,
			"backoff", delay,
			"err", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if delay > p.Max {
			delay = p.Max
		}
	}
}
