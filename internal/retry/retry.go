package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/BoweryJG/repconnect/internal/clock"
)

// ErrExhausted marks a Do call that used every attempt.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds how often and how far apart an operation is retried.
// A fresh backoff is built per Do call so a Policy can be shared.
type Policy struct {
	MaxAttempts int
	NewBackoff  func() goretry.Backoff
	Clock       clock.Clock
}

// Fixed waits delay between attempts.
func Fixed(maxAttempts int, delay time.Duration, c clock.Clock) Policy {
	if delay <= 0 {
		delay = time.Millisecond
	}
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackoff:  func() goretry.Backoff { return goretry.NewConstant(delay) },
		Clock:       c,
	}
}

// Exponential doubles the wait after each attempt, starting at base.
func Exponential(maxAttempts int, base time.Duration, c clock.Clock) Policy {
	if base <= 0 {
		base = time.Millisecond
	}
	return Policy{
		MaxAttempts: maxAttempts,
		NewBackoff:  func() goretry.Backoff { return goretry.NewExponential(base) },
		Clock:       c,
	}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent stops the retry loop; Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// ExhaustedError carries the last failure after MaxAttempts tries.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// Do calls fn with a 1-based attempt number until it succeeds, returns a
// Permanent error, the context ends, or MaxAttempts is reached.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	var b goretry.Backoff
	if p.NewBackoff != nil {
		b = p.NewBackoff()
	}

	var last error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err
		if attempt == maxAttempts {
			break
		}

		var wait time.Duration
		if b != nil {
			next, stop := b.Next()
			if stop {
				break
			}
			wait = next
		}
		if err := c.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, last)
		}
	}
	return &ExhaustedError{Attempts: attempts, Last: last}
}

// Delays lists the waits the policy would apply between attempts.
func (p Policy) Delays() []time.Duration {
	if p.NewBackoff == nil || p.MaxAttempts < 2 {
		return nil
	}
	b := p.NewBackoff()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	for i := 0; i < p.MaxAttempts-1; i++ {
		d, stop := b.Next()
		if stop {
			break
		}
		out = append(out, d)
	}
	return out
}
