// Package retry wraps operations with bounded, exponentially backed-off retries.
//
// Errors that report Fatal() == true are never retried. The error returned
// after the last attempt is exactly the one the operation produced, so
// callers can match it with errors.Is and errors.As without unwrapping.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Defaults mirror the engine configuration defaults.
const (
	DefaultMaxRetries        = 3
	DefaultBaseDelay         = 5 * time.Second
	DefaultMaxDelay          = 5 * time.Minute
	DefaultBackoffMultiplier = 2.0
)

// FatalError is implemented by errors that retrying cannot fix.
type FatalError interface {
	error
	Fatal() bool
}

// IsFatal reports whether any error in err's chain declares itself fatal.
func IsFatal(err error) bool {
	var f FatalError
	if errors.As(err, &f) {
		return f.Fatal()
	}
	return false
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }
func (e *fatalError) Fatal() bool   { return true }

// MarkFatal wraps err so that the default policy does not retry it.
func MarkFatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// DefaultShouldRetry retries everything except fatal errors and cancellation.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsFatal(err)
}

// Policy controls how many attempts are made and how long to wait between them.
type Policy struct {
	// MaxRetries is the total number of attempts. Values below 1 mean one attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every delay. Zero means uncapped.
	MaxDelay time.Duration
	// BackoffMultiplier scales the delay per retry. Values below 1 are treated as 1.
	BackoffMultiplier float64
	// ShouldRetry classifies errors. Nil uses DefaultShouldRetry.
	ShouldRetry func(error) bool
}

// DefaultPolicy returns the engine's default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        DefaultMaxRetries,
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// Merge overlays the non-zero fields of spec onto p.
func (p Policy) Merge(spec *models.RetrySpec) Policy {
	if spec == nil {
		return p
	}
	if spec.MaxRetries > 0 {
		p.MaxRetries = spec.MaxRetries
	}
	if spec.BaseDelay > 0 {
		p.BaseDelay = spec.BaseDelay
	}
	if spec.MaxDelay > 0 {
		p.MaxDelay = spec.MaxDelay
	}
	if spec.BackoffMultiplier > 0 {
		p.BackoffMultiplier = spec.BackoffMultiplier
	}
	return p
}

// Attempts returns the effective attempt bound.
func (p Policy) Attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Delay returns min(BaseDelay * BackoffMultiplier^attempt, MaxDelay).
// attempt is 0 for the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return DefaultShouldRetry(err)
}

// Func is one attempt of a retried operation. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// NotifyFunc is called after a failed attempt, before sleeping for delay.
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// bound is reached, or ctx is done. It returns the number of attempts made
// and the last error fn returned, unchanged.
func Do(ctx context.Context, p Policy, fn Func, notify NotifyFunc) (int, error) {
	max := p.Attempts()
	var lastErr error

	for attempt := 1; attempt <= max; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == max || !p.shouldRetry(lastErr) {
			return attempt, lastErr
		}

		delay := p.Delay(attempt - 1)
		if notify != nil {
			notify(attempt, lastErr, delay)
		}
		if !sleep(ctx, delay) {
			return attempt, lastErr
		}
	}
	return max, lastErr
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), notify NotifyFunc) (T, int, error) {
	var result T
	attempts, err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err == nil {
			result = v
		}
		return err
	}, notify)
	return result, attempts, err
}

// sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
