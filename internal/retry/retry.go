// Package retry implements the generic steering controller. It is
// deliberately decoupled from any one
// caller's prompt shape — compression (internal/compression) and a
// future chat/generate caller both plug their own attempt/validate/steer
// closures into the same loop. Backoff between attempts is delegated to
// github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tract-dev/trace/internal/tracerr"
)

// Validation is one attempt's verdict: ok=true accepts the result;
// ok=false carries a diagnosis string fed to Steer.
type Validation struct {
	OK        bool
	Diagnosis string
}

// Result is WithSteering's return value on success.
type Result[T any] struct {
	Value    T
	Attempts int
	History  []string // diagnosis per failed attempt, in order
}

// Options configures one WithSteering call.
type Options[T any] struct {
	// Attempt produces one candidate result. It is re-invoked after every
	// failed Validate call, so it must reflect whatever Steer mutated in
	// the caller's own state.
	Attempt func(ctx context.Context) (T, error)
	// Validate judges a candidate; a false OK triggers Steer with the
	// returned diagnosis.
	Validate func(ctx context.Context, value T) (Validation, error)
	// Steer mutates the caller's prompt/request state in response to a
	// failed validation (e.g. commits a steering message, appends a
	// diagnosis to a summarization prompt). Optional: a nil Steer simply
	// retries Attempt unchanged, which is only useful when Attempt itself
	// has internal randomness.
	Steer func(ctx context.Context, diagnosis string) error
	// MaxRetries bounds additional attempts after the first (so
	// MaxRetries=3 allows up to 4 total attempts). Spec default is 3.
	MaxRetries int
	// Purify, on eventual success after at least one failed attempt,
	// invokes HeadFn/ResetFn to restore the caller's HEAD to its
	// pre-retry point so the caller can re-commit the clean result,
	// leaving the retry commits orphaned but queryable.
	Purify  bool
	HeadFn  func(ctx context.Context) (string, error)
	ResetFn func(ctx context.Context, head string) error
	// Backoff, when non-nil, is used between failed attempts. A nil
	// Backoff means retries fire back-to-back (the common case for
	// compression's validation retries, which don't hit a rate limit).
	Backoff backoff.BackOff
}

// WithSteering drives Attempt/Validate/Steer up to MaxRetries+1 total
// attempts, exhausting into a tracerr.KindRetryExhausted error that
// carries the last diagnosis.
func WithSteering[T any](ctx context.Context, opts Options[T]) (*Result[T], error) {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var preRetryHead string
	var capturedHead bool

	history := make([]string, 0, maxRetries)
	var lastDiagnosis string
	var lastValue T

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		value, err := opts.Attempt(ctx)
		if err != nil {
			return nil, err
		}
		lastValue = value

		verdict, err := opts.Validate(ctx, value)
		if err != nil {
			return nil, err
		}
		if verdict.OK {
			if opts.Purify && attempt > 0 && opts.HeadFn != nil && opts.ResetFn != nil && capturedHead {
				if err := opts.ResetFn(ctx, preRetryHead); err != nil {
					return nil, err
				}
			}
			return &Result[T]{Value: value, Attempts: attempt + 1, History: history}, nil
		}

		lastDiagnosis = verdict.Diagnosis
		history = append(history, verdict.Diagnosis)

		if attempt == 0 && opts.Purify && opts.HeadFn != nil {
			if h, err := opts.HeadFn(ctx); err == nil {
				preRetryHead = h
				capturedHead = true
			}
		}

		if attempt == maxRetries {
			break
		}

		if opts.Steer != nil {
			if err := opts.Steer(ctx, verdict.Diagnosis); err != nil {
				return nil, err
			}
		}

		if opts.Backoff != nil {
			d := opts.Backoff.NextBackOff()
			if d == backoff.Stop {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
	}

	_ = lastValue
	return nil, tracerr.RetryExhausted(maxRetries+1, lastDiagnosis, nil)
}
