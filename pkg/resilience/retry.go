// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package resilience retries transient failures and stops calling
// dependencies that keep failing.
package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jllopis/koder/pkg/errors"
)

// Retry controls retries with exponential backoff.
type Retry struct {
	// MaxAttempts counts the first call; values below 1 mean 1.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// Jitter in [0,1]; 0.1 spreads each delay by ±10%.
	Jitter float64
	// IsRecoverable decides whether an error is worth another attempt.
	// Defaults to Recoverable.
	IsRecoverable func(error) bool
	// OnRetry is called before each new attempt.
	OnRetry func(attempt int, err error)
}

// DefaultRetry makes three attempts starting at 200ms.
func DefaultRetry() Retry {
	return Retry{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (r Retry) WithMaxAttempts(n int) Retry {
	r.MaxAttempts = n
	return r
}

func (r Retry) WithInitialDelay(d time.Duration) Retry {
	r.InitialDelay = d
	return r
}

func (r Retry) WithIsRecoverable(fn func(error) bool) Retry {
	r.IsRecoverable = fn
	return r
}

func (r Retry) WithOnRetry(fn func(attempt int, err error)) Retry {
	r.OnRetry = fn
	return r
}

// Do calls fn until it succeeds, returns an unrecoverable error, or the
// attempts run out. The last error is returned unchanged. A context that ends
// while waiting yields CodeAborted or CodeTimeout wrapping the last error.
func (r Retry) Do(ctx context.Context, fn func() error) error {
	attempts := max(r.MaxAttempts, 1)
	recoverable := r.IsRecoverable
	if recoverable == nil {
		recoverable = Recoverable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if r.OnRetry != nil {
				r.OnRetry(attempt, lastErr)
			}
			timer := time.NewTimer(r.backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				code := errors.CodeAborted
				if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
					code = errors.CodeTimeout
				}
				return errors.New(code, "retry interrupted", lastErr).
					WithContext("attempt", attempt).
					WithContext("max_attempts", attempts)
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !recoverable(err) {
			return err
		}
	}
	return lastErr
}

// DoValue is Do for functions returning a value.
func DoValue[T any](ctx context.Context, r Retry, fn func() (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r Retry) backoff(attempt int) time.Duration {
	mult := r.Multiplier
	if mult == 0 {
		mult = 2.0
	}
	delay := time.Duration(float64(r.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	if r.Jitter > 0 {
		spread := float64(delay) * r.Jitter
		delay += time.Duration(spread * (2*rand.Float64() - 1))
	}
	return max(delay, 0)
}

// Recoverable reports whether err is transient. Context cancellation never
// is; a KoderError answers with its Recoverable flag; other errors are
// assumed transient.
func Recoverable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ke *errors.KoderError
	if stderrors.As(err, &ke) {
		return ke.Recoverable
	}
	return true
}
