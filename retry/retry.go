// Package retry provides the single retry policy threaded through every
// remote call site in the pipeline (cursor reads, bulk writes, checkpoint
// I/O). Call sites supply their own error classifier; the policy only owns
// the backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrBudgetExhausted wraps the last error once all attempts are spent.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy is an exponential backoff schedule with jitter.
type Policy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// Base is the delay before the second attempt.
	Base time.Duration

	// Factor multiplies the delay after each attempt.
	Factor float64

	// Jitter is the random fraction applied to each delay (0.25 = ±25%).
	Jitter float64
}

// Default returns the standard pipeline policy: 6 attempts starting at
// 200ms, doubling, with ±25% jitter.
func Default() Policy {
	return Policy{MaxAttempts: 6, Base: 200 * time.Millisecond, Factor: 2, Jitter: 0.25}
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// attempt budget, or the context is cancelled. retryable classifies errors;
// a nil classifier retries everything.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	delay := p.Base

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, p.Jitter)):
		}
		delay = time.Duration(float64(delay) * p.Factor)
	}
}

func jittered(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	// Uniform in [1-frac, 1+frac].
	scale := 1 + frac*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}
