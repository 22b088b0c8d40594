package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries of one lifecycle transition.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first. Values below 1 mean 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`

	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration `json:"max_interval" yaml:"max_interval"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// RandomizationFactor is the jitter applied to each delay (0.5 means ±50%).
	RandomizationFactor float64 `json:"randomization_factor" yaml:"randomization_factor"`

	// MaxElapsed is the wall-clock budget for the whole transition. Zero means unbounded.
	MaxElapsed time.Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         4,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.25,
		MaxElapsed:          time.Minute,
	}
}

// RetryNotify is called after a transient failure, before sleeping wait.
type RetryNotify func(attempt int, err error, wait time.Duration)

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxElapsedTime = p.MaxElapsed
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs fn until it succeeds, fails with a non-transient error, or a bound is hit.
// Fatal and indeterminate errors are returned unchanged after one try. Exhausting
// the attempt count or the elapsed budget converts the last transient failure to
// a fatal error. ctx only interrupts the waits between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, notify RetryNotify) (int, error) {
	attempts := 0
	var lastErr error

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(attempts, err, wait) }
	}

	if err := backoff.RetryNotify(op, p.newBackOff(ctx), n); err == nil {
		return attempts, nil
	}

	if lastErr == nil {
		return attempts, NewFatalError("retry aborted before first attempt", ctx.Err()).
			WithCode(ErrCodeCancelled)
	}
	if !IsTransient(lastErr) {
		return attempts, lastErr
	}

	switch {
	case ctx.Err() != nil:
		return attempts, NewFatalError("retry interrupted by cancellation", lastErr).
			WithCode(ErrCodeCancelled)
	case p.MaxAttempts <= 1 || attempts >= p.MaxAttempts:
		return attempts, NewFatalError(fmt.Sprintf("gave up after %d attempts", attempts), lastErr).
			WithCode(ErrCodeRetriesExhausted).WithDetail("attempts", attempts)
	default:
		return attempts, NewFatalError(
			fmt.Sprintf("retry budget of %s exceeded after %d attempts", p.MaxElapsed, attempts),
			lastErr,
		).WithCode(ErrCodeBudgetExceeded).WithDetail("attempts", attempts)
	}
}

// exhaustedCause returns the last transient failure behind a retry-exhaustion error.
func exhaustedCause(err error) error {
	e := Classify(err)
	if e == nil {
		return nil
	}
	switch e.Code {
	case ErrCodeRetriesExhausted, ErrCodeBudgetExceeded, ErrCodeCancelled:
		return e.Err
	}
	return nil
}
