package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy decides whether attempt (zero based) is followed by another
// one and how long to wait before it.
type RetryPolicy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
	NextDelay(attempt int) time.Duration
}

// IncrementalBackoff waits (attempt+1)*Step before each retry: with the
// defaults 5s then 10s, after which the message is dead-lettered.
type IncrementalBackoff struct {
	Step        time.Duration
	MaxAttempts int
}

// NewIncrementalBackoff returns a policy allowing maxRetries retries
func NewIncrementalBackoff(step time.Duration, maxRetries int) *IncrementalBackoff {
	return &IncrementalBackoff{Step: step, MaxAttempts: maxRetries}
}

func (b *IncrementalBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	return allowRetry(attempt, b.MaxAttempts, err, b.NextDelay)
}

func (b *IncrementalBackoff) MaxRetries() int { return b.MaxAttempts }

func (b *IncrementalBackoff) NextDelay(attempt int) time.Duration {
	return time.Duration(max(attempt, 0)+1) * b.Step
}

// ExponentialBackoff multiplies the delay by Multiplier on every attempt,
// capped at MaxInterval. With Jitter the delay is spread by ±15%.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff returns a jittered exponential policy
func NewExponentialBackoff(initial, ceiling time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     ceiling,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	return allowRetry(attempt, e.MaxAttempts, err, e.NextDelay)
}

func (e *ExponentialBackoff) MaxRetries() int { return e.MaxAttempts }

func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	d := math.Min(
		float64(e.InitialInterval)*math.Pow(e.Multiplier, float64(attempt)),
		float64(e.MaxInterval),
	)
	if e.Jitter {
		d *= 0.85 + 0.3*rand.Float64()
	}
	return time.Duration(d)
}

func allowRetry(attempt, limit int, err error, delay func(int) time.Duration) (bool, time.Duration) {
	if err == nil || attempt >= limit || IsPermanent(err) {
		return false, 0
	}
	return true, delay(attempt)
}

// Retry calls fn until it returns nil, the policy gives up or ctx is done.
// The last error from fn is returned when the policy gives up.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			return err
		}

		wait := time.NewTimer(delay)
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		}
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Handlers return it for
// messages that will never succeed, such as undecodable payloads.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, came from Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
