package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
)

// Predicate decides whether a failed attempt should be retried
type Predicate func(err error) bool

// Policy bounds and paces the attempts of a retriable operation
type Policy struct {
	// Name labels the operation in metrics and logs
	Name string

	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// Delay is the pause before each retry
	Delay time.Duration

	// Backoff, when set, replaces Delay. It receives the 1-based retry number.
	Backoff func(retry int) time.Duration

	// ShouldRetry gates retries; nil retries classified retryable errors
	ShouldRetry Predicate

	// Sleep overrides the pause between attempts, for tests
	Sleep func(ctx context.Context, d time.Duration) error
}

// Control is shared by all attempts of one run. Calling PreventRetries
// makes the current attempt the last one.
type Control struct {
	attempts  atomic.Int32
	prevented atomic.Bool
}

// PreventRetries disables any further attempts
func (c *Control) PreventRetries() {
	c.prevented.Store(true)
}

// Prevented reports whether retries were disabled
func (c *Control) Prevented() bool {
	return c.prevented.Load()
}

// Attempts returns the number of attempts started so far
func (c *Control) Attempts() int {
	return int(c.attempts.Load())
}

// Operation is one attempt of a retriable unit of work
type Operation[T any] func(ctx context.Context, c *Control) (T, error)

// Run executes op until it succeeds, the predicate refuses the failure,
// retries are prevented, or MaxRetries retries have been made. At most
// MaxRetries+1 attempts run.
func Run[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	return RunControlled(ctx, p, &Control{}, op)
}

// RunControlled is Run with a Control owned by the caller, so that the
// caller can prevent retries while the operation is in flight
func RunControlled[T any](ctx context.Context, p Policy, c *Control, op Operation[T]) (T, error) {
	logger := log.WithComponent("retry")
	name := p.Name
	if name == "" {
		name = "operation"
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = fault.IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for retry := 0; ; retry++ {
		c.attempts.Add(1)
		v, err := op(ctx, c)
		if err == nil {
			metrics.RetryAttempts.WithLabelValues(name, "success").Inc()
			return v, nil
		}

		if c.Prevented() || retry >= p.MaxRetries || !shouldRetry(err) {
			metrics.RetryAttempts.WithLabelValues(name, "failed").Inc()
			c.PreventRetries()
			var zero T
			return zero, err
		}

		metrics.RetryAttempts.WithLabelValues(name, "retry").Inc()
		delay := p.delay(retry + 1)
		logger.Debug().
			Err(err).
			Str("operation", name).
			Int("retry", retry+1).
			Dur("delay", delay).
			Msg("Retrying failed operation")

		if serr := sleep(ctx, delay); serr != nil {
			var zero T
			return zero, errors.Join(err, serr)
		}
		// Retries may have been disabled while we were waiting
		if c.Prevented() {
			var zero T
			return zero, err
		}
	}
}

func (p Policy) delay(retry int) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(retry)
	}
	return p.Delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Linear returns a backoff that waits retry*interval before each retry
func Linear(interval time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		return time.Duration(retry) * interval
	}
}
