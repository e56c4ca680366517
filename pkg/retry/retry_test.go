package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/enascvm/admiral/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestRun_BoundedRetry(t *testing.T) {
	sleeper := &recordingSleeper{}
	attempts := 0

	_, err := Run(context.Background(), Policy{
		MaxRetries:  1,
		Delay:       15 * time.Second,
		ShouldRetry: func(error) bool { return true },
		Sleep:       sleeper.Sleep,
	}, func(ctx context.Context, c *Control) (struct{}, error) {
		attempts++
		return struct{}{}, errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{15 * time.Second}, sleeper.delays)
}

func TestRun_SuccessAfterRetry(t *testing.T) {
	sleeper := &recordingSleeper{}
	v, err := Run(context.Background(), Policy{MaxRetries: 3, Sleep: sleeper.Sleep},
		func(ctx context.Context, c *Control) (int, error) {
			if c.Attempts() < 3 {
				return 0, fault.Transient("timeout", nil)
			}
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Len(t, sleeper.delays, 2)
}

func TestRun_SelectiveRetry(t *testing.T) {
	tests := []struct {
		name          string
		errs          []error
		wantAttempts  int
		wantInvalid   int
		wantSucceeded bool
	}{
		{
			name:          "unauthorized then success",
			errs:          []error{fault.Unauthorized("401", nil), nil},
			wantAttempts:  2,
			wantInvalid:   1,
			wantSucceeded: true,
		},
		{
			name:         "unauthorized twice",
			errs:         []error{fault.Unauthorized("401", nil), fault.Unauthorized("401", nil)},
			wantAttempts: 2,
			wantInvalid:  1,
		},
		{
			name:         "transient is not retried",
			errs:         []error{fault.Transient("503", nil)},
			wantAttempts: 1,
		},
		{
			name:         "not found is not retried",
			errs:         []error{fault.NotFound("gone", nil)},
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invalidations := 0
			attempts := 0
			sleeper := &recordingSleeper{}

			_, err := Run(context.Background(), Policy{
				MaxRetries:  1,
				Delay:       time.Second,
				ShouldRetry: OnUnauthorized(func() { invalidations++ }),
				Sleep:       sleeper.Sleep,
			}, func(ctx context.Context, c *Control) (string, error) {
				e := tt.errs[attempts]
				attempts++
				return "ok", e
			})

			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantInvalid, invalidations)
			assert.Equal(t, tt.wantSucceeded, err == nil)
		})
	}
}

func TestRun_PreventRetriesMidFlight(t *testing.T) {
	attempts := 0
	_, err := Run(context.Background(), Policy{MaxRetries: 5, Sleep: (&recordingSleeper{}).Sleep},
		func(ctx context.Context, c *Control) (int, error) {
			attempts++
			c.PreventRetries()
			return 0, fault.Transient("timeout", nil)
		})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRunControlled_CallerPreventsDuringDelay(t *testing.T) {
	ctrl := &Control{}
	attempts := 0

	_, err := RunControlled(context.Background(), Policy{
		MaxRetries: 5,
		Sleep: func(ctx context.Context, d time.Duration) error {
			ctrl.PreventRetries()
			return nil
		},
	}, ctrl, func(ctx context.Context, c *Control) (int, error) {
		attempts++
		return 0, fault.Transient("timeout", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, ctrl.Prevented())
}

func TestRun_LinearBackoff(t *testing.T) {
	sleeper := &recordingSleeper{}
	_, err := Run(context.Background(), Policy{
		MaxRetries:  3,
		Backoff:     Linear(10 * time.Second),
		ShouldRetry: UnlessNotFound(),
		Sleep:       sleeper.Sleep,
	}, func(ctx context.Context, c *Control) (int, error) {
		return 0, errors.New("inspect failed")
	})

	require.Error(t, err)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second}, sleeper.delays)
}

func TestRun_ContextCancelledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Run(ctx, Policy{MaxRetries: 3, Delay: time.Minute, ShouldRetry: Retryable()},
		func(ctx context.Context, c *Control) (int, error) {
			attempts++
			return 0, fault.Transient("timeout", nil)
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, fault.IsTransient(err))
	assert.Equal(t, 1, attempts)
}

func TestAny(t *testing.T) {
	p := Any(OnUnauthorized(nil), Retryable())
	assert.True(t, p(fault.Unauthorized("x", nil)))
	assert.True(t, p(fault.Transient("x", nil)))
	assert.False(t, p(fault.NotFound("x", nil)))
	assert.False(t, p(errors.New("x")))
}
