package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingSleep struct {
	waits []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) bool {
	s.waits = append(s.waits, d)
	return ctx.Err() == nil
}

func TestBasicRetry(t *testing.T) {
	ctx := context.Background()
	rs := &recordingSleep{}
	retryer := NewRetryer(ctx, RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 100 * time.Millisecond,
		Sleep:        rs.sleep,
	})

	shouldRetry := retryer.ShouldWaitAndRetry(ctx, context.Canceled)
	require.False(t, shouldRetry, "cancellation should not be retried")

	shouldRetry = retryer.ShouldWaitAndRetry(ctx, errors.New("first attempt"))
	require.True(t, shouldRetry, "first attempt should be retried")

	// This has the side effect of resetting attempts to 0.
	shouldRetry = retryer.ShouldWaitAndRetry(ctx, nil)
	require.True(t, shouldRetry, "nil error should be retried")
	require.Equal(t, uint(0), retryer.Attempts())

	require.True(t, retryer.ShouldWaitAndRetry(ctx, errors.New("first attempt")))
	require.True(t, retryer.ShouldWaitAndRetry(ctx, errors.New("second attempt")))
	require.False(t, retryer.ShouldWaitAndRetry(ctx, errors.New("third attempt")))

	require.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, rs.waits)
}

func TestDefaultDelays(t *testing.T) {
	r := NewRetryer(context.Background(), RetryConfig{})
	require.Equal(t, 10*time.Second, r.Delay(1))
	require.Equal(t, 20*time.Second, r.Delay(2))
	require.Equal(t, 40*time.Second, r.Delay(3))
	require.Equal(t, 80*time.Second, r.Delay(4))

	capped := NewRetryer(context.Background(), RetryConfig{MaxDelay: 30 * time.Second})
	require.Equal(t, 30*time.Second, capped.Delay(3))
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	ctx := context.Background()
	rs := &recordingSleep{}
	calls := 0
	var hooks []uint

	v, err := Do(ctx, RetryConfig{Sleep: rs.sleep}, func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, func(ctx context.Context, attempt uint) {
		hooks = append(hooks, attempt)
	})

	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 4, calls)
	require.Equal(t, []uint{1, 2, 3}, hooks)
	require.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}, rs.waits)
}

func TestDo_Exhausted(t *testing.T) {
	ctx := context.Background()
	rs := &recordingSleep{}
	calls := 0
	cause := errors.New("still down")

	_, err := Do(ctx, RetryConfig{Sleep: rs.sleep}, func(ctx context.Context) (int, error) {
		calls++
		return 0, cause
	}, nil)

	require.ErrorIs(t, err, ErrMaxAttempts)
	require.ErrorIs(t, err, cause)
	require.Equal(t, 5, calls)
	require.Len(t, rs.waits, 4)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Do(ctx, RetryConfig{InitialDelay: time.Hour}, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
