package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("crm-sync/retry")

var ErrMaxAttempts = errors.New("retry: max attempts reached")

const (
	DefaultMaxAttempts  = 4
	DefaultInitialDelay = 5 * time.Second
)

// SleepFunc waits for d and returns false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool

func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type Retryer struct {
	attempts     uint
	maxAttempts  uint
	initialDelay time.Duration
	maxDelay     time.Duration
	retryable    func(error) bool
	sleep        SleepFunc
}

type RetryConfig struct {
	MaxAttempts  uint          // Retries after the first failure. Default is 4.
	InitialDelay time.Duration // Default is 5 seconds; the first retry waits twice this.
	MaxDelay     time.Duration // 0 means no limit.
	Retryable    func(error) bool
	Sleep        SleepFunc
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func NewRetryer(ctx context.Context, config RetryConfig) *Retryer {
	r := &Retryer{
		maxAttempts:  config.MaxAttempts,
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		retryable:    config.Retryable,
		sleep:        config.Sleep,
	}
	if r.maxAttempts == 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.initialDelay == 0 {
		r.initialDelay = DefaultInitialDelay
	}
	if r.retryable == nil {
		r.retryable = defaultRetryable
	}
	if r.sleep == nil {
		r.sleep = sleepContext
	}
	return r
}

// Attempts is the number of retries consumed since the last success.
func (r *Retryer) Attempts() uint {
	return r.attempts
}

// Delay is the wait before the given retry: initialDelay * 2^attempt.
func (r *Retryer) Delay(attempt uint) time.Duration {
	wait := r.initialDelay
	for i := uint(0); i < attempt; i++ {
		wait *= 2
		if r.maxDelay > 0 && wait >= r.maxDelay {
			return r.maxDelay
		}
	}
	return wait
}

// ShouldWaitAndRetry records a failed attempt, waits the backoff delay and reports whether the
// caller should try again. A nil error resets the attempt counter.
func (r *Retryer) ShouldWaitAndRetry(ctx context.Context, err error) bool {
	ctx, span := tracer.Start(ctx, "retry.ShouldWaitAndRetry")
	defer span.End()

	if err == nil {
		r.attempts = 0
		return true
	}
	if !r.retryable(err) {
		return false
	}

	r.attempts++
	span.SetAttributes(attribute.Int("attempt", int(r.attempts)))
	l := ctxzap.Extract(ctx)

	if r.attempts > r.maxAttempts {
		l.Warn("max attempts reached", zap.Error(err), zap.Uint("max_attempts", r.maxAttempts))
		return false
	}

	wait := r.Delay(r.attempts)
	l.Warn("retrying operation", zap.Error(err), zap.Uint("attempt", r.attempts), zap.Duration("wait", wait))

	return r.sleep(ctx, wait)
}

// Do runs op until it succeeds or the retry budget is spent. beforeRetry, when set, runs after
// each backoff wait and before the next attempt.
func Do[T any](ctx context.Context, config RetryConfig, op func(ctx context.Context) (T, error), beforeRetry func(ctx context.Context, attempt uint)) (T, error) {
	r := NewRetryer(ctx, config)
	for {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		if !r.ShouldWaitAndRetry(ctx, err) {
			var zero T
			if ctxErr := ctx.Err(); ctxErr != nil {
				return zero, errors.Join(ctxErr, err)
			}
			if r.attempts > r.maxAttempts {
				return zero, fmt.Errorf("%w after %d retries: %w", ErrMaxAttempts, r.maxAttempts, err)
			}
			return zero, err
		}

		if beforeRetry != nil {
			beforeRetry(ctx, r.attempts)
		}
	}
}
