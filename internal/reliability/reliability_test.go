package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/phasechain/contracts"
)

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, "send", NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up with a retry error", func(t *testing.T) {
		attempts := 0
		err := Retry(ctx, "send", NewFixedDelay(time.Millisecond, 2), func() error {
			attempts++
			return errors.New("down")
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
		assert.Equal(t, "send", retryErr.Op)
		assert.Equal(t, 3, attempts)
	})

	t.Run("protocol faults are not retried", func(t *testing.T) {
		attempts := 0
		fault := contracts.NewProtocolFault("Client", "bad request")
		err := Retry(ctx, "send", NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			return fault
		})
		assert.Same(t, fault, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("marked errors follow their mark", func(t *testing.T) {
		assert.False(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: false}))
		assert.True(t, IsRetryable(RetryableError{Err: errors.New("x"), Retryable: true}))
		assert.False(t, IsRetryable(context.Canceled))
		assert.False(t, IsRetryable(nil))
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		err := Retry(ctx, "send", NewFixedDelay(time.Hour, 5), func() error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("exponential delay is capped", func(t *testing.T) {
		policy := NewExponentialBackoff(10*time.Millisecond, 50*time.Millisecond, 2, 10)
		policy.Jitter = false
		assert.Equal(t, 10*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 40*time.Millisecond, policy.NextDelay(2))
		assert.Equal(t, 50*time.Millisecond, policy.NextDelay(5))
	})
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()
	fail := func() error { return errors.New("down") }
	ok := func() error { return nil }

	t.Run("opens after the failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2), WithName("amqp"))
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(ctx, func() error { called = true; return nil })
		assert.False(t, called)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, IsRetryable(err))
	})

	t.Run("half-open trial closes the circuit", func(t *testing.T) {
		now := time.Now()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithSuccessThreshold(1), WithTimeout(time.Second))
		cb.now = func() time.Time { return now }

		assert.Error(t, cb.Execute(ctx, fail))
		require.Equal(t, StateOpen, cb.State())

		now = now.Add(2 * time.Second)
		require.NoError(t, cb.Execute(ctx, ok))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		now := time.Now()
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(time.Second))
		cb.now = func() time.Time { return now }

		_ = cb.Execute(ctx, fail)
		now = now.Add(2 * time.Second)
		_ = cb.Execute(ctx, fail)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("protocol faults do not trip the breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, func() error { return contracts.NewProtocolFault("Client", "bad") })
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reset closes", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		_ = cb.Execute(ctx, fail)
		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
	})
}
