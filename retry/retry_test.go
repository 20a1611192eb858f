package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	require.True(t, IsRecoverable(err))
	require.False(t, IsRecoverable(errors.New("test error")))
	require.False(t, IsRecoverable(nil))
}

func TestNonRecoverableErrorWins(t *testing.T) {
	err := NewNonRecoverableError(errors.New("connection refused"))
	require.False(t, IsRecoverable(err))
	require.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
}

func TestRecoverableHeuristics(t *testing.T) {
	require.True(t, IsRecoverable(context.DeadlineExceeded))
	require.False(t, IsRecoverable(context.Canceled))
	require.True(t, IsRecoverable(fmt.Errorf("query: %w", errors.New("pq: deadlock detected"))))
	require.False(t, IsRecoverable(errors.New("syntax error at or near")))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("invalid input")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "invalid input")
	require.Equal(t, 1, count)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	count := 0
	var notified int
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("flaky"))
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond), WithNotify(func(err error, wait time.Duration) {
		notified++
	}))
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, 2, notified)
}
