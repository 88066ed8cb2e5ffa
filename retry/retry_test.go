package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(NewNonRecoverableError(errors.New("connection refused"))))
	assert.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRecoverable(context.Canceled))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	count := 0
	var waits []time.Duration
	err := Do(context.Background(), func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("transient"))
		}
		return nil
	}, WithBaseWait(time.Millisecond), WithNotify(func(err error, wait time.Duration) {
		waits = append(waits, wait)
	}))
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Len(t, waits, 2)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("syntax error")
	}, WithBaseWait(time.Millisecond))
	require.EqualError(t, err, "syntax error")
	require.Equal(t, 1, count)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return NewRecoverableError(errors.New("transient"))
	}, WithMaxRetries(10), WithBaseWait(time.Second))
	require.Error(t, err)
	require.Equal(t, 1, count)
}
