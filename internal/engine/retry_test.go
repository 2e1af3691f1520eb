package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pulse/pkg/schema"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.Delay(0))
	assert.Equal(t, 20*time.Millisecond, b.Delay(1))
	assert.Equal(t, 40*time.Millisecond, b.Delay(2))
	assert.Equal(t, 50*time.Millisecond, b.Delay(3))
	assert.Equal(t, 50*time.Millisecond, b.Delay(30))

	assert.Zero(t, Backoff{}.Delay(3))
}

func TestIsContention(t *testing.T) {
	assert.True(t, IsContention(schema.NewError(schema.ErrCodeLeaseHeld, "held")))
	assert.True(t, IsContention(schema.NewError(schema.ErrCodeConflict, "version")))
	assert.False(t, IsContention(schema.NewError(schema.ErrCodeExecution, "boom")))
	assert.False(t, IsContention(errors.New("plain")))
	assert.False(t, IsContention(nil))
}

func TestRetryContention_SucceedsAfterContention(t *testing.T) {
	calls := 0
	err := RetryContention(context.Background(), Backoff{Initial: time.Millisecond, Attempts: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return schema.NewError(schema.ErrCodeLeaseHeld, "held")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryContention_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := RetryContention(context.Background(), Backoff{Initial: time.Millisecond, Attempts: 5}, func(context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeNotFound, "gone")
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, 1, calls)
}

func TestRetryContention_GivesUp(t *testing.T) {
	calls := 0
	err := RetryContention(context.Background(), Backoff{Initial: time.Millisecond, Attempts: 3}, func(context.Context) error {
		calls++
		return schema.NewError(schema.ErrCodeLeaseHeld, "held")
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeLeaseHeld))
	assert.Equal(t, 3, calls)
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
	assert.NoError(t, WaitForBackoff(ctx, 0))
}
