package engine

import (
	"context"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// Backoff is an exponential backoff policy for lease contention.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int // total tries, including the first
}

// DefaultLeaseBackoff is used when callers contend for an execution lease.
var DefaultLeaseBackoff = Backoff{
	Initial:  25 * time.Millisecond,
	Max:      time.Second,
	Attempts: 6,
}

// IsContention reports whether err is a transient concurrency conflict: the
// lease is held elsewhere or the optimistic version check lost.
func IsContention(err error) bool {
	return schema.IsCode(err, schema.ErrCodeLeaseHeld) || schema.IsCode(err, schema.ErrCodeConflict)
}

// Delay returns the wait before retry number attempt (0-based): Initial
// doubled per attempt, capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryContention runs fn until it succeeds, fails with a non-contention
// error, or the attempts run out. The last error is returned.
func RetryContention(ctx context.Context, b Backoff, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !IsContention(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if werr := WaitForBackoff(ctx, b.Delay(i)); werr != nil {
			return werr
		}
	}
	return err
}
