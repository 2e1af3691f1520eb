// Package lease provides per-execution leases so that no two steps of one
// execution run at the same time.
package lease

import (
	"context"
	"time"

	"github.com/rendis/pulse/pkg/schema"
)

// DefaultTTL bounds how long a crashed holder blocks an execution.
const DefaultTTL = 30 * time.Second

// Lease is a held claim on a key.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Table grants leases. Acquire returns a LEASE_HELD error when another owner
// holds an unexpired lease on key; the same owner may re-acquire, which
// extends the lease. Release is a no-op unless lease is still held by its
// owner.
type Table interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
	Held(ctx context.Context, key string) (bool, error)
}

func heldError(key string) error {
	return schema.NewErrorf(schema.ErrCodeLeaseHeld, "lease on %s is held", key).
		WithDetails(map[string]any{"key": key})
}

// IsHeld reports whether err means the lease was held by someone else.
func IsHeld(err error) bool {
	return schema.IsCode(err, schema.ErrCodeLeaseHeld)
}
