package lease

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryTable is an in-process lease table backed by go-cache, whose item
// expiry doubles as the lease TTL.
type MemoryTable struct {
	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

// NewMemoryTable creates a lease table that purges expired leases every
// cleanup interval.
func NewMemoryTable(cleanup time.Duration) *MemoryTable {
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &MemoryTable{
		cache: gocache.New(DefaultTTL, cleanup),
		now:   time.Now,
	}
}

func (t *MemoryTable) Acquire(_ context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, found := t.cache.Get(key); found && cur.(string) != owner {
		return nil, heldError(key)
	}
	t.cache.Set(key, owner, ttl)
	return &Lease{Key: key, Owner: owner, ExpiresAt: t.now().Add(ttl)}, nil
}

func (t *MemoryTable) Release(_ context.Context, l *Lease) error {
	if l == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, found := t.cache.Get(l.Key); found && cur.(string) == l.Owner {
		t.cache.Delete(l.Key)
	}
	return nil
}

func (t *MemoryTable) Held(_ context.Context, key string) (bool, error) {
	_, found := t.cache.Get(key)
	return found, nil
}

var _ Table = (*MemoryTable)(nil)
