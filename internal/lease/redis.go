package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Owner-checked scripts. KEYS[1] lease key, ARGV[1] owner, ARGV[2] ttl ms.
var (
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisTable stores leases as Redis keys set with SET NX PX, so several
// pulse processes can share one lease table.
type RedisTable struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisTable creates a Redis lease table. Keys are stored as
// "<namespace>:lease:<key>".
func NewRedisTable(client redis.UniversalClient, namespace string) *RedisTable {
	if namespace == "" {
		namespace = "pulse"
	}
	return &RedisTable{client: client, namespace: namespace}
}

func (t *RedisTable) key(k string) string {
	return fmt.Sprintf("%s:lease:%s", t.namespace, k)
}

func (t *RedisTable) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rk := t.key(key)

	ok, err := t.client.SetNX(ctx, rk, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		extended, err := extendScript.Run(ctx, t.client, []string{rk}, owner, ttl.Milliseconds()).Int()
		if err != nil {
			return nil, fmt.Errorf("extend lease %s: %w", key, err)
		}
		if extended == 0 {
			return nil, heldError(key)
		}
	}
	return &Lease{Key: key, Owner: owner, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (t *RedisTable) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, t.client, []string{t.key(l.Key)}, l.Owner).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.Key, err)
	}
	return nil
}

func (t *RedisTable) Held(ctx context.Context, key string) (bool, error) {
	n, err := t.client.Exists(ctx, t.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check lease %s: %w", key, err)
	}
	return n > 0, nil
}

var _ Table = (*RedisTable)(nil)
