package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocks is a LockManager backed by Redis. The lock value is the owner
// token and the key expiry is the lease; scripts compare the owner before
// extending or deleting.
type RedisLocks struct {
	client *redis.Client
}

// NewRedisLocks wraps an existing Redis client
func NewRedisLocks(client *redis.Client) *RedisLocks {
	return &RedisLocks{client: client}
}

var (
	acquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 1
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

func (r *RedisLocks) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lease, bool, error) {
	if r == nil || r.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	resource, owner = strings.TrimSpace(resource), strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeLockTTL(ttl)

	now := time.Now()
	n, err := acquireScript.Run(ctx, r.client, []string{lockKey(resource)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &Lease{Resource: resource, Owner: owner, ExpiresAt: now.Add(ttl)}, true, nil
}

func (r *RedisLocks) Renew(ctx context.Context, lease *Lease, ttl time.Duration) (*Lease, bool, error) {
	if r == nil || r.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	ttl = normalizeLockTTL(ttl)

	now := time.Now()
	n, err := renewScript.Run(ctx, r.client, []string{lockKey(lease.Resource)}, lease.Owner, ttl.Milliseconds()).Int()
	if err != nil {
		return nil, false, fmt.Errorf("renew lock %s: %w", lease.Resource, err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &Lease{Resource: lease.Resource, Owner: lease.Owner, ExpiresAt: now.Add(ttl)}, true, nil
}

func (r *RedisLocks) Release(ctx context.Context, lease *Lease) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	if err := releaseScript.Run(ctx, r.client, []string{lockKey(lease.Resource)}, lease.Owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Resource, err)
	}
	return nil
}
