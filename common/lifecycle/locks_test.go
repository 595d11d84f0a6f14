package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockManagers(t *testing.T) {
	managers := map[string]func(t *testing.T) (LockManager, func(time.Duration)){
		"memory": func(*testing.T) (LockManager, func(time.Duration)) {
			m := NewMemoryLocks()
			base := time.Now()
			offset := time.Duration(0)
			m.clock = func() time.Time { return base.Add(offset) }
			return m, func(d time.Duration) { offset += d }
		},
		"redis": func(t *testing.T) (LockManager, func(time.Duration)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisLocks(client), mr.FastForward
		},
	}

	for name, factory := range managers {
		t.Run(name, func(t *testing.T) {
			locks, advance := factory(t)
			ctx := context.Background()

			lease, ok, err := locks.Acquire(ctx, "job-1", "worker-a", time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "worker-a", lease.Owner)

			_, ok, err = locks.Acquire(ctx, "job-1", "worker-b", time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = locks.Acquire(ctx, "job-1", "worker-a", time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "a live lock is not re-entrant")

			require.NoError(t, locks.Release(ctx, &Lease{Resource: "job-1", Owner: "worker-b"}))
			_, ok, err = locks.Acquire(ctx, "job-1", "worker-b", time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "release by a non-owner is ignored")

			_, ok, err = locks.Renew(ctx, &Lease{Resource: "job-1", Owner: "worker-b"}, time.Second)
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = locks.Renew(ctx, lease, time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, locks.Release(ctx, lease))
			other, ok, err := locks.Acquire(ctx, "job-1", "worker-b", time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			advance(2 * time.Second)
			_, ok, err = locks.Renew(ctx, other, time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "expired lease cannot be renewed")
			_, ok, err = locks.Acquire(ctx, "job-1", "worker-a", time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "expired lock can be taken over")
		})
	}
}

func TestRedisLocksUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	m := NewMachine(NewMemoryStore(), NewRedisLocks(client), testOptions())
	d, err := m.Create(context.Background(), newJob("k"))
	require.NoError(t, err)
	assert.True(t, d.Degraded())
	assert.Equal(t, ReasonLockUnavailable, d.Reason)
}

func TestAcquireWithinWaitsForRelease(t *testing.T) {
	locks := NewMemoryLocks()
	ctx := context.Background()
	held, ok, err := locks.Acquire(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(20 * time.Millisecond)
		locks.Release(ctx, held)
	}()

	lease, err := acquireWithin(ctx, locks, "job-1", "worker-b", time.Second, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", lease.Owner)
}
