package coordination

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLockerExclusive(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	locker := NewRedisLocker(client, "test:", time.Minute)
	ctx := context.Background()

	lease, err := locker.TryAcquire(ctx, "dedup-pass")
	require.NoError(t, err)
	require.Equal(t, "test:dedup-pass", lease.Key())
	require.True(t, mr.Exists("test:dedup-pass"))

	_, err = locker.TryAcquire(ctx, "dedup-pass")
	require.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	require.False(t, mr.Exists("test:dedup-pass"))
	require.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
}

func TestRedisLeaseExpiresAndCannotBeStolenBack(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	locker := NewRedisLocker(client, "test:", time.Second)
	ctx := context.Background()

	first, err := locker.TryAcquire(ctx, "reconcile")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	second, err := locker.TryAcquire(ctx, "reconcile")
	require.NoError(t, err)

	// The expired holder must not release or extend the new lease.
	require.ErrorIs(t, first.Release(ctx), ErrNotHeld)
	require.ErrorIs(t, first.Extend(ctx, time.Minute), ErrNotHeld)
	require.NoError(t, second.Extend(ctx, time.Minute))
	require.Equal(t, time.Minute, mr.TTL("test:reconcile"))
}

func TestRedisWithLock(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	locker := NewRedisLocker(client, "", 0)
	ctx := context.Background()

	ran := false
	err := locker.WithLock(ctx, "stale-scan", func(ctx context.Context) error {
		ran = true
		require.True(t, mr.Exists("booth-crawler:lock:stale-scan"))
		return locker.WithLock(ctx, "stale-scan", func(context.Context) error {
			t.Fatal("nested acquisition must not run")
			return nil
		})
	})
	require.True(t, ran)
	require.ErrorIs(t, err, ErrNotAcquired)
	require.False(t, mr.Exists("booth-crawler:lock:stale-scan"))
}

func TestRedisLockerReportsConnectionErrors(t *testing.T) {
	t.Parallel()
	mr, client := newRedis(t)
	mr.Close()

	err := NewRedisLocker(client, "", 0).WithLock(context.Background(), "x", func(context.Context) error { return nil })
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNotAcquired))
}

func TestLocalLocker(t *testing.T) {
	t.Parallel()
	locker := NewLocalLocker()
	ctx := context.Background()

	err := locker.WithLock(ctx, "a", func(ctx context.Context) error {
		require.ErrorIs(t, locker.WithLock(ctx, "a", func(context.Context) error { return nil }), ErrNotAcquired)
		return locker.WithLock(ctx, "b", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	require.NoError(t, locker.WithLock(ctx, "a", func(context.Context) error { return nil }))
}
