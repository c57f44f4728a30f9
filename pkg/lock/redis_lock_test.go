package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "compliance:lock:", time.Minute), mr
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	first := locker.NewLock("reconcile")
	second := locker.NewLock("reconcile")

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("compliance:lock:reconcile"))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, second.Release(ctx), ErrLockNotHeld)
	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("compliance:lock:reconcile"))
}

func TestRedisLock_Expiry(t *testing.T) {
	locker, mr := setupLocker(t)
	ctx := context.Background()

	lock := locker.NewLock("activation")
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Extend(ctx, 2*time.Minute))
	mr.FastForward(3 * time.Minute)

	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), ErrLockNotHeld)
}

func TestRedisLocker_WithLock(t *testing.T) {
	locker, _ := setupLocker(t)
	ctx := context.Background()

	err := locker.WithLock(ctx, "job", func(ctx context.Context) error {
		inner := locker.WithLock(ctx, "job", func(context.Context) error { return nil })
		assert.ErrorIs(t, inner, ErrLockAcquireFailed)
		return errors.New("job failed")
	})
	assert.EqualError(t, err, "job failed")

	// 锁已释放，可再次获取
	assert.NoError(t, locker.WithLock(ctx, "job", func(context.Context) error { return nil }))
}
