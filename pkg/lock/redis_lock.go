// Package lock 提供基于 Redis 的分布式互斥锁
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotHeld 锁未持有
	ErrLockNotHeld = errors.New("lock not held")
	// ErrLockAcquireFailed 获取锁失败 (已被其他实例持有)
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
)

// 仅持有者才能释放/续期
var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock 单个锁实例
type RedisLock struct {
	client     redis.UniversalClient
	key        string
	token      string
	expiration time.Duration
}

// RedisLocker 锁管理器
type RedisLocker struct {
	client     redis.UniversalClient
	keyPrefix  string
	expiration time.Duration
}

// NewRedisLocker 创建锁管理器，expiration 为 0 时默认 300 秒
func NewRedisLocker(client redis.UniversalClient, keyPrefix string, expiration time.Duration) *RedisLocker {
	if expiration <= 0 {
		expiration = 300 * time.Second
	}
	return &RedisLocker{
		client:     client,
		keyPrefix:  keyPrefix,
		expiration: expiration,
	}
}

// NewLock 创建一个新锁
func (l *RedisLocker) NewLock(key string) *RedisLock {
	return &RedisLock{
		client:     l.client,
		key:        l.keyPrefix + key,
		token:      uuid.New().String(),
		expiration: l.expiration,
	}
}

// Key 锁的完整 key
func (lock *RedisLock) Key() string {
	return lock.key
}

// Acquire 获取锁 (非阻塞)
func (lock *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := lock.client.SetNX(ctx, lock.key, lock.token, lock.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s failed: %w", lock.key, err)
	}
	return ok, nil
}

// Release 释放锁
func (lock *RedisLock) Release(ctx context.Context) error {
	result, err := releaseScript.Run(ctx, lock.client, []string{lock.key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s failed: %w", lock.key, err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend 延长锁的过期时间
func (lock *RedisLock) Extend(ctx context.Context, extension time.Duration) error {
	result, err := extendScript.Run(ctx, lock.client, []string{lock.key}, lock.token, extension.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s failed: %w", lock.key, err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// WithLock 在锁保护下执行函数，锁被占用时返回 ErrLockAcquireFailed
func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)

	ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockAcquireFailed
	}

	defer func() {
		// 可能已过期，忽略错误
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	return fn(ctx)
}
