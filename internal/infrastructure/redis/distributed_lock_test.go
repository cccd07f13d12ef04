package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-event-seat-lock/internal/config"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(&config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestLockManager_AcquireLock(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	manager := NewLockManager(client)

	t.Run("ロックを取得できる", func(t *testing.T) {
		lock, err := manager.AcquireLock(ctx, "test-key-1", 5*time.Second)
		require.NoError(t, err)
		require.NotNil(t, lock)
		require.NoError(t, lock.Release(ctx))
	})

	t.Run("同じキーのロックは取得できない", func(t *testing.T) {
		lock1, err := manager.AcquireLock(ctx, "test-key-2", 5*time.Second)
		require.NoError(t, err)
		defer lock1.Release(ctx)

		lock2, err := manager.AcquireLock(ctx, "test-key-2", 5*time.Second)
		assert.ErrorIs(t, err, ErrLockNotAcquired)
		assert.Nil(t, lock2)
	})

	t.Run("解放後は再取得できる", func(t *testing.T) {
		lock1, err := manager.AcquireLock(ctx, "test-key-3", 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, lock1.Release(ctx))

		lock2, err := manager.AcquireLock(ctx, "test-key-3", 5*time.Second)
		require.NoError(t, err)
		defer lock2.Release(ctx)
	})

	t.Run("二重解放は所有者エラー", func(t *testing.T) {
		lock, err := manager.AcquireLock(ctx, "test-key-4", 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, lock.Release(ctx))

		assert.ErrorIs(t, lock.Release(ctx), ErrLockNotOwned)
	})
}

func TestLockManager_TTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	manager := NewLockManager(client)

	lock, err := manager.AcquireLock(ctx, "ttl-key", time.Second)
	require.NoError(t, err)

	// 期限切れ後は他の取得者が取れ、元のロックは解放できない
	mr.FastForward(2 * time.Second)

	other, err := manager.AcquireLock(ctx, "ttl-key", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, lock.Release(ctx), ErrLockNotOwned)
	require.NoError(t, other.Release(ctx))
}

func TestLockManager_Extend(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()
	manager := NewLockManager(client)

	t.Run("ロックを延長できる", func(t *testing.T) {
		lock, err := manager.AcquireLock(ctx, "extend-key", time.Second)
		require.NoError(t, err)
		defer lock.Release(ctx)

		require.NoError(t, lock.Extend(ctx, 5*time.Second))
		mr.FastForward(2 * time.Second)

		_, err = manager.AcquireLock(ctx, "extend-key", time.Second)
		assert.ErrorIs(t, err, ErrLockNotAcquired)
	})

	t.Run("解放後は延長できない", func(t *testing.T) {
		lock, err := manager.AcquireLock(ctx, "extend-after-release", time.Second)
		require.NoError(t, err)
		require.NoError(t, lock.Release(ctx))

		assert.ErrorIs(t, lock.Extend(ctx, 5*time.Second), ErrLockNotOwned)
	})
}

func TestLockManager_AcquireLockWithRetry(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	manager := NewLockManager(client)

	t.Run("リトライ中に解放されれば取得できる", func(t *testing.T) {
		holder, err := manager.AcquireLock(ctx, EventCommitKey("event-1"), 5*time.Second)
		require.NoError(t, err)

		go func() {
			time.Sleep(150 * time.Millisecond)
			_ = holder.Release(ctx)
		}()

		lock, err := manager.AcquireLockWithRetry(ctx, EventCommitKey("event-1"), 5*time.Second, 10, 50*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, lock.Release(ctx))
	})

	t.Run("リトライ上限で諦める", func(t *testing.T) {
		holder, err := manager.AcquireLock(ctx, "retry-key", 5*time.Second)
		require.NoError(t, err)
		defer holder.Release(ctx)

		_, err = manager.AcquireLockWithRetry(ctx, "retry-key", 5*time.Second, 3, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrLockNotAcquired)
	})

	t.Run("コンテキストのキャンセルで中断する", func(t *testing.T) {
		holder, err := manager.AcquireLock(ctx, "cancel-key", 5*time.Second)
		require.NoError(t, err)
		defer holder.Release(ctx)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err = manager.AcquireLockWithRetry(cctx, "cancel-key", 5*time.Second, 3, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLockManager_Metrics(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	m := metrics.NewNop()
	manager := NewLockManager(client, WithLockMetrics(m))

	lock, err := manager.AcquireLock(ctx, "metrics-key", time.Second)
	require.NoError(t, err)
	_, err = manager.AcquireLock(ctx, "metrics-key", time.Second)
	require.ErrorIs(t, err, ErrLockNotAcquired)
	require.NoError(t, lock.Release(ctx))

	// acquire/success, acquire/failed, release/success の3系列
	assert.Equal(t, 3, testutil.CollectAndCount(m.DistributedLockDuration))
}

func TestEventCommitKey(t *testing.T) {
	assert.Equal(t, "booking:commit:event-1", EventCommitKey("event-1"))
}
