package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
)

var (
	ErrLockNotAcquired = errors.New("ロックを取得できませんでした")
	ErrLockNotOwned    = errors.New("ロックの所有者ではありません")
)

// 所有者確認と削除・延長をアトミックに行う
var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
)

// Lock は取得済みの分散ロック
type Lock interface {
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

// DistributedLock は SET NX で取得したロック
// value は取得ごとのトークンで、他の取得者のロックを消さないために使う
type DistributedLock struct {
	client  *redis.Client
	key     string
	value   string
	metrics *metrics.Metrics
}

// LockManager は分散ロックを管理する
// 予約確定ではイベント単位のキーで複数インスタンス間の確定処理を絞る
type LockManager struct {
	client  *redis.Client
	metrics *metrics.Metrics
}

// LockOption は LockManager の設定
type LockOption func(*LockManager)

// WithLockMetrics はロック操作時間を記録する
func WithLockMetrics(m *metrics.Metrics) LockOption {
	return func(lm *LockManager) { lm.metrics = m }
}

// NewLockManager は LockManager を作成する
func NewLockManager(client *redis.Client, opts ...LockOption) *LockManager {
	m := &LockManager{client: client}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EventCommitKey は予約確定用のロックキーを返す
func EventCommitKey(eventID string) string {
	return "booking:commit:" + eventID
}

// AcquireLock はロックを取得する
func (m *LockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	start := time.Now()
	lockKey := "lock:" + key
	lockValue := uuid.NewString()

	ok, err := m.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		observe(m.metrics, "acquire", "error", start)
		return nil, fmt.Errorf("ロック取得に失敗: %w", err)
	}
	if !ok {
		observe(m.metrics, "acquire", "failed", start)
		return nil, ErrLockNotAcquired
	}
	observe(m.metrics, "acquire", "success", start)

	return &DistributedLock{client: m.client, key: lockKey, value: lockValue, metrics: m.metrics}, nil
}

// AcquireLockWithRetry はリトライ付きでロックを取得する
func (m *LockManager) AcquireLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (Lock, error) {
	lastErr := ErrLockNotAcquired
	for i := 0; i < maxRetries; i++ {
		lock, err := m.AcquireLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		lastErr = err
		if !errors.Is(err, ErrLockNotAcquired) {
			return nil, err
		}
		if i == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return nil, lastErr
}

// Release はロックを解放する
func (l *DistributedLock) Release(ctx context.Context) error {
	start := time.Now()
	result, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		observe(l.metrics, "release", "error", start)
		return fmt.Errorf("ロック解放に失敗: %w", err)
	}
	if result == 0 {
		observe(l.metrics, "release", "failed", start)
		return ErrLockNotOwned
	}
	observe(l.metrics, "release", "success", start)
	return nil
}

// Extend はロックの有効期限を延長する
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("ロック延長に失敗: %w", err)
	}
	if result == 0 {
		return ErrLockNotOwned
	}
	return nil
}

func observe(m *metrics.Metrics, operation, status string, start time.Time) {
	if m == nil {
		return
	}
	m.DistributedLockDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}
