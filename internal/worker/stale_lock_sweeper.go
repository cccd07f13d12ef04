package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
)

// LockExpirer は期限切れの座席ロックを取り除く（seatlock.Store が満たす）
type LockExpirer interface {
	ExpireStale() int
}

// StaleLockSweeper は期限切れの仮押さえを定期的に掃除するワーカー
// 参照時にも期限切れは除かれるが、誰も見ていないイベントのロックはここで解放通知される
type StaleLockSweeper struct {
	store    LockExpirer
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// DefaultSweepInterval は間隔が0以下のときに使う
const DefaultSweepInterval = 10 * time.Second

// NewStaleLockSweeper は新しいスイーパーを作成
func NewStaleLockSweeper(store LockExpirer, interval time.Duration) *StaleLockSweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &StaleLockSweeper{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start はスイーパーを開始する。ctx のキャンセルか Stop で戻る
func (s *StaleLockSweeper) Start(ctx context.Context) {
	logger.Info("座席ロックスイーパー開始", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-ctx.Done():
			logger.Info("座席ロックスイーパー停止（コンテキストキャンセル）")
			return
		case <-s.stopCh:
			logger.Info("座席ロックスイーパー停止")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Stop はスイーパーを停止し、終了を待つ
func (s *StaleLockSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *StaleLockSweeper) sweep() {
	if n := s.store.ExpireStale(); n > 0 {
		logger.Info("期限切れの座席ロックを解放", zap.Int("count", n))
	} else {
		logger.Debug("期限切れの座席ロックなし")
	}
}
