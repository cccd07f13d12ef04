// Package seatlock は座席の仮押さえ（ソフトロック）をメモリ上で管理する
//
// ここでの状態はあくまでアドバイザリであり、予約可否の最終判断は予約台帳が行う。
// 状態変化はすべて Notifier を通じてルームへ配信される。配信はストアのロックを
// 保持したまま行うため、同じ座席についての状態変化の順序と配信順序は一致する。
package seatlock

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

// DefaultTTL は仮押さえの有効期間
const DefaultTTL = 5 * time.Minute

// Notifier はストアの状態変化を接続へ届ける
// 実装はブロックしてはならない（ストアのロック保持中に呼ばれる）
type Notifier interface {
	// Broadcast はルームの全員に送る。except が空でなければその接続を除く
	Broadcast(eventID string, msg protocol.Envelope, except string)
	// Unicast は指定した接続だけに送る
	Unicast(connID string, msg protocol.Envelope)
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, protocol.Envelope, string) {}
func (nopNotifier) Unicast(string, protocol.Envelope) {}

// Outcome は Acquire の結果
type Outcome int

const (
	// Granted は新しくロックを取得した
	Granted Outcome = iota + 1
	// AlreadyHeld は同じホルダーが既に保持していた（何もしない）
	AlreadyHeld
)

// Option は Store の設定
type Option func(*Store)

// WithClock は現在時刻の取得方法を差し替える（テスト用）
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithNotifier は配信先を設定する
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// Store はイベントごとの seatIndex → ロックの表
type Store struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	events   map[string]map[int]*seat.SoftLock
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewStore は新しい Store を作成する。ttl が0以下なら DefaultTTL を使う
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:      ttl,
		now:      time.Now,
		events:   make(map[string]map[int]*seat.SoftLock),
		notifier: nopNotifier{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier は配信先を差し替える
// ハブがストアを参照するため、配線時に後から設定する
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

// TTL は仮押さえの有効期間を返す
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Acquire は座席の仮押さえを試みる
//
// 他のホルダーの有効なロックがなければ取得し、origin を除くルームへ seatLocked を配信する。
// 同じホルダーが保持済みなら何もしない。他のホルダーが保持していれば origin にだけ
// seatLockFailed を送り seat.ErrLockConflict を返す。
func (s *Store) Acquire(eventID string, seatIndex int, holderID, origin string) (Outcome, error) {
	if err := validate(eventID, seatIndex, holderID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	locks := s.events[eventID]
	if existing, ok := locks[seatIndex]; ok {
		switch {
		case existing.IsExpired(now, s.ttl):
			// 期限切れのロックはここで回収し、先に解除を配信して閲覧者を収束させる
			s.removeLocked(eventID, seatIndex, "expire")
		case existing.HolderID == holderID:
			s.observe("acquire", "noop")
			return AlreadyHeld, nil
		default:
			s.notifier.Unicast(origin, protocol.SeatLockFailedMsg(eventID, seatIndex, seat.LockConflictReason))
			s.observe("acquire", "conflict")
			return 0, seat.ErrLockConflict
		}
	}

	if s.events[eventID] == nil {
		s.events[eventID] = make(map[int]*seat.SoftLock)
	}
	s.events[eventID][seatIndex] = &seat.SoftLock{
		EventID:    eventID,
		SeatIndex:  seatIndex,
		HolderID:   holderID,
		AcquiredAt: now,
	}
	s.notifier.Broadcast(eventID, protocol.SeatLockedMsg(eventID, seatIndex, holderID), origin)
	s.observe("acquire", "granted")
	s.gauge(1)

	logger.Debug("座席を仮押さえ", logger.EventID(eventID), logger.SeatIndex(seatIndex), logger.HolderID(holderID))
	return Granted, nil
}

// Release は holderID が保持しているロックを外す
// 他人のロックや存在しないロックの解放は何もせず false を返す（エラーにしない）
func (s *Store) Release(eventID string, seatIndex int, holderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.events[eventID][seatIndex]
	if !ok || existing.HolderID != holderID {
		s.observe("release", "noop")
		return false
	}
	s.removeLocked(eventID, seatIndex, "release")
	return true
}

// Snapshot はイベントの seatIndex → holderID を返す
// 期限切れのロックはこの時点で回収され、seatUnlocked が配信される
func (s *Store) Snapshot(eventID string) map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireEventLocked(eventID, s.now())
	return s.snapshotLocked(eventID)
}

func (s *Store) snapshotLocked(eventID string) map[int]string {
	locks := s.events[eventID]
	out := make(map[int]string, len(locks))
	for idx, l := range locks {
		out[idx] = l.HolderID
	}
	return out
}

// WithSnapshot はスナップショットを取り、ストアのロックを保持したまま fn に渡す
// 参加時の lockedSeats を以後の seatLocked/seatUnlocked より前に届けるために使う
func (s *Store) WithSnapshot(eventID string, fn func(map[int]string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireEventLocked(eventID, s.now())
	fn(s.snapshotLocked(eventID))
}

// ExpireStale は全イベントの期限切れロックを取り除き、取り除いた数を返す
func (s *Store) ExpireStale() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, eventID := range s.eventIDsLocked() {
		removed += s.expireEventLocked(eventID, now)
	}
	return removed
}

// ReleaseAllForHolder は holderID が全イベントで保持するロックをすべて外す（切断時）
func (s *Store) ReleaseAllForHolder(holderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, eventID := range s.eventIDsLocked() {
		for _, idx := range sortedIndices(s.events[eventID]) {
			if s.events[eventID][idx].HolderID == holderID {
				s.removeLocked(eventID, idx, "disconnect")
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Info("切断によりロックを解放", logger.HolderID(holderID), zap.Int("count", removed))
	}
	return removed
}

// ReleaseHolderInEvent は holderID が1つのイベントで保持するロックを外す（画面を閉じた時）
func (s *Store) ReleaseHolderInEvent(eventID, holderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, idx := range sortedIndices(s.events[eventID]) {
		if s.events[eventID][idx].HolderID == holderID {
			s.removeLocked(eventID, idx, "leave")
			removed++
		}
	}
	return removed
}

// ReleaseBooked は予約が確定した座席のロックをホルダーに関係なく外す
// 確定した座席は以後「予約済み」として表示されるため、ロックとしては残さない
func (s *Store) ReleaseBooked(eventID string, seatIndices []int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, idx := range seatIndices {
		if _, ok := s.events[eventID][idx]; ok {
			s.removeLocked(eventID, idx, "booked")
			removed++
		}
	}
	return removed
}

// HeldBy は holderID がイベント内で保持している座席インデックスを昇順で返す
func (s *Store) HeldBy(eventID, holderID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []int
	for _, idx := range sortedIndices(s.events[eventID]) {
		l := s.events[eventID][idx]
		if l.HolderID == holderID && !l.IsExpired(now, s.ttl) {
			out = append(out, idx)
		}
	}
	return out
}

// Len は保持中のロック総数を返す（期限切れ未回収分を含む）
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, locks := range s.events {
		n += len(locks)
	}
	return n
}

func (s *Store) expireEventLocked(eventID string, now time.Time) int {
	removed := 0
	for _, idx := range sortedIndices(s.events[eventID]) {
		if s.events[eventID][idx].IsExpired(now, s.ttl) {
			s.removeLocked(eventID, idx, "expire")
			removed++
		}
	}
	return removed
}

// removeLocked はロックを消してルーム全体に seatUnlocked を配信する。s.mu を保持して呼ぶこと
func (s *Store) removeLocked(eventID string, seatIndex int, operation string) {
	locks := s.events[eventID]
	delete(locks, seatIndex)
	if len(locks) == 0 {
		delete(s.events, eventID)
	}
	s.notifier.Broadcast(eventID, protocol.SeatUnlockedMsg(eventID, seatIndex), "")
	s.observe(operation, "released")
	s.gauge(-1)
}

func (s *Store) eventIDsLocked() []string {
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedIndices(locks map[int]*seat.SoftLock) []int {
	out := make([]int, 0, len(locks))
	for idx := range locks {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (s *Store) observe(operation, result string) {
	if s.metrics != nil {
		s.metrics.SeatLockOperations.WithLabelValues(operation, result).Inc()
	}
}

func (s *Store) gauge(delta float64) {
	if s.metrics != nil {
		s.metrics.SoftLocksActive.Add(delta)
	}
}

func validate(eventID string, seatIndex int, holderID string) error {
	if eventID == "" {
		return seat.ErrEventIDRequired
	}
	if holderID == "" {
		return seat.ErrHolderIDRequired
	}
	if seatIndex < 0 {
		return seat.ErrSeatOutOfRange
	}
	return nil
}
