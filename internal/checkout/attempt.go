// Package checkout は座席選択から予約確定までの1回の試行を管理する
//
// 仮押さえは楽観的なUI上の状態にすぎず、確定の可否は予約台帳だけが決める。
// 台帳が座席の競合を返した場合は、その座席を選択から外して選択中の状態に戻る。
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/client"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

// DefaultRefreshInterval は予約済み座席を取り直す間隔
const DefaultRefreshInterval = 3 * time.Second

var (
	// ErrBookingDisabled はイベント情報が不正、または受付外で予約できない
	ErrBookingDisabled = errors.New("このイベントは予約できません")
	// ErrRetryable は通信障害で予約できなかった。もう一度試せる
	ErrRetryable = errors.New("通信エラーのため予約できませんでした。もう一度お試しください")
	// ErrValidation は送信前の入力チェックに失敗した
	ErrValidation = errors.New("入力内容に不備があります")
	// ErrSubmitting は送信中の操作
	ErrSubmitting = errors.New("予約を送信中です")
	// ErrSeatBooked は予約済みの座席を選ぼうとした
	ErrSeatBooked = errors.New("この座席は予約済みです")
	// ErrClosed は Close 後の操作
	ErrClosed = errors.New("予約画面は閉じられています")
)

// State は試行の状態
type State int

const (
	Collecting State = iota
	Submitting
	Confirmed
	Rejected
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Submitting:
		return "submitting"
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Ledger は予約台帳への操作
type Ledger interface {
	BookedSeats(ctx context.Context, eventID string, totalSeats int) (seat.Set, error)
	CreateBooking(ctx context.Context, eventID, userID string, seats []int, totalAmount int) (*booking.Booking, error)
}

// Locker は仮押さえの要求と解放。client.Session が満たす
type Locker interface {
	Lock(seatIndex int) error
	Unlock(seatIndex int) error
}

// Option は Attempt の設定
type Option func(*Attempt)

// WithStateHook は状態遷移ごとに呼ばれる関数を設定する
func WithStateHook(fn func(from, to State)) Option {
	return func(a *Attempt) { a.hook = fn }
}

// WithRefreshInterval は RefreshLoop の間隔を設定する
func WithRefreshInterval(d time.Duration) Option {
	return func(a *Attempt) { a.refreshInterval = d }
}

// Attempt は1人の利用者による1イベントの予約試行
type Attempt struct {
	mu sync.Mutex

	ev     *event.Event
	userID string
	ledger Ledger
	locker Locker

	state        State
	selected     seat.Set // 座席インデックス
	booked       seat.Set // 座席番号
	lastConflict []int
	disabled     error
	closed       bool

	hook            func(from, to State)
	refreshInterval time.Duration
}

// NewAttempt は試行を開始する
// イベント情報が予約に使えない場合、以後の操作はすべて ErrBookingDisabled になる
func NewAttempt(ev *event.Event, userID string, ledger Ledger, locker Locker, opts ...Option) *Attempt {
	a := &Attempt{
		ev:              ev,
		userID:          userID,
		ledger:          ledger,
		locker:          locker,
		state:           Collecting,
		selected:        make(seat.Set),
		booked:          make(seat.Set),
		refreshInterval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if ev == nil {
		a.disabled = fmt.Errorf("%w: %v", ErrBookingDisabled, event.ErrInvalidEventData)
	} else if err := ev.ValidateForBooking(); err != nil {
		a.disabled = fmt.Errorf("%w: %v", ErrBookingDisabled, err)
	}
	return a
}

// State は現在の状態を返す
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Disabled は予約できない理由を返す。予約できる場合は nil
func (a *Attempt) Disabled() error {
	return a.disabled
}

// Selected は選択中の座席インデックスを昇順で返す
func (a *Attempt) Selected() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected.Sorted()
}

// Booked は把握している予約済み座席番号を昇順で返す
func (a *Attempt) Booked() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.booked.Sorted()
}

// LastConflict は直近に台帳から競合として返された座席番号
func (a *Attempt) LastConflict() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.lastConflict...)
}

// TotalAmount は現在の選択での合計金額
func (a *Attempt) TotalAmount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ev == nil {
		return 0
	}
	return a.ev.TotalAmount(len(a.selected))
}

// SeatStates は表示用の座席状態を返す。locks は最新のロック表（seatIndex → holderId）
func (a *Attempt) SeatStates(locks map[int]string) []seat.ViewState {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ev == nil {
		return []seat.ViewState{}
	}
	return seat.ComputeSeatStates(a.ev.TotalSeats, a.booked, a.selected, locks, a.userID)
}

// Toggle は座席の選択を切り替え、仮押さえを要求または解放する
// 選択状態になったら true を返す
func (a *Attempt) Toggle(seatIndex int) (bool, error) {
	a.mu.Lock()
	if err := a.usableLocked(); err != nil {
		a.mu.Unlock()
		return false, err
	}
	if seatIndex < 0 || seatIndex >= a.ev.TotalSeats {
		a.mu.Unlock()
		return false, fmt.Errorf("%w: %d", seat.ErrSeatOutOfRange, seat.Number(seatIndex))
	}
	if a.state == Confirmed {
		a.setStateLocked(Collecting)
	}

	if a.selected.Has(seatIndex) {
		delete(a.selected, seatIndex)
		a.mu.Unlock()
		// 解放は冪等で、失敗しても TTL で消える
		if err := a.locker.Unlock(seatIndex); err != nil {
			logger.Debug("仮押さえの解放に失敗", logger.SeatIndex(seatIndex), zap.Error(err))
		}
		return false, nil
	}

	if a.booked.Has(seat.Number(seatIndex)) {
		a.mu.Unlock()
		return false, ErrSeatBooked
	}
	a.selected[seatIndex] = struct{}{}
	a.mu.Unlock()

	if err := a.locker.Lock(seatIndex); err != nil {
		a.mu.Lock()
		delete(a.selected, seatIndex)
		a.mu.Unlock()
		return false, err
	}
	return true, nil
}

// LockFailed は seatLockFailed を受け取ったときに呼ぶ。座席を選択から外す
func (a *Attempt) LockFailed(seatIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.selected, seatIndex)
}

// Observe はリアルタイムチャネルの通知を試行に反映する
// このイベントの seatLockFailed なら座席を選択から外す
func (a *Attempt) Observe(ev client.Event) {
	if ev.Type != protocol.TypeSeatLockFailed {
		return
	}
	if ev.EventID != "" && a.ev != nil && ev.EventID != a.ev.ID {
		return
	}
	a.LockFailed(ev.SeatIndex)
}

// Follow は in の通知を Observe してから、返すチャネルへそのまま流す
// セッションの Events() を渡し、画面側は返り値を読む
// in が閉じるか ctx が終わると返り値も閉じる
func (a *Attempt) Follow(ctx context.Context, in <-chan client.Event) <-chan client.Event {
	out := make(chan client.Event, cap(in))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				a.Observe(ev)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Submit は選択中の座席で予約を確定する
func (a *Attempt) Submit(ctx context.Context) (*booking.Booking, error) {
	a.mu.Lock()
	if err := a.usableLocked(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if a.userID == "" {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrValidation, booking.ErrUserIDRequired)
	}
	if len(a.selected) == 0 {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrValidation, booking.ErrSeatsRequired)
	}

	// 既に予約済みと分かっている座席は送信せずに弾く
	var known []int
	for _, idx := range a.selected.Sorted() {
		if a.booked.Has(seat.Number(idx)) {
			known = append(known, seat.Number(idx))
		}
	}
	if len(known) > 0 {
		a.rejectLocked(known)
		a.mu.Unlock()
		a.unlockAll(indicesOf(known))
		return nil, &booking.ConflictError{Seats: known}
	}

	indices := a.selected.Sorted()
	numbers := seat.Numbers(indices)
	total := a.ev.TotalAmount(len(numbers))
	a.setStateLocked(Submitting)
	a.mu.Unlock()

	b, err := a.ledger.CreateBooking(ctx, a.ev.ID, a.userID, numbers, total)

	var conflict *booking.ConflictError
	switch {
	case err == nil:
		a.mu.Lock()
		for _, n := range b.Seats {
			a.booked[n] = struct{}{}
		}
		a.selected = make(seat.Set)
		a.lastConflict = nil
		a.setStateLocked(Confirmed)
		a.mu.Unlock()

		a.unlockAll(indices)
		a.refreshQuietly(ctx)
		logger.Info("予約が確定", logger.BookingID(b.ID), logger.EventID(a.ev.ID), logger.Seats(b.Seats))
		return b, nil

	case errors.As(err, &conflict):
		a.mu.Lock()
		for _, n := range conflict.Seats {
			a.booked[n] = struct{}{}
		}
		a.rejectLocked(conflict.Seats)
		a.mu.Unlock()

		a.unlockAll(indicesOf(conflict.Seats))
		a.refreshQuietly(ctx)
		return nil, err

	case isRejectedInput(err):
		a.mu.Lock()
		a.setStateLocked(Collecting)
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)

	default:
		// 通信障害。選択と仮押さえを手放して選び直してもらう
		a.mu.Lock()
		a.selected = make(seat.Set)
		a.setStateLocked(Collecting)
		a.mu.Unlock()

		a.unlockAll(indices)
		logger.Warn("予約の送信に失敗", logger.EventID(a.ev.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
}

// Refresh は予約済み座席を台帳から取り直し、予約済みになった座席を選択から外す
func (a *Attempt) Refresh(ctx context.Context) error {
	if a.disabled != nil {
		return a.disabled
	}
	booked, err := a.ledger.BookedSeats(ctx, a.ev.ID, a.ev.TotalSeats)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.booked = booked
	var taken []int
	if a.state != Submitting {
		for _, idx := range a.selected.Sorted() {
			if booked.Has(seat.Number(idx)) {
				delete(a.selected, idx)
				taken = append(taken, idx)
			}
		}
	}
	a.mu.Unlock()

	a.unlockAll(taken)
	return nil
}

// RefreshLoop は ctx が終わるまで一定間隔で Refresh を呼ぶ
// リアルタイム通知を補うずれ補正であり、失敗してもループは続ける
func (a *Attempt) RefreshLoop(ctx context.Context) {
	if err := a.Refresh(ctx); err != nil && !errors.Is(err, ErrBookingDisabled) {
		logger.Warn("予約済み座席の取得に失敗", zap.Error(err))
	}
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			if err := a.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("予約済み座席の取得に失敗", zap.Error(err))
			}
		}
	}
}

// Close は試行を終え、保持している仮押さえをすべて解放する（結果は待たない）
func (a *Attempt) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	indices := a.selected.Sorted()
	a.selected = make(seat.Set)
	a.mu.Unlock()

	a.unlockAll(indices)
}

func (a *Attempt) usableLocked() error {
	switch {
	case a.closed:
		return ErrClosed
	case a.disabled != nil:
		return a.disabled
	case a.state == Submitting:
		return ErrSubmitting
	}
	return nil
}

// rejectLocked は競合した座席番号を選択から外し、Rejected を経て Collecting に戻す
func (a *Attempt) rejectLocked(numbers []int) {
	for _, n := range numbers {
		delete(a.selected, seat.Index(n))
	}
	a.lastConflict = append([]int(nil), numbers...)
	a.setStateLocked(Rejected)
	a.setStateLocked(Collecting)
}

func (a *Attempt) setStateLocked(next State) {
	prev := a.state
	if prev == next {
		return
	}
	a.state = next
	if a.hook != nil {
		a.hook(prev, next)
	}
}

func (a *Attempt) unlockAll(indices []int) {
	for _, idx := range indices {
		if err := a.locker.Unlock(idx); err != nil {
			logger.Debug("仮押さえの解放に失敗", logger.SeatIndex(idx), zap.Error(err))
		}
	}
}

func (a *Attempt) refreshQuietly(ctx context.Context) {
	if err := a.Refresh(ctx); err != nil {
		logger.Warn("予約済み座席の再取得に失敗", zap.Error(err))
	}
}

func indicesOf(numbers []int) []int {
	out := make([]int, len(numbers))
	for i, n := range numbers {
		out[i] = seat.Index(n)
	}
	return out
}

// isRejectedInput は台帳が入力不備として拒否したエラーかを返す
func isRejectedInput(err error) bool {
	if booking.IsValidation(err) || errors.Is(err, event.ErrEventNotOpen) {
		return true
	}
	var apiErr *client.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode < 500
}
