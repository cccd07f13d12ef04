package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/transaction"
	redisinfra "github.com/sanosuguru/go-event-seat-lock/internal/infrastructure/redis"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
)

// ErrCommitBusy は同じイベントの確定処理が混み合っていてロックを取れなかった場合のエラー
// 再試行すれば通る可能性がある
var ErrCommitBusy = errors.New("予約確定処理が混み合っています")

const (
	defaultCommitLockTTL  = 10 * time.Second
	defaultBookedCacheTTL = 3 * time.Second
	commitLockRetries     = 3
	commitLockRetryDelay  = 100 * time.Millisecond
)

// LockManager はイベント単位の確定ロックを取る
type LockManager interface {
	AcquireLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (redisinfra.Lock, error)
}

// BookedSeatCache は予約済み座席番号のキャッシュ
// Get で得たバージョンを Set に渡し、その間に無効化されていれば保存されない
type BookedSeatCache interface {
	Get(ctx context.Context, eventID string) ([]int, int64, error)
	Set(ctx context.Context, eventID string, seats []int, version int64, ttl time.Duration) error
	Invalidate(ctx context.Context, eventID string) error
}

// BookingPublisher は確定した予約を外部へ通知する
type BookingPublisher interface {
	PublishBookingConfirmed(ctx context.Context, b *booking.Booking) error
}

// SeatReleaser は確定した座席の仮押さえを外す（seatlock.Store が満たす）
type SeatReleaser interface {
	ReleaseBooked(eventID string, seatIndices []int) int
}

// BookingService は予約台帳への書き込みと参照を扱う
type BookingService struct {
	txManager   transaction.Manager
	bookingRepo booking.Repository
	eventRepo   event.Repository

	lockManager   LockManager
	commitLockTTL time.Duration
	cache         BookedSeatCache
	cacheTTL      time.Duration
	publisher     BookingPublisher
	releaser      SeatReleaser
	metrics       *metrics.Metrics
}

// BookingOption は BookingService の設定
type BookingOption func(*BookingService)

// WithCommitLock は確定時に Redis の分散ロックを使う
func WithCommitLock(lm LockManager, ttl time.Duration) BookingOption {
	return func(s *BookingService) {
		s.lockManager = lm
		if ttl > 0 {
			s.commitLockTTL = ttl
		}
	}
}

// WithBookedSeatCache は予約済み座席の参照をキャッシュする
func WithBookedSeatCache(c BookedSeatCache, ttl time.Duration) BookingOption {
	return func(s *BookingService) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithPublisher は確定通知の発行先を設定する
func WithPublisher(p BookingPublisher) BookingOption {
	return func(s *BookingService) { s.publisher = p }
}

// WithSeatReleaser は確定後に仮押さえを外す先を設定する
func WithSeatReleaser(r SeatReleaser) BookingOption {
	return func(s *BookingService) { s.releaser = r }
}

// WithBookingMetrics は予約結果を記録する
func WithBookingMetrics(m *metrics.Metrics) BookingOption {
	return func(s *BookingService) { s.metrics = m }
}

// NewBookingService は BookingService を作成する
func NewBookingService(txm transaction.Manager, br booking.Repository, er event.Repository, opts ...BookingOption) *BookingService {
	s := &BookingService{
		txManager:     txm,
		bookingRepo:   br,
		eventRepo:     er,
		commitLockTTL: defaultCommitLockTTL,
		cacheTTL:      defaultBookedCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateBookingInput struct {
	EventID     string
	UserID      string
	Seats       []int // 1始まりの座席番号
	TotalAmount int
}

// CreateBooking は座席を確定する
// 有効な予約と座席が重なる場合は *booking.ConflictError を返す
func (s *BookingService) CreateBooking(ctx context.Context, input CreateBookingInput) (*booking.Booking, error) {
	b, err := s.createBooking(ctx, input)
	s.record(err)
	if err != nil {
		return nil, err
	}

	log := logger.With(logger.BookingID(b.ID), logger.EventID(b.EventID), logger.HolderID(b.UserID))
	log.Info("予約を確定しました", logger.Seats(b.Seats))

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, b.EventID); err != nil {
			log.Warn("予約済み座席キャッシュの無効化に失敗", zap.Error(err))
		}
	}
	if s.releaser != nil {
		s.releaser.ReleaseBooked(b.EventID, seat.Indices(b.Seats))
	}
	if s.publisher != nil {
		if err := s.publisher.PublishBookingConfirmed(ctx, b); err != nil {
			log.Warn("予約確定通知の発行に失敗", zap.Error(err))
		}
	}
	return b, nil
}

func (s *BookingService) createBooking(ctx context.Context, input CreateBookingInput) (*booking.Booking, error) {
	b := booking.NewBooking(input.EventID, input.UserID, input.Seats, input.TotalAmount)
	switch {
	case b.EventID == "":
		return nil, booking.ErrEventIDRequired
	case b.UserID == "":
		return nil, booking.ErrUserIDRequired
	case len(b.Seats) == 0:
		return nil, booking.ErrSeatsRequired
	}

	if s.lockManager != nil {
		lock, err := s.lockManager.AcquireLockWithRetry(ctx, redisinfra.EventCommitKey(b.EventID), s.commitLockTTL, commitLockRetries, commitLockRetryDelay)
		switch {
		case errors.Is(err, redisinfra.ErrLockNotAcquired):
			return nil, ErrCommitBusy
		case err != nil:
			// 正しさは行ロックと一意インデックスで守られるため、Redis 障害時はロック無しで続ける
			logger.Warn("確定ロックを取得できないため行ロックのみで続行します", logger.EventID(b.EventID), zap.Error(err))
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("確定ロックの解放に失敗", logger.EventID(b.EventID), zap.Error(err))
				}
			}()
		}
	}

	tx, err := s.txManager.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback()

	ev, err := s.eventRepo.GetByIDForUpdate(ctx, tx, b.EventID)
	if err != nil {
		return nil, err
	}
	if !ev.IsBookingOpen() {
		return nil, event.ErrEventNotOpen
	}
	if err := b.Validate(ev.TotalSeats, ev.Price); err != nil {
		return nil, err
	}

	taken, err := s.bookingRepo.ConflictingSeats(ctx, tx, b.EventID, b.Seats)
	if err != nil {
		return nil, err
	}
	if len(taken) > 0 {
		return nil, &booking.ConflictError{Seats: taken}
	}

	if err := s.bookingRepo.Create(ctx, tx, b); err != nil {
		return nil, err
	}
	if err := s.eventRepo.AdjustAvailableSeats(ctx, tx, b.EventID, -len(b.Seats)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return b, nil
}

func (s *BookingService) record(err error) {
	if s.metrics == nil {
		return
	}
	var status string
	switch {
	case err == nil:
		status = "success"
	case errors.Is(err, booking.ErrBookingConflict):
		status = "conflict"
	case errors.Is(err, ErrCommitBusy):
		status = "lock_failed"
	case booking.IsValidation(err), errors.Is(err, event.ErrEventNotOpen), errors.Is(err, event.ErrEventNotFound):
		status = "invalid"
	default:
		status = "error"
	}
	s.metrics.BookingsTotal.WithLabelValues(status).Inc()
}

// GetBooking は予約を取得する
func (s *BookingService) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	return s.bookingRepo.GetByID(ctx, id)
}

// ListBookings はイベントの予約一覧を返す。eventID が空なら全件
func (s *BookingService) ListBookings(ctx context.Context, eventID string) ([]*booking.Booking, error) {
	return s.bookingRepo.List(ctx, eventID)
}

// GetUserBookings はユーザーの予約一覧を返す
func (s *BookingService) GetUserBookings(ctx context.Context, userID string) ([]*booking.Booking, error) {
	if userID == "" {
		return nil, booking.ErrUserIDRequired
	}
	return s.bookingRepo.GetByUserID(ctx, userID)
}

// UpdateBookingStatus は予約の状態を遷移させる
// キャンセルでは座席を解放し、空席数を戻す
func (s *BookingService) UpdateBookingStatus(ctx context.Context, id, status string) (*booking.Booking, error) {
	next, err := booking.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	current, err := s.bookingRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.txManager.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback()

	// 確定処理と同じくイベント行 → 予約行の順にロックする
	if _, err := s.eventRepo.GetByIDForUpdate(ctx, tx, current.EventID); err != nil {
		return nil, err
	}
	b, err := s.bookingRepo.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	wasActive := b.IsActive()
	if err := b.TransitionTo(next); err != nil {
		return nil, err
	}
	if err := s.bookingRepo.UpdateStatus(ctx, tx, b); err != nil {
		return nil, err
	}
	if wasActive && !b.IsActive() {
		if err := s.eventRepo.AdjustAvailableSeats(ctx, tx, b.EventID, len(b.Seats)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}

	logger.Info("予約の状態を更新しました", logger.BookingID(b.ID), zap.String("status", string(b.Status)))
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, b.EventID); err != nil {
			logger.Warn("予約済み座席キャッシュの無効化に失敗", logger.EventID(b.EventID), zap.Error(err))
		}
	}
	return b, nil
}

// BookedSeatNumbers はイベントの予約済み座席番号を返す
// キャッシュを先に見て、無ければ台帳から読んでキャッシュする
// 読んでいる間に確定や取消で無効化された場合は保存しない
func (s *BookingService) BookedSeatNumbers(ctx context.Context, eventID string) ([]int, error) {
	cacheable := false
	var version int64
	if s.cache != nil {
		seats, v, err := s.cache.Get(ctx, eventID)
		switch {
		case err == nil:
			return seats, nil
		case errors.Is(err, redisinfra.ErrCacheMiss):
			cacheable, version = true, v
		default:
			logger.Warn("予約済み座席キャッシュの取得に失敗", logger.EventID(eventID), zap.Error(err))
		}
	}

	seats, err := s.bookingRepo.BookedSeats(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if cacheable {
		err := s.cache.Set(ctx, eventID, seats, version, s.cacheTTL)
		switch {
		case errors.Is(err, redisinfra.ErrCacheStale):
			logger.Debug("読み出し中に無効化されたためキャッシュしません", logger.EventID(eventID))
		case err != nil:
			logger.Warn("予約済み座席キャッシュの保存に失敗", logger.EventID(eventID), zap.Error(err))
		}
	}
	return seats, nil
}
