package booking

import (
	"fmt"
	"sort"
	"time"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
)

// Status は予約の状態を表す
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus は文字列を Status に変換する
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Booking は確定した座席割り当てを表す
// 作成後に変更されるのは Status のみ
type Booking struct {
	ID          string
	EventID     string
	UserID      string
	Seats       []int // 1始まりの座席番号
	TotalAmount int
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewBooking は新しい予約を作成する
// 座席番号は昇順に並べ替えて保持する
func NewBooking(eventID, userID string, seats []int, totalAmount int) *Booking {
	now := time.Now()
	sorted := append([]int(nil), seats...)
	sort.Ints(sorted)
	return &Booking{
		EventID:     eventID,
		UserID:      userID,
		Seats:       sorted,
		TotalAmount: totalAmount,
		Status:      StatusConfirmed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsActive は座席を占有している予約かを返す
func (b *Booking) IsActive() bool {
	return b.Status != StatusCancelled
}

// Validate は予約の検証を行う
func (b *Booking) Validate(totalSeats, price int) error {
	if b.EventID == "" {
		return ErrEventIDRequired
	}
	if b.UserID == "" {
		return ErrUserIDRequired
	}
	if len(b.Seats) == 0 {
		return ErrSeatsRequired
	}
	if err := seat.ValidateNumbers(b.Seats, totalSeats); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeats, err)
	}
	if b.TotalAmount != len(b.Seats)*price {
		return ErrInvalidAmount
	}
	return nil
}

// TransitionTo は予約の状態を遷移させる
// pending → confirmed/cancelled、confirmed → cancelled のみ許可する
func (b *Booking) TransitionTo(next Status) error {
	if b.Status == next {
		return nil
	}
	switch b.Status {
	case StatusPending:
		if next != StatusConfirmed && next != StatusCancelled {
			return ErrInvalidTransition
		}
	case StatusConfirmed:
		if next != StatusCancelled {
			return ErrInvalidTransition
		}
	case StatusCancelled:
		return ErrBookingAlreadyCancelled
	default:
		return ErrInvalidTransition
	}
	b.Status = next
	b.UpdatedAt = time.Now()
	return nil
}
