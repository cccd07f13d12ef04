package handler

import (
	"context"

	"github.com/sanosuguru/go-event-seat-lock/internal/application"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
)

// EventServiceInterface はイベントサービスのインターフェース
type EventServiceInterface interface {
	CreateEvent(ctx context.Context, input application.CreateEventInput) (*event.Event, error)
	GetEvent(ctx context.Context, id string) (*event.Event, error)
}

// BookingServiceInterface は予約台帳サービスのインターフェース
type BookingServiceInterface interface {
	CreateBooking(ctx context.Context, input application.CreateBookingInput) (*booking.Booking, error)
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	ListBookings(ctx context.Context, eventID string) ([]*booking.Booking, error)
	GetUserBookings(ctx context.Context, userID string) ([]*booking.Booking, error)
	UpdateBookingStatus(ctx context.Context, id, status string) (*booking.Booking, error)
	BookedSeatNumbers(ctx context.Context, eventID string) ([]int, error)
}

// LockSnapshotter は座席の仮押さえ状況を返す（seatlock.Store が満たす）
type LockSnapshotter interface {
	Snapshot(eventID string) map[int]string
}
