package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
)

func TestRoutes_Register(t *testing.T) {
	e := NewTestEcho()
	events := new(MockEventService)
	bookings := new(MockBookingService)
	Routes{
		Events:   NewEventHandler(events),
		Bookings: NewBookingHandler(bookings),
		Seats:    NewSeatHandler(events, bookings, nil),
		Health:   NewHealthHandler(nil),
	}.Register(e)

	t.Run("ユーザー別一覧は予約ID取得より優先される", func(t *testing.T) {
		bookings.On("GetUserBookings", mock.Anything, "user-1").Return([]*booking.Booking{}, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/user/user-1", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		bookings.AssertNotCalled(t, "GetBooking", mock.Anything, mock.Anything)
	})

	t.Run("未登録のルートは404の統一フォーマット", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/reservations", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), `"success":false`)
	})

	t.Run("ヘルスチェック", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
