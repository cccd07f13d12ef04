package handler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
)

type fakeSnapshotter map[int]string

func (f fakeSnapshotter) Snapshot(string) map[int]string {
	out := make(map[int]string, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

func TestSeatHandler_GetByEvent(t *testing.T) {
	e := NewTestEcho()

	t.Run("確定予約と仮押さえを合わせた状態を返す", func(t *testing.T) {
		events := new(MockEventService)
		bookings := new(MockBookingService)
		ev := testEvent()
		ev.TotalSeats = 5
		events.On("GetEvent", mock.Anything, "event-123").Return(ev, nil)
		// 座席番号2は確定済み、インデックス1は他人が仮押さえしていても booked が優先
		bookings.On("BookedSeatNumbers", mock.Anything, "event-123").Return([]int{2}, nil)
		locks := fakeSnapshotter{1: "other", 2: "other", 3: "me"}

		handler := NewSeatHandler(events, bookings, locks)
		c, rec := newJSONContext(e, http.MethodGet, "/events/event-123/seats?selfId=me", "")
		c.SetParamNames("id")
		c.SetParamValues("event-123")

		serve(e, c, handler.GetByEvent)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp SeatMapResponse
		decodeEnvelope(t, rec, &resp)
		assert.Equal(t, 5, resp.TotalSeats)
		assert.Equal(t, []int{2}, resp.Booked)
		assert.Equal(t, []seat.ViewState{
			seat.StateAvailable,
			seat.StateBooked,
			seat.StateLocked,
			seat.StateSelected,
			seat.StateAvailable,
		}, resp.States)
		assert.Equal(t, "other", resp.Locks[2])
	})

	t.Run("仮押さえ無しでも返せる", func(t *testing.T) {
		events := new(MockEventService)
		bookings := new(MockBookingService)
		ev := testEvent()
		ev.TotalSeats = 2
		events.On("GetEvent", mock.Anything, "event-123").Return(ev, nil)
		bookings.On("BookedSeatNumbers", mock.Anything, "event-123").Return(nil, nil)

		handler := NewSeatHandler(events, bookings, nil)
		c, rec := newJSONContext(e, http.MethodGet, "/events/event-123/seats", "")
		c.SetParamNames("id")
		c.SetParamValues("event-123")

		serve(e, c, handler.GetByEvent)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"booked":[]`)
		assert.Contains(t, rec.Body.String(), `"states":["available","available"]`)
	})

	t.Run("存在しないイベントは404", func(t *testing.T) {
		events := new(MockEventService)
		bookings := new(MockBookingService)
		events.On("GetEvent", mock.Anything, "missing").Return(nil, event.ErrEventNotFound)

		handler := NewSeatHandler(events, bookings, fakeSnapshotter{})
		c, rec := newJSONContext(e, http.MethodGet, "/events/missing/seats", "")
		c.SetParamNames("id")
		c.SetParamValues("missing")

		serve(e, c, handler.GetByEvent)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		bookings.AssertNotCalled(t, "BookedSeatNumbers", mock.Anything, mock.Anything)
	})
}
