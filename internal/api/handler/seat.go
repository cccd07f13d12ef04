package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
)

// SeatHandler は座席マップの表示状態を返す
type SeatHandler struct {
	events   EventServiceInterface
	bookings BookingServiceInterface
	locks    LockSnapshotter
}

func NewSeatHandler(events EventServiceInterface, bookings BookingServiceInterface, locks LockSnapshotter) *SeatHandler {
	return &SeatHandler{events: events, bookings: bookings, locks: locks}
}

type SeatMapResponse struct {
	EventID    string           `json:"eventId"`
	TotalSeats int              `json:"totalSeats"`
	Booked     []int            `json:"booked"`
	Locks      map[int]string   `json:"locks"`
	States     []seat.ViewState `json:"states"`
}

// GetByEvent godoc
// @Summary 座席マップを取得
// @Description 確定予約と仮押さえを合わせた座席ごとの表示状態を返します
// @Tags seats
// @Produce json
// @Param id path string true "イベントID"
// @Param selfId query string false "自分のホルダーID（自分の仮押さえは locked にしない）"
// @Success 200 {object} SeatMapResponse
// @Failure 404 {object} api.ErrorResponse
// @Router /events/{id}/seats [get]
func (h *SeatHandler) GetByEvent(c echo.Context) error {
	ctx := c.Request().Context()
	ev, err := h.events.GetEvent(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	booked, err := h.bookings.BookedSeatNumbers(ctx, ev.ID)
	if err != nil {
		return err
	}

	locks := map[int]string{}
	if h.locks != nil {
		locks = h.locks.Snapshot(ev.ID)
	}
	if booked == nil {
		booked = []int{}
	}

	selfID := c.QueryParam("selfId")
	mine := seat.NewSet()
	for idx, holder := range locks {
		if selfID != "" && holder == selfID {
			mine[idx] = struct{}{}
		}
	}

	return respond(c, http.StatusOK, SeatMapResponse{
		EventID:    ev.ID,
		TotalSeats: ev.TotalSeats,
		Booked:     booked,
		Locks:      locks,
		States:     seat.ComputeSeatStates(ev.TotalSeats, seat.NewSet(booked...), mine, locks, selfID),
	})
}
