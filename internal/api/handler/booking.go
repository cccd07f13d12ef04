package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-event-seat-lock/internal/application"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

type BookingHandler struct {
	service BookingServiceInterface
}

func NewBookingHandler(s BookingServiceInterface) *BookingHandler {
	return &BookingHandler{service: s}
}

type CreateBookingRequest struct {
	EventID     string `json:"eventId" validate:"required"`
	Seats       []int  `json:"seats" validate:"required,min=1,dive,gt=0"`
	TotalAmount int    `json:"totalAmount" validate:"gte=0"`
}

type UpdateBookingStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed cancelled"`
}

type BookingResponse struct {
	ID          string `json:"id"`
	EventID     string `json:"eventId"`
	UserID      string `json:"userId"`
	Seats       []int  `json:"seats"`
	TotalAmount int    `json:"totalAmount"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toBookingResponse(b *booking.Booking) BookingResponse {
	seats := b.Seats
	if seats == nil {
		seats = []int{}
	}
	return BookingResponse{
		ID:          b.ID,
		EventID:     b.EventID,
		UserID:      b.UserID,
		Seats:       seats,
		TotalAmount: b.TotalAmount,
		Status:      string(b.Status),
		CreatedAt:   b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   b.UpdatedAt.Format(time.RFC3339),
	}
}

func toBookingResponses(bs []*booking.Booking) []BookingResponse {
	resp := make([]BookingResponse, len(bs))
	for i, b := range bs {
		resp[i] = toBookingResponse(b)
	}
	return resp
}

// Create godoc
// @Summary 座席を確定する
// @Tags bookings
// @Accept json
// @Produce json
// @Param X-User-ID header string true "ユーザーID"
// @Param request body CreateBookingRequest true "予約情報"
// @Success 201 {object} BookingResponse
// @Failure 400 {object} api.ErrorResponse
// @Failure 401 {object} api.ErrorResponse
// @Failure 409 {object} api.ErrorResponse
// @Router /bookings [post]
func (h *BookingHandler) Create(c echo.Context) error {
	userID := c.Request().Header.Get(protocol.UserIDHeader)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "ユーザーIDが必要です")
	}
	var req CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "リクエストの形式が不正です").SetInternal(err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	b, err := h.service.CreateBooking(c.Request().Context(), application.CreateBookingInput{
		EventID:     req.EventID,
		UserID:      userID,
		Seats:       req.Seats,
		TotalAmount: req.TotalAmount,
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, toBookingResponse(b))
}

// List godoc
// @Summary 予約一覧を取得
// @Tags bookings
// @Produce json
// @Param eventId query string false "イベントID"
// @Success 200 {array} BookingResponse
// @Router /bookings [get]
func (h *BookingHandler) List(c echo.Context) error {
	bs, err := h.service.ListBookings(c.Request().Context(), c.QueryParam("eventId"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toBookingResponses(bs))
}

// GetByID godoc
// @Summary 予約を取得
// @Tags bookings
// @Produce json
// @Param id path string true "予約ID"
// @Success 200 {object} BookingResponse
// @Failure 404 {object} api.ErrorResponse
// @Router /bookings/{id} [get]
func (h *BookingHandler) GetByID(c echo.Context) error {
	b, err := h.service.GetBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toBookingResponse(b))
}

// GetUserBookings godoc
// @Summary ユーザーの予約一覧を取得
// @Tags bookings
// @Produce json
// @Param userId path string true "ユーザーID"
// @Success 200 {array} BookingResponse
// @Router /bookings/user/{userId} [get]
func (h *BookingHandler) GetUserBookings(c echo.Context) error {
	bs, err := h.service.GetUserBookings(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toBookingResponses(bs))
}

// UpdateStatus godoc
// @Summary 予約の状態を更新
// @Tags bookings
// @Accept json
// @Produce json
// @Param id path string true "予約ID"
// @Param request body UpdateBookingStatusRequest true "新しい状態"
// @Success 200 {object} BookingResponse
// @Failure 400 {object} api.ErrorResponse
// @Failure 404 {object} api.ErrorResponse
// @Router /bookings/{id} [put]
func (h *BookingHandler) UpdateStatus(c echo.Context) error {
	var req UpdateBookingStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "リクエストの形式が不正です").SetInternal(err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	b, err := h.service.UpdateBookingStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toBookingResponse(b))
}
