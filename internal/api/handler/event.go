package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-event-seat-lock/internal/application"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
)

type EventHandler struct {
	eventService EventServiceInterface
}

func NewEventHandler(eventService EventServiceInterface) *EventHandler {
	return &EventHandler{eventService: eventService}
}

type CreateEventRequest struct {
	Name        string    `json:"name" validate:"required"`
	Description string    `json:"description"`
	Venue       string    `json:"venue"`
	StartAt     time.Time `json:"startAt" validate:"required"`
	EndAt       time.Time `json:"endAt" validate:"required"`
	TotalSeats  int       `json:"totalSeats" validate:"required,gt=0"`
	Price       int       `json:"price" validate:"required,gt=0"`
}

type EventResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Venue          string `json:"venue"`
	StartAt        string `json:"startAt"`
	EndAt          string `json:"endAt"`
	TotalSeats     int    `json:"totalSeats"`
	AvailableSeats int    `json:"availableSeats"`
	Price          int    `json:"price"`
	Status         string `json:"status"`
}

func toEventResponse(e *event.Event) *EventResponse {
	return &EventResponse{
		ID:             e.ID,
		Name:           e.Name,
		Description:    e.Description,
		Venue:          e.Venue,
		StartAt:        e.StartAt.Format(time.RFC3339),
		EndAt:          e.EndAt.Format(time.RFC3339),
		TotalSeats:     e.TotalSeats,
		AvailableSeats: e.AvailableSeats,
		Price:          e.Price,
		Status:         string(e.Status),
	}
}

// Create godoc
// @Summary イベントを作成
// @Tags events
// @Accept json
// @Produce json
// @Param request body CreateEventRequest true "イベント情報"
// @Success 201 {object} EventResponse
// @Failure 400 {object} api.ErrorResponse
// @Router /events [post]
func (h *EventHandler) Create(c echo.Context) error {
	var req CreateEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "リクエストの形式が不正です").SetInternal(err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	e, err := h.eventService.CreateEvent(c.Request().Context(), application.CreateEventInput{
		Name:        req.Name,
		Description: req.Description,
		Venue:       req.Venue,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		TotalSeats:  req.TotalSeats,
		Price:       req.Price,
	})
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, toEventResponse(e))
}

// GetByID godoc
// @Summary イベントを取得
// @Tags events
// @Produce json
// @Param id path string true "イベントID"
// @Success 200 {object} EventResponse
// @Failure 404 {object} api.ErrorResponse
// @Router /events/{id} [get]
func (h *EventHandler) GetByID(c echo.Context) error {
	e, err := h.eventService.GetEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, toEventResponse(e))
}
