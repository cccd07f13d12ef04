package handler

import "github.com/labstack/echo/v4"

// Routes はHTTPハンドラーの集合
type Routes struct {
	Events   *EventHandler
	Bookings *BookingHandler
	Seats    *SeatHandler
	Health   *HealthHandler
}

// Register は /health と /api/v1 配下のルートを登録する
func (r Routes) Register(e *echo.Echo) {
	e.GET("/health", r.Health.Check)

	v1 := e.Group("/api/v1")
	v1.POST("/events", r.Events.Create)
	v1.GET("/events/:id", r.Events.GetByID)
	v1.GET("/events/:id/seats", r.Seats.GetByEvent)

	v1.POST("/bookings", r.Bookings.Create)
	v1.GET("/bookings", r.Bookings.List)
	v1.GET("/bookings/user/:userId", r.Bookings.GetUserBookings)
	v1.GET("/bookings/:id", r.Bookings.GetByID)
	v1.PUT("/bookings/:id", r.Bookings.UpdateStatus)
}
