package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

// SetupMiddleware は共通ミドルウェアを設定する
// m が nil の場合はHTTPメトリクスを収集しない
func SetupMiddleware(e *echo.Echo, m *metrics.Metrics) {
	// パニックリカバリー（最外周で拾ってログに残す）
	e.Use(middleware.Recover())

	// リクエストID
	e.Use(RequestIDMiddleware())

	if m != nil {
		e.Use(PrometheusMiddleware(m))
	}

	// 構造化リクエストログ（zap）
	e.Use(RequestLogger())

	// CORS
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.HEAD, echo.PUT, echo.POST, echo.DELETE},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderXRequestID, protocol.UserIDHeader},
	}))
}
