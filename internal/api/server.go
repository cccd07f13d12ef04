package api

import (
	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/go-event-seat-lock/internal/api/middleware"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
)

// NewServer は共通設定済みのEchoインスタンスを作成する
// m が nil の場合はHTTPメトリクスを収集しない
func NewServer(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	middleware.SetupMiddleware(e, m)
	return e
}
