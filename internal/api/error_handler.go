package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/application"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
)

// ErrorResponse はエラーレスポンスの統一フォーマット
// ConflictingSeats は 409 のときに競合した座席番号を返す
type ErrorResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	Code             int    `json:"code,omitempty"`
	Details          string `json:"details,omitempty"`
	ConflictingSeats []int  `json:"conflictingSeats,omitempty"`
}

// 入力不備として 400 を返すドメインエラー
var badRequestErrors = []error{
	event.ErrEventNotOpen,
	event.ErrInvalidEventData,
	event.ErrEventNameRequired,
	event.ErrInvalidTotalSeats,
	event.ErrInvalidPrice,
	event.ErrInvalidEventTime,
	booking.ErrInvalidTransition,
	booking.ErrBookingAlreadyCancelled,
	seat.ErrSeatOutOfRange,
	seat.ErrDuplicateSeat,
}

// toErrorResponse はエラーをステータスコードとレスポンスに変換する
func toErrorResponse(err error) ErrorResponse {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		resp := ErrorResponse{Code: he.Code, Error: http.StatusText(he.Code)}
		if m, ok := he.Message.(string); ok {
			resp.Error = m
		}
		if he.Internal != nil {
			resp.Details = he.Internal.Error()
		}
		return resp
	}

	var conflict *booking.ConflictError
	switch {
	case errors.As(err, &conflict):
		return ErrorResponse{Code: http.StatusConflict, Error: booking.ErrBookingConflict.Error(), ConflictingSeats: conflict.Seats}
	case errors.Is(err, event.ErrEventNotFound), errors.Is(err, booking.ErrBookingNotFound):
		return ErrorResponse{Code: http.StatusNotFound, Error: err.Error()}
	case errors.Is(err, application.ErrCommitBusy):
		return ErrorResponse{Code: http.StatusServiceUnavailable, Error: err.Error()}
	case booking.IsValidation(err), isAny(err, badRequestErrors):
		return ErrorResponse{Code: http.StatusBadRequest, Error: err.Error()}
	}
	return ErrorResponse{Code: http.StatusInternalServerError, Error: "内部サーバーエラー"}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CustomHTTPErrorHandler はカスタムエラーハンドラー
// ハンドラーが返したドメインエラーもここでステータスコードに対応付ける
func CustomHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	resp := toErrorResponse(err)

	if resp.Code >= 500 {
		logger.Error("サーバーエラー",
			zap.Int("status", resp.Code),
			zap.String("path", c.Request().URL.Path),
			zap.Error(err),
		)
	}

	if err := c.JSON(resp.Code, resp); err != nil {
		logger.Error("エラーレスポンス送信失敗", zap.Error(err))
	}
}
