package handler

import "github.com/labstack/echo/v4"

// SuccessResponse は成功レスポンスの統一フォーマット
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, SuccessResponse{Success: true, Data: data})
}
