package booking

import (
	"errors"
	"fmt"
	"strings"
)

// Booking ドメインのエラー定義
var (
	ErrBookingNotFound         = errors.New("予約が見つかりません")
	ErrBookingConflict         = errors.New("座席は既に予約されています")
	ErrBookingAlreadyCancelled = errors.New("予約は既にキャンセルされています")
	ErrInvalidTransition       = errors.New("予約の状態遷移が不正です")
	ErrInvalidStatus           = errors.New("予約の状態が不正です")
	ErrEventIDRequired         = errors.New("イベントIDは必須です")
	ErrUserIDRequired          = errors.New("ユーザーIDは必須です")
	ErrSeatsRequired           = errors.New("座席は1つ以上選択してください")
	ErrInvalidSeats            = errors.New("座席番号が不正です")
	ErrInvalidAmount           = errors.New("合計金額が座席数と価格に一致しません")
)

// ConflictError は他の予約と座席が重なった場合のエラー
// Seats は競合した座席番号
type ConflictError struct {
	Seats []int
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Seats))
	for i, n := range e.Seats {
		parts[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("%s: %s", ErrBookingConflict.Error(), strings.Join(parts, ", "))
}

// Is は errors.Is(err, ErrBookingConflict) を成立させる
func (e *ConflictError) Is(target error) bool {
	return target == ErrBookingConflict
}

// IsValidation は呼び出し側の入力不備によるエラーかを返す
func IsValidation(err error) bool {
	for _, target := range []error{ErrEventIDRequired, ErrUserIDRequired, ErrSeatsRequired, ErrInvalidSeats, ErrInvalidAmount, ErrInvalidStatus} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
