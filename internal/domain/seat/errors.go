package seat

import "errors"

// Seat ドメインのエラー定義
var (
	ErrLockConflict     = errors.New("座席は他のユーザーが選択中です")
	ErrSeatOutOfRange   = errors.New("座席番号が範囲外です")
	ErrDuplicateSeat    = errors.New("座席番号が重複しています")
	ErrHolderIDRequired = errors.New("ホルダーIDは必須です")
	ErrEventIDRequired  = errors.New("イベントIDは必須です")
)
