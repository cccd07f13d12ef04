package booking

import (
	"context"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/transaction"
)

// Repository は予約台帳のインターフェース
type Repository interface {
	// Create は新しい予約を作成する（トランザクション必須）
	// 有効な予約と座席が重なる場合は *ConflictError を返す
	Create(ctx context.Context, tx transaction.Tx, booking *Booking) error

	// ConflictingSeats は指定座席のうち既に有効な予約がある座席番号を返す（トランザクション必須）
	ConflictingSeats(ctx context.Context, tx transaction.Tx, eventID string, seats []int) ([]int, error)

	// GetByID はIDから予約を取得する
	GetByID(ctx context.Context, id string) (*Booking, error)

	// GetByIDForUpdate は行ロックを取って予約を取得する（トランザクション必須）
	GetByIDForUpdate(ctx context.Context, tx transaction.Tx, id string) (*Booking, error)

	// List は予約一覧を取得する。eventID が空なら全イベント
	List(ctx context.Context, eventID string) ([]*Booking, error)

	// GetByUserID はユーザーIDから予約一覧を取得する
	GetByUserID(ctx context.Context, userID string) ([]*Booking, error)

	// UpdateStatus は予約の状態を更新する（トランザクション必須）
	// cancelled への遷移では座席の占有も解放する
	UpdateStatus(ctx context.Context, tx transaction.Tx, booking *Booking) error

	// BookedSeats はイベントの有効な予約済み座席番号を返す
	BookedSeats(ctx context.Context, eventID string) ([]int, error)
}
