package event

import (
	"context"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/transaction"
)

// Repository はイベントリポジトリのインターフェース
type Repository interface {
	// Create は新しいイベントを作成する
	Create(ctx context.Context, event *Event) error

	// GetByID はIDからイベントを取得する
	GetByID(ctx context.Context, id string) (*Event, error)

	// GetByIDForUpdate は行ロックを取ってイベントを取得する（トランザクション必須）
	GetByIDForUpdate(ctx context.Context, tx transaction.Tx, id string) (*Event, error)

	// AdjustAvailableSeats は空席数を delta だけ増減する（トランザクション必須）
	AdjustAvailableSeats(ctx context.Context, tx transaction.Tx, id string, delta int) error
}
