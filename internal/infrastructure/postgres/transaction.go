package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/transaction"
)

// txHandle は sqlx.Tx を transaction.Tx として扱うためのラッパー
type txHandle struct {
	tx *sqlx.Tx
}

func (h *txHandle) Commit() error   { return h.tx.Commit() }
func (h *txHandle) Rollback() error { return h.tx.Rollback() }

// TxManager は予約確定などで使うトランザクションを開始する
type TxManager struct {
	db *sqlx.DB
}

// NewTxManager は TxManager を作成する
func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{db: db}
}

// Begin は READ COMMITTED のトランザクションを開始する
// 座席の一貫性は行ロックと部分ユニークインデックスで担保する
func (m *TxManager) Begin(ctx context.Context) (transaction.Tx, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txHandle{tx: tx}, nil
}

// sqlTx は transaction.Tx から sqlx.Tx を取り出す
// このパッケージ以外で開始されたトランザクションは受け付けない
func sqlTx(tx transaction.Tx) (*sqlx.Tx, error) {
	if h, ok := tx.(*txHandle); ok && h.tx != nil {
		return h.tx, nil
	}
	return nil, ErrForeignTx
}

var _ transaction.Manager = (*TxManager)(nil)
