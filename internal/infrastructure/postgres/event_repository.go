package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/transaction"
)

const eventColumns = `id, name, description, venue, start_at, end_at, total_seats, available_seats, price, status, created_at, updated_at, version`

// eventRow はDBの行を表す構造体
type eventRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Description    *string   `db:"description"`
	Venue          *string   `db:"venue"`
	StartAt        time.Time `db:"start_at"`
	EndAt          time.Time `db:"end_at"`
	TotalSeats     int       `db:"total_seats"`
	AvailableSeats int       `db:"available_seats"`
	Price          int       `db:"price"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	Version        int       `db:"version"`
}

func (r *eventRow) toEntity() *event.Event {
	var desc, venue string
	if r.Description != nil {
		desc = *r.Description
	}
	if r.Venue != nil {
		venue = *r.Venue
	}
	return &event.Event{
		ID:             r.ID,
		Name:           r.Name,
		Description:    desc,
		Venue:          venue,
		StartAt:        r.StartAt,
		EndAt:          r.EndAt,
		TotalSeats:     r.TotalSeats,
		AvailableSeats: r.AvailableSeats,
		Price:          r.Price,
		Status:         event.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Version:        r.Version,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EventRepository はイベントリポジトリのPostgreSQL実装
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository はEventRepositoryを作成する
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create は新しいイベントを作成する
func (r *EventRepository) Create(ctx context.Context, e *event.Event) error {
	query := `
		INSERT INTO events (name, description, venue, start_at, end_at, total_seats, available_seats, price, status, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		e.Name, nullable(e.Description), nullable(e.Venue), e.StartAt, e.EndAt,
		e.TotalSeats, e.AvailableSeats, e.Price, string(e.Status), e.CreatedAt, e.UpdatedAt, e.Version,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("イベント作成に失敗しました: %w", err)
	}
	return nil
}

// GetByID はIDからイベントを取得する
func (r *EventRepository) GetByID(ctx context.Context, id string) (*event.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, event.ErrEventNotFound
	}
	var row eventRow
	err := r.db.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, event.ErrEventNotFound
		}
		return nil, fmt.Errorf("イベント取得に失敗しました: %w", err)
	}
	return row.toEntity(), nil
}

// GetByIDForUpdate は行ロックを取ってイベントを取得する
// 同じイベントへの予約確定はこのロックで直列化される
func (r *EventRepository) GetByIDForUpdate(ctx context.Context, tx transaction.Tx, id string) (*event.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, event.ErrEventNotFound
	}
	sqlxTx, err := sqlTx(tx)
	if err != nil {
		return nil, err
	}
	var row eventRow
	err = sqlxTx.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, event.ErrEventNotFound
		}
		return nil, fmt.Errorf("イベント取得（FOR UPDATE）に失敗しました: %w", err)
	}
	return row.toEntity(), nil
}

// AdjustAvailableSeats は空席数を delta だけ増減する
func (r *EventRepository) AdjustAvailableSeats(ctx context.Context, tx transaction.Tx, id string, delta int) error {
	sqlxTx, err := sqlTx(tx)
	if err != nil {
		return err
	}
	query := `
		UPDATE events
		SET available_seats = available_seats + $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND available_seats + $1 BETWEEN 0 AND total_seats
	`
	result, err := sqlxTx.ExecContext(ctx, query, delta, time.Now(), id)
	if err != nil {
		return fmt.Errorf("空席数の更新に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の確認に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		// 行ロック済みなので、ここに来るのは空席数が範囲を外れる場合
		return event.ErrInvalidEventData
	}
	return nil
}

var _ event.Repository = (*EventRepository)(nil)
