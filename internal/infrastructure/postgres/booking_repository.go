package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/transaction"
)

const bookingColumns = `id, event_id, user_id, seats, total_amount, status, created_at, updated_at`

// uniqueViolation は PostgreSQL の一意制約違反コード
const uniqueViolation = "23505"

// bookingRow の seats は JSON 配列の文字列（旧データではカンマ区切りもありうる）
type bookingRow struct {
	ID          string    `db:"id"`
	EventID     string    `db:"event_id"`
	UserID      string    `db:"user_id"`
	Seats       string    `db:"seats"`
	TotalAmount int       `db:"total_amount"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *bookingRow) toEntity() *booking.Booking {
	seats := seat.ParseSeatList(r.Seats)
	sort.Ints(seats)
	return &booking.Booking{
		ID:          r.ID,
		EventID:     r.EventID,
		UserID:      r.UserID,
		Seats:       seats,
		TotalAmount: r.TotalAmount,
		Status:      booking.Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// BookingRepository は予約台帳のPostgreSQL実装
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository は BookingRepository を作成する
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create は予約と座席の占有行を挿入する
// 座席の占有は booking_seats の部分ユニークインデックスで守られ、
// 取れなかった座席があれば *booking.ConflictError を返す
func (r *BookingRepository) Create(ctx context.Context, tx transaction.Tx, b *booking.Booking) error {
	sqlxTx, err := sqlTx(tx)
	if err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	encoded, err := json.Marshal(b.Seats)
	if err != nil {
		return fmt.Errorf("座席リストのエンコードに失敗: %w", err)
	}

	_, err = sqlxTx.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.EventID, b.UserID, string(encoded), b.TotalAmount, string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("予約作成に失敗: %w", err)
	}

	// ON CONFLICT DO NOTHING は同じ座席を確定中の他トランザクションの結果を待ってから判定する
	var inserted []int
	err = sqlxTx.SelectContext(ctx, &inserted, `
		INSERT INTO booking_seats (booking_id, event_id, seat_number)
		SELECT $1, $2, unnest($3::int[])
		ON CONFLICT DO NOTHING
		RETURNING seat_number
	`, b.ID, b.EventID, pq.Array(b.Seats))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return &booking.ConflictError{Seats: b.Seats}
		}
		return fmt.Errorf("予約座席の登録に失敗: %w", err)
	}
	if missing := difference(b.Seats, inserted); len(missing) > 0 {
		return &booking.ConflictError{Seats: missing}
	}
	return nil
}

// ConflictingSeats は指定座席のうち有効な予約で占有済みの座席番号を昇順で返す
func (r *BookingRepository) ConflictingSeats(ctx context.Context, tx transaction.Tx, eventID string, seats []int) ([]int, error) {
	sqlxTx, err := sqlTx(tx)
	if err != nil {
		return nil, err
	}
	var taken []int
	err = sqlxTx.SelectContext(ctx, &taken, `
		SELECT seat_number FROM booking_seats
		WHERE event_id = $1 AND NOT released AND seat_number = ANY($2::int[])
		ORDER BY seat_number
	`, eventID, pq.Array(seats))
	if err != nil {
		return nil, fmt.Errorf("座席の競合確認に失敗: %w", err)
	}
	return taken, nil
}

// GetByID はIDから予約を取得する
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*booking.Booking, error) {
	return r.get(ctx, r.db, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

// GetByIDForUpdate は行ロックを取って予約を取得する
func (r *BookingRepository) GetByIDForUpdate(ctx context.Context, tx transaction.Tx, id string) (*booking.Booking, error) {
	sqlxTx, err := sqlTx(tx)
	if err != nil {
		return nil, err
	}
	return r.get(ctx, sqlxTx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
}

func (r *BookingRepository) get(ctx context.Context, q sqlx.QueryerContext, query, id string) (*booking.Booking, error) {
	if _, err := uuid.Parse(id); err != nil {
		// uuid 型の列に不正な文字列を渡すとDBエラーになるため先に弾く
		return nil, booking.ErrBookingNotFound
	}
	var row bookingRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, booking.ErrBookingNotFound
		}
		return nil, fmt.Errorf("予約取得に失敗: %w", err)
	}
	return row.toEntity(), nil
}

// List は予約一覧を作成日時順に返す。eventID が空なら全イベント
func (r *BookingRepository) List(ctx context.Context, eventID string) ([]*booking.Booking, error) {
	var rows []bookingRow
	var err error
	if eventID == "" {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+bookingColumns+` FROM bookings ORDER BY created_at`)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+bookingColumns+` FROM bookings WHERE event_id = $1 ORDER BY created_at`, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("予約一覧取得に失敗: %w", err)
	}
	return toEntities(rows), nil
}

// GetByUserID はユーザーの予約一覧を新しい順に返す
func (r *BookingRepository) GetByUserID(ctx context.Context, userID string) ([]*booking.Booking, error) {
	var rows []bookingRow
	err := r.db.SelectContext(ctx, &rows, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザー予約一覧取得に失敗: %w", err)
	}
	return toEntities(rows), nil
}

// UpdateStatus は予約の状態を保存する
// cancelled の場合は座席の占有も解放する
func (r *BookingRepository) UpdateStatus(ctx context.Context, tx transaction.Tx, b *booking.Booking) error {
	sqlxTx, err := sqlTx(tx)
	if err != nil {
		return err
	}
	result, err := sqlxTx.ExecContext(ctx,
		`UPDATE bookings SET status = $1, updated_at = $2 WHERE id = $3`,
		string(b.Status), b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("予約状態の更新に失敗: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("更新結果の確認に失敗: %w", err)
	} else if n == 0 {
		return booking.ErrBookingNotFound
	}

	if !b.IsActive() {
		if _, err := sqlxTx.ExecContext(ctx, `UPDATE booking_seats SET released = TRUE WHERE booking_id = $1`, b.ID); err != nil {
			return fmt.Errorf("座席の解放に失敗: %w", err)
		}
	}
	return nil
}

// BookedSeats はイベントの有効な予約済み座席番号を昇順で返す
func (r *BookingRepository) BookedSeats(ctx context.Context, eventID string) ([]int, error) {
	var seats []int
	err := r.db.SelectContext(ctx, &seats, `
		SELECT seat_number FROM booking_seats
		WHERE event_id = $1 AND NOT released
		ORDER BY seat_number
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("予約済み座席の取得に失敗: %w", err)
	}
	return seats, nil
}

func toEntities(rows []bookingRow) []*booking.Booking {
	out := make([]*booking.Booking, len(rows))
	for i := range rows {
		out[i] = rows[i].toEntity()
	}
	return out
}

// difference は want のうち got に含まれない値を昇順で返す
func difference(want, got []int) []int {
	have := seat.NewSet(got...)
	var missing []int
	for _, n := range want {
		if !have.Has(n) {
			missing = append(missing, n)
		}
	}
	sort.Ints(missing)
	return missing
}

var _ booking.Repository = (*BookingRepository)(nil)
