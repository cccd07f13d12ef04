package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

// APIError はAPIが返したエラー応答
type APIError struct {
	StatusCode int
	Message    string
	Details    string
	err        error
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API エラー (%d): %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("API エラー (%d): %s", e.StatusCode, e.Message)
}

// Unwrap は404をドメインの NotFound として扱えるようにする
func (e *APIError) Unwrap() error {
	return e.err
}

func notFoundFor(path string) error {
	if strings.HasPrefix(path, "/events") {
		return event.ErrEventNotFound
	}
	return booking.ErrBookingNotFound
}

// LedgerClient は予約APIのHTTPクライアント
type LedgerClient struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// LedgerOption は LedgerClient の設定
type LedgerOption func(*LedgerClient)

// WithHTTPClient は使用する http.Client を差し替える
func WithHTTPClient(c *http.Client) LedgerOption {
	return func(l *LedgerClient) { l.httpClient = c }
}

// NewLedgerClient は baseURL（例: http://localhost:8080/api/v1）に対するクライアントを作成する
func NewLedgerClient(baseURL, userID string, opts ...LedgerOption) *LedgerClient {
	l := &LedgerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type envelope struct {
	Success          bool            `json:"success"`
	Data             json.RawMessage `json:"data"`
	Error            string          `json:"error"`
	Details          string          `json:"details"`
	ConflictingSeats []int           `json:"conflictingSeats"`
}

type eventPayload struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Venue          string    `json:"venue"`
	StartAt        time.Time `json:"startAt"`
	EndAt          time.Time `json:"endAt"`
	TotalSeats     int       `json:"totalSeats"`
	AvailableSeats int       `json:"availableSeats"`
	Price          int       `json:"price"`
	Status         string    `json:"status"`
}

// bookingPayload の seats は旧形式の文字列でも受け取れるよう生のまま読む
type bookingPayload struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	UserID      string          `json:"userId"`
	Seats       json.RawMessage `json:"seats"`
	TotalAmount int             `json:"totalAmount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (p bookingPayload) toDomain() *booking.Booking {
	return &booking.Booking{
		ID:          p.ID,
		EventID:     p.EventID,
		UserID:      p.UserID,
		Seats:       seat.ParseSeatList(p.Seats),
		TotalAmount: p.TotalAmount,
		Status:      booking.Status(p.Status),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

type createBookingBody struct {
	EventID     string `json:"eventId"`
	Seats       []int  `json:"seats"`
	TotalAmount int    `json:"totalAmount"`
}

// GetEvent はイベントを取得する
func (l *LedgerClient) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	var p eventPayload
	if err := l.do(ctx, http.MethodGet, "/events/"+url.PathEscape(id), nil, &p); err != nil {
		return nil, err
	}
	return &event.Event{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Venue:          p.Venue,
		StartAt:        p.StartAt,
		EndAt:          p.EndAt,
		TotalSeats:     p.TotalSeats,
		AvailableSeats: p.AvailableSeats,
		Price:          p.Price,
		Status:         event.Status(p.Status),
	}, nil
}

// ListBookings はイベントの予約一覧を取得する
func (l *LedgerClient) ListBookings(ctx context.Context, eventID string) ([]*booking.Booking, error) {
	var ps []bookingPayload
	path := "/bookings?eventId=" + url.QueryEscape(eventID)
	if err := l.do(ctx, http.MethodGet, path, nil, &ps); err != nil {
		return nil, err
	}
	out := make([]*booking.Booking, len(ps))
	for i, p := range ps {
		out[i] = p.toDomain()
	}
	return out, nil
}

// BookedSeats は有効な予約の座席番号を集合で返す
func (l *LedgerClient) BookedSeats(ctx context.Context, eventID string, totalSeats int) (seat.Set, error) {
	bookings, err := l.ListBookings(ctx, eventID)
	if err != nil {
		return nil, err
	}
	lists := make([]any, 0, len(bookings))
	for _, b := range bookings {
		if b.IsActive() {
			lists = append(lists, b.Seats)
		}
	}
	return seat.BookedSeatNumbers(totalSeats, lists...), nil
}

// CreateBooking は予約を確定する
// 座席が既に取られていれば *booking.ConflictError を返す
func (l *LedgerClient) CreateBooking(ctx context.Context, eventID, userID string, seats []int, totalAmount int) (*booking.Booking, error) {
	body := createBookingBody{EventID: eventID, Seats: seats, TotalAmount: totalAmount}
	var p bookingPayload
	if err := l.doAs(ctx, userID, http.MethodPost, "/bookings", body, &p); err != nil {
		return nil, err
	}
	return p.toDomain(), nil
}

func (l *LedgerClient) do(ctx context.Context, method, path string, body, out any) error {
	return l.doAs(ctx, l.userID, method, path, body, out)
}

func (l *LedgerClient) doAs(ctx context.Context, userID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストのエンコードに失敗: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("リクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(protocol.UserIDHeader, userID)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
		}
		return fmt.Errorf("レスポンスの解析に失敗 (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict && len(env.ConflictingSeats) > 0:
		return &booking.ConflictError{Seats: env.ConflictingSeats}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", ErrTransport, (&APIError{StatusCode: resp.StatusCode, Message: env.Error}).Error())
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error, Details: env.Details, err: notFoundFor(path)}
	case resp.StatusCode >= 400 || !env.Success:
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error, Details: env.Details}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("data の解析に失敗: %w", err)
	}
	return nil
}

// IsTransport は再試行で回復しうるエラーかを返す
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}
