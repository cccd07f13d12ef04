package event

import "time"

// Status はイベントの開催状態を表す
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Event はイベントエンティティを表す
type Event struct {
	ID             string
	Name           string
	Description    string
	Venue          string
	StartAt        time.Time
	EndAt          time.Time
	TotalSeats     int
	AvailableSeats int
	Price          int
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int // 楽観的ロック用
}

// NewEvent は新しいイベントを作成する
func NewEvent(name, description, venue string, startAt, endAt time.Time, totalSeats, price int) *Event {
	now := time.Now()
	return &Event{
		Name:           name,
		Description:    description,
		Venue:          venue,
		StartAt:        startAt,
		EndAt:          endAt,
		TotalSeats:     totalSeats,
		AvailableSeats: totalSeats,
		Price:          price,
		Status:         StatusUpcoming,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        0,
	}
}

// Validate はイベントの検証を行う
func (e *Event) Validate() error {
	if e.Name == "" {
		return ErrEventNameRequired
	}
	if e.TotalSeats <= 0 {
		return ErrInvalidTotalSeats
	}
	if e.Price <= 0 {
		return ErrInvalidPrice
	}
	if e.EndAt.Before(e.StartAt) {
		return ErrInvalidEventTime
	}
	return nil
}

// ValidateForBooking は予約画面を開ける状態かを検証する
// 座席数や価格が壊れている場合は ErrInvalidEventData を返し、予約自体を無効にする
func (e *Event) ValidateForBooking() error {
	if e.ID == "" || e.TotalSeats <= 0 || e.Price <= 0 {
		return ErrInvalidEventData
	}
	if e.AvailableSeats < 0 || e.AvailableSeats > e.TotalSeats {
		return ErrInvalidEventData
	}
	if !e.IsBookingOpen() {
		return ErrEventNotOpen
	}
	return nil
}

// IsBookingOpen は予約を受け付けているかを返す
func (e *Event) IsBookingOpen() bool {
	if e.Status != StatusUpcoming && e.Status != StatusOngoing {
		return false
	}
	return e.AvailableSeats > 0
}

// TotalAmount は座席数分の合計金額を返す
func (e *Event) TotalAmount(seatCount int) int {
	return seatCount * e.Price
}
