package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
)

// BookingConfirmed は予約確定時に発行するメッセージ
type BookingConfirmed struct {
	BookingID   string    `json:"bookingId"`
	EventID     string    `json:"eventId"`
	UserID      string    `json:"userId"`
	Seats       []int     `json:"seats"`
	TotalAmount int       `json:"totalAmount"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// NewBookingConfirmed は予約からメッセージを作る
func NewBookingConfirmed(b *booking.Booking) BookingConfirmed {
	return BookingConfirmed{
		BookingID:   b.ID,
		EventID:     b.EventID,
		UserID:      b.UserID,
		Seats:       b.Seats,
		TotalAmount: b.TotalAmount,
		ConfirmedAt: b.CreatedAt.UTC(),
	}
}

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type opener func() (channel, func() error, error)

// Publisher は booking.confirmed キューへ発行する
// 接続は初回発行時に張り、発行に失敗したら次回張り直す
type Publisher struct {
	queue string
	open  opener

	mu      sync.Mutex
	ch      channel
	closeFn func() error
}

// NewPublisher は url のブローカーへ発行する Publisher を作る
func NewPublisher(url, queue string) *Publisher {
	return &Publisher{
		queue: queue,
		open: func() (channel, func() error, error) {
			conn, err := amqp.Dial(url)
			if err != nil {
				return nil, nil, err
			}
			ch, err := conn.Channel()
			if err != nil {
				_ = conn.Close()
				return nil, nil, err
			}
			return ch, conn.Close, nil
		},
	}
}

// PublishBookingConfirmed は確定した予約を発行する
func (p *Publisher) PublishBookingConfirmed(ctx context.Context, b *booking.Booking) error {
	body, err := json.Marshal(NewBookingConfirmed(b))
	if err != nil {
		return fmt.Errorf("rabbitmq: メッセージのエンコードに失敗: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureChannel(); err != nil {
		return err
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    b.ID,
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("rabbitmq: 発行に失敗: %w", err)
	}
	return nil
}

func (p *Publisher) ensureChannel() error {
	if p.ch != nil {
		return nil
	}
	ch, closeFn, err := p.open()
	if err != nil {
		return fmt.Errorf("rabbitmq: 接続に失敗: %w", err)
	}
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if closeFn != nil {
			_ = closeFn()
		}
		return fmt.Errorf("rabbitmq: キュー宣言に失敗: %w", err)
	}
	p.ch, p.closeFn = ch, closeFn
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.closeFn != nil {
		_ = p.closeFn()
	}
	p.ch, p.closeFn = nil, nil
}

// Close は接続を閉じる
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// NopPublisher はブローカー無効時に使う何もしない Publisher
type NopPublisher struct{}

func (NopPublisher) PublishBookingConfirmed(context.Context, *booking.Booking) error { return nil }
