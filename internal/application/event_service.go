package application

import (
	"context"
	"fmt"
	"time"

	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
)

type EventService struct {
	eventRepo event.Repository
}

func NewEventService(eventRepo event.Repository) *EventService {
	return &EventService{eventRepo: eventRepo}
}

type CreateEventInput struct {
	Name        string
	Description string
	Venue       string
	StartAt     time.Time
	EndAt       time.Time
	TotalSeats  int
	Price       int
}

// CreateEvent は座席数と価格を持つイベントを登録する
func (s *EventService) CreateEvent(ctx context.Context, input CreateEventInput) (*event.Event, error) {
	e := event.NewEvent(input.Name, input.Description, input.Venue, input.StartAt, input.EndAt, input.TotalSeats, input.Price)
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("バリデーションエラー: %w", err)
	}
	if err := s.eventRepo.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("イベント作成に失敗しました: %w", err)
	}
	logger.Info("イベントを作成しました", logger.EventID(e.ID))
	return e, nil
}

// GetEvent はイベントを取得する
// realtime.EventLookup としても使われる
func (s *EventService) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	return s.eventRepo.GetByID(ctx, id)
}
