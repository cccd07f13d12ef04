//go:build integration

package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-event-seat-lock/internal/config"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/infrastructure/postgres"
	redisinfra "github.com/sanosuguru/go-event-seat-lock/internal/infrastructure/redis"
)

type integrationEnv struct {
	bookings  *BookingService
	events    *EventService
	eventRepo *postgres.EventRepository
}

func setupIntegration(t *testing.T, withLock bool) *integrationEnv {
	t.Helper()
	cfg := config.Load()

	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		t.Skipf("DB接続エラー: %v", err)
	}
	if err := postgres.RunMigrations(db.DB, "../../migrations"); err != nil {
		t.Fatalf("マイグレーションエラー: %v", err)
	}

	eventRepo := postgres.NewEventRepository(db)
	bookingRepo := postgres.NewBookingRepository(db)
	opts := []BookingOption{}
	if withLock {
		client := redisinfra.NewClient(&cfg.Redis)
		if err := redisinfra.Ping(context.Background(), client); err != nil {
			t.Skipf("Redis接続エラー: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		opts = append(opts,
			WithCommitLock(redisinfra.NewLockManager(client), cfg.SeatLock.CommitLockTTL),
			WithBookedSeatCache(redisinfra.NewBookedSeatCache(client), cfg.SeatLock.BookedCacheTTL),
		)
	}

	t.Cleanup(func() {
		db.Exec("DELETE FROM booking_seats")
		db.Exec("DELETE FROM bookings")
		db.Exec("DELETE FROM events")
		db.Close()
	})

	return &integrationEnv{
		bookings:  NewBookingService(postgres.NewTxManager(db), bookingRepo, eventRepo, opts...),
		events:    NewEventService(eventRepo),
		eventRepo: eventRepo,
	}
}

func (env *integrationEnv) createEvent(t *testing.T, totalSeats, price int) *event.Event {
	t.Helper()
	ev, err := env.events.CreateEvent(context.Background(), CreateEventInput{
		Name: "並行テストイベント", Venue: "テスト会場",
		StartAt: time.Now().Add(24 * time.Hour), EndAt: time.Now().Add(26 * time.Hour),
		TotalSeats: totalSeats, Price: price,
	})
	require.NoError(t, err)
	return ev
}

func TestIntegration_ConcurrentSameSeat(t *testing.T) {
	env := setupIntegration(t, false)
	ctx := context.Background()
	ev := env.createEvent(t, 10, 1000)

	// 同じ座席7を20人が同時に確定しようとしても成功は1件だけ
	const workers = 20
	var success, conflict int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.bookings.CreateBooking(ctx, CreateBookingInput{
				EventID: ev.ID, UserID: "user-" + string(rune('a'+i)), Seats: []int{7}, TotalAmount: 1000,
			})
			switch {
			case err == nil:
				atomic.AddInt32(&success, 1)
			case booking.IsValidation(err):
				t.Errorf("unexpected validation error: %v", err)
			default:
				var ce *booking.ConflictError
				if assert.ErrorAs(t, err, &ce) {
					assert.Equal(t, []int{7}, ce.Seats)
					atomic.AddInt32(&conflict, 1)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), success)
	assert.Equal(t, int32(workers-1), conflict)

	seats, err := env.bookings.BookedSeatNumbers(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, seats)

	stored, err := env.eventRepo.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stored.AvailableSeats)
}

func TestIntegration_OverlappingSelections(t *testing.T) {
	env := setupIntegration(t, true)
	ctx := context.Background()
	ev := env.createEvent(t, 10, 3000)

	first, err := env.bookings.CreateBooking(ctx, CreateBookingInput{EventID: ev.ID, UserID: "alice", Seats: []int{3, 4}, TotalAmount: 6000})
	require.NoError(t, err)

	_, err = env.bookings.CreateBooking(ctx, CreateBookingInput{EventID: ev.ID, UserID: "bob", Seats: []int{4, 5}, TotalAmount: 6000})
	var ce *booking.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []int{4}, ce.Seats)

	// キャンセルすると座席が戻り、再度確定できる
	cancelled, err := env.bookings.UpdateBookingStatus(ctx, first.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, cancelled.Status)

	second, err := env.bookings.CreateBooking(ctx, CreateBookingInput{EventID: ev.ID, UserID: "bob", Seats: []int{4, 5}, TotalAmount: 6000})
	require.NoError(t, err)

	seats, err := env.bookings.BookedSeatNumbers(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, seats)

	got, err := env.bookings.GetBooking(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, got.Seats)

	list, err := env.bookings.ListBookings(ctx, ev.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
