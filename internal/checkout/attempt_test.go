package checkout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-event-seat-lock/internal/client"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/booking"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) BookedSeats(ctx context.Context, eventID string, totalSeats int) (seat.Set, error) {
	args := m.Called(ctx, eventID, totalSeats)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(seat.Set), args.Error(1)
}

func (m *MockLedger) CreateBooking(ctx context.Context, eventID, userID string, seats []int, totalAmount int) (*booking.Booking, error) {
	args := m.Called(ctx, eventID, userID, seats, totalAmount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*booking.Booking), args.Error(1)
}

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Lock(seatIndex int) error {
	return m.Called(seatIndex).Error(0)
}

func (m *MockLocker) Unlock(seatIndex int) error {
	return m.Called(seatIndex).Error(0)
}

func openEvent() *event.Event {
	return &event.Event{
		ID:             "event-1",
		Name:           "Live",
		TotalSeats:     10,
		AvailableSeats: 10,
		Price:          3000,
		Status:         event.StatusUpcoming,
	}
}

type fixture struct {
	attempt     *Attempt
	ledger      *MockLedger
	locker      *MockLocker
	transitions [][2]State
}

func newFixture(t *testing.T, ev *event.Event, userID string) *fixture {
	t.Helper()
	f := &fixture{ledger: new(MockLedger), locker: new(MockLocker)}
	f.attempt = NewAttempt(ev, userID, f.ledger, f.locker,
		WithStateHook(func(from, to State) { f.transitions = append(f.transitions, [2]State{from, to}) }),
	)
	return f
}

func TestNewAttempt_DisabledByEventData(t *testing.T) {
	tests := []struct {
		name  string
		event *event.Event
	}{
		{"イベントなし", nil},
		{"座席数0", &event.Event{ID: "e", TotalSeats: 0, AvailableSeats: 0, Price: 100, Status: event.StatusUpcoming}},
		{"価格0", &event.Event{ID: "e", TotalSeats: 10, AvailableSeats: 10, Price: 0, Status: event.StatusUpcoming}},
		{"満席", &event.Event{ID: "e", TotalSeats: 10, AvailableSeats: 0, Price: 100, Status: event.StatusUpcoming}},
		{"終了済み", &event.Event{ID: "e", TotalSeats: 10, AvailableSeats: 10, Price: 100, Status: event.StatusCompleted}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.event, "user-1")

			assert.ErrorIs(t, f.attempt.Disabled(), ErrBookingDisabled)
			_, err := f.attempt.Toggle(0)
			assert.ErrorIs(t, err, ErrBookingDisabled)
			_, err = f.attempt.Submit(context.Background())
			assert.ErrorIs(t, err, ErrBookingDisabled)
			f.ledger.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestAttempt_Toggle(t *testing.T) {
	t.Run("選択すると仮押さえを要求し、もう一度で解放する", func(t *testing.T) {
		f := newFixture(t, openEvent(), "user-1")
		f.locker.On("Lock", 3).Return(nil).Once()
		f.locker.On("Unlock", 3).Return(nil).Once()

		selected, err := f.attempt.Toggle(3)
		require.NoError(t, err)
		assert.True(t, selected)
		assert.Equal(t, []int{3}, f.attempt.Selected())
		assert.Equal(t, 3000, f.attempt.TotalAmount())

		selected, err = f.attempt.Toggle(3)
		require.NoError(t, err)
		assert.False(t, selected)
		assert.Empty(t, f.attempt.Selected())
		f.locker.AssertExpectations(t)
	})

	t.Run("範囲外の座席", func(t *testing.T) {
		f := newFixture(t, openEvent(), "user-1")

		_, err := f.attempt.Toggle(10)

		assert.ErrorIs(t, err, seat.ErrSeatOutOfRange)
		f.locker.AssertNotCalled(t, "Lock", mock.Anything)
	})

	t.Run("予約済みの座席は選べない", func(t *testing.T) {
		f := newFixture(t, openEvent(), "user-1")
		f.ledger.On("BookedSeats", mock.Anything, "event-1", 10).Return(seat.NewSet(5), nil)
		require.NoError(t, f.attempt.Refresh(context.Background()))

		_, err := f.attempt.Toggle(4)

		assert.ErrorIs(t, err, ErrSeatBooked)
		f.locker.AssertNotCalled(t, "Lock", mock.Anything)
	})

	t.Run("ロック要求が送れなければ選択しない", func(t *testing.T) {
		f := newFixture(t, openEvent(), "user-1")
		f.locker.On("Lock", 1).Return(client.ErrTransport)

		_, err := f.attempt.Toggle(1)

		assert.ErrorIs(t, err, client.ErrTransport)
		assert.Empty(t, f.attempt.Selected())
	})

	t.Run("seatLockFailed を受けたら選択から外す", func(t *testing.T) {
		f := newFixture(t, openEvent(), "user-1")
		f.locker.On("Lock", 2).Return(nil)
		_, err := f.attempt.Toggle(2)
		require.NoError(t, err)

		f.attempt.LockFailed(2)

		assert.Empty(t, f.attempt.Selected())
	})
}

func TestAttempt_Follow(t *testing.T) {
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	_, err := f.attempt.Toggle(2)
	require.NoError(t, err)
	_, err = f.attempt.Toggle(5)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan client.Event, 4)
	out := f.attempt.Follow(ctx, in)

	t.Run("別イベントのロック失敗は無視する", func(t *testing.T) {
		in <- client.Event{Type: protocol.TypeSeatLockFailed, EventID: "event-2", SeatIndex: 2}
		<-out
		assert.Equal(t, []int{2, 5}, f.attempt.Selected())
	})

	t.Run("ロック失敗は選択から外れてから流れてくる", func(t *testing.T) {
		in <- client.Event{Type: protocol.TypeSeatLockFailed, EventID: "event-1", SeatIndex: 2, Reason: "is being selected by another user"}
		ev := <-out
		assert.Equal(t, protocol.TypeSeatLockFailed, ev.Type)
		assert.Equal(t, []int{5}, f.attempt.Selected())
	})

	t.Run("他の通知はそのまま流す", func(t *testing.T) {
		in <- client.Event{Type: protocol.TypeSeatLocked, EventID: "event-1", SeatIndex: 7, HolderID: "other"}
		ev := <-out
		assert.Equal(t, 7, ev.SeatIndex)
		assert.Equal(t, []int{5}, f.attempt.Selected())
	})

	t.Run("入力が閉じると出力も閉じる", func(t *testing.T) {
		close(in)
		_, ok := <-out
		assert.False(t, ok)
	})
}

func TestAttempt_Submit_Validation(t *testing.T) {
	t.Run("利用者IDがない", func(t *testing.T) {
		f := newFixture(t, openEvent(), "")
		f.locker.On("Lock", 0).Return(nil)
		_, err := f.attempt.Toggle(0)
		require.NoError(t, err)

		_, err = f.attempt.Submit(context.Background())

		assert.ErrorIs(t, err, ErrValidation)
		assert.ErrorIs(t, err, booking.ErrUserIDRequired)
	})

	t.Run("座席を選んでいない", func(t *testing.T) {
		f := newFixture(t, openEvent(), "user-1")

		_, err := f.attempt.Submit(context.Background())

		assert.ErrorIs(t, err, booking.ErrSeatsRequired)
		f.ledger.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestAttempt_Submit_Success(t *testing.T) {
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	f.locker.On("Unlock", mock.Anything).Return(nil)
	for _, idx := range []int{4, 2} {
		_, err := f.attempt.Toggle(idx)
		require.NoError(t, err)
	}
	created := &booking.Booking{ID: "b1", EventID: "event-1", UserID: "user-1", Seats: []int{3, 5}, TotalAmount: 6000, Status: booking.StatusConfirmed}
	f.ledger.On("CreateBooking", mock.Anything, "event-1", "user-1", []int{3, 5}, 6000).Return(created, nil)
	f.ledger.On("BookedSeats", mock.Anything, "event-1", 10).Return(seat.NewSet(3, 5), nil)

	b, err := f.attempt.Submit(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, Confirmed, f.attempt.State())
	assert.Empty(t, f.attempt.Selected())
	assert.Equal(t, []int{3, 5}, f.attempt.Booked())
	f.locker.AssertCalled(t, "Unlock", 2)
	f.locker.AssertCalled(t, "Unlock", 4)
	assert.Equal(t, [][2]State{{Collecting, Submitting}, {Submitting, Confirmed}}, f.transitions)

	states := f.attempt.SeatStates(map[int]string{0: "other"})
	assert.Equal(t, seat.StateLocked, states[0])
	assert.Equal(t, seat.StateBooked, states[2])
	assert.Equal(t, seat.StateBooked, states[4])
}

func TestAttempt_Submit_Conflict(t *testing.T) {
	// 座席7（インデックス6）を他の利用者が先に確定した
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	f.locker.On("Unlock", mock.Anything).Return(nil)
	for _, idx := range []int{5, 6} {
		_, err := f.attempt.Toggle(idx)
		require.NoError(t, err)
	}
	f.ledger.On("CreateBooking", mock.Anything, "event-1", "user-1", []int{6, 7}, 6000).
		Return(nil, &booking.ConflictError{Seats: []int{7}})
	f.ledger.On("BookedSeats", mock.Anything, "event-1", 10).Return(seat.NewSet(7), nil)

	_, err := f.attempt.Submit(context.Background())

	var conflict *booking.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{7}, conflict.Seats)
	assert.Equal(t, Collecting, f.attempt.State())
	assert.Equal(t, []int{5}, f.attempt.Selected(), "競合した座席だけが外れる")
	assert.Equal(t, []int{7}, f.attempt.LastConflict())
	assert.Equal(t, []int{7}, f.attempt.Booked())
	f.locker.AssertCalled(t, "Unlock", 6)
	f.locker.AssertNotCalled(t, "Unlock", 5)
	assert.Equal(t, [][2]State{{Collecting, Submitting}, {Submitting, Rejected}, {Rejected, Collecting}}, f.transitions)
}

func TestAttempt_Submit_LocalFastFail(t *testing.T) {
	// 既知の予約済み座席を含む選択は送信しない
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	f.locker.On("Unlock", mock.Anything).Return(nil)
	_, err := f.attempt.Toggle(1)
	require.NoError(t, err)
	_, err = f.attempt.Toggle(2)
	require.NoError(t, err)
	// Refresh は予約済みになった座席を選択から外すので、送信直前に届いた想定で直接入れる
	f.attempt.mu.Lock()
	f.attempt.booked = seat.NewSet(3)
	f.attempt.mu.Unlock()

	_, err = f.attempt.Submit(context.Background())

	var conflict *booking.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []int{3}, conflict.Seats)
	assert.Equal(t, []int{1}, f.attempt.Selected())
	f.ledger.AssertNotCalled(t, "CreateBooking", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.locker.AssertCalled(t, "Unlock", 2)
}

func TestAttempt_Submit_TransportFailure(t *testing.T) {
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	f.locker.On("Unlock", mock.Anything).Return(nil)
	_, err := f.attempt.Toggle(0)
	require.NoError(t, err)
	_, err = f.attempt.Toggle(1)
	require.NoError(t, err)
	f.ledger.On("CreateBooking", mock.Anything, "event-1", "user-1", []int{1, 2}, 6000).
		Return(nil, client.ErrTransport)

	_, err = f.attempt.Submit(context.Background())

	assert.ErrorIs(t, err, ErrRetryable)
	assert.Equal(t, Collecting, f.attempt.State())
	assert.Empty(t, f.attempt.Selected())
	f.locker.AssertCalled(t, "Unlock", 0)
	f.locker.AssertCalled(t, "Unlock", 1)
}

func TestAttempt_Submit_RejectedInput(t *testing.T) {
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	_, err := f.attempt.Toggle(0)
	require.NoError(t, err)
	f.ledger.On("CreateBooking", mock.Anything, "event-1", "user-1", []int{1}, 3000).
		Return(nil, &client.APIError{StatusCode: 400, Message: "合計金額が座席数と価格に一致しません"})

	_, err = f.attempt.Submit(context.Background())

	assert.ErrorIs(t, err, ErrValidation)
	assert.NotErrorIs(t, err, ErrRetryable)
	assert.Equal(t, []int{0}, f.attempt.Selected(), "選択は残る")
	assert.Equal(t, Collecting, f.attempt.State())
}

func TestAttempt_Refresh(t *testing.T) {
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	f.locker.On("Unlock", mock.Anything).Return(nil)
	_, err := f.attempt.Toggle(8)
	require.NoError(t, err)

	t.Run("予約済みになった選択は外れる", func(t *testing.T) {
		f.ledger.On("BookedSeats", mock.Anything, "event-1", 10).Return(seat.NewSet(9), nil).Once()

		require.NoError(t, f.attempt.Refresh(context.Background()))

		assert.Empty(t, f.attempt.Selected())
		f.locker.AssertCalled(t, "Unlock", 8)
	})

	t.Run("取得に失敗したら既知の集合を保つ", func(t *testing.T) {
		f.ledger.On("BookedSeats", mock.Anything, "event-1", 10).Return(nil, errors.New("boom")).Once()

		assert.Error(t, f.attempt.Refresh(context.Background()))
		assert.Equal(t, []int{9}, f.attempt.Booked())
	})
}

func TestAttempt_RefreshLoop(t *testing.T) {
	var calls atomic.Int32
	ledger := new(MockLedger)
	ledger.On("BookedSeats", mock.Anything, "event-1", 10).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(seat.NewSet(1), nil)
	a := NewAttempt(openEvent(), "user-1", ledger, new(MockLocker), WithRefreshInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RefreshLoop(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RefreshLoop が終了しませんでした")
	}
	assert.Equal(t, []int{1}, a.Booked())
}

func TestAttempt_Close(t *testing.T) {
	f := newFixture(t, openEvent(), "user-1")
	f.locker.On("Lock", mock.Anything).Return(nil)
	f.locker.On("Unlock", mock.Anything).Return(nil)
	_, _ = f.attempt.Toggle(1)
	_, _ = f.attempt.Toggle(2)

	f.attempt.Close()
	f.attempt.Close()

	f.locker.AssertNumberOfCalls(t, "Unlock", 2)
	_, err := f.attempt.Toggle(3)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "collecting", Collecting.String())
	assert.Equal(t, "rejected", Rejected.String())
}
