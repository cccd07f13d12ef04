package seat

import "time"

// ViewState は閲覧者ごとに算出される座席の表示状態を表す
type ViewState string

const (
	StateAvailable ViewState = "available"
	StateSelected  ViewState = "selected"
	StateLocked    ViewState = "locked"
	StateBooked    ViewState = "booked"
)

// LockConflictReason は他ユーザーが選択中の座席をロックしようとした際の理由文
const LockConflictReason = "is being selected by another user"

// Number は0始まりの座席インデックスを1始まりの座席番号に変換する
func Number(index int) int {
	return index + 1
}

// Index は座席番号を座席インデックスに変換する
func Index(number int) int {
	return number - 1
}

// InRange は座席番号が 1..totalSeats に収まっているかを返す
func InRange(number, totalSeats int) bool {
	return number >= 1 && number <= totalSeats
}

// SoftLock は座席の仮押さえ（アドバイザリロック）を表す
// 確定予約ではないため、TTL経過や切断で自動的に消える
type SoftLock struct {
	EventID    string
	SeatIndex  int
	HolderID   string
	AcquiredAt time.Time
}

// IsExpired は now 時点で ttl を超過しているかを返す
func (l *SoftLock) IsExpired(now time.Time, ttl time.Duration) bool {
	return !now.Before(l.AcquiredAt.Add(ttl))
}

// Numbers は座席インデックスの一覧を座席番号の一覧に変換する
func Numbers(indices []int) []int {
	numbers := make([]int, len(indices))
	for i, idx := range indices {
		numbers[i] = Number(idx)
	}
	return numbers
}

// Indices は座席番号の一覧を座席インデックスの一覧に変換する
func Indices(numbers []int) []int {
	indices := make([]int, len(numbers))
	for i, n := range numbers {
		indices[i] = Index(n)
	}
	return indices
}
