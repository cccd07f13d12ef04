package seat

// Set は座席番号またはインデックスの集合
type Set map[int]struct{}

// NewSet はスライスから集合を作成する
func NewSet(values ...int) Set {
	s := make(Set, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has は値が集合に含まれるかを返す
func (s Set) Has(v int) bool {
	_, ok := s[v]
	return ok
}

// ComputeSeatStates は確定予約・自分の選択・他者の仮押さえから各座席の表示状態を算出する
//
// 優先順位は booked > selected > locked > available。
// 確定予約は仮押さえより常に優先され、自分のロックは自分には locked と表示されない。
func ComputeSeatStates(totalSeats int, booked Set, selected Set, locks map[int]string, selfID string) []ViewState {
	if totalSeats <= 0 {
		return []ViewState{}
	}
	states := make([]ViewState, totalSeats)
	for idx := 0; idx < totalSeats; idx++ {
		states[idx] = stateOf(idx, booked, selected, locks, selfID)
	}
	return states
}

func stateOf(idx int, booked Set, selected Set, locks map[int]string, selfID string) ViewState {
	if booked.Has(Number(idx)) {
		return StateBooked
	}
	if selected.Has(idx) {
		return StateSelected
	}
	if holder, ok := locks[idx]; ok && holder != selfID {
		return StateLocked
	}
	return StateAvailable
}
