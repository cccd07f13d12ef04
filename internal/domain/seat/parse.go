package seat

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ParseSeatList は予約レコードの座席リストを座席番号のスライスに正規化する
//
// 旧データとの互換のため、ネイティブなリスト、JSON文字列、カンマ区切り文字列を受け付ける。
// 数値でない値は捨てる。範囲チェックは BookedSeatNumbers で行う。
func ParseSeatList(raw any) []int {
	switch v := raw.(type) {
	case nil:
		return nil
	case []int:
		return append([]int(nil), v...)
	case []string:
		return parseStrings(v)
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			if n, ok := toInt(item); ok {
				out = append(out, n)
			}
		}
		return out
	case json.RawMessage:
		return parseJSON(v)
	case []byte:
		return parseJSON(v)
	case string:
		return parseString(v)
	default:
		if n, ok := toInt(v); ok {
			return []int{n}
		}
		return nil
	}
}

func parseString(s string) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err == nil {
		// JSONとして解釈できた場合、単一値も配列として扱う
		return ParseSeatList(decoded)
	}
	return parseStrings(strings.Split(s, ","))
}

func parseJSON(b []byte) []int {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return parseString(string(b))
	}
	return ParseSeatList(decoded)
}

func parseStrings(items []string) []int {
	out := make([]int, 0, len(items))
	for _, item := range items {
		if n, ok := toInt(strings.TrimSpace(item)); ok {
			out = append(out, n)
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if i, err := strconv.Atoi(s); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

// BookedSeatNumbers は複数の座席リストから確定済み座席番号の集合を作る
// 1..totalSeats の範囲外は除外する
func BookedSeatNumbers(totalSeats int, seatLists ...any) Set {
	booked := make(Set)
	for _, raw := range seatLists {
		for _, n := range ParseSeatList(raw) {
			if InRange(n, totalSeats) {
				booked[n] = struct{}{}
			}
		}
	}
	return booked
}

// Sorted は集合を昇順のスライスにして返す
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ValidateNumbers は座席番号がすべて範囲内で重複がないことを確認する
func ValidateNumbers(numbers []int, totalSeats int) error {
	seen := make(Set, len(numbers))
	for _, n := range numbers {
		if !InRange(n, totalSeats) {
			return fmt.Errorf("%w: %d", ErrSeatOutOfRange, n)
		}
		if seen.Has(n) {
			return fmt.Errorf("%w: %d", ErrDuplicateSeat, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}
