// Package protocol は座席ロックのリアルタイムチャネルで交換するメッセージを定義する
//
// フレームはすべて JSON テキストで {"type": ..., "data": {...}} の形をとる。
// フィールド名はブラウザクライアントとの契約なので変更しないこと。
package protocol

import (
	"encoding/json"
	"fmt"
)

// UserIDHeader は利用者（ホルダー）IDを渡すHTTPヘッダー
// WebSocket のハンドシェイクと予約APIで共通
const UserIDHeader = "X-User-ID"

// Type はメッセージ種別
type Type string

// クライアント → サーバー
const (
	TypeJoinEvent  Type = "joinEvent"
	TypeLeaveEvent Type = "leaveEvent"
	TypeLockSeat   Type = "lockSeat"
	TypeUnlockSeat Type = "unlockSeat"
)

// サーバー → クライアント
const (
	TypeLockedSeats    Type = "lockedSeats"
	TypeSeatLocked     Type = "seatLocked"
	TypeSeatUnlocked   Type = "seatUnlocked"
	TypeSeatLockFailed Type = "seatLockFailed"
	TypeError          Type = "error"
)

// Envelope はワイヤ上の1フレーム
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinEvent はイベントのルームへの参加要求
type JoinEvent struct {
	EventID string `json:"eventId" validate:"required"`
}

// LeaveEvent はルームからの退出要求
type LeaveEvent struct {
	EventID string `json:"eventId" validate:"required"`
}

// SeatRequest は lockSeat / unlockSeat の共通ペイロード
// HolderID が空の場合はサーバーが接続の利用者IDで補う
type SeatRequest struct {
	EventID   string `json:"eventId" validate:"required"`
	SeatIndex *int   `json:"seatIndex" validate:"required,min=0"`
	HolderID  string `json:"holderId,omitempty"`
}

// Index は SeatIndex を値で返す。未指定なら -1
func (r SeatRequest) Index() int {
	if r.SeatIndex == nil {
		return -1
	}
	return *r.SeatIndex
}

// LockedSeats は参加時に送るロック状況のスナップショット（seatIndex → holderId）
type LockedSeats map[int]string

// SeatLocked は座席がロックされたことの通知
type SeatLocked struct {
	EventID   string `json:"eventId,omitempty"`
	SeatIndex int    `json:"seatIndex"`
	HolderID  string `json:"holderId"`
}

// SeatUnlocked は座席のロックが外れたことの通知
type SeatUnlocked struct {
	EventID   string `json:"eventId,omitempty"`
	SeatIndex int    `json:"seatIndex"`
}

// SeatLockFailed はロック要求が通らなかったことを要求者だけに伝える
type SeatLockFailed struct {
	EventID   string `json:"eventId,omitempty"`
	SeatIndex int    `json:"seatIndex"`
	Reason    string `json:"reason"`
}

// ErrorMessage は解釈できないフレームへの応答
type ErrorMessage struct {
	Reason string `json:"reason"`
}

// NewEnvelope は payload を JSON にして Envelope を作る
func NewEnvelope(t Type, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%s のエンコードに失敗: %w", t, err)
	}
	return Envelope{Type: t, Data: data}, nil
}

// MustEnvelope は NewEnvelope のパニック版。このパッケージの型のように必ずエンコードできる値に使う
func MustEnvelope(t Type, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode は Data を v にデコードする
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: data が空です", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s のデコードに失敗: %w", e.Type, err)
	}
	return nil
}

// Marshal はフレーム全体をバイト列にする
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse はバイト列をフレームとして読む
func Parse(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("フレームの解析に失敗: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("フレームに type がありません")
	}
	return env, nil
}

// 各メッセージの Envelope を作るヘルパー

// SeatLockedMsg は seatLocked を作る
func SeatLockedMsg(eventID string, seatIndex int, holderID string) Envelope {
	return MustEnvelope(TypeSeatLocked, SeatLocked{EventID: eventID, SeatIndex: seatIndex, HolderID: holderID})
}

// SeatUnlockedMsg は seatUnlocked を作る
func SeatUnlockedMsg(eventID string, seatIndex int) Envelope {
	return MustEnvelope(TypeSeatUnlocked, SeatUnlocked{EventID: eventID, SeatIndex: seatIndex})
}

// SeatLockFailedMsg は seatLockFailed を作る
func SeatLockFailedMsg(eventID string, seatIndex int, reason string) Envelope {
	return MustEnvelope(TypeSeatLockFailed, SeatLockFailed{EventID: eventID, SeatIndex: seatIndex, Reason: reason})
}

// LockedSeatsMsg は参加時のスナップショットを作る。nil は空のオブジェクトになる
func LockedSeatsMsg(snapshot map[int]string) Envelope {
	if snapshot == nil {
		snapshot = map[int]string{}
	}
	return MustEnvelope(TypeLockedSeats, LockedSeats(snapshot))
}

// ErrorMsg は error を作る
func ErrorMsg(reason string) Envelope {
	return MustEnvelope(TypeError, ErrorMessage{Reason: reason})
}

// JoinEventMsg は joinEvent を作る
func JoinEventMsg(eventID string) Envelope {
	return MustEnvelope(TypeJoinEvent, JoinEvent{EventID: eventID})
}

// LeaveEventMsg は leaveEvent を作る
func LeaveEventMsg(eventID string) Envelope {
	return MustEnvelope(TypeLeaveEvent, LeaveEvent{EventID: eventID})
}

// LockSeatMsg は lockSeat を作る
func LockSeatMsg(eventID string, seatIndex int, holderID string) Envelope {
	return MustEnvelope(TypeLockSeat, SeatRequest{EventID: eventID, SeatIndex: &seatIndex, HolderID: holderID})
}

// UnlockSeatMsg は unlockSeat を作る
func UnlockSeatMsg(eventID string, seatIndex int, holderID string) Envelope {
	return MustEnvelope(TypeUnlockSeat, SeatRequest{EventID: eventID, SeatIndex: &seatIndex, HolderID: holderID})
}
