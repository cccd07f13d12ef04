// Package realtime は座席ロックのリアルタイムチャネル（WebSocket）のサーバー側を実装する
//
// Hub は接続とイベントごとのルームを管理し、seatlock.Notifier として
// ストアの状態変化を各接続の送信キューへ振り分ける。
// ロックの順序は Hub.membership → seatlock.Store → Hub.mu で、Hub.mu の保持中にストアを呼ばない。
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/config"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/event"
	"github.com/sanosuguru/go-event-seat-lock/internal/domain/seat"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/metrics"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
	"github.com/sanosuguru/go-event-seat-lock/internal/seatlock"
)

// 要求者だけに返す失敗理由
const (
	ReasonLoginRequired  = "login required"
	ReasonNotJoined      = "join the event first"
	ReasonHolderMismatch = "holder does not match the connection"
	ReasonOutOfRange     = "seat index out of range"
)

// LockStore はハブが使う仮押さえストアの操作
type LockStore interface {
	Acquire(eventID string, seatIndex int, holderID, origin string) (seatlock.Outcome, error)
	Release(eventID string, seatIndex int, holderID string) bool
	WithSnapshot(eventID string, fn func(map[int]string))
	ReleaseAllForHolder(holderID string) int
	ReleaseHolderInEvent(eventID, holderID string) int
}

// EventLookup はイベントの存在と座席数を確認する（任意）
type EventLookup interface {
	GetEvent(ctx context.Context, id string) (*event.Event, error)
}

type room struct {
	members    map[string]*Conn
	totalSeats int
}

// Hub は接続とルームの管理者
type Hub struct {
	// membership は接続・ルームの出入りと、それに伴うロック解放をひとまとめに直列化する
	membership sync.Mutex

	mu      sync.RWMutex
	conns   map[string]*Conn
	rooms   map[string]*room
	holders map[string]int // holderID → 接続数

	store    LockStore
	events   EventLookup
	cfg      config.RealtimeConfig
	validate *validator.Validate
	metrics  *metrics.Metrics
}

// HubOption は Hub の設定
type HubOption func(*Hub)

// WithEventLookup は参加時のイベント確認と座席範囲チェックを有効にする
func WithEventLookup(l EventLookup) HubOption {
	return func(h *Hub) { h.events = l }
}

// WithHubMetrics はメトリクスを設定する
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub は新しい Hub を作成する
func NewHub(store LockStore, cfg config.RealtimeConfig, opts ...HubOption) *Hub {
	h := &Hub{
		conns:    make(map[string]*Conn),
		rooms:    make(map[string]*room),
		holders:  make(map[string]int),
		store:    store,
		cfg:      withDefaults(cfg),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Broadcast はルームの全接続へ送る（except の接続を除く）
func (h *Hub) Broadcast(eventID string, msg protocol.Envelope, except string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[eventID]
	if !ok {
		return
	}
	for id, c := range r.members {
		if id == except {
			continue
		}
		c.enqueue(msg)
	}
}

// Unicast は1つの接続にだけ送る
func (h *Hub) Unicast(connID string, msg protocol.Envelope) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.enqueue(msg)
	}
}

// ConnCount は接続数を返す
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Members はルームに参加している接続IDを返す
func (h *Hub) Members(eventID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rooms[eventID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close はすべての接続を閉じる
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) register(c *Conn) {
	// 同じホルダーの切断処理が解放を終えるまで待つ
	h.membership.Lock()
	defer h.membership.Unlock()

	h.mu.Lock()
	h.conns[c.id] = c
	if c.holderID != "" {
		h.holders[c.holderID]++
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RealtimeConnections.Inc()
	}
	logger.Debug("接続を登録", logger.ConnID(c.id), logger.HolderID(c.holderID))
}

// unregister は接続を外し、そのホルダーの最後の接続であればロックをすべて解放する
func (h *Hub) unregister(c *Conn) {
	h.membership.Lock()
	defer h.membership.Unlock()

	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	h.leaveLocked(c)
	last := false
	if c.holderID != "" {
		h.holders[c.holderID]--
		if h.holders[c.holderID] <= 0 {
			delete(h.holders, c.holderID)
			last = true
		}
	}
	h.mu.Unlock()

	c.close()
	if h.metrics != nil {
		h.metrics.RealtimeConnections.Dec()
	}
	if last {
		h.store.ReleaseAllForHolder(c.holderID)
	}
	logger.Debug("接続を解除", logger.ConnID(c.id), logger.HolderID(c.holderID))
}

// leaveLocked は接続を現在のルームから外す。h.mu を保持して呼ぶこと
func (h *Hub) leaveLocked(c *Conn) string {
	prev := c.eventID
	if prev == "" {
		return ""
	}
	if r, ok := h.rooms[prev]; ok {
		delete(r.members, c.id)
		if len(r.members) == 0 {
			delete(h.rooms, prev)
		}
	}
	c.eventID = ""
	return prev
}

// holderInRoomLocked は holderID の別の接続が eventID のルームにいるかを返す
func (h *Hub) holderInRoomLocked(eventID, holderID, exceptConn string) bool {
	r, ok := h.rooms[eventID]
	if !ok {
		return false
	}
	for id, c := range r.members {
		if id != exceptConn && c.holderID == holderID {
			return true
		}
	}
	return false
}

// dispatch は1フレームを処理する。接続ごとの読み取りループから順に呼ばれる
func (h *Hub) dispatch(ctx context.Context, c *Conn, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		c.enqueue(protocol.ErrorMsg("malformed frame"))
		return
	}

	switch env.Type {
	case protocol.TypeJoinEvent:
		var m protocol.JoinEvent
		if err := h.decode(env, &m); err != nil {
			c.enqueue(protocol.ErrorMsg(err.Error()))
			return
		}
		h.join(ctx, c, m.EventID)
	case protocol.TypeLeaveEvent:
		var m protocol.LeaveEvent
		if err := h.decode(env, &m); err != nil {
			c.enqueue(protocol.ErrorMsg(err.Error()))
			return
		}
		h.leave(c, m.EventID)
	case protocol.TypeLockSeat:
		var m protocol.SeatRequest
		if err := h.decode(env, &m); err != nil {
			c.enqueue(protocol.ErrorMsg(err.Error()))
			return
		}
		h.lock(c, m)
	case protocol.TypeUnlockSeat:
		var m protocol.SeatRequest
		if err := h.decode(env, &m); err != nil {
			c.enqueue(protocol.ErrorMsg(err.Error()))
			return
		}
		h.unlock(c, m)
	default:
		c.enqueue(protocol.ErrorMsg("unknown message type: " + string(env.Type)))
	}
}

func (h *Hub) decode(env protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

func (h *Hub) join(ctx context.Context, c *Conn, eventID string) {
	totalSeats := 0
	if h.events != nil {
		ev, err := h.events.GetEvent(ctx, eventID)
		if err != nil {
			if errors.Is(err, event.ErrEventNotFound) {
				c.enqueue(protocol.ErrorMsg("event not found"))
				return
			}
			logger.Warn("参加時のイベント取得に失敗", logger.EventID(eventID), zap.Error(err))
		} else {
			totalSeats = ev.TotalSeats
		}
	}

	h.membership.Lock()
	h.mu.Lock()
	prev := h.leaveLocked(c)
	releasePrev := prev != "" && prev != eventID && c.holderID != "" &&
		!h.holderInRoomLocked(prev, c.holderID, c.id)
	r, ok := h.rooms[eventID]
	if !ok {
		r = &room{members: make(map[string]*Conn)}
		h.rooms[eventID] = r
	}
	if totalSeats > 0 {
		r.totalSeats = totalSeats
	}
	r.members[c.id] = c
	c.eventID = eventID
	h.mu.Unlock()

	if releasePrev {
		h.store.ReleaseHolderInEvent(prev, c.holderID)
	}
	h.membership.Unlock()

	h.store.WithSnapshot(eventID, func(snapshot map[int]string) {
		c.enqueue(protocol.LockedSeatsMsg(snapshot))
	})
	logger.Debug("ルームに参加", logger.ConnID(c.id), logger.EventID(eventID))
}

func (h *Hub) leave(c *Conn, eventID string) {
	h.membership.Lock()
	defer h.membership.Unlock()

	h.mu.Lock()
	if c.eventID != eventID {
		h.mu.Unlock()
		return
	}
	h.leaveLocked(c)
	release := c.holderID != "" && !h.holderInRoomLocked(eventID, c.holderID, c.id)
	h.mu.Unlock()

	if release {
		h.store.ReleaseHolderInEvent(eventID, c.holderID)
	}
}

// authorize はロック系リクエストの送信者と対象を確認し、ホルダーIDを確定する
func (h *Hub) authorize(c *Conn, m protocol.SeatRequest) (string, string) {
	if c.holderID == "" {
		return "", ReasonLoginRequired
	}
	if m.HolderID != "" && m.HolderID != c.holderID {
		return "", ReasonHolderMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.eventID != m.EventID {
		return "", ReasonNotJoined
	}
	if r, ok := h.rooms[m.EventID]; ok && r.totalSeats > 0 && m.Index() >= r.totalSeats {
		return "", ReasonOutOfRange
	}
	return c.holderID, ""
}

func (h *Hub) lock(c *Conn, m protocol.SeatRequest) {
	holderID, reason := h.authorize(c, m)
	if reason != "" {
		c.enqueue(protocol.SeatLockFailedMsg(m.EventID, m.Index(), reason))
		return
	}

	_, err := h.store.Acquire(m.EventID, m.Index(), holderID, c.id)
	switch {
	case err == nil, errors.Is(err, seat.ErrLockConflict):
		// 成功時の seatLocked と競合時の seatLockFailed はストアが配信済み
	default:
		c.enqueue(protocol.SeatLockFailedMsg(m.EventID, m.Index(), err.Error()))
	}
}

func (h *Hub) unlock(c *Conn, m protocol.SeatRequest) {
	holderID, reason := h.authorize(c, m)
	if reason != "" {
		// 解放は冪等なので、ログインしていない場合も含めて黙って無視する
		return
	}
	h.store.Release(m.EventID, m.Index(), holderID)
}

func withDefaults(cfg config.RealtimeConfig) config.RealtimeConfig {
	def := config.DefaultRealtimeConfig()
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return cfg
}
