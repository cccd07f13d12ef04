// Package client はリアルタイムチャネルと予約APIを使う側の Go クライアント
//
// Session は1本の WebSocket 接続を明示的なハンドルとして持ち、切断時の再接続、
// ルームへの再参加、切断中に出したフレームの再送を行う。
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

// ErrTransport はチャネルやAPIに到達できないことを表す（再試行可能）
var ErrTransport = errors.New("サーバーに接続できません")

var (
	// ErrSessionClosed は Close 後の操作
	ErrSessionClosed = errors.New("セッションは終了しています")
	// ErrNotJoined はイベントに参加する前のロック要求
	ErrNotJoined = errors.New("イベントに参加していません")
)

// 接続状態の変化を表すクライアント側だけの種別
const (
	TypeConnected    protocol.Type = "connected"
	TypeDisconnected protocol.Type = "disconnected"
)

// SessionOptions は Session の設定
type SessionOptions struct {
	URL    string
	UserID string
	Header http.Header

	// ConnectTimeout はハンドシェイクの制限時間
	ConnectTimeout time.Duration
	// ReconnectDelay は再接続までの待ち時間
	ReconnectDelay time.Duration
	// BackoffFactor が1より大きければ再接続ごとに待ち時間を掛ける
	BackoffFactor float64
	MaxRetries    int
	EventBuffer   int
}

// DefaultSessionOptions は既定値を返す
func DefaultSessionOptions(url, userID string) SessionOptions {
	return SessionOptions{
		URL:            url,
		UserID:         userID,
		ConnectTimeout: 20 * time.Second,
		ReconnectDelay: time.Second,
		BackoffFactor:  1,
		MaxRetries:     5,
		EventBuffer:    64,
	}
}

// Event はサーバーから届いた通知を型付きにしたもの
type Event struct {
	Type      protocol.Type
	EventID   string
	SeatIndex int
	HolderID  string
	Reason    string
	// Locked は lockedSeats のときだけ入る
	Locked map[int]string
}

// Session はリアルタイムチャネルの接続ハンドル
type Session struct {
	opts   SessionOptions
	dialer *websocket.Dialer

	mu      sync.Mutex
	ws      *websocket.Conn
	eventID string
	queue   []protocol.Envelope
	locks   map[int]string
	mine    map[int]struct{} // このセッションが要求・保持している座席
	// 送ったが seatUnlocked がまだ返っていない unlockSeat の数（座席ごと）
	unlocking map[int]int
	closed    bool
	failed    bool

	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSession は接続前の Session を作成する
func NewSession(opts SessionOptions) *Session {
	def := DefaultSessionOptions(opts.URL, opts.UserID)
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = def.BackoffFactor
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}
	return &Session{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		locks:  make(map[int]string),
		mine:      make(map[int]struct{}),
		unlocking: make(map[int]int),
		events:    make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events はサーバーからの通知と接続状態の変化を受け取るチャネル
// Close すると閉じられる
func (s *Session) Events() <-chan Event {
	return s.events
}

// UserID はこのセッションのホルダーIDを返す
func (s *Session) UserID() string {
	return s.opts.UserID
}

// Connect は接続し、受信ループを開始する
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ws, err := s.dial(ctx)
	if err != nil {
		s.wg.Done()
		return err
	}
	s.attach(ws)
	go s.run(ws)
	return nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range s.opts.Header {
		header[k] = v
	}
	if s.opts.UserID != "" {
		header.Set(protocol.UserIDHeader, s.opts.UserID)
	}
	ws, _, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return ws, nil
}

// attach は接続を有効にし、ルームに再参加してから溜まっているフレームを送る
func (s *Session) attach(ws *websocket.Conn) {
	s.mu.Lock()
	s.ws = ws
	s.failed = false
	eventID := s.eventID
	pending := s.queue
	s.queue = nil
	relock := sortedKeys(s.mine)
	// 切断前に送った解放の通知はもう届かない。これから送るぶんだけ待つ
	s.unlocking = countUnlocks(pending, eventID)
	s.mu.Unlock()

	// 切断でサーバー側のロックは外れているので、参加し直してから取り直す
	if eventID != "" {
		_ = s.write(ws, protocol.JoinEventMsg(eventID))
		for _, idx := range relock {
			_ = s.write(ws, protocol.LockSeatMsg(eventID, idx, s.opts.UserID))
		}
	}
	for i, env := range pending {
		if err := s.write(ws, env); err != nil {
			s.requeue(pending[i:])
			break
		}
	}
	s.emit(Event{Type: TypeConnected, EventID: eventID})
}

// run は受信ループ。切断されたら再接続を試みる
func (s *Session) run(ws *websocket.Conn) {
	defer s.wg.Done()
	for {
		s.readLoop(ws)

		s.mu.Lock()
		if s.ws == ws {
			s.ws = nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.emit(Event{Type: TypeDisconnected})

		next, err := s.reconnect()
		if err != nil {
			s.mu.Lock()
			s.failed = true
			s.mu.Unlock()
			logger.Warn("再接続を諦めました", zap.Error(err))
			s.emit(Event{Type: TypeDisconnected, Reason: err.Error()})
			return
		}
		ws = next
		s.attach(ws)
	}
}

func (s *Session) reconnect() (*websocket.Conn, error) {
	delay := s.opts.ReconnectDelay
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxRetries; attempt++ {
		select {
		case <-s.done:
			return nil, ErrSessionClosed
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ConnectTimeout)
		ws, err := s.dial(ctx)
		cancel()
		if err == nil {
			logger.Info("再接続しました", zap.Int("attempt", attempt))
			return ws, nil
		}
		lastErr = err
		delay = time.Duration(float64(delay) * s.opts.BackoffFactor)
	}
	return nil, fmt.Errorf("%d回の再接続に失敗: %w", s.opts.MaxRetries, lastErr)
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Parse(data)
		if err != nil {
			logger.Warn("解釈できないフレーム", zap.Error(err))
			continue
		}
		ev, ok := s.apply(env)
		if ok {
			s.emit(ev)
		}
	}
}

// apply は通知をローカルのロック表に反映し、型付きの Event にする
func (s *Session) apply(env protocol.Envelope) (Event, bool) {
	ev := Event{Type: env.Type}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch env.Type {
	case protocol.TypeLockedSeats:
		var m protocol.LockedSeats
		if err := env.Decode(&m); err != nil {
			return ev, false
		}
		s.locks = make(map[int]string, len(m))
		for idx, holder := range m {
			s.locks[idx] = holder
		}
		// 応答待ちの自分の要求はスナップショットに含まれないことがある
		for idx := range s.mine {
			holder, ok := s.locks[idx]
			switch {
			case !ok:
				s.locks[idx] = s.opts.UserID
			case holder != s.opts.UserID:
				delete(s.mine, idx)
			}
		}
		ev.EventID = s.eventID
		ev.Locked = copyLocks(s.locks)
	case protocol.TypeSeatLocked:
		var m protocol.SeatLocked
		if err := env.Decode(&m); err != nil {
			return ev, false
		}
		s.locks[m.SeatIndex] = m.HolderID
		ev.EventID, ev.SeatIndex, ev.HolderID = m.EventID, m.SeatIndex, m.HolderID
	case protocol.TypeSeatUnlocked:
		var m protocol.SeatUnlocked
		if err := env.Decode(&m); err != nil {
			return ev, false
		}
		if n := s.unlocking[m.SeatIndex]; n > 0 {
			if n == 1 {
				delete(s.unlocking, m.SeatIndex)
			} else {
				s.unlocking[m.SeatIndex] = n - 1
			}
			// 自分の解放への通知。その後に取り直した座席のロックは生きている
			if _, again := s.mine[m.SeatIndex]; again {
				return ev, false
			}
		}
		delete(s.locks, m.SeatIndex)
		delete(s.mine, m.SeatIndex)
		ev.EventID, ev.SeatIndex = m.EventID, m.SeatIndex
	case protocol.TypeSeatLockFailed:
		var m protocol.SeatLockFailed
		if err := env.Decode(&m); err != nil {
			return ev, false
		}
		// 楽観的に入れておいた自分のロックを取り消す
		if s.locks[m.SeatIndex] == s.opts.UserID {
			delete(s.locks, m.SeatIndex)
		}
		delete(s.mine, m.SeatIndex)
		// 失敗の時点で、それ以前に送った解放はサーバーで処理済み
		delete(s.unlocking, m.SeatIndex)
		ev.EventID, ev.SeatIndex, ev.Reason = m.EventID, m.SeatIndex, m.Reason
	case protocol.TypeError:
		var m protocol.ErrorMessage
		_ = env.Decode(&m)
		ev.Reason = m.Reason
	default:
		return ev, false
	}
	return ev, true
}

func (s *Session) emit(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Join はイベントのルームに参加する。未接続なら接続時に参加する
func (s *Session) Join(eventID string) error {
	s.mu.Lock()
	s.eventID = eventID
	s.locks = make(map[int]string)
	s.mine = make(map[int]struct{})
	s.unlocking = make(map[int]int)
	ws := s.ws
	s.mu.Unlock()

	if ws == nil {
		return s.checkUsable()
	}
	return s.send(protocol.JoinEventMsg(eventID))
}

// Leave はルームから抜ける
func (s *Session) Leave() error {
	s.mu.Lock()
	eventID := s.eventID
	s.eventID = ""
	s.locks = make(map[int]string)
	s.mine = make(map[int]struct{})
	s.unlocking = make(map[int]int)
	s.mu.Unlock()

	if eventID == "" {
		return nil
	}
	return s.send(protocol.LeaveEventMsg(eventID))
}

// Lock は座席の仮押さえを要求する
// 自分のロックはサーバーから通知されないので、先にローカルへ反映する
func (s *Session) Lock(seatIndex int) error {
	s.mu.Lock()
	eventID := s.eventID
	if eventID != "" {
		if _, taken := s.locks[seatIndex]; !taken {
			s.locks[seatIndex] = s.opts.UserID
			s.mine[seatIndex] = struct{}{}
		}
	}
	s.mu.Unlock()

	if eventID == "" {
		return ErrNotJoined
	}
	return s.send(protocol.LockSeatMsg(eventID, seatIndex, s.opts.UserID))
}

// Unlock は座席の仮押さえを外す
func (s *Session) Unlock(seatIndex int) error {
	s.mu.Lock()
	eventID := s.eventID
	if s.locks[seatIndex] == s.opts.UserID {
		delete(s.locks, seatIndex)
	}
	if _, held := s.mine[seatIndex]; held && eventID != "" {
		s.unlocking[seatIndex]++
	}
	delete(s.mine, seatIndex)
	s.mu.Unlock()

	if eventID == "" {
		return nil
	}
	return s.send(protocol.UnlockSeatMsg(eventID, seatIndex, s.opts.UserID))
}

// Held はこのセッションが要求・保持している座席インデックスを昇順で返す
func (s *Session) Held() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.mine)
}

// LockSnapshot は現在把握しているロック表（seatIndex → holderId）のコピーを返す
func (s *Session) LockSnapshot() map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyLocks(s.locks)
}

// Connected は接続中かを返す
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws != nil
}

// Pending は未送信のフレーム数を返す
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close は接続を閉じ、受信ループの終了を待つ
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ws := s.ws
	s.ws = nil
	close(s.done)
	s.mu.Unlock()

	if ws != nil {
		s.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = ws.Close()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

// send は接続中なら書き込み、そうでなければキューに積む（再接続時に送る）
func (s *Session) send(env protocol.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	ws := s.ws
	if ws == nil {
		if s.failed {
			s.mu.Unlock()
			return ErrTransport
		}
		s.queue = append(s.queue, env)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.write(ws, env); err != nil {
		s.requeue([]protocol.Envelope{env})
	}
	return nil
}

func (s *Session) requeue(envs []protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, envs...)
}

func (s *Session) write(ws *websocket.Conn, env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) checkUsable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.failed {
		return ErrTransport
	}
	return nil
}

// countUnlocks は queue のうち eventID 宛ての unlockSeat を座席ごとに数える
func countUnlocks(queue []protocol.Envelope, eventID string) map[int]int {
	out := make(map[int]int)
	for _, env := range queue {
		if env.Type != protocol.TypeUnlockSeat {
			continue
		}
		var m protocol.SeatRequest
		if err := env.Decode(&m); err != nil || m.EventID != eventID || m.SeatIndex == nil {
			continue
		}
		out[*m.SeatIndex]++
	}
	return out
}

func copyLocks(in map[int]string) map[int]string {
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
