package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-seat-lock/internal/pkg/logger"
	"github.com/sanosuguru/go-event-seat-lock/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// ブラウザクライアントは別オリジンから接続する
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn は1本のWebSocket接続
type Conn struct {
	id       string
	holderID string
	ws       *websocket.Conn
	hub      *Hub

	send      chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	// 参加中のイベント。hub.mu を保持して書き換える
	eventID string
}

// ID は接続IDを返す
func (c *Conn) ID() string { return c.id }

// HandleWS は GET /ws を WebSocket にアップグレードする
func (h *Hub) HandleWS(c echo.Context) error {
	holderID := c.Request().Header.Get(protocol.UserIDHeader)
	if holderID == "" {
		holderID = c.QueryParam("user_id")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade がレスポンスを書き込み済み
		logger.Warn("WebSocketアップグレードに失敗", zap.Error(err))
		return nil
	}
	h.Serve(ws, holderID)
	return nil
}

// Serve はアップグレード済みの接続をハブに登録し、読み書きのループを開始する
func (h *Hub) Serve(ws *websocket.Conn, holderID string) *Conn {
	c := &Conn{
		id:       uuid.New().String(),
		holderID: holderID,
		ws:       ws,
		hub:      h,
		send:     make(chan protocol.Envelope, h.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
	return c
}

// enqueue は送信キューに積む。キューが詰まった接続は切断する
func (c *Conn) enqueue(msg protocol.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		logger.Warn("送信キューが溢れたため切断", logger.ConnID(c.id))
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readPump はフレームを受信順に1つずつ処理する
func (c *Conn) readPump() {
	defer c.hub.unregister(c)

	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	ctx := context.Background()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket読み込みエラー", logger.ConnID(c.id), zap.Error(err))
			}
			return
		}
		c.hub.dispatch(ctx, c, data)
	}
}

// writePump は送信キューを書き出し、定期的に ping を送る
func (c *Conn) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			data, err := msg.Marshal()
			if err != nil {
				logger.Error("フレームのエンコードに失敗", logger.ConnID(c.id), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return
		}
	}
}
