// Package ws adapts gorilla/websocket connections to the event hub and serves
// the subscription endpoint.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Conn wraps a websocket connection as a hub.Conn. Writes are serialized; the
// websocket protocol allows one concurrent writer.
type Conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send implements hub.Conn. The hub's per-delivery deadline becomes the write
// deadline, so a stalled peer fails the write instead of blocking it.
func (c *Conn) Send(ctx context.Context, ev hub.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(ev)
}

// Close implements hub.Conn. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// subscription is the client-to-server control message.
type subscription struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// Handler upgrades HTTP requests and manages room membership for the
// connection's lifetime. Initial rooms come from the "rooms" query parameter
// (comma separated); later changes arrive as subscribe/unsubscribe messages.
type Handler struct {
	hub *hub.Hub
	log *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(h *hub.Hub, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: h, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := NewConn(ws)

	for _, room := range parseRooms(r.URL.Query().Get("rooms")) {
		h.hub.Subscribe(c, room)
	}

	go h.readLoop(c, ws)
}

func (h *Handler) readLoop(c *Conn, ws *websocket.Conn) {
	defer func() {
		h.hub.Disconnect(c)
		if err := c.Close(); err != nil {
			h.log.Debug("close websocket", zap.Error(err))
		}
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil || sub.Room == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			h.hub.Subscribe(c, sub.Room)
		case "unsubscribe":
			h.hub.Unsubscribe(c, sub.Room)
		}
	}
}

func parseRooms(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	rooms := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rooms = append(rooms, p)
		}
	}
	return rooms
}
