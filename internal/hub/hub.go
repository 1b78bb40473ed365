// Package hub fans job events out to subscriber connections grouped in rooms.
// Rooms are ephemeral: membership lives in memory and is rebuilt from live
// connections after a restart.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewpulse/insightd/internal/telemetry"
)

// Event is a named payload delivered to room subscribers.
type Event struct {
	Name string `json:"event"`
	Room string `json:"room,omitempty"`
	Data any    `json:"data"`
}

// Conn is a subscriber connection. Send must honor ctx cancellation; the hub
// gives each delivery a bounded deadline and drops connections that miss it.
type Conn interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// RoomName builds the subscription key for a kind and identifier, e.g.
// "analysis:T1" or "requester:client-a".
func RoomName(kind, id string) string {
	return kind + ":" + id
}

// Hub owns room membership. All methods are safe for concurrent use.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Conn]struct{}
	conns map[Conn]map[string]struct{}

	sendTimeout time.Duration
	log         *zap.Logger
	closed      bool
}

// New constructs a Hub. sendTimeout bounds each per-connection delivery; a
// non-positive value defaults to one second.
func New(sendTimeout time.Duration, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if sendTimeout <= 0 {
		sendTimeout = time.Second
	}
	telemetry.Init()
	return &Hub{
		rooms:       make(map[string]map[Conn]struct{}),
		conns:       make(map[Conn]map[string]struct{}),
		sendTimeout: sendTimeout,
		log:         log,
	}
}

// Subscribe adds c to room, creating the room on first subscriber.
func (h *Hub) Subscribe(c Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	if _, ok := h.conns[c]; !ok {
		h.conns[c] = make(map[string]struct{})
	}
	h.conns[c][room] = struct{}{}
	telemetry.SetHubSubscribers(len(h.conns))
}

// Unsubscribe removes c from room. An emptied room is deleted.
func (h *Hub) Unsubscribe(c Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

// Disconnect removes c from every room it belongs to. The caller owns closing
// the underlying connection unless the hub dropped it during delivery.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.conns[c] {
		h.removeLocked(c, room)
	}
}

func (h *Hub) removeLocked(c Conn, room string) {
	if subs, ok := h.rooms[room]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.conns[c]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.conns, c)
		}
	}
	telemetry.SetHubSubscribers(len(h.conns))
}

// Publish delivers ev to every connection subscribed to room at the moment of
// the call. Deliveries run in parallel; a connection that cannot accept the
// event within the send timeout is dropped from all rooms and closed rather
// than stalling the others.
func (h *Hub) Publish(ctx context.Context, room string, ev Event) {
	ev.Room = room
	h.deliver(ctx, h.snapshot(room), ev)
}

// Broadcast delivers ev to every connected subscriber once, regardless of
// room membership.
func (h *Hub) Broadcast(ctx context.Context, ev Event) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	h.deliver(ctx, targets, ev)
}

func (h *Hub) snapshot(room string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.rooms[room]
	targets := make([]Conn, 0, len(subs))
	for c := range subs {
		targets = append(targets, c)
	}
	return targets
}

func (h *Hub) deliver(ctx context.Context, targets []Conn, ev Event) {
	if len(targets) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, ev); err != nil {
				telemetry.ObserveHubEvent("dropped")
				h.log.Warn("dropping slow or dead subscriber",
					zap.String("event", ev.Name),
					zap.String("room", ev.Room),
					zap.Error(err))
				h.Disconnect(c)
				if errClose := c.Close(); errClose != nil {
					h.log.Debug("close dropped subscriber", zap.Error(errClose))
				}
				return
			}
			telemetry.ObserveHubEvent("delivered")
		}(c)
	}
	wg.Wait()
}

// SubscriberCount reports the number of connections in a room.
func (h *Hub) SubscriberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Close disconnects and closes every subscriber. Subsequent subscribes are
// ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.rooms = make(map[string]map[Conn]struct{})
	h.conns = make(map[Conn]map[string]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			h.log.Debug("close subscriber on shutdown", zap.Error(err))
		}
	}
	telemetry.SetHubSubscribers(0)
}
