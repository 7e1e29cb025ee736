// Package bus fans domain events out to dashboard subscribers over
// WebSocket. Delivery is best-effort and non-durable: callers broadcast
// only after their originating transaction has committed.
package bus

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// pingInterval is the liveness probe cadence. A subscriber that fails
	// to pong before the next probe is terminated.
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second

	// sendBuffer bounds the per-subscriber outbound queue. A subscriber
	// whose buffer is full misses the event rather than stalling the
	// broadcast.
	sendBuffer = 32
)

// Subscriber is one connected dashboard client.
type Subscriber struct {
	ID      string
	UserUID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

// Hub maintains per-workspace subscriber sets and broadcasts serialized
// events to them. Mutations go through the hub's lock; broadcasts tolerate
// concurrent departures.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber            // subscriber id -> subscriber
	byWorkspace map[string]map[string]*Subscriber // workspace id -> subscriber set
	workspaceOf map[string]string                 // subscriber id -> workspace id

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		byWorkspace: make(map[string]map[string]*Subscriber),
		workspaceOf: make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboard origins are checked by the auth layer, not here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Subscribe upgrades the HTTP request to a WebSocket connection and
// registers the subscriber. The subscriber receives no events until the
// application binds it to a workspace.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, userUID string) (*Subscriber, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		ID:      uuid.NewString(),
		UserUID: userUID,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	go sub.writePump()
	go sub.readPump()

	return sub, nil
}

// Bind attaches a subscriber to a workspace. Rebinding moves the
// subscriber; events from the previous workspace stop immediately.
func (h *Hub) Bind(subscriberID, workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	if prev, bound := h.workspaceOf[subscriberID]; bound {
		delete(h.byWorkspace[prev], subscriberID)
		if len(h.byWorkspace[prev]) == 0 {
			delete(h.byWorkspace, prev)
		}
	}
	if h.byWorkspace[workspaceID] == nil {
		h.byWorkspace[workspaceID] = make(map[string]*Subscriber)
	}
	h.byWorkspace[workspaceID][subscriberID] = sub
	h.workspaceOf[subscriberID] = workspaceID
}

// Broadcast serializes event once and delivers it to every connected
// subscriber of the workspace whose send channel is ready. Send errors are
// logged and never propagate.
func (h *Hub) Broadcast(workspaceID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("bus: marshal event for workspace %s: %v", workspaceID, err)
		return
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.byWorkspace[workspaceID]))
	for _, sub := range h.byWorkspace[workspaceID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.send <- payload:
		default:
			log.Printf("bus: subscriber %s send buffer full, dropping event", sub.ID)
		}
	}
}

// SubscriberCount returns the number of subscribers bound to a workspace.
func (h *Hub) SubscriberCount(workspaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byWorkspace[workspaceID])
}

// Close terminates every subscriber. Used on shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subscribers, sub.ID)
	if ws, bound := h.workspaceOf[sub.ID]; bound {
		delete(h.workspaceOf, sub.ID)
		delete(h.byWorkspace[ws], sub.ID)
		if len(h.byWorkspace[ws]) == 0 {
			delete(h.byWorkspace, ws)
		}
	}
}

// close tears the subscriber down exactly once. Safe to call from either
// pump or from the hub. The send channel is never closed: a broadcast
// racing a departure lands in the abandoned buffer instead of panicking.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.done)
		_ = s.conn.Close()
	})
}

// readPump consumes inbound frames to service pong handling. Dashboard
// clients send nothing meaningful upstream.
func (s *Subscriber) readPump() {
	defer s.close()

	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains the send channel and probes liveness on a fixed cadence.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("bus: write to subscriber %s: %v", s.ID, err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
