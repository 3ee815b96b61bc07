package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"wattgate/internal/logs"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub fans live events out to observer sessions (dashboards). Best-effort:
// no acknowledgement, no retry, nothing buffered for disconnected observers.
// Sessions watch the whole fleet, so subscription is keyed by session only.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		sessions: map[string]*session{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &session{id: uuid.NewString(), conn: conn, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	logs.Logger.WithField("sessions", n).Debug("observer connected")

	go h.writePump(s)
	h.readPump(s)
}

// Broadcast marshals once and pushes to every session. Slow sessions are
// dropped rather than allowed to stall the rest.
func (h *Hub) Broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logs.Logger.Errorf("hub marshal: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		select {
		case s.send <- b:
		default:
			delete(h.sessions, id)
			close(s.send)
			_ = s.conn.Close()
		}
	}
}

// Sessions returns the current observer count.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; ok {
		delete(h.sessions, s.id)
		close(s.send)
		_ = s.conn.Close()
	}
}

func (h *Hub) readPump(s *session) {
	defer h.remove(s)
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
