package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// wsEnvelope is the frame pushed to websocket clients.
type wsEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Op      string `json:"op"`
	Payload any    `json:"payload"`
}

// WSHub pushes session events to the websocket clients watching that
// session.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]string
	seq     atomic.Uint64
}

func NewWSHub() *WSHub {
	return &WSHub{clients: map[*websocket.Conn]string{}}
}

// Serve upgrades the request and holds the connection until the client
// leaves.
func (h *WSHub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.clients[conn] = sessionID
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Publish sends op with payload to every client of sessionID.
func (h *WSHub) Publish(sessionID, op string, payload any) {
	evt := wsEnvelope{
		ID:      fmt.Sprintf("evt_%d", h.seq.Add(1)),
		Type:    "event",
		Op:      op,
		Payload: payload,
	}
	msg, err := json.Marshal(evt)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for c, sid := range h.clients {
		if sid == sessionID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		_ = c.Write(ctx, websocket.MessageText, msg)
		cancel()
	}
}

// Clients returns how many connections watch sessionID.
func (h *WSHub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sid := range h.clients {
		if sid == sessionID {
			n++
		}
	}
	return n
}
