package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ChangeEvent is a best-effort row-change nudge. Subscribers refresh the
// composite view on receipt; a missed event is recovered by the next poll,
// so no invariant depends on delivery.
type ChangeEvent struct {
	Table  string `json:"table"`
	Action string `json:"action"` // insert, update, delete
}

// Hub fans change events out to websocket subscribers.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan ChangeEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan ChangeEvent),
	}
}

// Notify broadcasts one change event. Slow subscribers drop events rather
// than block the writer.
func (h *Hub) Notify(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe upgrades the request and streams change events until the
// client goes away.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := make(chan ChangeEvent, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	h.readLoop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, ch chan ChangeEvent) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop drains client frames until the connection dies, then removes
// the subscription.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		if ch, ok := h.clients[conn]; ok {
			delete(h.clients, conn)
			close(ch)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
