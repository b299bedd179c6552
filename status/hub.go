package status

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/bluedrop/logger"
)

const writeTimeout = 5 * time.Second

// Hub relays bus events to websocket clients as JSON, one message per
// event. A slow or dead client is dropped, never waited on.
type Hub struct {
	bus      *Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	once sync.Once
	done chan struct{}
}

func NewHub(bus *Bus) *Hub {
	return &Hub{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Run pumps bus events to connected clients until Close. Run it on
// its own goroutine.
func (h *Hub) Run() {
	events, cancel := h.bus.Subscribe()
	defer cancel()
	for {
		select {
		case evt := <-events:
			h.broadcast(evt)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) Close() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// ServeWS upgrades an HTTP request and registers the client for
// event delivery.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("status", "websocket upgrade: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Info("status", "websocket client connected (%d total)", n)

	// Clients never send anything meaningful; the read loop exists to
	// notice the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		logger.Info("status", "websocket client disconnected (%d total)", len(h.clients))
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(evt); err != nil {
			logger.Debug("status", "dropping websocket client: %v", err)
			c.Close()
			delete(h.clients, c)
		}
	}
}
