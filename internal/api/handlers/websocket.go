package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/camwatch/internal/api/middleware"
	"github.com/anstrom/camwatch/internal/bus"
	"github.com/anstrom/camwatch/internal/logging"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
	bufferSize      = 256                                                // Size of the broadcast and client buffers
)

// client is one websocket connection. types is nil when the client wants
// every message.
type client struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[bus.Type]bool
}

func (c *client) wants(t bus.Type) bool {
	return c.types == nil || c.types[t]
}

// Hub fans bus messages out to websocket clients. A client that cannot
// keep up is disconnected rather than slowing the others down.
type Hub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	broadcast  chan bus.Message
	register   chan *client
	unregister chan *client
	shutdown   chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
	sub        *bus.Subscription
}

// NewHub subscribes to b and starts the hub goroutine.
func NewHub(b *bus.Bus, logger *logging.Logger) *Hub {
	h := &Hub{
		logger: logger.WithComponent("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		broadcast:  make(chan bus.Message, bufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	h.sub = b.Subscribe(nil, func(msg bus.Message) {
		select {
		case h.broadcast <- msg:
		case <-h.shutdown:
		}
	})
	go h.run()
	return h
}

// ServeWS upgrades the request. ?types=scan_result,error limits the
// message types sent to this client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, bufferSize), types: parseTypes(r.URL.Query().Get("types"))}
	select {
	case h.register <- c:
	case <-h.shutdown:
		_ = conn.Close()
		return
	}
	h.logger.Info("WebSocket client connected", "request_id", requestID, "remote_addr", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.sub.Unsubscribe()
		close(h.shutdown)
		<-h.done
	})
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			h.logger.Debug("WebSocket hub shutting down")
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			h.mutex.Unlock()

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Failed to encode bus message", "message_type", msg.Type, "error", err)
				continue
			}
			h.mutex.RLock()
			var slow []*client
			for c := range h.clients {
				if !c.wants(msg.Type) {
					continue
				}
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mutex.RUnlock()
			for _, c := range slow {
				h.logger.Warn("WebSocket client too slow, disconnecting")
				h.remove(c)
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump discards client input and detects disconnects and missing pongs.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket unexpected close", "error", err)
			}
			return
		}
	}
}

// writePump sends queued messages and keepalive pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func parseTypes(raw string) map[bus.Type]bool {
	if raw == "" {
		return nil
	}
	types := make(map[bus.Type]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[bus.Type(t)] = true
		}
	}
	return types
}
