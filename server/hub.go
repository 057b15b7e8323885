package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"slammap/logging"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans a Snapshot out to every connected viewer. The register/unregister/
// broadcast channel trio is the standard gorilla/websocket hub shape; no
// analogue exists elsewhere in this stack since the teacher's dashboard
// server referenced a Hub type it never defined.
type Hub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan Snapshot
	done       chan struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds a hub; call Run in its own goroutine before serving viewers.
func NewHub() *Hub {
	return &Hub{
		log:        logging.New("hub"),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Snapshot, 8),
		done:       make(chan struct{}),
	}
}

// Run processes register/unregister/broadcast events until Close is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case snap := <-h.broadcast:
			data, err := json.Marshal(snap)
			if err != nil {
				h.log.Warnf("marshal snapshot: %v", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Close stops Run and drops every connected client.
func (h *Hub) Close() { close(h.done) }

// Broadcast queues a snapshot for delivery to every connected viewer. Drops
// the oldest pending snapshot rather than blocking the caller when the
// channel is full.
func (h *Hub) Broadcast(snap Snapshot) {
	select {
	case h.broadcast <- snap:
	default:
		select {
		case <-h.broadcast:
		default:
		}
		h.broadcast <- snap
	}
}

// ServeHTTP upgrades the request to a WebSocket and streams snapshots to it
// until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 4)}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
