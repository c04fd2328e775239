// Package telemetry implements the optional /ws/telemetry broadcaster
// SPEC_FULL.md §7 adds: a websocket push of position/association snapshots,
// grounded on the teacher's phenix/web/broker client (register/unregister
// hub, buffered per-client publish channel, ping/pong keepalive) but
// stripped of RBAC/VM-screenshot concerns this engine has no analogue for.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"apwifi/internal/minilog"
)

var log = minilog.Named("telemetry")

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans a stream of marshaled snapshots out to every connected client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// Broadcast marshals v and queues it for delivery to every connected client;
// a client whose send buffer is full is dropped rather than blocking the
// mobility tick or association controller that called this.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshaling telemetry snapshot: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Warn("telemetry client send buffer full, disconnecting client")
			go c.conn.Close()
			delete(h.clients, c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the resulting
// client with the hub; it mirrors the teacher's ServeWS entry point.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("upgrading telemetry connection: %v", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 64)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump only exists to drain pong frames and notice disconnects; this
// stream is push-only from the server's side.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
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

func (c *client) close() {
	c.hub.mu.Lock()
	if _, ok := c.hub.clients[c]; ok {
		delete(c.hub.clients, c)
	}
	c.hub.mu.Unlock()
	c.conn.Close()
}
