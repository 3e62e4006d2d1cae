package diag

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tabsync/internal/eventbus"
	logx "tabsync/pkg/logx"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

// Message is one frame on the /events stream.
type Message struct {
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	Remote    bool            `json:"remote"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Hub fans bus events out to websocket clients. Slow clients are dropped.
type Hub struct {
	log logx.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	once sync.Once
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{log: log, clients: map[*client]struct{}{}}
}

// Handle is an eventbus.Handler; subscribe it under eventbus.Wildcard.
func (h *Hub) Handle(e eventbus.Event) error {
	h.Publish(Message{Type: e.Type, Source: e.Source, Remote: e.Remote, Timestamp: e.Timestamp, Payload: e.Payload})
	return nil
}

func (h *Hub) Publish(m Message) {
	h.published.Add(1)
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- m:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.dropped.Add(1)
		h.remove(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("events client connected", logx.String("client", c.id), logx.Int("clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
		h.log.Debug("events client disconnected", logx.String("client", c.id))
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	cs := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()
	for _, c := range cs {
		h.remove(c)
	}
}

// serve pumps c until the peer goes away or ctx is done.
func (h *Hub) serve(ctx context.Context, c *client) {
	h.add(c)
	go h.readPump(c)
	h.writePump(ctx, c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
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
				h.log.Debug("events read failed", logx.String("client", c.id), logx.Err(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *client) {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			h.remove(c)
			return
		case m, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(m); err != nil {
				h.remove(c)
				return
			}
		case <-t.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
