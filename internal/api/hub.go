package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"halftimebot/internal/eventbus"
	logx "halftimebot/pkg/logx"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 64
)

// Hub streams lifecycle events from the bus to websocket clients. A client
// that cannot keep up is disconnected rather than slowing the others.
type Hub struct {
	bus eventbus.Bus
	log logx.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	prefixes []string
}

// wsCommand is what clients may send: {"type":"subscribe","events":["milestone."]}
// narrows the stream to event types with those prefixes; "unsubscribe" clears it.
type wsCommand struct {
	Type   string   `json:"type"`
	Events []string `json:"events"`
}

func NewHub(bus eventbus.Bus, log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{bus: bus, log: log, clients: map[*wsClient]struct{}{}}
}

// Clients reports connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run fans bus events out until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	if h.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, unsub := h.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev eventbus.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("ws encode failed", logx.String("type", ev.Type), logx.Err(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- b:
		default:
			h.log.Debug("ws client too slow; disconnecting")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("ws client connected", logx.Int("clients", n))
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// serve owns conn until the peer goes away.
func (h *Hub) serve(conn *websocket.Conn) {
	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	h.add(c)
	go c.writePump()
	c.readPump()
	h.remove(c)
}

func (c *wsClient) wants(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prefixes) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

func (c *wsClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if json.Unmarshal(msg, &cmd) != nil {
			continue
		}
		c.mu.Lock()
		switch cmd.Type {
		case "subscribe":
			c.prefixes = append([]string(nil), cmd.Events...)
		case "unsubscribe":
			c.prefixes = nil
		}
		c.mu.Unlock()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
