// Package monitor bridges the converter to browser dashboards over
// WebSocket: periodic status pushes, new history records and operator
// commands.
package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Topics a client can subscribe to. New clients get all of them.
const (
	TopicStatus = "status"
	TopicEvents = "events"
	TopicNet    = "net"
)

var allTopics = []string{TopicStatus, TopicEvents, TopicNet}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512
	sendQueue      = 64
)

// Message is the envelope of everything sent over the socket
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type outbound struct {
	topic string
	to    *Client // direct reply when set
	data  []byte
}

// Hub keeps the connected clients and fans messages out to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	mu         sync.RWMutex

	commands CommandFunc
	logger   zerolog.Logger
	nextID   uint64
}

// CommandFunc executes an operator command received from a client
type CommandFunc func(name string, data uint32) (bool, error)

// NewHub creates a hub; commands may be nil to make the bridge read only
func NewHub(commands CommandFunc, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 16),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		commands:   commands,
		logger:     logger,
	}
}

// Run serves register, unregister and broadcast until done is closed.
// A hub cannot be restarted.
func (h *Hub) Run(done <-chan struct{}) {
	defer close(h.quit)
	for {
		select {
		case <-done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Uint64("client", c.id).Int("clients", n).Msg("Client connected")
			h.deliver(c, encode("connection", map[string]any{"client_id": c.id, "topics": allTopics}))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Uint64("client", c.id).Int("clients", n).Msg("Client disconnected")

		case msg := <-h.broadcast:
			if msg.to != nil {
				h.deliver(msg.to, msg.data)
				continue
			}
			h.mu.RLock()
			var targets []*Client
			for c := range h.clients {
				if c.subscribed(msg.topic) {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range targets {
				h.deliver(c, msg.data)
			}
		}
	}
}

// deliver queues data for c, dropping a client too slow to keep up.
// Only Run calls it, so send is never closed concurrently.
func (h *Hub) deliver(c *Client, data []byte) {
	if data == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		delete(h.clients, c)
		close(c.send)
		h.logger.Warn().Uint64("client", c.id).Msg("Client too slow, disconnected")
	}
}

// Publish sends data to every client subscribed to topic. A full
// broadcast queue drops the message.
func (h *Hub) Publish(topic string, data any) {
	msg := encode(topic, data)
	if msg == nil {
		return
	}
	select {
	case h.broadcast <- outbound{topic: topic, data: msg}:
	default:
		h.logger.Warn().Str("topic", topic).Msg("Broadcast queue full, message dropped")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach registers an upgraded connection and starts its pumps
func (h *Hub) Attach(conn *websocket.Conn) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendQueue),
		id:     id,
		topics: make(map[string]bool, len(allTopics)),
	}
	for _, t := range allTopics {
		c.topics[t] = true
	}

	select {
	case h.register <- c:
	case <-h.quit:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func encode(typ string, data any) []byte {
	b, err := json.Marshal(Message{Type: typ, Data: data, Timestamp: time.Now()})
	if err != nil {
		return nil
	}
	return b
}

// Client is one WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   uint64

	mu     sync.RWMutex
	topics map[string]bool
}

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// queue routes a direct reply through the hub
func (c *Client) queue(msg []byte) {
	if msg == nil {
		return
	}
	select {
	case c.hub.broadcast <- outbound{to: c, data: msg}:
	case <-c.hub.quit:
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Uint64("client", c.id).Msg("Read failed")
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// CommandReply answers a "command" message
type CommandReply struct {
	Command  string `json:"command"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (c *Client) handleMessage(message []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.queue(encode("error", map[string]string{"error": "malformed message"}))
		return
	}

	switch msg.Type {
	case "subscribe", "unsubscribe":
		var req struct {
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.queue(encode("error", map[string]string{"error": "malformed topics"}))
			return
		}
		c.mu.Lock()
		for _, t := range req.Topics {
			if msg.Type == "subscribe" {
				c.topics[t] = true
			} else {
				delete(c.topics, t)
			}
		}
		c.mu.Unlock()
		c.queue(encode(msg.Type+"d", req))

	case "ping":
		c.queue(encode("pong", map[string]uint64{"client_id": c.id}))

	case "command":
		var req struct {
			Command string `json:"command"`
			Data    uint32 `json:"data"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.queue(encode("error", map[string]string{"error": "malformed command"}))
			return
		}
		reply := CommandReply{Command: req.Command}
		if c.hub.commands == nil {
			reply.Error = "read only"
		} else if ok, err := c.hub.commands(req.Command, req.Data); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Accepted = ok
		}
		c.queue(encode("command", reply))

	default:
		c.queue(encode("error", map[string]string{"error": "unknown type " + msg.Type}))
	}
}
