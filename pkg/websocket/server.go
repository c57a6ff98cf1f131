// Package websocket streams safety module events to subscribed clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/safety/pkg/events"
)

// AllChannel receives every event.
const AllChannel = "*"

// SnapshotFunc returns the current state behind a channel, sent to a client
// when it subscribes. ok is false when the channel has no snapshot.
type SnapshotFunc func(channel string) (snapshot interface{}, ok bool)

// Server fans events out to websocket clients. Clients subscribe to a topic
// ("vault", "auction", "rewards", "orchestrator"), to one emitter
// ("vault:0xabc..."), or to AllChannel.
type Server struct {
	config   Config
	logger   log.Logger
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	// Client management
	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	sequence    uint64
	messagesOut uint64
	dropped     uint64
	clientCount int32

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client represents a WebSocket client connection
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	closed   bool
	mu       sync.RWMutex
}

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`

	topic events.Topic
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewServer creates a server and starts its hub. snapshot may be nil.
func NewServer(logger log.Logger, config Config, snapshot SnapshotFunc) *Server {
	if logger == nil {
		logger = log.Root()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		logger:   logger,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		subscriptions: make(map[string]map[*Client]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.wg.Add(1)
	go s.runHub()
	return s
}

// Handler serves the websocket endpoint at /ws and a health probe at /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves Handler on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("WebSocket server starting", "addr", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop shuts down the hub and disconnects every client.
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()
}

// Emit queues e for every client subscribed to its emitter channel, its
// topic or AllChannel. It never blocks; events are dropped when the hub is
// saturated.
func (s *Server) Emit(e events.Event) {
	msg := Message{
		Type:      "event",
		Channel:   e.Channel(),
		Data:      e,
		Timestamp: int64(e.Time),
		Sequence:  atomic.AddUint64(&s.sequence, 1),
		topic:     e.Topic,
	}
	select {
	case s.broadcast <- msg:
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.logger.Warn("WebSocket broadcast queue full, dropping event", "kind", e.Kind, "id", e.ID)
	}
}

// runHub manages client connections and message routing
func (s *Server) runHub() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.clientsMu.Lock()
			for client := range s.clients {
				client.close()
			}
			s.clients = make(map[*Client]bool)
			s.clientsMu.Unlock()
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			atomic.AddInt32(&s.clientCount, 1)
			s.clientsMu.Unlock()
			s.logger.Debug("Client connected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))

		case client := <-s.unregister:
			s.removeClient(client)

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", atomic.LoadInt32(&s.clientCount),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

func (s *Server) removeClient(client *Client) {
	s.clientsMu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
		atomic.AddInt32(&s.clientCount, -1)
	}
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	client.close()
	s.unsubscribeAll(client)
	s.logger.Debug("Client disconnected", "id", client.id, "total", atomic.LoadInt32(&s.clientCount))
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBufferSize),
		channels: make(map[string]bool),
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "healthy",
		"clients":  atomic.LoadInt32(&s.clientCount),
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var msg json.RawMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(msg)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SubscribeRequest is the client's control message.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(raw json.RawMessage) {
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.sendError("Invalid message format")
		return
	}

	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	case "":
		c.sendError("Missing message type")
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func (c *Client) handleSubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("Invalid channels format")
		return
	}

	for _, channel := range channels {
		channel = normalize(channel)
		c.mu.Lock()
		c.channels[channel] = true
		c.mu.Unlock()

		c.server.subscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})

	if c.server.snapshot == nil {
		return
	}
	for _, channel := range channels {
		channel = normalize(channel)
		if snap, ok := c.server.snapshot(channel); ok {
			c.sendMessage(Message{
				Type:      "snapshot",
				Channel:   channel,
				Data:      snap,
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

func (c *Client) handleUnsubscribe(channels []string) {
	if len(channels) == 0 {
		c.sendError("Invalid channels format")
		return
	}

	for _, channel := range channels {
		channel = normalize(channel)
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()

		c.server.unsubscribe(channel, c)
	}

	c.sendMessage(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": channels},
		Timestamp: time.Now().Unix(),
	})
}

// normalize lowercases the address part of an emitter channel so clients can
// use either checksummed or lowercase hex.
func normalize(channel string) string {
	if topic, addr, ok := strings.Cut(channel, ":"); ok {
		return topic + ":" + strings.ToLower(addr)
	}
	return channel
}

// sendMessage queues a message for the client, disconnecting it when its
// buffer is full.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	if !c.enqueue(data) {
		select {
		case c.server.unregister <- c:
		default:
		}
	}
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// enqueue reports false when the client is closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends msg once to every client subscribed to its channel,
// its topic or AllChannel.
func (s *Server) broadcastMessage(msg Message) {
	targets := make(map[*Client]bool)
	s.subMu.RLock()
	for _, channel := range []string{normalize(msg.Channel), string(msg.topic), AllChannel} {
		for client := range s.subscriptions[channel] {
			targets[client] = true
		}
	}
	s.subMu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	for client := range targets {
		if !client.enqueue(data) {
			s.removeClient(client)
		}
	}
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}
