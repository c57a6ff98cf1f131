package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luxfi/safety/pkg/events"
)

// Message is one frame pushed by the node: welcome, subscribed,
// unsubscribed, snapshot, event, pong or error.
type Message struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint64          `json:"sequence,omitempty"`
}

// Event decodes the payload of an "event" message.
func (m Message) Event() (events.Event, error) {
	var e events.Event
	if m.Type != "event" {
		return e, fmt.Errorf("message type %q carries no event", m.Type)
	}
	err := json.Unmarshal(m.Data, &e)
	return e, err
}

// ConnectWebSocket dials the node and delivers every frame to handler from a
// single goroutine until Disconnect is called or the connection drops.
func (c *Client) ConnectWebSocket(ctx context.Context, handler func(Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsConn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c.wsConn = conn
	c.wsHandler = handler
	c.wsDone = make(chan struct{})
	go c.readLoop(conn, c.wsDone)
	return nil
}

// Done is closed when the WebSocket read loop exits.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wsDone
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.wsConn == conn {
			c.wsConn = nil
		}
		c.mu.Unlock()
		conn.Close()
		close(done)
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if c.wsHandler != nil {
			c.wsHandler(msg)
		}
	}
}

// Subscribe asks for events on channels: a topic such as "auction", an
// emitter channel such as "vault:0x...", or "*" for everything.
func (c *Client) Subscribe(channels ...string) error {
	return c.send(map[string]interface{}{"type": "subscribe", "channels": channels})
}

// Unsubscribe drops channels.
func (c *Client) Unsubscribe(channels ...string) error {
	return c.send(map[string]interface{}{"type": "unsubscribe", "channels": channels})
}

func (c *Client) send(msg interface{}) error {
	c.mu.RLock()
	conn := c.wsConn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Disconnect closes the WebSocket connection, if any, and waits for the read
// loop to exit.
func (c *Client) Disconnect() error {
	c.mu.RLock()
	conn, done := c.wsConn, c.wsDone
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	// The read loop may already have closed conn after the server echoed the
	// close frame.
	_ = conn.Close()
	<-done
	return nil
}
