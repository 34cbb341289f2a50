package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mmynk/groupchat/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
	actionTimeout  = 10 * time.Second
)

// ActionHandler records an action declared over a websocket.
type ActionHandler interface {
	RecordAction(ctx context.Context, sess auth.Session, groupID int64, action string) error
}

// Client is one websocket connection of a logged-in user.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	hub       *Hub
	session   auth.Session
	actions   ActionHandler
	closeOnce sync.Once
}

// NewClient wraps conn for the given session. actions may be nil, in which
// case inbound action messages are rejected.
func NewClient(conn *websocket.Conn, hub *Hub, sess auth.Session, actions ActionHandler) *Client {
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     hub,
		session: sess,
		actions: actions,
	}
}

// ID returns the connection id used in logs.
func (c *Client) ID() string {
	return c.id
}

// Subscribe subscribes the client to groupID and confirms it with a
// subscribed reply. It returns false if the client is no longer registered.
func (c *Client) Subscribe(groupID int64) bool {
	if !c.hub.Subscribe(groupID, c) {
		return false
	}
	c.reply(groupID, EventSubscribed, struct{}{})
	return true
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn == nil {
			return
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Warn("Error closing websocket", "client_id", c.id, "error", err)
		}
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("Websocket message too large", "client_id", c.id, "limit", maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		slog.Debug("Websocket closed", "client_id", c.id, "error", err)
	default:
		slog.Warn("Websocket read error", "client_id", c.id, "error", err)
	}
}

// handleMessage applies one inbound message. Failures are reported back to
// this client only.
func (c *Client) handleMessage(raw []byte) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.reply(0, EventError, ErrorPayload{Error: "malformed message"})
		return
	}

	switch msg.Type {
	case MessageSubscribe:
		if msg.GroupID <= 0 {
			c.reply(msg.GroupID, EventError, ErrorPayload{Error: "group_id is required"})
			return
		}
		c.Subscribe(msg.GroupID)

	case MessageUnsubscribe:
		if msg.GroupID == 0 {
			c.hub.Unsubscribe(c)
		} else {
			c.hub.Leave(msg.GroupID, c)
		}
		c.reply(msg.GroupID, EventUnsubscribed, struct{}{})

	case MessageAction:
		if c.actions == nil {
			c.reply(msg.GroupID, EventError, ErrorPayload{Error: "actions are not supported"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		if err := c.actions.RecordAction(ctx, c.session, msg.GroupID, msg.Action); err != nil {
			c.reply(msg.GroupID, EventError, ErrorPayload{Error: err.Error()})
		}

	default:
		c.reply(msg.GroupID, EventError, ErrorPayload{Error: "unknown message type " + msg.Type})
	}
}

func (c *Client) reply(groupID int64, event string, payload any) {
	env, err := NewEnvelope(groupID, event, payload)
	if err != nil {
		slog.Error("Failed to build reply", "client_id", c.id, "error", err)
		return
	}
	msg, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to encode reply", "client_id", c.id, "error", err)
		return
	}
	if !c.hub.send(c, msg) {
		slog.Debug("Reply dropped", "client_id", c.id, "event", event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !isExpectedCloseError(err) {
					slog.Warn("Websocket write error", "client_id", c.id, "error", err)
				}
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

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
