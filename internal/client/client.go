// Package client is the realtime client side of the gateway protocol: one
// authenticated WebSocket carrying chat, presence and call signaling, plus
// the Signaler bridge for the call engine.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tavrian/chatwire/internal/gateway"
)

// heartbeatPeriod refreshes server-side presence well inside its 30s TTL.
const heartbeatPeriod = 20 * time.Second

type Handler func(data json.RawMessage)

type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	closeOnce sync.Once
	done      chan struct{}
	onClose   func(error)
}

// Dial connects and authenticates. rawURL is the ws:// or wss:// endpoint;
// the credential travels as a query parameter, matching what the gateway
// reads before upgrading.
func Dial(ctx context.Context, rawURL, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	return &Client{
		conn:     conn,
		logger:   logger,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}, nil
}

// On registers a handler for a server event. Handlers run on the read loop
// goroutine, in arrival order.
func (c *Client) On(event string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.handlersMu.Unlock()
}

// OnClose registers the connection-loss hook. The call engine hangs up
// through it: a dead socket means signaling is gone and the call with it.
func (c *Client) OnClose(fn func(error)) {
	c.onClose = fn
}

// Run reads until the connection dies. It owns the presence heartbeat.
func (c *Client) Run(ctx context.Context) error {
	go c.heartbeat(ctx)

	var readErr error
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		var env gateway.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Debug("bad frame from server", "error", err)
			continue
		}

		c.handlersMu.RLock()
		handlers := append([]Handler(nil), c.handlers[env.Event]...)
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(env.Data)
		}
	}

	c.closeOnce.Do(func() {
		close(c.done)
		if c.onClose != nil {
			c.onClose(readErr)
		}
	})
	if websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
		return nil
	}
	return readErr
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Emit(gateway.EventPresence, struct{}{}); err != nil {
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Emit sends one event frame. Safe for concurrent use.
func (c *Client) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(gateway.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Convenience emitters for the chat protocol.

func (c *Client) JoinConversation(conversationID string) error {
	return c.Emit(gateway.EventJoinConversation, gateway.ConversationRef{ConversationID: conversationID})
}

func (c *Client) LeaveConversation(conversationID string) error {
	return c.Emit(gateway.EventLeaveConversation, gateway.ConversationRef{ConversationID: conversationID})
}

func (c *Client) SendMessage(conversationID, content string) error {
	return c.Emit(gateway.EventSendMessage, gateway.SendMessagePayload{
		ConversationID: conversationID,
		Type:           "TEXT",
		Content:        content,
	})
}

func (c *Client) SetTyping(conversationID string, typing bool) error {
	return c.Emit(gateway.EventTyping, gateway.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       typing,
	})
}

func (c *Client) AckRead(conversationID, messageID string) error {
	return c.Emit(gateway.EventReadAck, gateway.ReadAckPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// Signaler carries call negotiation over the gateway relay. It satisfies
// the call engine's Signaler interface.

func (c *Client) SendOffer(_ context.Context, conversationID, toUserID, sdp string) error {
	return c.Emit(gateway.EventCallOffer, gateway.CallSignal{
		ConversationID: conversationID,
		ToUserID:       toUserID,
		SDP:            sdp,
	})
}

func (c *Client) SendAnswer(_ context.Context, conversationID, toUserID, sdp string) error {
	return c.Emit(gateway.EventCallAnswer, gateway.CallSignal{
		ConversationID: conversationID,
		ToUserID:       toUserID,
		SDP:            sdp,
	})
}

func (c *Client) SendCandidate(_ context.Context, conversationID, toUserID string, candidate json.RawMessage) error {
	return c.Emit(gateway.EventCallCandidate, gateway.CallSignal{
		ConversationID: conversationID,
		ToUserID:       toUserID,
		Candidate:      candidate,
	})
}

func (c *Client) SendHangup(_ context.Context, conversationID, toUserID string) error {
	return c.Emit(gateway.EventCallHangup, gateway.CallSignal{
		ConversationID: conversationID,
		ToUserID:       toUserID,
	})
}
