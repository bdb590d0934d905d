// Package gateway is the per-connection realtime protocol handler: it
// authenticates WebSocket sessions, relays chat/typing/read/presence/call
// events and coordinates fan-out across processes through the broker.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tavrian/chatwire/internal/broker"
	"github.com/tavrian/chatwire/internal/state"
	"github.com/tavrian/chatwire/internal/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second

	sendBufferSize = 32
)

// Notifier delivers out-of-band notifications to users with no live
// connection. May be nil.
type Notifier interface {
	Send(ctx context.Context, userID, title, body string, data map[string]string) error
}

type Verifier interface {
	Verify(token string) (string, error)
}

type Gateway struct {
	verifier   Verifier
	registry   *Registry
	bus        broker.Broker
	presence   state.Presence
	unread     state.Unread
	messages   store.MessageStore
	membership store.Membership
	notifier   Notifier

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type Deps struct {
	Verifier   Verifier
	Broker     broker.Broker
	Presence   state.Presence
	Unread     state.Unread
	Messages   store.MessageStore
	Membership store.Membership
	Notifier   Notifier
	Logger     *slog.Logger
}

func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier:   deps.Verifier,
		registry:   NewRegistry(),
		bus:        deps.Broker,
		presence:   deps.Presence,
		unread:     deps.Unread,
		messages:   deps.Messages,
		membership: deps.Membership,
		notifier:   deps.Notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Run subscribes to the broker patterns this instance re-emits to its local
// sockets. Call once at startup; cancellation of ctx stops delivery.
func (g *Gateway) Run(ctx context.Context) error {
	subs := []struct {
		pattern string
		handler broker.Handler
	}{
		{broker.UserPattern, g.onUserEvent},
		{broker.TypingPattern, g.onTypingEvent},
		{broker.PresencePattern, g.onPresenceEvent},
	}

	for _, sub := range subs {
		if _, err := g.bus.Subscribe(ctx, sub.pattern, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) onUserEvent(topic string, payload []byte) {
	userID, ok := broker.SplitUserTopic(topic)
	if !ok {
		return
	}
	g.registry.DeliverToUser(userID, payload)
}

func (g *Gateway) onTypingEvent(topic string, payload []byte) {
	conversationID, ok := broker.SplitTypingTopic(topic)
	if !ok {
		return
	}
	// Room-scoped at the receiving instance: only sockets that joined the
	// conversation see typing activity.
	g.registry.DeliverToRoom(conversationID, payload)
}

func (g *Gateway) onPresenceEvent(_ string, payload []byte) {
	g.registry.DeliverAll(payload)
}

// HandleWebSocket is the connection handshake. The bearer credential arrives
// in the handshake payload (query parameter, or Authorization header as a
// fallback); a missing or invalid credential terminates the connection
// before upgrade with no further detail.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}

	g.connect(sess)
	g.logger.Debug("ws connected", "user_id", userID, "session_id", sess.id, "ip", c.ClientIP())

	go g.writePump(sess)
	g.readPump(sess)
}

// connect registers the session and announces liveness. Split from
// HandleWebSocket so protocol tests can drive sessions without a socket.
func (g *Gateway) connect(sess *session) {
	g.registry.Register(sess)
	g.markOnline(context.Background(), sess.userID)
}

func (g *Gateway) markOnline(ctx context.Context, userID string) {
	if err := g.presence.MarkOnline(ctx, userID); err != nil {
		g.logger.Error("presence refresh failed", "user_id", userID, "error", err)
	}
	g.publish(ctx, broker.PresenceTopic(userID), EventPresence, PresenceEvent{UserID: userID, Online: true})
}

// disconnect tears the session down. Presence flips offline immediately when
// the last connection of the user goes away; the TTL is only the fallback
// for processes that die without running this path.
func (g *Gateway) disconnect(sess *session) {
	userID, lastOfUser := g.registry.Unregister(sess.id)
	if userID == "" {
		return
	}
	if !lastOfUser {
		return
	}

	ctx := context.Background()
	if err := g.presence.MarkOffline(ctx, userID); err != nil {
		g.logger.Error("presence offline failed", "user_id", userID, "error", err)
	}
	g.publish(ctx, broker.PresenceTopic(userID), EventPresence, PresenceEvent{UserID: userID, Online: false})
}

func (g *Gateway) readPump(sess *session) {
	defer func() {
		g.logger.Debug("ws disconnect", "user_id", sess.userID, "session_id", sess.id)
		_ = sess.conn.Close()
		g.disconnect(sess)
	}()

	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("ws read error", "user_id", sess.userID, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			g.logger.Debug("ws bad json", "user_id", sess.userID, "error", err)
			continue
		}

		// Events from one connection are handled to completion, in order.
		g.dispatch(sess, &env)
	}
}

func (g *Gateway) writePump(sess *session) {
	defer func() {
		_ = sess.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sess.send:
			if !ok {
				return
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dispatch(sess *session, env *Envelope) {
	ctx := context.Background()

	// SDP and candidate bodies may hold addresses; log event names and sizes
	// only.
	g.logger.Debug("ws recv", "user_id", sess.userID, "event", env.Event, "data_bytes", len(env.Data))

	switch env.Event {
	case EventJoinConversation:
		g.handleJoin(ctx, sess, env.Data)
	case EventLeaveConversation:
		g.handleLeave(sess, env.Data)
	case EventSendMessage:
		g.handleSendMessage(ctx, sess, env.Data)
	case EventTyping:
		g.handleTyping(ctx, sess, env.Data)
	case EventReadAck:
		g.handleReadAck(ctx, sess, env.Data)
	case EventPresence:
		g.markOnline(ctx, sess.userID)
	case EventCallOffer, EventCallAnswer, EventCallCandidate, EventCallHangup:
		g.handleCallSignal(ctx, sess, env.Event, env.Data)
	default:
		g.logger.Warn("ws unknown event", "user_id", sess.userID, "event", env.Event)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, sess *session, data json.RawMessage) {
	var req ConversationRef
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return
	}

	member, err := g.membership.IsMember(ctx, req.ConversationID, sess.userID)
	if err != nil {
		g.logger.Error("membership check failed", "conversation_id", req.ConversationID, "error", err)
		return
	}
	if !member {
		// Covers unknown conversations too: existence never leaks.
		g.logger.Warn("join forbidden", "user_id", sess.userID, "conversation_id", req.ConversationID)
		return
	}

	g.registry.JoinRoom(sess.id, req.ConversationID)
}

func (g *Gateway) handleLeave(sess *session, data json.RawMessage) {
	var req ConversationRef
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return
	}
	g.registry.LeaveRoom(sess.id, req.ConversationID)
}

func (g *Gateway) handleSendMessage(ctx context.Context, sess *session, data json.RawMessage) {
	var req SendMessagePayload
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return
	}
	if !req.Type.Valid() {
		g.logger.Warn("send rejected: bad message type", "user_id", sess.userID, "type", string(req.Type))
		return
	}

	member, err := g.membership.IsMember(ctx, req.ConversationID, sess.userID)
	if err != nil {
		g.logger.Error("membership check failed", "conversation_id", req.ConversationID, "error", err)
		return
	}
	if !member {
		g.logger.Warn("send forbidden", "user_id", sess.userID, "conversation_id", req.ConversationID)
		return
	}

	// Persist first. If the write fails nothing is published: no event may
	// observe a message that was never recorded.
	msg, err := g.messages.CreateMessage(ctx, req.ConversationID, sess.userID, req.Type, req.Content, req.FileURL)
	if err != nil {
		g.logger.Error("message create failed", "conversation_id", req.ConversationID, "error", err)
		return
	}

	members, err := g.membership.GetMembers(ctx, req.ConversationID)
	if err != nil {
		g.logger.Error("member list failed", "conversation_id", req.ConversationID, "error", err)
		return
	}

	// Deliver to every member's private channel rather than the room, so
	// members browsing another conversation still get the update.
	for _, memberID := range members {
		if memberID != msg.SenderID {
			if _, err := g.unread.Increment(ctx, msg.ConversationID, memberID); err != nil {
				g.logger.Error("unread increment failed", "conversation_id", msg.ConversationID, "user_id", memberID, "error", err)
			}
		}
		g.publish(ctx, broker.UserTopic(memberID), EventMessageCreated, msg)

		if memberID != msg.SenderID {
			g.notifyIfOffline(ctx, memberID, "New message", msg.Content, map[string]string{
				"conversationId": msg.ConversationID,
			})
		}
	}
}

func (g *Gateway) handleTyping(ctx context.Context, sess *session, data json.RawMessage) {
	var req TypingPayload
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return
	}

	// No membership re-check on the hot path; joining the room already
	// implied it, and delivery is room-scoped anyway.
	g.publish(ctx, broker.TypingTopic(req.ConversationID), EventTyping, TypingEvent{
		ConversationID: req.ConversationID,
		UserID:         sess.userID,
		IsTyping:       req.IsTyping,
	})
}

func (g *Gateway) handleReadAck(ctx context.Context, sess *session, data json.RawMessage) {
	var req ReadAckPayload
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID == "" {
		return
	}

	if err := g.unread.Reset(ctx, req.ConversationID, sess.userID); err != nil {
		g.logger.Error("unread reset failed", "conversation_id", req.ConversationID, "error", err)
		return
	}

	// Republished on the user's own channel so every device converges.
	g.publish(ctx, broker.UserTopic(sess.userID), EventReadAck, ReadAckEvent{
		ConversationID:    req.ConversationID,
		UserID:            sess.userID,
		LastReadMessageID: req.MessageID,
		UnreadCount:       0,
	})
}

// handleCallSignal relays call signaling to the target user's private
// channel. The gateway is a transport, not a participant: it stamps the
// verified sender id and forwards SDP/candidate bodies unchanged.
func (g *Gateway) handleCallSignal(ctx context.Context, sess *session, event string, data json.RawMessage) {
	var sig CallSignal
	if err := json.Unmarshal(data, &sig); err != nil || sig.ToUserID == "" {
		return
	}

	sig.FromUserID = sess.userID
	g.publish(ctx, broker.UserTopic(sig.ToUserID), event, sig)

	if event == EventCallOffer {
		g.notifyIfOffline(ctx, sig.ToUserID, "Incoming call", "Someone is calling you", map[string]string{
			"conversationId": sig.ConversationID,
			"fromUserId":     sess.userID,
		})
	}
}

// publish is best effort for ephemeral traffic: broker failures are logged
// and swallowed, never fatal to the connection.
func (g *Gateway) publish(ctx context.Context, topic, event string, data any) {
	payload, err := encodeEnvelope(event, data)
	if err != nil {
		g.logger.Error("event encode failed", "event", event, "error", err)
		return
	}
	if err := g.bus.Publish(ctx, topic, payload); err != nil {
		g.logger.Error("broker publish failed", "topic", topic, "event", event, "error", err)
	}
}

func (g *Gateway) notifyIfOffline(ctx context.Context, userID, title, body string, data map[string]string) {
	if g.notifier == nil {
		return
	}
	online, err := g.presence.IsOnline(ctx, userID)
	if err != nil {
		g.logger.Error("presence lookup failed", "user_id", userID, "error", err)
		return
	}
	if online {
		return
	}
	if err := g.notifier.Send(ctx, userID, title, body, data); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("push notification failed", "user_id", userID, "error", err)
	}
}
