package gateway

import (
	"github.com/goccy/go-json"

	"github.com/tavrian/chatwire/internal/store"
)

// Client-to-server event names.
const (
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
	EventTyping            = "typing"
	EventReadAck           = "readAck"
	EventPresence          = "presence"
	EventCallOffer         = "call:offer"
	EventCallAnswer        = "call:answer"
	EventCallCandidate     = "call:candidate"
	EventCallHangup        = "call:hangup"
)

// Server-to-client event names. Call relays reuse the call:* names above.
const (
	EventMessageCreated = "messageCreated"
)

// Envelope is the wire frame in both directions: a named event with a JSON
// payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string            `json:"conversationId"`
	Type           store.MessageType `json:"type"`
	Content        string            `json:"content"`
	FileURL        string            `json:"fileUrl,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadAckPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// CallSignal carries offer/answer/candidate/hangup payloads. The gateway
// routes by ToUserID and stamps FromUserID; SDP and candidate bodies pass
// through uninterpreted.
type CallSignal struct {
	ConversationID string          `json:"conversationId"`
	ToUserID       string          `json:"toUserId,omitempty"`
	FromUserID     string          `json:"fromUserId,omitempty"`
	SDP            string          `json:"sdp,omitempty"`
	Candidate      json.RawMessage `json:"candidate,omitempty"`
}

type PresenceEvent struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ReadAckEvent struct {
	ConversationID    string `json:"conversationId"`
	UserID            string `json:"userId"`
	LastReadMessageID string `json:"lastReadMessageId"`
	UnreadCount       int64  `json:"unreadCount"`
}
