// Package store is the persistence facade consumed by the realtime core. The
// gateway only appends messages and resolves conversation membership; all
// other CRUD belongs to the surrounding application.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeFile  MessageType = "FILE"
	MessageTypeAudio MessageType = "AUDIO"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio:
		return true
	}
	return false
}

// Message is the persisted record echoed back verbatim to every member.
type Message struct {
	ID             string      `gorm:"type:varchar(21);primaryKey" json:"id"`
	ConversationID string      `gorm:"type:varchar(36);not null;index" json:"conversationId"`
	SenderID       string      `gorm:"type:varchar(36);not null;index" json:"senderId"`
	Type           MessageType `gorm:"type:varchar(10);not null" json:"type"`
	Content        string      `gorm:"type:text" json:"content"`
	FileURL        string      `gorm:"type:text" json:"fileUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// MessageStore appends messages. Creation must complete before any fan-out:
// the write failure is the single source of truth.
type MessageStore interface {
	CreateMessage(ctx context.Context, conversationID, senderID string, typ MessageType, content, fileURL string) (*Message, error)
}

// Membership resolves conversation membership for authorization and private
// fan-out. An unknown conversation reads as not-a-member so existence never
// leaks.
type Membership interface {
	GetMembers(ctx context.Context, conversationID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// PushSubscriptions stores browser push endpoints for offline notification.
type PushSubscriptions interface {
	Save(ctx context.Context, sub *PushSubscription) error
	Delete(ctx context.Context, userID, endpoint string) error
	ListByUser(ctx context.Context, userID string) ([]PushSubscription, error)
}
