package store

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

type User struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Username  string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

type Conversation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Title     string    `gorm:"type:varchar(200)" json:"title"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

type ConversationMember struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_conv_member" json:"conversation_id"`
	UserID         string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_conv_member;index" json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`

	Conversation Conversation `gorm:"foreignKey:ConversationID" json:"-"`
	User         User         `gorm:"foreignKey:UserID" json:"-"`
}

func (m *ConversationMember) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// GormStore implements MessageStore, Membership and PushSubscriptions on
// SQLite.
type GormStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func Open(dbPath string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&User{},
		&Conversation{},
		&ConversationMember{},
		&Message{},
		&PushSubscription{},
	); err != nil {
		return nil, err
	}

	return &GormStore{db: db, nowFn: time.Now}, nil
}

func (s *GormStore) CreateMessage(ctx context.Context, conversationID, senderID string, typ MessageType, content, fileURL string) (*Message, error) {
	id, err := gonanoid.New(21)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           typ,
		Content:        content,
		FileURL:        fileURL,
		CreatedAt:      s.nowFn(),
	}

	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *GormStore) GetMembers(ctx context.Context, conversationID string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Where("conversation_id = ?", conversationID).
		Order("created_at").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (s *GormStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *GormStore) Save(ctx context.Context, sub *PushSubscription) error {
	// One subscription per user: replace whatever was registered before.
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", sub.UserID).
		Delete(&PushSubscription{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *GormStore) Delete(ctx context.Context, userID, endpoint string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND endpoint = ?", userID, endpoint).
		Delete(&PushSubscription{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) ListByUser(ctx context.Context, userID string) ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&subs).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return subs, nil
}
