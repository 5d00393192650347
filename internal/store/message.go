package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Message is one chat line. IDs increase monotonically with insertion order.
type Message struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"size:64;not null;index" json:"user_id"`
	Username  string    `gorm:"size:100;not null" json:"username"`
	Body      string    `gorm:"column:message;not null" json:"message"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "messages"
}

// MessageStore is the append-only chat log.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a message store on db.
func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Append inserts msg and fills in its ID. CreatedAt is set when zero.
func (s *MessageStore) Append(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest messages, oldest first.
func (s *MessageStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		return []Message{}, nil
	}

	var messages []Message
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Count returns the number of stored messages.
func (s *MessageStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
