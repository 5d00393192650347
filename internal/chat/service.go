// Package chat validates, persists and broadcasts chat messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/launchchat/internal/auth"
	"github.com/Tyrowin/launchchat/internal/hub"
	"github.com/Tyrowin/launchchat/internal/store"
)

var (
	// ErrEmptyMessage is returned when the body is empty after trimming.
	ErrEmptyMessage = errors.New("message cannot be empty")
	// ErrMessageTooLong is returned when the body exceeds the configured limit.
	ErrMessageTooLong = errors.New("message is too long")
	// ErrDurableWrite wraps failures of the message store.
	ErrDurableWrite = errors.New("failed to save message")
)

// MessageStore is the durable chat log.
type MessageStore interface {
	Append(ctx context.Context, msg *store.Message) error
	Recent(ctx context.Context, limit int) ([]store.Message, error)
}

// Publisher fans an event out to connected clients.
type Publisher interface {
	Publish(ev hub.Event) (int, error)
}

// Recorder receives ingestion outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	MessagePosted(result string)
}

type nopRecorder struct{}

func (nopRecorder) MessagePosted(string) {}

// Config bounds message bodies and history reads.
type Config struct {
	MaxLength      int
	HistoryDefault int
	HistoryMax     int
}

// Service is the chat ingestion path. A message is broadcast only after it
// is durable, and broadcast order matches storage order.
type Service struct {
	store     MessageStore
	publisher Publisher
	log       logrus.FieldLogger
	recorder  Recorder
	cfg       Config

	mu sync.Mutex
}

// NewService creates a chat service.
func NewService(s MessageStore, p Publisher, cfg Config, log logrus.FieldLogger, recorder Recorder) *Service {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = 200
	}
	if cfg.HistoryDefault <= 0 || cfg.HistoryDefault > cfg.HistoryMax {
		cfg.HistoryDefault = min(50, cfg.HistoryMax)
	}
	return &Service{
		store:     s,
		publisher: p,
		log:       log,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// Post stores body on behalf of author and broadcasts it to every
// authenticated connection. Delivery is at most once: a failed append
// publishes nothing and is not retried.
func (s *Service) Post(ctx context.Context, author auth.Identity, body string) (store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		s.recorder.MessagePosted("invalid")
		return store.Message{}, ErrEmptyMessage
	}
	if s.cfg.MaxLength > 0 && utf8.RuneCountInString(body) > s.cfg.MaxLength {
		s.recorder.MessagePosted("invalid")
		return store.Message{}, fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, s.cfg.MaxLength)
	}

	msg := store.Message{
		UserID:   author.ID,
		Username: author.Username,
		Body:     body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Append(ctx, &msg); err != nil {
		s.recorder.MessagePosted("error")
		s.log.WithError(err).WithField("user_id", author.ID).Error("Failed to store message")
		return store.Message{}, fmt.Errorf("%w: %v", ErrDurableWrite, err)
	}

	delivered, err := s.publisher.Publish(hub.MessageEvent(msg))
	if err != nil {
		// The message is durable; clients will see it in history.
		s.log.WithError(err).WithField("message_id", msg.ID).Error("Failed to broadcast message")
	}
	s.recorder.MessagePosted("ok")
	s.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"user_id":    author.ID,
		"delivered":  delivered,
	}).Debug("Message posted")
	return msg, nil
}

// Recent returns the newest messages oldest first. A non-positive limit
// selects the default; larger limits are clamped to the maximum.
func (s *Service) Recent(ctx context.Context, limit int) ([]store.Message, error) {
	switch {
	case limit <= 0:
		limit = s.cfg.HistoryDefault
	case limit > s.cfg.HistoryMax:
		limit = s.cfg.HistoryMax
	}
	msgs, err := s.store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return msgs, nil
}
