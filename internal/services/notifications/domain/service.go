// Package domain holds the inbox rules for the notifications service.
//
// Notifications are queued for users who missed a chat message while
// disconnected. Enqueueing de-duplicates by recipient and message, so a
// fanout retry never produces a second inbox item.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gradhall/gradhall/internal/platform/id"
	"github.com/gradhall/gradhall/internal/services/notifications/storage"
)

var (
	// ErrNotFound indicates a notification record was not found.
	ErrNotFound = errors.New("notification not found")
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
)

const (
	defaultInboxLen = 50
	maxInboxLen     = 200
)

// Notification captures one inbox item a recipient missed live.
type Notification struct {
	ID              string
	RecipientUserID string
	ChannelID       string
	MessageID       string
	SenderUserID    string
	SenderName      string
	Preview         string
	SentAt          time.Time
	CreatedAt       time.Time
	ReadAt          *time.Time
}

// EnqueueInput describes one offline-delivery request.
type EnqueueInput struct {
	RecipientUserID string
	ChannelID       string
	MessageID       string
	SenderUserID    string
	SenderName      string
	Preview         string
	SentAt          time.Time
}

// Service orchestrates recipient inbox lifecycle behavior.
type Service struct {
	store storage.NotificationStore
	clock func() time.Time
	newID func() (string, error)
}

// ServiceOption customizes service construction.
type ServiceOption func(*Service)

// WithClock overrides the service clock.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides notification id generation.
func WithIDGenerator(newID func() (string, error)) ServiceOption {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService constructs notification inbox use-cases.
func NewService(store storage.NotificationStore, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	service := &Service{
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
		newID: id.NewID,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Enqueue stores one inbox item, de-duplicating by recipient and message.
// Re-enqueueing an already queued message returns the existing item.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, fmt.Errorf("notifications service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	recipientUserID := strings.TrimSpace(input.RecipientUserID)
	if recipientUserID == "" {
		return Notification{}, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	messageID := strings.TrimSpace(input.MessageID)
	if messageID == "" {
		return Notification{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}

	if existing, err := s.store.GetNotificationByRecipientAndMessage(ctx, recipientUserID, messageID); err == nil {
		return notificationFromRecord(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Notification{}, fmt.Errorf("check existing notification: %w", err)
	}

	notificationID, err := s.newID()
	if err != nil {
		return Notification{}, fmt.Errorf("generate notification id: %w", err)
	}
	record := storage.NotificationRecord{
		ID:              notificationID,
		RecipientUserID: recipientUserID,
		ChannelID:       strings.TrimSpace(input.ChannelID),
		MessageID:       messageID,
		SenderUserID:    strings.TrimSpace(input.SenderUserID),
		SenderName:      strings.TrimSpace(input.SenderName),
		Preview:         input.Preview,
		SentAt:          input.SentAt,
		CreatedAt:       s.clock(),
	}
	if err := s.store.PutNotification(ctx, record); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race with a concurrent enqueue for the same message.
			existing, getErr := s.store.GetNotificationByRecipientAndMessage(ctx, recipientUserID, messageID)
			if getErr == nil {
				return notificationFromRecord(existing), nil
			}
		}
		return Notification{}, fmt.Errorf("put notification: %w", err)
	}
	return notificationFromRecord(record), nil
}

// ListInbox returns a recipient's inbox newest first.
func (s *Service) ListInbox(ctx context.Context, recipientUserID string, unreadOnly bool, limit int) ([]Notification, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("notifications service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultInboxLen
	}
	if limit > maxInboxLen {
		limit = maxInboxLen
	}

	records, err := s.store.ListNotificationsByRecipient(ctx, recipientUserID, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	notifications := make([]Notification, 0, len(records))
	for _, record := range records {
		notifications = append(notifications, notificationFromRecord(record))
	}
	return notifications, nil
}

// CountUnread reports how many inbox items a recipient has not read.
func (s *Service) CountUnread(ctx context.Context, recipientUserID string) (int, error) {
	if s == nil || s.store == nil {
		return 0, fmt.Errorf("notifications service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count, err := s.store.CountUnreadNotificationsByRecipient(ctx, strings.TrimSpace(recipientUserID))
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkRead acknowledges one inbox item for its recipient.
func (s *Service) MarkRead(ctx context.Context, recipientUserID string, notificationID string) (Notification, error) {
	if s == nil || s.store == nil {
		return Notification{}, fmt.Errorf("notifications service is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	notificationID = strings.TrimSpace(notificationID)
	if recipientUserID == "" {
		return Notification{}, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if notificationID == "" {
		return Notification{}, fmt.Errorf("%w: notification id is required", ErrInvalidInput)
	}

	record, err := s.store.MarkNotificationRead(ctx, recipientUserID, notificationID, s.clock())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("mark read: %w", err)
	}
	return notificationFromRecord(record), nil
}

func notificationFromRecord(record storage.NotificationRecord) Notification {
	return Notification(record)
}
