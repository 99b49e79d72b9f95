// Package storage defines the persistence boundary for the notifications
// service.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested notification record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// NotificationRecord stores one inbox item for a message a user missed
// while disconnected.
type NotificationRecord struct {
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

// NotificationStore persists notification inbox state.
type NotificationStore interface {
	PutNotification(ctx context.Context, record NotificationRecord) error
	GetNotificationByRecipientAndMessage(ctx context.Context, recipientUserID string, messageID string) (NotificationRecord, error)
	ListNotificationsByRecipient(ctx context.Context, recipientUserID string, unreadOnly bool, limit int) ([]NotificationRecord, error)
	CountUnreadNotificationsByRecipient(ctx context.Context, recipientUserID string) (int, error)
	MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (NotificationRecord, error)
}
