// Package domain holds the chat rules for the messaging service.
//
// The dispatcher is the single entry point for mutations: it validates
// inputs against channel membership, persists through the storage
// boundary, and only then hands events to the live broadcast path and
// the offline notification path. Transport concerns stay out of this
// package.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrForbidden indicates the actor is not a member of the target channel.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidInput indicates a request failed payload validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPersistence indicates the write path failed after retries.
	ErrPersistence = errors.New("persistence failure")
)

// Identity describes an authenticated platform user.
type Identity struct {
	ID          string
	DisplayName string
}

// Message is one chat message as seen by channel members.
type Message struct {
	ID            string
	ChannelID     string
	SenderUserID  string
	Body          string
	AttachmentIDs []string
	Reactions     []Reaction
	SentAt        time.Time
}

// Reaction is one user's current reaction on one message.
type Reaction struct {
	MessageID string
	UserID    string
	Kind      string
	UpdatedAt time.Time
}

// Preview returns a short notification excerpt of the message body.
func (m Message) Preview() string {
	const previewRunes = 120
	runes := []rune(m.Body)
	if len(runes) <= previewRunes {
		return m.Body
	}
	return string(runes[:previewRunes])
}

// Broadcaster delivers events to subscribers currently connected to a
// channel and reports how many sessions each delivery reached.
// Implementations must not block the caller on slow recipients.
type Broadcaster interface {
	BroadcastMessage(channelID string, excludeUserID string, message Message) int
	BroadcastReaction(channelID string, excludeUserID string, reaction Reaction) int
	LiveUserIDs(channelID string) []string
}

// OfflineNote captures what a disconnected member missed.
type OfflineNote struct {
	ChannelID    string
	MessageID    string
	SenderUserID string
	SenderName   string
	Preview      string
	SentAt       time.Time
}

// Notifier queues offline notifications for later delivery.
type Notifier interface {
	NotifyOffline(ctx context.Context, recipientUserID string, note OfflineNote) error
}
