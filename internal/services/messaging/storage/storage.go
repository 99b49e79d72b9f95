// Package storage defines the persistence boundary for the messaging service.
//
// Records mirror the durable chat state: channels and their membership,
// messages with attachment references and per-user reactions, and the
// uploaded attachment registry. Implementations live in subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// ChannelKind identifies how a channel's membership is shaped.
type ChannelKind string

const (
	// ChannelKindPrivate is a two-party direct conversation.
	ChannelKindPrivate ChannelKind = "private"
	// ChannelKindGroup is an n-party conversation with an externally managed roster.
	ChannelKindGroup ChannelKind = "group"
)

// ChannelRecord stores one addressable conversation destination.
type ChannelRecord struct {
	ID        string
	Kind      ChannelKind
	Name      string
	CreatedAt time.Time
}

// MessageRecord stores one persisted chat message.
type MessageRecord struct {
	ID            string
	ChannelID     string
	SenderUserID  string
	Body          string
	AttachmentIDs []string
	Reactions     []ReactionRecord
	CreatedAt     time.Time
}

// ReactionRecord stores one user's reaction on one message.
// At most one reaction per user per message exists at any time.
type ReactionRecord struct {
	MessageID string
	UserID    string
	Kind      string
	UpdatedAt time.Time
}

// AttachmentRecord stores one previously uploaded blob reference.
type AttachmentRecord struct {
	ID          string
	OwnerUserID string
	FileName    string
	ContentType string
	SizeBytes   int64
	CreatedAt   time.Time
}

// ChannelStore persists channels and their membership roster.
type ChannelStore interface {
	PutChannel(ctx context.Context, record ChannelRecord, memberUserIDs []string) error
	GetChannel(ctx context.Context, channelID string) (ChannelRecord, error)
	ListChannelMembers(ctx context.Context, channelID string) ([]string, error)
	IsChannelMember(ctx context.Context, channelID string, userID string) (bool, error)
}

// MessageStore persists messages and reaction state.
type MessageStore interface {
	PutMessage(ctx context.Context, record MessageRecord) error
	GetMessage(ctx context.Context, messageID string) (MessageRecord, error)
	ListMessagesBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]MessageRecord, error)
	UpsertReaction(ctx context.Context, record ReactionRecord) error
}

// AttachmentStore persists the uploaded-blob registry.
type AttachmentStore interface {
	PutAttachment(ctx context.Context, record AttachmentRecord) error
	GetAttachmentsByIDs(ctx context.Context, attachmentIDs []string) ([]AttachmentRecord, error)
}
