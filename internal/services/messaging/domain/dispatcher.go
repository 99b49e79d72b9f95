package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gradhall/gradhall/internal/platform/id"
	"github.com/gradhall/gradhall/internal/platform/timeouts"
	"github.com/gradhall/gradhall/internal/services/messaging/storage"
)

const (
	maxBodyRunes      = 4000
	maxAttachments    = 8
	maxReactionRunes  = 32
	persistAttempts   = 3
	defaultHistoryLen = 50
	maxHistoryLen     = 100
)

// Dispatcher validates, persists, and routes chat mutations.
type Dispatcher struct {
	channels    storage.ChannelStore
	messages    storage.MessageStore
	attachments storage.AttachmentStore
	broadcaster Broadcaster
	notifier    Notifier
	retryDelay  time.Duration
	now         func() time.Time
	newID       func() (string, error)
}

// DispatcherOption customizes dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the dispatcher clock.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() (string, error)) DispatcherOption {
	return func(d *Dispatcher) {
		if newID != nil {
			d.newID = newID
		}
	}
}

// WithRetryDelay overrides the pause between persistence attempts.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.retryDelay = delay
		}
	}
}

// NewDispatcher builds a dispatcher over the provided collaborators.
func NewDispatcher(channels storage.ChannelStore, messages storage.MessageStore, attachments storage.AttachmentStore, broadcaster Broadcaster, notifier Notifier, opts ...DispatcherOption) (*Dispatcher, error) {
	if channels == nil {
		return nil, fmt.Errorf("channel store is required")
	}
	if messages == nil {
		return nil, fmt.Errorf("message store is required")
	}
	if attachments == nil {
		return nil, fmt.Errorf("attachment store is required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("broadcaster is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}

	dispatcher := &Dispatcher{
		channels:    channels,
		messages:    messages,
		attachments: attachments,
		broadcaster: broadcaster,
		notifier:    notifier,
		retryDelay:  timeouts.StoreRetry,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       id.NewID,
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	return dispatcher, nil
}

// Authorize reports whether the user may read and write the channel.
func (d *Dispatcher) Authorize(ctx context.Context, userID string, channelID string) error {
	if d == nil {
		return fmt.Errorf("dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	channelID = strings.TrimSpace(channelID)
	if userID == "" || channelID == "" {
		return fmt.Errorf("%w: user and channel are required", ErrInvalidInput)
	}

	member, err := d.channels.IsChannelMember(ctx, channelID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return ErrForbidden
	}
	return nil
}

// SubmitInput carries one inbound chat message request.
type SubmitInput struct {
	ChannelID     string
	Body          string
	AttachmentIDs []string
}

// Submit validates and persists one message, then fans it out to live
// channel members and queues notifications for offline ones. The sender
// never receives their own message back; the returned Message is the
// acknowledgment.
func (d *Dispatcher) Submit(ctx context.Context, sender Identity, input SubmitInput) (Message, error) {
	if d == nil {
		return Message{}, fmt.Errorf("dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	channelID := strings.TrimSpace(input.ChannelID)
	if channelID == "" {
		return Message{}, fmt.Errorf("%w: channel is required", ErrInvalidInput)
	}
	if err := d.Authorize(ctx, sender.ID, channelID); err != nil {
		return Message{}, err
	}

	body := strings.TrimSpace(input.Body)
	if body == "" && len(input.AttachmentIDs) == 0 {
		return Message{}, fmt.Errorf("%w: body or attachments are required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		return Message{}, fmt.Errorf("%w: body exceeds %d characters", ErrInvalidInput, maxBodyRunes)
	}
	if len(input.AttachmentIDs) > maxAttachments {
		return Message{}, fmt.Errorf("%w: at most %d attachments per message", ErrInvalidInput, maxAttachments)
	}
	if err := d.verifyAttachments(ctx, sender.ID, input.AttachmentIDs); err != nil {
		return Message{}, err
	}

	messageID, err := d.newID()
	if err != nil {
		return Message{}, fmt.Errorf("generate message id: %w", err)
	}
	record := storage.MessageRecord{
		ID:            messageID,
		ChannelID:     channelID,
		SenderUserID:  sender.ID,
		Body:          body,
		AttachmentIDs: append([]string(nil), input.AttachmentIDs...),
		CreatedAt:     d.now(),
	}
	if err := d.persistMessage(ctx, record); err != nil {
		return Message{}, err
	}

	message := messageFromRecord(record)
	d.broadcaster.BroadcastMessage(channelID, sender.ID, message)
	d.notifyOffline(ctx, sender, message)
	return message, nil
}

// ReactInput carries one inbound reaction request.
type ReactInput struct {
	MessageID string
	Kind      string
}

// React stores the sender's reaction on a message, replacing any previous
// reaction from the same sender, and fans the change out to the channel.
// Repeating the same reaction is a no-op for observers.
func (d *Dispatcher) React(ctx context.Context, sender Identity, input ReactInput) (Reaction, error) {
	if d == nil {
		return Reaction{}, fmt.Errorf("dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return Reaction{}, err
	}

	messageID := strings.TrimSpace(input.MessageID)
	kind := strings.TrimSpace(input.Kind)
	if messageID == "" {
		return Reaction{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if kind == "" {
		return Reaction{}, fmt.Errorf("%w: reaction kind is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(kind) > maxReactionRunes {
		return Reaction{}, fmt.Errorf("%w: reaction kind exceeds %d characters", ErrInvalidInput, maxReactionRunes)
	}

	record, err := d.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Reaction{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
		}
		return Reaction{}, fmt.Errorf("load message: %w", err)
	}
	if err := d.Authorize(ctx, sender.ID, record.ChannelID); err != nil {
		return Reaction{}, err
	}

	// Re-applying the current reaction is a no-op; observers see nothing.
	for _, existing := range record.Reactions {
		if existing.UserID == sender.ID && existing.Kind == kind {
			return Reaction(existing), nil
		}
	}

	reaction := Reaction{
		MessageID: messageID,
		UserID:    sender.ID,
		Kind:      kind,
		UpdatedAt: d.now(),
	}
	if err := d.persistReaction(ctx, storage.ReactionRecord(reaction)); err != nil {
		return Reaction{}, err
	}

	d.broadcaster.BroadcastReaction(record.ChannelID, sender.ID, reaction)
	return reaction, nil
}

// History replays channel messages created before the given point, oldest
// first. A zero cutoff means now; a non-positive limit means the default.
func (d *Dispatcher) History(ctx context.Context, requester Identity, channelID string, before time.Time, limit int) ([]Message, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Authorize(ctx, requester.ID, channelID); err != nil {
		return nil, err
	}

	if before.IsZero() {
		before = d.now().Add(time.Second)
	}
	if limit <= 0 {
		limit = defaultHistoryLen
	}
	if limit > maxHistoryLen {
		limit = maxHistoryLen
	}

	records, err := d.messages.ListMessagesBefore(ctx, strings.TrimSpace(channelID), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	messages := make([]Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, messageFromRecord(record))
	}
	return messages, nil
}

func (d *Dispatcher) verifyAttachments(ctx context.Context, senderUserID string, attachmentIDs []string) error {
	if len(attachmentIDs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(attachmentIDs))
	for _, attachmentID := range attachmentIDs {
		attachmentID = strings.TrimSpace(attachmentID)
		if attachmentID == "" {
			return fmt.Errorf("%w: attachment id is required", ErrInvalidInput)
		}
		if seen[attachmentID] {
			return fmt.Errorf("%w: duplicate attachment %s", ErrInvalidInput, attachmentID)
		}
		seen[attachmentID] = true
	}

	records, err := d.attachments.GetAttachmentsByIDs(ctx, attachmentIDs)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	found := make(map[string]storage.AttachmentRecord, len(records))
	for _, record := range records {
		found[record.ID] = record
	}
	for _, attachmentID := range attachmentIDs {
		record, ok := found[attachmentID]
		if !ok {
			return fmt.Errorf("%w: attachment %s was never uploaded", ErrInvalidInput, attachmentID)
		}
		if record.OwnerUserID != senderUserID {
			return fmt.Errorf("%w: attachment %s", ErrForbidden, attachmentID)
		}
	}
	return nil
}

func (d *Dispatcher) persistMessage(ctx context.Context, record storage.MessageRecord) error {
	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 && d.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}
		lastErr = d.messages.PutMessage(ctx, record)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, storage.ErrConflict) || errors.Is(lastErr, storage.ErrNotFound) || ctx.Err() != nil {
			break
		}
		log.Printf("persist message %s attempt %d failed: %v", record.ID, attempt+1, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, lastErr)
}

func (d *Dispatcher) persistReaction(ctx context.Context, record storage.ReactionRecord) error {
	var lastErr error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if attempt > 0 && d.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}
		lastErr = d.messages.UpsertReaction(ctx, record)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, storage.ErrNotFound) || ctx.Err() != nil {
			break
		}
		log.Printf("persist reaction on %s attempt %d failed: %v", record.MessageID, attempt+1, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, lastErr)
}

// notifyOffline queues a note for every roster member who is neither the
// sender nor currently connected to the channel. Notification failures are
// logged per recipient and never fail the send.
func (d *Dispatcher) notifyOffline(ctx context.Context, sender Identity, message Message) {
	members, err := d.channels.ListChannelMembers(ctx, message.ChannelID)
	if err != nil {
		log.Printf("list members for offline notify on %s: %v", message.ChannelID, err)
		return
	}

	live := make(map[string]bool)
	for _, userID := range d.broadcaster.LiveUserIDs(message.ChannelID) {
		live[userID] = true
	}

	note := OfflineNote{
		ChannelID:    message.ChannelID,
		MessageID:    message.ID,
		SenderUserID: sender.ID,
		SenderName:   sender.DisplayName,
		Preview:      message.Preview(),
		SentAt:       message.SentAt,
	}
	for _, userID := range members {
		if userID == sender.ID || live[userID] {
			continue
		}
		if err := d.notifier.NotifyOffline(ctx, userID, note); err != nil {
			log.Printf("queue offline notification for %s: %v", userID, err)
		}
	}
}

func messageFromRecord(record storage.MessageRecord) Message {
	message := Message{
		ID:            record.ID,
		ChannelID:     record.ChannelID,
		SenderUserID:  record.SenderUserID,
		Body:          record.Body,
		AttachmentIDs: record.AttachmentIDs,
		SentAt:        record.CreatedAt,
	}
	for _, reaction := range record.Reactions {
		message.Reactions = append(message.Reactions, Reaction(reaction))
	}
	return message
}
