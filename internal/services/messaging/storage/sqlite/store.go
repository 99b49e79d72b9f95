// Package sqlite implements the messaging storage boundary on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/gradhall/gradhall/internal/platform/storage/sqlitemigrate"
	"github.com/gradhall/gradhall/internal/services/messaging/storage"
	"github.com/gradhall/gradhall/internal/services/messaging/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for messaging state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a messaging SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// PutChannel persists one channel row and replaces its membership roster.
func (s *Store) PutChannel(ctx context.Context, record storage.ChannelRecord, memberUserIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	channelID := strings.TrimSpace(record.ID)
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	kind := storage.ChannelKind(strings.TrimSpace(string(record.Kind)))
	if kind != storage.ChannelKindPrivate && kind != storage.ChannelKindGroup {
		return fmt.Errorf("channel kind %q is invalid", record.Kind)
	}
	if kind == storage.ChannelKindPrivate && len(memberUserIDs) != 2 {
		return fmt.Errorf("private channel requires exactly two members")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put channel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO channels (id, kind, name, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, name = excluded.name
`, channelID, string(kind), strings.TrimSpace(record.Name), toMillis(createdAt)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("put channel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_members WHERE channel_id = ?`, channelID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear channel members: %w", err)
	}
	for _, memberUserID := range memberUserIDs {
		memberUserID = strings.TrimSpace(memberUserID)
		if memberUserID == "" {
			_ = tx.Rollback()
			return fmt.Errorf("member user id is required")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO channel_members (channel_id, user_id, created_at)
VALUES (?, ?, ?)
`, channelID, memberUserID, toMillis(createdAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("put channel member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put channel: %w", err)
	}
	return nil
}

// GetChannel loads one channel row.
func (s *Store) GetChannel(ctx context.Context, channelID string) (storage.ChannelRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChannelRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChannelRecord{}, fmt.Errorf("storage is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return storage.ChannelRecord{}, fmt.Errorf("channel id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, name, created_at
FROM channels
WHERE id = ?
`, channelID)
	var record storage.ChannelRecord
	var kind string
	var createdAt int64
	if err := row.Scan(&record.ID, &kind, &record.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChannelRecord{}, storage.ErrNotFound
		}
		return storage.ChannelRecord{}, fmt.Errorf("get channel: %w", err)
	}
	record.Kind = storage.ChannelKind(kind)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// ListChannelMembers lists the user ids in one channel roster.
func (s *Store) ListChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id
FROM channel_members
WHERE channel_id = ?
ORDER BY user_id
`, channelID)
	if err != nil {
		return nil, fmt.Errorf("list channel members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan channel member: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel members: %w", err)
	}
	return members, nil
}

// IsChannelMember reports whether one user belongs to one channel roster.
func (s *Store) IsChannelMember(ctx context.Context, channelID string, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	userID = strings.TrimSpace(userID)
	if channelID == "" || userID == "" {
		return false, nil
	}

	var found int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT 1
FROM channel_members
WHERE channel_id = ? AND user_id = ?
`, channelID, userID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check channel member: %w", err)
	}
	return true, nil
}

// PutMessage atomically persists one message row with its attachment links.
func (s *Store) PutMessage(ctx context.Context, record storage.MessageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID := strings.TrimSpace(record.ID)
	channelID := strings.TrimSpace(record.ChannelID)
	senderUserID := strings.TrimSpace(record.SenderUserID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if senderUserID == "" {
		return fmt.Errorf("sender user id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, channel_id, sender_user_id, body, created_at)
VALUES (?, ?, ?, ?, ?)
`, messageID, channelID, senderUserID, record.Body, toMillis(createdAt)); err != nil {
		_ = tx.Rollback()
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put message: %w", err)
	}
	for position, attachmentID := range record.AttachmentIDs {
		attachmentID = strings.TrimSpace(attachmentID)
		if attachmentID == "" {
			_ = tx.Rollback()
			return fmt.Errorf("attachment id is required")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO message_attachments (message_id, attachment_id, position)
VALUES (?, ?, ?)
`, messageID, attachmentID, position); err != nil {
			_ = tx.Rollback()
			if isForeignKeyConstraintError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("put message attachment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put message: %w", err)
	}
	return nil
}

// GetMessage loads one message row with its attachment ids and reactions.
func (s *Store) GetMessage(ctx context.Context, messageID string) (storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessageRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessageRecord{}, fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return storage.MessageRecord{}, fmt.Errorf("message id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, channel_id, sender_user_id, body, created_at
FROM messages
WHERE id = ?
`, messageID)
	record, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MessageRecord{}, storage.ErrNotFound
		}
		return storage.MessageRecord{}, fmt.Errorf("get message: %w", err)
	}

	if record.AttachmentIDs, err = s.messageAttachmentIDs(ctx, messageID); err != nil {
		return storage.MessageRecord{}, err
	}
	if record.Reactions, err = s.messageReactions(ctx, messageID); err != nil {
		return storage.MessageRecord{}, err
	}
	return record, nil
}

// ListMessagesBefore lists channel messages created strictly before a point
// in time, oldest first, capped at limit.
func (s *Store) ListMessagesBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]storage.MessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, channel_id, sender_user_id, body, created_at
FROM messages
WHERE channel_id = ? AND created_at < ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, channelID, toMillis(before), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var records []storage.MessageRecord
	for rows.Next() {
		record, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Query is newest-first for the LIMIT; callers replay oldest-first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	for i := range records {
		if records[i].AttachmentIDs, err = s.messageAttachmentIDs(ctx, records[i].ID); err != nil {
			return nil, err
		}
		if records[i].Reactions, err = s.messageReactions(ctx, records[i].ID); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// UpsertReaction stores one user's reaction on one message, replacing any
// previous reaction from the same user.
func (s *Store) UpsertReaction(ctx context.Context, record storage.ReactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID := strings.TrimSpace(record.MessageID)
	userID := strings.TrimSpace(record.UserID)
	kind := strings.TrimSpace(record.Kind)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if kind == "" {
		return fmt.Errorf("reaction kind is required")
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO message_reactions (message_id, user_id, kind, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(message_id, user_id) DO UPDATE SET kind = excluded.kind, updated_at = excluded.updated_at
`, messageID, userID, kind, toMillis(updatedAt)); err != nil {
		if isForeignKeyConstraintError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("upsert reaction: %w", err)
	}
	return nil
}

// PutAttachment persists one uploaded-blob reference.
func (s *Store) PutAttachment(ctx context.Context, record storage.AttachmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	attachmentID := strings.TrimSpace(record.ID)
	ownerUserID := strings.TrimSpace(record.OwnerUserID)
	if attachmentID == "" {
		return fmt.Errorf("attachment id is required")
	}
	if ownerUserID == "" {
		return fmt.Errorf("owner user id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO attachments (id, owner_user_id, file_name, content_type, size_bytes, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, attachmentID, ownerUserID, strings.TrimSpace(record.FileName), strings.TrimSpace(record.ContentType), record.SizeBytes, toMillis(createdAt)); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put attachment: %w", err)
	}
	return nil
}

// GetAttachmentsByIDs loads attachment rows for the requested ids. Missing
// ids are omitted from the result; callers compare lengths to detect them.
func (s *Store) GetAttachmentsByIDs(ctx context.Context, attachmentIDs []string) ([]storage.AttachmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(attachmentIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(attachmentIDs))
	args := make([]any, 0, len(attachmentIDs))
	for _, attachmentID := range attachmentIDs {
		attachmentID = strings.TrimSpace(attachmentID)
		if attachmentID == "" {
			return nil, fmt.Errorf("attachment id is required")
		}
		placeholders = append(placeholders, "?")
		args = append(args, attachmentID)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, owner_user_id, file_name, content_type, size_bytes, created_at
FROM attachments
WHERE id IN (`+strings.Join(placeholders, ", ")+`)
`, args...)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var records []storage.AttachmentRecord
	for rows.Next() {
		var record storage.AttachmentRecord
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.OwnerUserID, &record.FileName, &record.ContentType, &record.SizeBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return records, nil
}

func (s *Store) messageAttachmentIDs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT attachment_id
FROM message_attachments
WHERE message_id = ?
ORDER BY position
`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message attachments: %w", err)
	}
	defer rows.Close()

	var attachmentIDs []string
	for rows.Next() {
		var attachmentID string
		if err := rows.Scan(&attachmentID); err != nil {
			return nil, fmt.Errorf("scan message attachment: %w", err)
		}
		attachmentIDs = append(attachmentIDs, attachmentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message attachments: %w", err)
	}
	return attachmentIDs, nil
}

func (s *Store) messageReactions(ctx context.Context, messageID string) ([]storage.ReactionRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT message_id, user_id, kind, updated_at
FROM message_reactions
WHERE message_id = ?
ORDER BY user_id
`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message reactions: %w", err)
	}
	defer rows.Close()

	var reactions []storage.ReactionRecord
	for rows.Next() {
		var reaction storage.ReactionRecord
		var updatedAt int64
		if err := rows.Scan(&reaction.MessageID, &reaction.UserID, &reaction.Kind, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan message reaction: %w", err)
		}
		reaction.UpdatedAt = fromMillis(updatedAt)
		reactions = append(reactions, reaction)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message reactions: %w", err)
	}
	return reactions, nil
}

type scanner func(dest ...any) error

func scanMessage(scan scanner) (storage.MessageRecord, error) {
	var record storage.MessageRecord
	var createdAt int64
	if err := scan(&record.ID, &record.ChannelID, &record.SenderUserID, &record.Body, &createdAt); err != nil {
		return storage.MessageRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func isForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint")
}
