// Package sqlite implements the notifications storage boundary on SQLite.
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
	"github.com/gradhall/gradhall/internal/services/notifications/storage"
	"github.com/gradhall/gradhall/internal/services/notifications/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for notification inboxes.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a notifications SQLite store at the provided path.
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

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
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

// PutNotification persists one inbox item.
func (s *Store) PutNotification(ctx context.Context, record storage.NotificationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	notificationID := strings.TrimSpace(record.ID)
	recipientUserID := strings.TrimSpace(record.RecipientUserID)
	messageID := strings.TrimSpace(record.MessageID)
	if notificationID == "" {
		return fmt.Errorf("notification id is required")
	}
	if recipientUserID == "" {
		return fmt.Errorf("recipient user id is required")
	}
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var readAt any
	if record.ReadAt != nil {
		readAt = toMillis(*record.ReadAt)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO notifications (id, recipient_user_id, channel_id, message_id, sender_user_id, sender_name, preview, sent_at, created_at, read_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, notificationID, recipientUserID, strings.TrimSpace(record.ChannelID), messageID, strings.TrimSpace(record.SenderUserID), record.SenderName, record.Preview, toMillis(record.SentAt), toMillis(createdAt), readAt); err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put notification: %w", err)
	}
	return nil
}

// GetNotificationByRecipientAndMessage loads the inbox item a recipient
// holds for one message.
func (s *Store) GetNotificationByRecipientAndMessage(ctx context.Context, recipientUserID string, messageID string) (storage.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.NotificationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.NotificationRecord{}, fmt.Errorf("storage is not configured")
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	messageID = strings.TrimSpace(messageID)
	if recipientUserID == "" || messageID == "" {
		return storage.NotificationRecord{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, recipient_user_id, channel_id, message_id, sender_user_id, sender_name, preview, sent_at, created_at, read_at
FROM notifications
WHERE recipient_user_id = ? AND message_id = ?
`, recipientUserID, messageID)
	record, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NotificationRecord{}, storage.ErrNotFound
		}
		return storage.NotificationRecord{}, fmt.Errorf("get notification: %w", err)
	}
	return record, nil
}

// ListNotificationsByRecipient lists inbox items newest first, capped at
// limit. unreadOnly filters out read items.
func (s *Store) ListNotificationsByRecipient(ctx context.Context, recipientUserID string, unreadOnly bool, limit int) ([]storage.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return nil, fmt.Errorf("recipient user id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	query := `
SELECT id, recipient_user_id, channel_id, message_id, sender_user_id, sender_name, preview, sent_at, created_at, read_at
FROM notifications
WHERE recipient_user_id = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += `
ORDER BY created_at DESC, id DESC
LIMIT ?`

	rows, err := s.sqlDB.QueryContext(ctx, query, recipientUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var records []storage.NotificationRecord
	for rows.Next() {
		record, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return records, nil
}

// CountUnreadNotificationsByRecipient counts unread inbox items.
func (s *Store) CountUnreadNotificationsByRecipient(ctx context.Context, recipientUserID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	if recipientUserID == "" {
		return 0, nil
	}

	var count int
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM notifications
WHERE recipient_user_id = ? AND read_at IS NULL
`, recipientUserID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead stamps one inbox item as read. Marking an already
// read item keeps the original read time.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (storage.NotificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.NotificationRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.NotificationRecord{}, fmt.Errorf("storage is not configured")
	}
	recipientUserID = strings.TrimSpace(recipientUserID)
	notificationID = strings.TrimSpace(notificationID)
	if recipientUserID == "" || notificationID == "" {
		return storage.NotificationRecord{}, storage.ErrNotFound
	}
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications
SET read_at = ?
WHERE id = ? AND recipient_user_id = ? AND read_at IS NULL
`, toMillis(readAt), notificationID, recipientUserID); err != nil {
		return storage.NotificationRecord{}, fmt.Errorf("mark notification read: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, recipient_user_id, channel_id, message_id, sender_user_id, sender_name, preview, sent_at, created_at, read_at
FROM notifications
WHERE id = ? AND recipient_user_id = ?
`, notificationID, recipientUserID)
	record, err := scanNotification(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.NotificationRecord{}, storage.ErrNotFound
		}
		return storage.NotificationRecord{}, fmt.Errorf("load notification: %w", err)
	}
	return record, nil
}

type scanner func(dest ...any) error

func scanNotification(scan scanner) (storage.NotificationRecord, error) {
	var record storage.NotificationRecord
	var sentAt, createdAt int64
	var readAt sql.NullInt64
	if err := scan(&record.ID, &record.RecipientUserID, &record.ChannelID, &record.MessageID, &record.SenderUserID, &record.SenderName, &record.Preview, &sentAt, &createdAt, &readAt); err != nil {
		return storage.NotificationRecord{}, err
	}
	record.SentAt = fromMillis(sentAt)
	record.CreatedAt = fromMillis(createdAt)
	if readAt.Valid {
		value := fromMillis(readAt.Int64)
		record.ReadAt = &value
	}
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
