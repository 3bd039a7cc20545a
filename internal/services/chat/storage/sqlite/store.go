// Package sqlite provides a SQLite-backed chat message store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/gatherhall/gatherhall/internal/platform/storage/sqlitemigrate"
	"github.com/gatherhall/gatherhall/internal/services/chat/storage"
	"github.com/gatherhall/gatherhall/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists channel message logs in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite message store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendMessage persists one message with its caller-assigned sequence.
func (s *Store) AppendMessage(ctx context.Context, msg storage.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	channelID := strings.TrimSpace(msg.ChannelID)
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if msg.Seq < 1 {
		return fmt.Errorf("sequence number must be >= 1")
	}
	if strings.TrimSpace(msg.SenderID) == "" {
		return fmt.Errorf("sender id is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (channel_id, seq, message_id, sender_id, body, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		channelID,
		msg.Seq,
		msg.ID,
		msg.SenderID,
		msg.Body,
		toMillis(msg.SentAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("append channel=%s seq=%d: %w", channelID, msg.Seq, storage.ErrDuplicateSequence)
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MaxSequence returns the highest sequence number in the channel, or 0.
func (s *Store) MaxSequence(ctx context.Context, channelID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return 0, fmt.Errorf("channel id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE channel_id = ?`,
		channelID,
	)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}

// ListMessages returns messages after sinceSeq in ascending sequence order.
func (s *Store) ListMessages(ctx context.Context, channelID string, sinceSeq int64, limit int) ([]storage.Message, error) {
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

	query := `SELECT channel_id, seq, message_id, sender_id, body, sent_at
		 FROM messages
		 WHERE channel_id = ? AND seq > ?
		 ORDER BY seq ASC`
	args := []any{channelID, sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessagesBefore returns the newest limit messages older than beforeSeq,
// in ascending order.
func (s *Store) ListMessagesBefore(ctx context.Context, channelID string, beforeSeq int64, limit int) ([]storage.Message, error) {
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

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT channel_id, seq, message_id, sender_id, body, sent_at
		 FROM (
		   SELECT channel_id, seq, message_id, sender_id, body, sent_at
		   FROM messages
		   WHERE channel_id = ? AND seq < ?
		   ORDER BY seq DESC
		   LIMIT ?
		 )
		 ORDER BY seq ASC`,
		channelID,
		beforeSeq,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages before: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListDirectChannels returns the direct channel ids whose key contains the
// user, ordered by channel id.
func (s *Store) ListDirectChannels(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT DISTINCT channel_id
		 FROM messages
		 WHERE channel_id LIKE 'direct:' || ? || ':%'
		    OR channel_id LIKE 'direct:%:' || ?
		 ORDER BY channel_id ASC`,
		userID,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list direct channels: %w", err)
	}
	defer rows.Close()

	var channels []string
	for rows.Next() {
		var channelID string
		if err := rows.Scan(&channelID); err != nil {
			return nil, fmt.Errorf("list direct channels: %w", err)
		}
		channels = append(channels, channelID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list direct channels: %w", err)
	}
	return channels, nil
}

func scanMessages(rows *sql.Rows) ([]storage.Message, error) {
	var messages []storage.Message
	for rows.Next() {
		var (
			msg    storage.Message
			sentAt int64
		)
		if err := rows.Scan(&msg.ChannelID, &msg.Seq, &msg.ID, &msg.SenderID, &msg.Body, &sentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.SentAt = fromMillis(sentAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return messages, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: messages.channel_id, messages.seq")
}

var _ storage.MessageStore = (*Store)(nil)
