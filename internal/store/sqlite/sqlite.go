package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mossy-p/webrtc-chat/internal/models"
	"github.com/mossy-p/webrtc-chat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        TEXT PRIMARY KEY,
	room_id   TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	status    TEXT NOT NULL,
	local     BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_room_timestamp ON messages (room_id, timestamp);
`

// SQLiteStore implements store.MessageStore for SQLite.
type SQLiteStore struct {
	db     *sql.DB
	notify *store.Notifier
}

// New opens (creating if needed) the database at dbPath and applies the schema.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, Migrate)
}

// NewWithSetup opens the database and runs setup before first use.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single connection
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db, notify: store.NewNotifier()}, nil
}

// Migrate creates the messages table and its index.
func Migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert stores msg. A row with the same id is never overwritten.
func (s *SQLiteStore) Insert(ctx context.Context, msg models.ChatMessage) error {
	query := `
		INSERT INTO messages (id, room_id, sender_id, content, timestamp, status, local)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content,
		msg.Timestamp.UnixMilli(), string(msg.Status), msg.Local)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrDuplicate
	}

	s.notify.Notify(msg.RoomID)
	return nil
}

func (s *SQLiteStore) UpdateDeliveryStatus(ctx context.Context, id string, from, to models.DeliveryStatus) error {
	query := `
		UPDATE messages SET status = ?
		WHERE id = ? AND status = ?
		RETURNING room_id
	`
	var roomID string
	err := s.db.QueryRowContext(ctx, query, string(to), id, string(from)).Scan(&roomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("update message status: %w", err)
	}

	s.notify.Notify(roomID)
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.ChatMessage, error) {
	query := `
		SELECT id, room_id, sender_id, content, timestamp, status, local
		FROM messages
		WHERE id = ?
	`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) ListByRoom(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	query := `
		SELECT id, room_id, sender_id, content, timestamp, status, local
		FROM messages
		WHERE room_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) Watch(ctx context.Context, roomID string) <-chan struct{} {
	return s.notify.Watch(ctx, roomID)
}

func (s *SQLiteStore) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, roomID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	s.notify.Notify(roomID)
	return n, nil
}

// CountSince counts messages by senderID in roomID at or after since.
func (s *SQLiteStore) CountSince(ctx context.Context, roomID, senderID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE room_id = ? AND sender_id = ? AND timestamp >= ?
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, roomID, senderID, since.UnixMilli()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LastMessage(ctx context.Context, roomID string) (*models.ChatMessage, error) {
	query := `
		SELECT id, room_id, sender_id, content, timestamp, status, local
		FROM messages
		WHERE room_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT 1
	`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, roomID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query last message: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) Count(ctx context.Context, roomID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.ChatMessage, error) {
	var (
		msg    models.ChatMessage
		millis int64
		status string
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &millis, &status, &msg.Local); err != nil {
		return nil, err
	}
	msg.Timestamp = time.UnixMilli(millis)
	msg.Status = models.DeliveryStatus(status)
	return &msg, nil
}

var _ store.MessageStore = (*SQLiteStore)(nil)
