// Package store persists chats in sqlite: the ordered messages of each chat
// and a JSON metadata document that carries the prompt registry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/killallgit/promptcanvas/pkg/host"
	"github.com/killallgit/promptcanvas/pkg/logger"
)

// ErrChatNotFound is returned for an unknown chat id
var ErrChatNotFound = errors.New("chat not found")

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat is a stored conversation
type Chat struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Metadata  string    `db:"metadata" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one entry of a chat, addressed by its position
type Message struct {
	ChatID    string    `db:"chat_id" json:"-"`
	Index     int       `db:"idx" json:"index"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Store provides sqlite-backed chat storage
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// New wraps an open database and creates the schema if needed
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, log: logger.WithComponent("store")}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize chat schema: %w", err)
	}
	return s, nil
}

// Open opens the database at path and returns a ready store
func Open(path string) (*Store, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("Chat store opened", "path", path)
	return s, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (chat_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateChat stores a new empty chat
func (s *Store) CreateChat(ctx context.Context, title string) (*Chat, error) {
	now := time.Now().UTC()
	chat := &Chat{
		ID:        uuid.NewString(),
		Title:     title,
		Metadata:  "{}",
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO chats (id, title, metadata, created_at, updated_at)
		VALUES (:id, :title, :metadata, :created_at, :updated_at)
	`, chat)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	s.log.Info("Chat created", "chat", chat.ID, "title", title)
	return chat, nil
}

// GetChat returns the chat with id
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	var chat Chat
	err := s.db.GetContext(ctx, &chat, s.db.Rebind(`
		SELECT id, title, metadata, created_at, updated_at FROM chats WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrChatNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %s: %w", id, err)
	}
	return &chat, nil
}

// ListChats returns all chats, most recently updated first
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	var chats []Chat
	err := s.db.SelectContext(ctx, &chats, `
		SELECT id, title, metadata, created_at, updated_at FROM chats ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// DeleteChat removes a chat and its messages
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM chats WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrChatNotFound)
	}
	return nil
}

// Messages returns the chat's messages in order
func (s *Store) Messages(ctx context.Context, chatID string) ([]Message, error) {
	var messages []Message
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(`
		SELECT chat_id, idx, role, content, created_at, updated_at
		FROM messages WHERE chat_id = ? ORDER BY idx
	`), chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of chat %s: %w", chatID, err)
	}
	return messages, nil
}

// AppendMessage adds a message at the end of the chat and returns its index
func (s *Store) AppendMessage(ctx context.Context, chatID, role, content string) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.GetContext(ctx, &next, tx.Rebind(`
		SELECT COALESCE(MAX(idx) + 1, 0) FROM messages WHERE chat_id = ?
	`), chatID); err != nil {
		return 0, fmt.Errorf("failed to number message: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (chat_id, idx, role, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), chatID, next, role, content, now, now); err != nil {
		return 0, fmt.Errorf("failed to append message to chat %s: %w", chatID, err)
	}
	if err := touch(ctx, tx, chatID, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// SaveMessages overwrites the content of the given messages in one
// transaction
func (s *Store) SaveMessages(ctx context.Context, chatID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, m := range messages {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE messages SET content = ?, updated_at = ? WHERE chat_id = ? AND idx = ?
		`), m.Content, now, chatID, m.Index)
		if err != nil {
			return fmt.Errorf("failed to save message %d: %w", m.Index, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("chat %s index %d: %w", chatID, m.Index, host.ErrMessageNotFound)
		}
	}
	if err := touch(ctx, tx, chatID, now); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMetadata decodes the chat's metadata document
func (s *Store) LoadMetadata(ctx context.Context, chatID string) (map[string]json.RawMessage, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]json.RawMessage)
	if chat.Metadata == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(chat.Metadata), &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of chat %s: %w", chatID, err)
	}
	return metadata, nil
}

// SaveMetadata replaces the chat's metadata document
func (s *Store) SaveMetadata(ctx context.Context, chatID string, metadata map[string]json.RawMessage) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata of chat %s: %w", chatID, err)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE chats SET metadata = ?, updated_at = ? WHERE id = ?
	`), string(raw), time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to save metadata of chat %s: %w", chatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", chatID, ErrChatNotFound)
	}
	return nil
}

// LoadSession builds a session over the chat's stored metadata
func (s *Store) LoadSession(ctx context.Context, chatID string) (*host.Session, error) {
	metadata, err := s.LoadMetadata(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return host.NewSession(chatID, metadata), nil
}

func touch(ctx context.Context, tx *sqlx.Tx, chatID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE chats SET updated_at = ? WHERE id = ?`), at, chatID); err != nil {
		return fmt.Errorf("failed to touch chat %s: %w", chatID, err)
	}
	return nil
}
