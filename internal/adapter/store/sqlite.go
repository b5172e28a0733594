package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"supernova/internal/domain"
)

// SQLiteStore implements domain.ChatStore on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// messageMetadata holds the message fields that have no column of their own.
type messageMetadata struct {
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []domain.ToolCall `json:"tool_calls,omitempty"`
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
// ":memory:" gives a throwaway store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, storeErr("NewSQLiteStore", fmt.Errorf("create db dir: %w", err))
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, storeErr("NewSQLiteStore", fmt.Errorf("open chat db: %w", err))
	}
	// One connection keeps ":memory:" a single database and serializes writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, storeErr("NewSQLiteStore", fmt.Errorf("%s: %w", pragma, err))
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, storeErr("NewSQLiteStore", fmt.Errorf("migrate chat db: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id           TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id   TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			metadata  TEXT NOT NULL DEFAULT '{}'
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);
		CREATE INDEX IF NOT EXISTS idx_chats_project ON chats(project_path, updated_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateChat inserts a new chat. Zero timestamps are set to now.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat domain.Chat) error {
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO chats (id, project_path, created_at, updated_at) VALUES (?, ?, ?, ?)",
		chat.ID, chat.ProjectPath, formatTime(chat.CreatedAt), formatTime(chat.UpdatedAt),
	)
	if err != nil {
		return storeErr("SQLiteStore.CreateChat", err)
	}
	return nil
}

// AppendMessage stores msg at the end of the chat and bumps its updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID string, msg domain.Message) error {
	meta, err := json.Marshal(messageMetadata{Name: msg.Name, ToolCallID: msg.ToolCallID, ToolCalls: msg.ToolCalls})
	if err != nil {
		return storeErr("SQLiteStore.AppendMessage", fmt.Errorf("marshal metadata: %w", err))
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("SQLiteStore.AppendMessage", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", formatTime(time.Now().UTC()), chatID)
	if err != nil {
		return storeErr("SQLiteStore.AppendMessage", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.AppendMessage", domain.ErrNotFound, "chat "+chatID)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (chat_id, role, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?)",
		chatID, msg.Role, msg.Content, formatTime(ts), string(meta),
	); err != nil {
		return storeErr("SQLiteStore.AppendMessage", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("SQLiteStore.AppendMessage", err)
	}
	return nil
}

// LoadMessages returns the chat's messages in append order.
func (s *SQLiteStore) LoadMessages(ctx context.Context, chatID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, timestamp, metadata FROM messages WHERE chat_id = ? ORDER BY id", chatID)
	if err != nil {
		return nil, storeErr("SQLiteStore.LoadMessages", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var (
			m            domain.Message
			ts, metaJSON string
			meta         messageMetadata
		)
		if err := rows.Scan(&m.Role, &m.Content, &ts, &metaJSON); err != nil {
			return nil, storeErr("SQLiteStore.LoadMessages", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, storeErr("SQLiteStore.LoadMessages", fmt.Errorf("decode metadata: %w", err))
		}
		m.Name, m.ToolCallID, m.ToolCalls = meta.Name, meta.ToolCallID, meta.ToolCalls
		m.Timestamp = parseTime(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("SQLiteStore.LoadMessages", err)
	}
	return msgs, nil
}

// LatestChat returns the most recently updated chat for projectPath.
func (s *SQLiteStore) LatestChat(ctx context.Context, projectPath string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, project_path, created_at, updated_at FROM chats WHERE project_path = ? ORDER BY updated_at DESC, id DESC LIMIT 1",
		projectPath)

	var c domain.Chat
	var created, updated string
	if err := row.Scan(&c.ID, &c.ProjectPath, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewDomainError("SQLiteStore.LatestChat", domain.ErrNotFound, projectPath)
		}
		return nil, storeErr("SQLiteStore.LatestChat", err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// ListChats returns every chat for projectPath, newest first.
func (s *SQLiteStore) ListChats(ctx context.Context, projectPath string) ([]domain.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, project_path, created_at, updated_at FROM chats WHERE project_path = ? ORDER BY updated_at DESC, id DESC",
		projectPath)
	if err != nil {
		return nil, storeErr("SQLiteStore.ListChats", err)
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		var c domain.Chat
		var created, updated string
		if err := rows.Scan(&c.ID, &c.ProjectPath, &created, &updated); err != nil {
			return nil, storeErr("SQLiteStore.ListChats", err)
		}
		c.CreatedAt = parseTime(created)
		c.UpdatedAt = parseTime(updated)
		chats = append(chats, c)
	}
	return chats, storeErrOrNil("SQLiteStore.ListChats", rows.Err())
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func storeErr(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrConversationStore, err.Error())
}

func storeErrOrNil(op string, err error) error {
	if err == nil {
		return nil
	}
	return storeErr(op, err)
}

var _ domain.ChatStore = (*SQLiteStore)(nil)
