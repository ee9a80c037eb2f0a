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

	"github.com/google/uuid"
	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/killallgit/chatstream/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory/sqlite3"
)

var _ ConversationStore = &SQLiteStore{}

// SQLiteStore keeps the conversation index in its own table and each
// conversation's messages in a langchaingo chat history keyed by the
// conversation id. Message rows hold the JSON encoded chat.Message so that
// timestamps and attachments survive a reload.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initDB() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);`

	if _, err := s.db.Exec(createTableSQL); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) history(id chat.ConversationID) *sqlite3.SqliteChatMessageHistory {
	return sqlite3.NewSqliteChatMessageHistory(
		sqlite3.WithDB(s.db),
		sqlite3.WithSession(id.String()),
	)
}

func (s *SQLiteStore) get(ctx context.Context, id chat.ConversationID) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id.String(),
	).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to query conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) CreateOrGet(ctx context.Context, id chat.ConversationID) (Conversation, error) {
	if id.IsZero() {
		id = chat.ConversationID(uuid.NewString())
	} else if c, err := s.get(ctx, id); err == nil {
		return c, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, message_count, created_at, updated_at)
		VALUES (?, '', 0, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id.String(), now, now,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.get(ctx, id)
}

func (s *SQLiteStore) Append(ctx context.Context, id chat.ConversationID, msg chat.Message) error {
	if _, err := s.get(ctx, id); err != nil {
		return err
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	h := s.history(id)
	switch msg.Role {
	case chat.RoleUser:
		err = h.AddUserMessage(ctx, string(encoded))
	case chat.RoleAssistant:
		err = h.AddAIMessage(ctx, string(encoded))
	case chat.RoleSystem:
		err = h.AddMessage(ctx, llms.SystemChatMessage{Content: string(encoded)})
	default:
		err = h.AddMessage(ctx, llms.ToolChatMessage{Content: string(encoded)})
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	query := `
	UPDATE conversations
	SET message_count = message_count + 1,
		updated_at = ?,
		title = CASE WHEN title = '' AND ? THEN ? ELSE title END
	WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query, s.now().UTC(), msg.IsUser(), TitleFrom(msg.Content), id.String())
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id chat.ConversationID) ([]chat.Message, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.history(id).Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		var role string
		switch row.GetType() {
		case llms.ChatMessageTypeHuman:
			role = chat.RoleUser
		case llms.ChatMessageTypeAI:
			role = chat.RoleAssistant
		default:
			continue
		}
		messages = append(messages, decodeRow(role, row.GetContent()))
	}
	return messages, nil
}

// decodeRow accepts rows written by Append as well as plain text rows
// written by other langchaingo users of the same table.
func decodeRow(role, content string) chat.Message {
	var msg chat.Message
	if err := json.Unmarshal([]byte(content), &msg); err == nil && msg.Role == role {
		return msg
	}
	logger.Debug("Message row is not an encoded message, using raw text")
	return chat.Message{Role: role, Content: content}
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	query := `
	SELECT id, title, message_count, created_at, updated_at
	FROM conversations
	ORDER BY updated_at DESC, id DESC
	LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.MessageCount, &sum.CreatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return summaries, nil
}
