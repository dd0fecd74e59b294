// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jllopis/koder/pkg/llm"
)

// DefaultConversationTable is used when SQLiteConfig.TableName is empty.
const DefaultConversationTable = "conversation_messages"

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func sanitizeTableName(table string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("table name is required")
	}
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// SQLiteConversation implements ConversationMemory on a SQLite database
// opened with the "sqlite" driver (modernc.org/sqlite). Rows are ordered by
// an autoincrement sequence so messages appended within the same clock tick
// keep their order.
type SQLiteConversation struct {
	db     *sql.DB
	table  string
	config ConversationConfig
}

// SQLiteConfig configures the SQLite conversation store.
type SQLiteConfig struct {
	// DB is the database connection. Required.
	DB *sql.DB
	// TableName is the table to use. Default: "conversation_messages".
	TableName string
	// ConversationConfig for truncation.
	ConversationConfig ConversationConfig
}

// NewSQLiteConversation creates a new SQLite conversation store.
// Call Initialize() to create the table if it doesn't exist.
func NewSQLiteConversation(cfg SQLiteConfig) (*SQLiteConversation, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	table := cfg.TableName
	if table == "" {
		table = DefaultConversationTable
	}
	table, err := sanitizeTableName(table)
	if err != nil {
		return nil, err
	}

	return &SQLiteConversation{
		db:     cfg.DB,
		table:  table,
		config: cfg.ConversationConfig,
	}, nil
}

// Initialize creates the conversation table if it doesn't exist.
func (s *SQLiteConversation) Initialize(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s (session_id, seq)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize %s: %w", s.table, err)
		}
	}
	return nil
}

// AppendMessage adds a message to the conversation.
func (s *SQLiteConversation) AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := marshalNullable(msg.ToolCalls, len(msg.ToolCalls) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	metadata, err := marshalNullable(msg.Metadata, msg.Metadata != nil)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, role, content, tool_calls, tool_call_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		sessionID,
		msg.Role,
		msg.Content,
		toolCalls,
		sql.NullString{String: msg.ToolCallID, Valid: msg.ToolCallID != ""},
		metadata,
		msg.CreatedAt.UnixNano(),
	)
	return err
}

// GetMessages retrieves all messages for a session.
func (s *SQLiteConversation) GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	query := fmt.Sprintf(`
		SELECT id, session_id, role, content, tool_calls, tool_call_id, metadata, created_at
		FROM %s
		WHERE session_id = ?
		ORDER BY seq ASC
	`, s.table)

	messages, err := s.queryMessages(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}

	if s.config.TruncationStrategy != nil && len(messages) > 0 {
		return s.config.TruncationStrategy.Truncate(ctx, messages)
	}
	return messages, nil
}

// GetRecentMessages retrieves the last N messages for a session.
func (s *SQLiteConversation) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT id, session_id, role, content, tool_calls, tool_call_id, metadata, created_at
		FROM (
			SELECT seq, id, session_id, role, content, tool_calls, tool_call_id, metadata, created_at
			FROM %s
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) sub
		ORDER BY seq ASC
	`, s.table)

	return s.queryMessages(ctx, query, sessionID, limit)
}

// Clear removes all messages for a session.
func (s *SQLiteConversation) Clear(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, s.table)
	_, err := s.db.ExecContext(ctx, query, sessionID)
	return err
}

// DeleteOldMessages removes messages older than the given duration.
func (s *SQLiteConversation) DeleteOldMessages(ctx context.Context, sessionID string, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = ? AND created_at < ?`, s.table)
	_, err := s.db.ExecContext(ctx, query, sessionID, cutoff)
	return err
}

// ListSessions returns all session IDs with stored messages.
func (s *SQLiteConversation) ListSessions(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT session_id FROM %s ORDER BY session_id`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, err
		}
		sessions = append(sessions, sessionID)
	}
	return sessions, rows.Err()
}

func (s *SQLiteConversation) queryMessages(ctx context.Context, query string, args ...any) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ConversationMessage
	for rows.Next() {
		var (
			msg        ConversationMessage
			toolCalls  sql.NullString
			toolCallID sql.NullString
			metadata   sql.NullString
			createdAt  int64
		)
		err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Role,
			&msg.Content,
			&toolCalls,
			&toolCallID,
			&metadata,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}

		msg.CreatedAt = time.Unix(0, createdAt)
		msg.ToolCallID = toolCallID.String
		if toolCalls.Valid && toolCalls.String != "" {
			var calls []llm.ToolCall
			if err := json.Unmarshal([]byte(toolCalls.String), &calls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", msg.ID, err)
			}
			msg.ToolCalls = calls
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				msg.Metadata = nil
			}
		}

		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func marshalNullable(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
