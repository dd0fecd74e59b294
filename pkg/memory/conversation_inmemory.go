package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jllopis/koder/pkg/llm"
)

// ErrUnpairedToolResult is returned when a tool result does not answer a
// tool call still open in the session.
var ErrUnpairedToolResult = errors.New("tool result without a matching tool call")

// InMemoryConversation keeps session histories in process memory. Every tool
// result must answer exactly one tool call of an earlier assistant message;
// a tool call left unanswered is abandoned once the next non-tool message
// lands.
type InMemoryConversation struct {
	mu       sync.RWMutex
	sessions map[string]*session
	config   ConversationConfig
}

type session struct {
	messages []ConversationMessage
	// open holds the ids of tool calls still waiting for their result.
	open map[string]struct{}
}

// NewInMemoryConversation creates an empty store.
func NewInMemoryConversation(config ConversationConfig) *InMemoryConversation {
	return &InMemoryConversation{
		sessions: make(map[string]*session),
		config:   config,
	}
}

// AppendMessage adds msg to the session, rejecting tool results that answer
// no open call with ErrUnpairedToolResult.
func (m *InMemoryConversation) AppendMessage(_ context.Context, sessionID string, msg ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		s = &session{open: make(map[string]struct{})}
	}

	switch msg.Role {
	case string(llm.RoleTool):
		if _, ok := s.open[msg.ToolCallID]; !ok || msg.ToolCallID == "" {
			return fmt.Errorf("%w: session %s, call %q", ErrUnpairedToolResult, sessionID, msg.ToolCallID)
		}
		delete(s.open, msg.ToolCallID)
	default:
		clear(s.open)
		for _, call := range msg.ToolCalls {
			if call.ID != "" {
				s.open[call.ID] = struct{}{}
			}
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.ToolCalls = append([]llm.ToolCall(nil), msg.ToolCalls...)

	s.messages = append(s.messages, msg)
	m.sessions[sessionID] = s
	return nil
}

// GetMessages returns the session history after truncation.
func (m *InMemoryConversation) GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	messages := m.snapshot(sessionID)
	if m.config.TruncationStrategy != nil && len(messages) > 0 {
		return m.config.TruncationStrategy.Truncate(ctx, messages)
	}
	return messages, nil
}

// GetRecentMessages returns up to limit trailing messages. The slice never
// starts with a tool result whose call was cut off.
func (m *InMemoryConversation) GetRecentMessages(_ context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	messages := m.snapshot(sessionID)
	if len(messages) > limit {
		messages = dropOrphanResults(messages[len(messages)-limit:])
	}
	return messages, nil
}

func (m *InMemoryConversation) snapshot(sessionID string) []ConversationMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[sessionID]
	if s == nil {
		return []ConversationMessage{}
	}
	return append([]ConversationMessage(nil), s.messages...)
}

// Clear forgets the session.
func (m *InMemoryConversation) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

// DeleteOldMessages drops messages created before now-olderThan, along with
// the tool results left at the head without their call.
func (m *InMemoryConversation) DeleteOldMessages(_ context.Context, sessionID string, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	kept := make([]ConversationMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if msg.CreatedAt.After(cutoff) {
			kept = append(kept, msg)
		}
	}
	s.messages = dropOrphanResults(kept)
	if len(s.messages) == 0 {
		clear(s.open)
	}
	return nil
}

// ListSessions returns the ids of sessions with history, sorted.
func (m *InMemoryConversation) ListSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MessageCount returns the number of stored messages in a session.
func (m *InMemoryConversation) MessageCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s := m.sessions[sessionID]; s != nil {
		return len(s.messages)
	}
	return 0
}

// OpenToolCalls returns the ids of tool calls still waiting for a result.
func (m *InMemoryConversation) OpenToolCalls(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[sessionID]
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
