// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory keeps the ordered conversation history of agent sessions.
package memory

import (
	"context"
	"time"

	"github.com/jllopis/koder/pkg/llm"
)

// ConversationMessage represents a single message in a conversation history.
type ConversationMessage struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       string            `json:"role"` // system, user, assistant, tool
	Content    string            `json:"content"`
	ToolCalls  []llm.ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ConversationMemory stores and retrieves conversation history for
// multi-turn interactions. Messages are kept in append order.
type ConversationMemory interface {
	// AppendMessage adds a message to the conversation.
	AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error

	// GetMessages retrieves all messages for a session in append order,
	// after applying the configured truncation strategy.
	GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error)

	// GetRecentMessages retrieves the last N messages for a session.
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error)

	// Clear removes all messages for a session.
	Clear(ctx context.Context, sessionID string) error

	// DeleteOldMessages removes messages older than the given duration.
	DeleteOldMessages(ctx context.Context, sessionID string, olderThan time.Duration) error
}

// FromLLM converts a model message into a history entry.
func FromLLM(sessionID string, m llm.Message) ConversationMessage {
	return ConversationMessage{
		SessionID:  sessionID,
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// ToLLM converts history entries into model messages.
func ToLLM(msgs []ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			Role:       llm.Role(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

// TruncationStrategy defines how to manage conversation length.
type TruncationStrategy interface {
	// Truncate applies the strategy to reduce messages while preserving context.
	// Returns the truncated message list.
	Truncate(ctx context.Context, messages []ConversationMessage) ([]ConversationMessage, error)
}

// WindowStrategy keeps only the last N messages. The window never starts
// with a tool result whose assistant tool call fell outside of it.
type WindowStrategy struct {
	MaxMessages int
	// KeepSystemMessages preserves system messages regardless of window.
	KeepSystemMessages bool
}

// NewWindowStrategy creates a window-based truncation strategy.
func NewWindowStrategy(maxMessages int, keepSystem bool) *WindowStrategy {
	return &WindowStrategy{
		MaxMessages:        maxMessages,
		KeepSystemMessages: keepSystem,
	}
}

// Truncate implements TruncationStrategy.
func (w *WindowStrategy) Truncate(_ context.Context, messages []ConversationMessage) ([]ConversationMessage, error) {
	if w.MaxMessages <= 0 || len(messages) <= w.MaxMessages {
		return messages, nil
	}

	if !w.KeepSystemMessages {
		return dropOrphanResults(messages[len(messages)-w.MaxMessages:]), nil
	}

	systemMsgs, otherMsgs := splitSystem(messages)

	available := w.MaxMessages - len(systemMsgs)
	if available < 0 {
		available = 0
	}
	if len(otherMsgs) > available {
		otherMsgs = otherMsgs[len(otherMsgs)-available:]
	}

	result := make([]ConversationMessage, 0, len(systemMsgs)+len(otherMsgs))
	result = append(result, systemMsgs...)
	result = append(result, dropOrphanResults(otherMsgs)...)
	return result, nil
}

// TokenStrategy keeps messages that fit within a token budget.
type TokenStrategy struct {
	MaxTokens int
	// TokenCounter estimates tokens for a message. If nil, uses len(content)/4 approximation.
	TokenCounter func(msg ConversationMessage) int
	// KeepSystemMessages preserves system messages regardless of budget.
	KeepSystemMessages bool
}

// NewTokenStrategy creates a token-based truncation strategy.
func NewTokenStrategy(maxTokens int, keepSystem bool) *TokenStrategy {
	return &TokenStrategy{
		MaxTokens:          maxTokens,
		KeepSystemMessages: keepSystem,
	}
}

// Truncate implements TruncationStrategy.
func (t *TokenStrategy) Truncate(_ context.Context, messages []ConversationMessage) ([]ConversationMessage, error) {
	counter := t.TokenCounter
	if counter == nil {
		counter = func(msg ConversationMessage) int {
			n := len(msg.Content)
			for _, tc := range msg.ToolCalls {
				n += len(tc.Function.Name) + len(tc.Function.Arguments)
			}
			return n / 4
		}
	}

	totalTokens := 0
	for _, msg := range messages {
		totalTokens += counter(msg)
	}
	if totalTokens <= t.MaxTokens {
		return messages, nil
	}

	var systemMsgs, otherMsgs []ConversationMessage
	systemTokens := 0
	if t.KeepSystemMessages {
		systemMsgs, otherMsgs = splitSystem(messages)
		for _, msg := range systemMsgs {
			systemTokens += counter(msg)
		}
	} else {
		otherMsgs = messages
	}

	budget := t.MaxTokens - systemTokens
	if budget < 0 {
		budget = 0
	}

	// Keep messages from the end until the budget is exhausted.
	start := len(otherMsgs)
	used := 0
	for i := len(otherMsgs) - 1; i >= 0; i-- {
		n := counter(otherMsgs[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}

	result := make([]ConversationMessage, 0, len(systemMsgs)+len(otherMsgs)-start)
	result = append(result, systemMsgs...)
	result = append(result, dropOrphanResults(otherMsgs[start:])...)
	return result, nil
}

func splitSystem(messages []ConversationMessage) (system, other []ConversationMessage) {
	for _, msg := range messages {
		if msg.Role == string(llm.RoleSystem) {
			system = append(system, msg)
		} else {
			other = append(other, msg)
		}
	}
	return system, other
}

// dropOrphanResults removes leading tool results; the assistant message that
// requested them is no longer part of the window.
func dropOrphanResults(messages []ConversationMessage) []ConversationMessage {
	for len(messages) > 0 && messages[0].Role == string(llm.RoleTool) {
		messages = messages[1:]
	}
	return messages
}

// ConversationConfig configures conversation memory behavior.
type ConversationConfig struct {
	// TruncationStrategy to apply when loading messages. Optional.
	TruncationStrategy TruncationStrategy
}
