// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package core defines the capability contract shared by local tools and
// remote adapters, the per-turn invocation context and the abort controller.
package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a named, schema-described capability the agent may invoke.
//
// Call receives a ProgressFunc for intermediate output and returns the single
// terminal result, so a call can never produce more than one result.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	ReadOnly() bool
	ConcurrencySafe() bool
	NeedsPermission(input map[string]any) bool
	ValidateInput(ctx context.Context, input map[string]any, inv *Invocation) ValidationResult
	Call(ctx context.Context, input map[string]any, inv *Invocation, progress ProgressFunc) (any, error)
}

// ProgressFunc receives intermediate output from a running capability.
type ProgressFunc func(content any)

// ValidationResult reports whether a capability accepts an input.
type ValidationResult struct {
	OK      bool
	Message string
	Code    int
}

// Valid returns an accepting ValidationResult.
func Valid() ValidationResult {
	return ValidationResult{OK: true}
}

// Invalid returns a rejecting ValidationResult.
func Invalid(message string, code int) ValidationResult {
	return ValidationResult{Message: message, Code: code}
}

// AssistantRenderer is implemented by capabilities that format their result
// for the model.
type AssistantRenderer interface {
	RenderForAssistant(result any) string
}

// UserRenderer is implemented by capabilities that format their result for
// the person driving the agent.
type UserRenderer interface {
	RenderForUser(result any) string
}

// RenderForAssistant formats a result for the model, preferring the tool's
// own renderer.
func RenderForAssistant(t Tool, result any) string {
	if r, ok := t.(AssistantRenderer); ok {
		return r.RenderForAssistant(result)
	}
	return RenderValue(result)
}

// RenderForUser formats a result for display, preferring the tool's own
// renderer and falling back to the assistant rendering.
func RenderForUser(t Tool, result any) string {
	if r, ok := t.(UserRenderer); ok {
		return r.RenderForUser(result)
	}
	return RenderForAssistant(t, result)
}

// RenderValue converts an arbitrary result into text.
func RenderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case json.RawMessage:
		return string(val)
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// ValidateRequired checks input against the "required" list of a JSON schema.
func ValidateRequired(schema map[string]any, input map[string]any) ValidationResult {
	if input == nil {
		return Invalid("input must be an object", 1)
	}
	for _, key := range requiredKeys(schema) {
		if _, ok := input[key]; !ok {
			return Invalid(fmt.Sprintf("missing required parameter %q", key), 2)
		}
	}
	return Valid()
}

func requiredKeys(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		keys := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				keys = append(keys, s)
			}
		}
		return keys
	}
	return nil
}
