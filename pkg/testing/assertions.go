package testing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jllopis/koder/pkg/llm"
)

// RequestAssertions checks a captured chat request.
type RequestAssertions struct {
	t   *testing.T
	req llm.ChatRequest
}

// AssertRequest creates request assertions for the given request.
func AssertRequest(t *testing.T, req *llm.ChatRequest) *RequestAssertions {
	t.Helper()
	if req == nil {
		t.Fatal("request is nil")
	}
	return &RequestAssertions{t: t, req: *req}
}

// HasMessageCount asserts the number of messages in the request.
func (r *RequestAssertions) HasMessageCount(count int) *RequestAssertions {
	r.t.Helper()
	if len(r.req.Messages) != count {
		r.t.Errorf("expected %d messages, got %d: %s", count, len(r.req.Messages), FormatMessages(r.req.Messages))
	}
	return r
}

// HasSystemMessage asserts a system message exists with the given content.
func (r *RequestAssertions) HasSystemMessage(contains string) *RequestAssertions {
	r.t.Helper()
	return r.hasRole(llm.RoleSystem, contains)
}

// HasUserMessage asserts a user message exists with the given content.
func (r *RequestAssertions) HasUserMessage(contains string) *RequestAssertions {
	r.t.Helper()
	return r.hasRole(llm.RoleUser, contains)
}

func (r *RequestAssertions) hasRole(role llm.Role, contains string) *RequestAssertions {
	r.t.Helper()
	for _, msg := range r.req.Messages {
		if msg.Role == role && strings.Contains(msg.Content, contains) {
			return r
		}
	}
	r.t.Errorf("no %s message containing %q found", role, contains)
	return r
}

// HasTool asserts a tool with the given name is offered to the model.
func (r *RequestAssertions) HasTool(name string) *RequestAssertions {
	r.t.Helper()
	for _, tool := range r.req.Tools {
		if tool.Function.Name == name {
			return r
		}
	}
	r.t.Errorf("tool %q not found in request", name)
	return r
}

// LacksTool asserts a tool is not offered to the model.
func (r *RequestAssertions) LacksTool(name string) *RequestAssertions {
	r.t.Helper()
	for _, tool := range r.req.Tools {
		if tool.Function.Name == name {
			r.t.Errorf("tool %q unexpectedly offered", name)
		}
	}
	return r
}

// HasToolResult asserts a tool message answering callID contains text.
func (r *RequestAssertions) HasToolResult(callID, contains string) *RequestAssertions {
	r.t.Helper()
	for _, msg := range r.req.Messages {
		if msg.Role == llm.RoleTool && msg.ToolCallID == callID {
			if !strings.Contains(msg.Content, contains) {
				r.t.Errorf("tool result %s = %q, want it to contain %q", callID, msg.Content, contains)
			}
			return r
		}
	}
	r.t.Errorf("no tool result for call %q", callID)
	return r
}

// ToolResultIDs returns the call ids of the tool messages in order.
func (r *RequestAssertions) ToolResultIDs() []string {
	var ids []string
	for _, msg := range r.req.Messages {
		if msg.Role == llm.RoleTool {
			ids = append(ids, msg.ToolCallID)
		}
	}
	return ids
}

// FormatMessages renders messages compactly for failure output.
func FormatMessages(msgs []llm.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case len(m.ToolCalls) > 0:
			parts = append(parts, fmt.Sprintf("%s(calls=%d)", m.Role, len(m.ToolCalls)))
		case m.ToolCallID != "":
			parts = append(parts, fmt.Sprintf("%s(%s)", m.Role, m.ToolCallID))
		default:
			parts = append(parts, string(m.Role))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
