package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/koder/pkg/resilience"
)

func TestMockProvider(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
}

func TestEchoProvider(t *testing.T) {
	resp, err := EchoProvider{}.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "ping"},
		},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "echo: ping" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    string
		wantLen int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"object", `{"path":"/tmp","limit":3}`, 2, false},
		{"null", "null", 0, false},
		{"broken", `{"path":`, 0, true},
		{"array", `[1,2]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ToolCall{Function: FunctionCall{Name: "View", Arguments: tt.args}}
			got, err := tc.ParseArguments()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got == nil || len(got) != tt.wantLen {
				t.Fatalf("expected %d args, got %v", tt.wantLen, got)
			}
		})
	}
}

func TestOllamaChat(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "View", "arguments": {"file_path": "go.mod"}}}]
			},
			"done": true,
			"prompt_eval_count": 7,
			"eval_count": 3
		}`))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "qwen",
		Messages: []Message{
			{Role: RoleUser, Content: "read go.mod"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Type: ToolTypeFunction, Function: FunctionCall{Name: "LS", Arguments: `{"path":"."}`}}}},
			{Role: RoleTool, ToolCallID: "c1", Content: "go.mod"},
		},
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp.ToolCalls)
	}
	args, err := resp.ToolCalls[0].ParseArguments()
	if err != nil || args["file_path"] != "go.mod" {
		t.Fatalf("unexpected arguments %q (%v)", resp.ToolCalls[0].Function.Arguments, err)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Fatalf("expected 10 tokens, got %d", resp.Usage.TotalTokens)
	}

	msgs := received["messages"].([]any)
	call := msgs[1].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)
	fn := call["function"].(map[string]any)
	if _, ok := fn["arguments"].(map[string]any); !ok {
		t.Fatalf("expected arguments sent as an object, got %T", fn["arguments"])
	}
	if received["stream"] != false {
		t.Fatalf("expected non-streaming request")
	}
}

func TestOllamaStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllama(srv.URL).Chat(context.Background(), ChatRequest{Model: "missing"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status error, got %v", err)
	}
	if resilience.Recoverable(err) {
		t.Error("a 404 should not be retried")
	}
}

func TestRetryProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ready"},"done":true}`))
	}))
	defer srv.Close()

	p := WithRetry(NewOllama(srv.URL), resilience.DefaultRetry().WithInitialDelay(time.Millisecond))
	resp, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if resp.Content != "ready" || calls.Load() != 2 {
		t.Errorf("content = %q after %d calls", resp.Content, calls.Load())
	}

	if _, ok := WithRetry(EchoProvider{}, resilience.Retry{MaxAttempts: 1}).(EchoProvider); !ok {
		t.Error("single-attempt retry should not wrap")
	}
}
