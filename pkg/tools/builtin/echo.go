package builtin

import (
	"context"

	"github.com/jllopis/koder/pkg/core"
)

// EchoTool returns its message unchanged. Handy for checking the tool loop.
type EchoTool struct{}

func (EchoTool) Name() string        { return "Echo" }
func (EchoTool) Description() string { return "Return the given message unchanged." }

func (EchoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"msg": map[string]any{"type": "string", "description": "Message to echo"},
		},
		"required": []string{"msg"},
	}
}

func (EchoTool) ReadOnly() bool                      { return true }
func (EchoTool) ConcurrencySafe() bool               { return true }
func (EchoTool) NeedsPermission(map[string]any) bool { return false }

func (t EchoTool) ValidateInput(_ context.Context, input map[string]any, _ *core.Invocation) core.ValidationResult {
	if res := core.ValidateRequired(t.InputSchema(), input); !res.OK {
		return res
	}
	if _, ok := input["msg"].(string); !ok {
		return core.Invalid("msg must be a string", 3)
	}
	return core.Valid()
}

func (EchoTool) Call(_ context.Context, input map[string]any, _ *core.Invocation, _ core.ProgressFunc) (any, error) {
	return input["msg"], nil
}
