package tools

import (
	"context"

	"github.com/jllopis/koder/pkg/core"
)

// Func is the body of a FunctionTool.
type Func func(ctx context.Context, input map[string]any, inv *core.Invocation, progress core.ProgressFunc) (any, error)

// FunctionTool adapts a plain function into a capability.
type FunctionTool struct {
	name            string
	description     string
	schema          map[string]any
	readOnly        bool
	concurrencySafe bool
	needsPermission bool
	validate        func(ctx context.Context, input map[string]any, inv *core.Invocation) core.ValidationResult
	fn              Func
}

// FunctionOption configures a FunctionTool.
type FunctionOption func(*FunctionTool)

// WithSchema sets the JSON schema of the input.
func WithSchema(schema map[string]any) FunctionOption {
	return func(t *FunctionTool) {
		t.schema = schema
	}
}

// WithReadOnly marks the tool as read-only. Read-only tools never need permission.
func WithReadOnly() FunctionOption {
	return func(t *FunctionTool) {
		t.readOnly = true
		t.needsPermission = false
	}
}

// WithConcurrencySafe allows parallel calls of the same tool.
func WithConcurrencySafe() FunctionOption {
	return func(t *FunctionTool) {
		t.concurrencySafe = true
	}
}

// WithValidator replaces the default required-keys validation.
func WithValidator(v func(ctx context.Context, input map[string]any, inv *core.Invocation) core.ValidationResult) FunctionOption {
	return func(t *FunctionTool) {
		t.validate = v
	}
}

// NewFunction builds a capability from fn.
func NewFunction(name, description string, fn Func, opts ...FunctionOption) *FunctionTool {
	t := &FunctionTool{
		name:            name,
		description:     description,
		schema:          map[string]any{"type": "object", "properties": map[string]any{}},
		needsPermission: true,
		fn:              fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FunctionTool) Name() string                { return t.name }
func (t *FunctionTool) Description() string         { return t.description }
func (t *FunctionTool) InputSchema() map[string]any { return t.schema }
func (t *FunctionTool) ReadOnly() bool              { return t.readOnly }
func (t *FunctionTool) ConcurrencySafe() bool       { return t.concurrencySafe }

func (t *FunctionTool) NeedsPermission(map[string]any) bool {
	return t.needsPermission
}

func (t *FunctionTool) ValidateInput(ctx context.Context, input map[string]any, inv *core.Invocation) core.ValidationResult {
	if t.validate != nil {
		return t.validate(ctx, input, inv)
	}
	return core.ValidateRequired(t.schema, input)
}

func (t *FunctionTool) Call(ctx context.Context, input map[string]any, inv *core.Invocation, progress core.ProgressFunc) (any, error) {
	return t.fn(ctx, input, inv, progress)
}
