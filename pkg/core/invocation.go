package core

import (
	"context"

	"github.com/google/uuid"
)

type invocationKey struct{}

// Invocation is the per-turn context threaded through every capability call.
type Invocation struct {
	// ID correlates logs and spans for one call.
	ID string
	// ParentID is set on invocations derived for a single tool call.
	ParentID string
	// ToolCallID is the model-assigned id of the tool call being served.
	ToolCallID string
	AgentID    string
	SessionID  string
	SafeMode   bool
	Abort      *AbortController
	// PreviousResponseID carries provider-side multi-turn state, when supported.
	PreviousResponseID string
}

// InvocationOption configures an Invocation.
type InvocationOption func(*Invocation)

// WithAgentID sets the owning agent.
func WithAgentID(id string) InvocationOption {
	return func(inv *Invocation) {
		inv.AgentID = id
	}
}

// WithSafeMode enables permission checks for the turn.
func WithSafeMode(enabled bool) InvocationOption {
	return func(inv *Invocation) {
		inv.SafeMode = enabled
	}
}

// WithAbortController shares an existing controller instead of creating one.
func WithAbortController(a *AbortController) InvocationOption {
	return func(inv *Invocation) {
		if a != nil {
			inv.Abort = a
		}
	}
}

// WithPreviousResponseID sets the provider continuation token.
func WithPreviousResponseID(id string) InvocationOption {
	return func(inv *Invocation) {
		inv.PreviousResponseID = id
	}
}

// NewInvocation creates the context for one user turn.
func NewInvocation(sessionID string, opts ...InvocationOption) *Invocation {
	inv := &Invocation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.Abort == nil {
		inv.Abort = NewAbortController()
	}
	return inv
}

// Derive returns a child invocation for one tool call. The child gets its own
// correlation id and shares the abort controller with its parent.
func (inv *Invocation) Derive(toolCallID string) *Invocation {
	if inv == nil {
		child := NewInvocation("")
		child.ToolCallID = toolCallID
		return child
	}
	child := *inv
	child.ID = uuid.NewString()
	child.ParentID = inv.ID
	child.ToolCallID = toolCallID
	return &child
}

// Aborted reports whether the invocation's abort controller has tripped.
func (inv *Invocation) Aborted() bool {
	return inv != nil && inv.Abort.IsAborted()
}

// WithInvocation attaches an invocation to the context.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFromContext returns the invocation attached to ctx, if any.
func InvocationFromContext(ctx context.Context) (*Invocation, bool) {
	if ctx == nil {
		return nil, false
	}
	inv, ok := ctx.Value(invocationKey{}).(*Invocation)
	return inv, ok && inv != nil
}
