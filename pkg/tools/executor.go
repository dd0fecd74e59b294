// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/koder/pkg/core"
	kerrors "github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/governance"
	"github.com/jllopis/koder/pkg/telemetry"
)

// Gate decides whether a call needs an explicit grant before it runs.
type Gate interface {
	NeedsPermission(name string, input map[string]any, safeMode bool) bool
	// SuggestKey is the grant recorded when the user approves the call.
	SuggestKey(name string, input map[string]any) string
	// Grant records key for the session, or beyond it when persistent.
	Grant(ctx context.Context, key string, persistent bool) error
}

// Executor dispatches capability calls through lookup, validation,
// permission and abort checks.
type Executor struct {
	registry *Registry
	gate     Gate
	approval governance.ApprovalHook
	policy   governance.PolicyEngine
	metrics  *telemetry.ToolMetrics
	logger   *slog.Logger
	tracer   trace.Tracer

	locks sync.Map // name -> *sync.Mutex
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGate attaches the permission gate consulted in safe mode.
func WithGate(g Gate) ExecutorOption {
	return func(e *Executor) {
		e.gate = g
	}
}

// WithApprovalHook sets who is asked when a call needs permission.
func WithApprovalHook(h governance.ApprovalHook) ExecutorOption {
	return func(e *Executor) {
		e.approval = h
	}
}

// WithPolicy evaluates every dispatch against a policy engine. Deny rules
// reject the call; pending rules force the approval hook.
func WithPolicy(p governance.PolicyEngine) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithMetrics records call counts and latency.
func WithMetrics(m *telemetry.ToolMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		logger:   slog.Default(),
		tracer:   otel.Tracer("koder/tools"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Dispatch starts a call. Lookup, validation, permission and abort failures
// are returned synchronously and the capability is never invoked; anything
// that happens after that is delivered on the stream.
func (e *Executor) Dispatch(ctx context.Context, name string, input map[string]any, inv *core.Invocation) (*Stream, error) {
	if inv == nil {
		inv = core.NewInvocation("")
	}
	ctx = core.WithInvocation(ctx, inv)

	tool, ok := e.registry.Get(name)
	if !ok {
		return nil, e.reject(ctx, name, NotFoundError(name))
	}
	if res := tool.ValidateInput(ctx, input, inv); !res.OK {
		return nil, e.reject(ctx, name, ValidationError(name, res))
	}
	if err := e.authorize(ctx, tool, input, inv); err != nil {
		return nil, e.reject(ctx, name, err)
	}
	if inv.Aborted() {
		return nil, e.reject(ctx, name, AbortedError(inv.Abort.Reason()))
	}

	ctx, span := e.tracer.Start(ctx, "Tool.Call", trace.WithAttributes(
		attribute.String(telemetry.AttrToolName, name),
		attribute.String(telemetry.AttrToolCallID, inv.ToolCallID),
	))
	stream := newStream(name)
	go e.run(ctx, span, stream, tool, input, inv)
	return stream, nil
}

// Execute dispatches a call and waits for its result.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any, inv *core.Invocation, onProgress core.ProgressFunc) (any, error) {
	stream, err := e.Dispatch(ctx, name, input, inv)
	if err != nil {
		return nil, err
	}
	return stream.Result(ctx, onProgress)
}

func (e *Executor) authorize(ctx context.Context, tool core.Tool, input map[string]any, inv *core.Invocation) *kerrors.KoderError {
	name := tool.Name()
	pending := false
	var policyReason, ruleID string
	if e.policy != nil {
		action := governance.Action{Type: governance.ActionTool, Name: name}
		if command, ok := input[governance.MetaCommand].(string); ok {
			action.Metadata = map[string]string{governance.MetaCommand: command}
		}
		decision := e.policy.Evaluate(ctx, action)
		if decision.IsDenied() {
			return PermissionDeniedError(name, decision.Reason).WithContext("rule_id", decision.RuleID)
		}
		pending = decision.IsPending()
		policyReason, ruleID = decision.Reason, decision.RuleID
	}

	needs := pending
	if !needs && e.gate != nil && tool.NeedsPermission(input) {
		needs = e.gate.NeedsPermission(name, input, inv.SafeMode)
	}
	if !needs {
		return nil
	}
	if e.approval == nil {
		return PermissionDeniedError(name, "permission required and no approver configured")
	}

	if inv.Aborted() {
		return AbortedError(inv.Abort.Reason())
	}

	metadata := map[string]string{
		governance.MetaInput:     core.RenderValue(input),
		governance.MetaSessionID: inv.SessionID,
	}
	if command, ok := input[governance.MetaCommand].(string); ok {
		metadata[governance.MetaCommand] = command
	}
	grantKey := ""
	if e.gate != nil && !pending {
		grantKey = e.gate.SuggestKey(name, input)
		metadata[governance.MetaGrantKey] = grantKey
	}
	if policyReason != "" {
		metadata[governance.MetaPolicyReason] = policyReason
	}
	if ruleID != "" {
		metadata[governance.MetaPolicyRule] = ruleID
	}
	decision := e.approval.Request(ctx, governance.Action{Type: governance.ActionTool, Name: name, Metadata: metadata})
	if !decision.IsAllowed() {
		return PermissionDeniedError(name, decision.Reason)
	}
	if grantKey != "" {
		if err := e.gate.Grant(ctx, grantKey, decision.Persist); err != nil {
			e.logger.WarnContext(ctx, "tools.permission.grant_failed",
				slog.String("key", grantKey),
				slog.String("error", err.Error()),
			)
		}
	}
	e.logger.InfoContext(ctx, "tools.permission.approved",
		slog.String("tool", name),
		slog.String("reason", decision.Reason),
	)
	return nil
}

func (e *Executor) run(ctx context.Context, span trace.Span, stream *Stream, tool core.Tool, input map[string]any, inv *core.Invocation) {
	defer span.End()
	name := tool.Name()
	start := time.Now()

	result, err := e.call(ctx, tool, input, inv, func(content any) {
		stream.emit(core.Progress(content))
	})
	elapsed := time.Since(start)

	span.SetAttributes(attribute.Float64(telemetry.AttrToolDurationMs, float64(elapsed.Microseconds())/1000))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.WarnContext(ctx, "tools.call.error",
			slog.String("tool", name),
			slog.String("code", string(kerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
	} else {
		span.SetStatus(codes.Ok, "")
		e.logger.DebugContext(ctx, "tools.call.done",
			slog.String("tool", name),
			slog.Duration("elapsed", elapsed),
		)
	}
	e.metrics.RecordCall(ctx, name, elapsed, err)
	stream.finish(result, err)
}

func (e *Executor) call(ctx context.Context, tool core.Tool, input map[string]any, inv *core.Invocation, progress core.ProgressFunc) (result any, err error) {
	name := tool.Name()
	if !tool.ConcurrencySafe() {
		mu := e.lockFor(name)
		mu.Lock()
		defer mu.Unlock()
		if inv.Aborted() {
			return nil, AbortedError(inv.Abort.Reason())
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "tools.call.panic",
				slog.String("tool", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result, err = nil, ExecutionError(name, fmt.Errorf("panic: %v", r))
		}
	}()

	e.logger.DebugContext(ctx, "tools.call.start", slog.String("tool", name))
	result, err = tool.Call(ctx, input, inv, progress)
	if err != nil {
		if kerrors.CodeOf(err) == kerrors.CodeAborted {
			return nil, err
		}
		return nil, ExecutionError(name, err)
	}
	return result, nil
}

func (e *Executor) lockFor(name string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Executor) reject(ctx context.Context, name string, err *kerrors.KoderError) error {
	e.logger.InfoContext(ctx, "tools.dispatch.rejected",
		slog.String("tool", name),
		slog.String("code", string(err.Code)),
		slog.String("error", err.Error()),
	)
	e.metrics.RecordCall(ctx, name, 0, err)
	return err
}
