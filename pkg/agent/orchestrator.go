// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/koder/pkg/core"
	kerrors "github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/governance"
	"github.com/jllopis/koder/pkg/llm"
	"github.com/jllopis/koder/pkg/memory"
	"github.com/jllopis/koder/pkg/telemetry"
	"github.com/jllopis/koder/pkg/tools"
)

const (
	// DefaultMaxIterations bounds the number of model rounds per run.
	DefaultMaxIterations = 20
	// DefaultToolConcurrency is the worker count of a private tool pool.
	DefaultToolConcurrency = 8
	// DefaultHistoryWindow is the number of history messages sent to the model.
	DefaultHistoryWindow = 200
)

// State is the orchestrator's position in a run.
type State string

const (
	StateAwaitingModel    State = "awaiting_model"
	StateExecutingTools   State = "executing_tools"
	StateDone             State = "done"
	StateAborted          State = "aborted"
	StateLoopLimitReached State = "loop_limit_reached"

	// stateFailed labels runs that ended with an error before any outcome.
	stateFailed State = "failed"
)

// ChunkKind classifies streamed output.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolCall   ChunkKind = "tool_call"
	ChunkToolResult ChunkKind = "tool_result"
	ChunkWarning    ChunkKind = "warning"
)

// Chunk is one piece of streamed run output.
type Chunk struct {
	Kind       ChunkKind
	Content    string
	ToolName   string
	ToolCallID string
	// Failed is set on tool results that carry an error.
	Failed bool
}

// ChunkHandler receives chunks in order from the goroutine running the loop.
type ChunkHandler func(Chunk)

// Result summarises a finished run.
type Result struct {
	State   State
	Content string
	Rounds  int
}

// Orchestrator drives one agent over one conversation: ask the model, run the
// tools it requests, feed the results back, repeat. Runs on the same
// orchestrator are serialized.
type Orchestrator struct {
	def       Definition
	provider  llm.Provider
	executor  *tools.Executor
	filter    *governance.ToolFilter
	history   memory.ConversationMemory
	sessionID string

	model         string
	maxIterations int
	instructions  string
	pool          *ants.Pool
	ownsPool      bool

	metrics    *telemetry.AgentMetrics
	errMetrics *telemetry.ErrorMetrics
	logger     *slog.Logger
	tracer     trace.Tracer

	mu sync.Mutex

	stateMu sync.RWMutex
	state   State
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithModel sets the model used when the definition names none.
func WithModel(model string) Option {
	return func(o *Orchestrator) {
		o.model = model
	}
}

// WithMaxIterations overrides DefaultMaxIterations. Non-positive values are ignored.
func WithMaxIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithPool runs tool calls on a shared worker pool. The caller keeps ownership.
func WithPool(pool *ants.Pool) Option {
	return func(o *Orchestrator) {
		o.pool = pool
	}
}

// WithHistory sets the conversation store.
func WithHistory(history memory.ConversationMemory) Option {
	return func(o *Orchestrator) {
		o.history = history
	}
}

// WithInstructions appends project instructions to the system prompt.
func WithInstructions(text string) Option {
	return func(o *Orchestrator) {
		o.instructions = strings.TrimSpace(text)
	}
}

// WithMetrics records run outcomes.
func WithMetrics(m *telemetry.AgentMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithErrorMetrics counts model and history failures.
func WithErrorMetrics(m *telemetry.ErrorMetrics) Option {
	return func(o *Orchestrator) {
		o.errMetrics = m
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator creates an orchestrator for def. sessionID keys the
// conversation history.
func NewOrchestrator(def Definition, provider llm.Provider, executor *tools.Executor, sessionID string, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, NewInvalidInputError("model provider is required")
	}
	if executor == nil {
		return nil, NewInvalidInputError("executor is required")
	}
	if def.Type == "" {
		def.Type = DefaultAgentType
	}

	o := &Orchestrator{
		def:           def,
		provider:      provider,
		executor:      executor,
		filter:        def.Filter(),
		sessionID:     sessionID,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
		tracer:        otel.Tracer("koder/agent"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if def.ModelName != "" {
		o.model = def.ModelName
	}
	if o.history == nil {
		o.history = memory.NewInMemoryConversation(memory.ConversationConfig{
			TruncationStrategy: memory.NewWindowStrategy(DefaultHistoryWindow, true),
		})
	}
	if o.pool == nil {
		pool, err := ants.NewPool(DefaultToolConcurrency)
		if err != nil {
			return nil, kerrors.New(kerrors.CodeInternal, "create tool pool", err)
		}
		o.pool = pool
		o.ownsPool = true
	}
	return o, nil
}

// Definition returns the agent definition.
func (o *Orchestrator) Definition() Definition {
	return o.def
}

// SessionID returns the history key.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Close releases a private worker pool.
func (o *Orchestrator) Close() {
	if o.ownsPool {
		o.pool.Release()
	}
}

// State reports where the current or last run is.
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// AllowedTools returns the registered capabilities the agent may call.
func (o *Orchestrator) AllowedTools(ctx context.Context) []core.Tool {
	return o.executor.Registry().Filter(func(t core.Tool) bool {
		return o.filter.IsAllowed(ctx, t.Name()).IsAllowed()
	})
}

// Run processes one user prompt until the model stops asking for tools, the
// round limit is hit or inv's abort controller trips. Hitting the limit is not
// an error. An abort returns the partial result along with an ABORTED error.
func (o *Orchestrator) Run(ctx context.Context, prompt string, inv *core.Invocation, onChunk ChunkHandler) (*Result, error) {
	if inv == nil {
		inv = core.NewInvocation(o.sessionID, core.WithAgentID(o.def.Type))
	}
	emit := func(c Chunk) {
		if onChunk != nil {
			onChunk(c)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, cancel := inv.Abort.Context(ctx)
	defer cancel()
	ctx = core.WithInvocation(ctx, inv)
	ctx, span := o.tracer.Start(ctx, "Orchestrator.Run", trace.WithAttributes(
		telemetry.AgentAttributes(o.def.Type, o.model, inv.ID, 0, o.maxIterations)...,
	))
	defer span.End()

	o.logger.InfoContext(ctx, "agent.run.start",
		slog.String("agent", o.def.Type),
		slog.String("session", o.sessionID),
	)

	res, err := o.loop(ctx, prompt, inv, emit)

	rounds := 0
	state := stateFailed
	if res != nil {
		rounds, state = res.Rounds, res.State
	}
	o.setState(state)
	span.SetAttributes(
		attribute.Int(telemetry.AttrAgentIteration, rounds),
		attribute.String(telemetry.AttrAgentOutcome, string(state)),
	)
	if err != nil && state != StateAborted {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.errMetrics.RecordErrorMetric(ctx, err, "agent")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	o.metrics.RecordRun(ctx, o.def.Type, string(state), rounds, err)
	o.logger.InfoContext(ctx, "agent.run.done",
		slog.String("agent", o.def.Type),
		slog.String("state", string(state)),
		slog.Int("rounds", rounds),
	)
	return res, err
}

func (o *Orchestrator) loop(ctx context.Context, prompt string, inv *core.Invocation, emit ChunkHandler) (*Result, error) {
	if err := o.appendHistory(ctx, llm.Message{Role: llm.RoleUser, Content: prompt}); err != nil {
		return nil, err
	}

	defs := tools.Definitions(o.AllowedTools(ctx))
	rounds := 0
	for {
		if inv.Aborted() {
			return o.aborted(ctx, inv, rounds)
		}
		if rounds >= o.maxIterations {
			msg := fmt.Sprintf("Reached the maximum of %d rounds; stopping before the task is complete.", o.maxIterations)
			o.logger.WarnContext(ctx, "agent.loop.limit",
				slog.String("agent", o.def.Type),
				slog.Int("rounds", rounds),
			)
			emit(Chunk{Kind: ChunkWarning, Content: msg})
			return &Result{State: StateLoopLimitReached, Content: msg, Rounds: rounds}, nil
		}

		o.setState(StateAwaitingModel)
		resp, err := o.chat(ctx, defs, rounds+1)
		if err != nil {
			if inv.Aborted() {
				return o.aborted(ctx, inv, rounds)
			}
			return nil, err
		}
		rounds++

		if len(resp.ToolCalls) == 0 {
			if err := o.appendHistory(ctx, llm.Message{Role: llm.RoleAssistant, Content: resp.Content}); err != nil {
				return nil, err
			}
			emit(Chunk{Kind: ChunkText, Content: resp.Content})
			return &Result{State: StateDone, Content: resp.Content, Rounds: rounds}, nil
		}

		calls := make([]llm.ToolCall, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			if call.Type == "" {
				call.Type = llm.ToolTypeFunction
			}
			calls[i] = call
		}
		if err := o.appendHistory(ctx, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: calls}); err != nil {
			return nil, err
		}
		if resp.Content != "" {
			emit(Chunk{Kind: ChunkText, Content: resp.Content})
		}
		for _, call := range calls {
			emit(Chunk{
				Kind:       ChunkToolCall,
				Content:    call.Function.Arguments,
				ToolName:   call.Function.Name,
				ToolCallID: call.ID,
			})
		}

		o.setState(StateExecutingTools)
		outcomes := o.executeCalls(ctx, calls, inv)
		for i, call := range calls {
			out := outcomes[i]
			if err := o.appendHistory(ctx, llm.Message{Role: llm.RoleTool, Content: out.forModel, ToolCallID: call.ID}); err != nil {
				return nil, err
			}
			emit(Chunk{
				Kind:       ChunkToolResult,
				Content:    out.forUser,
				ToolName:   call.Function.Name,
				ToolCallID: call.ID,
				Failed:     out.err != nil,
			})
		}
	}
}

func (o *Orchestrator) aborted(ctx context.Context, inv *core.Invocation, rounds int) (*Result, error) {
	reason := inv.Abort.Reason()
	o.logger.InfoContext(ctx, "agent.run.aborted",
		slog.String("agent", o.def.Type),
		slog.String("reason", reason),
	)
	return &Result{State: StateAborted, Rounds: rounds}, tools.AbortedError(reason)
}

func (o *Orchestrator) chat(ctx context.Context, defs []llm.Tool, round int) (*llm.ChatResponse, error) {
	messages, err := o.messages(ctx)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.Model", trace.WithAttributes(
		telemetry.LLMAttributes(o.model, len(messages), len(defs))...,
	))
	defer span.End()
	span.SetAttributes(attribute.Int(telemetry.AttrAgentIteration, round))

	resp, err := o.provider.Chat(ctx, llm.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Tools:    defs,
	})
	if err == nil && resp == nil {
		err = fmt.Errorf("provider returned no response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.WarnContext(ctx, "agent.model.error",
			slog.String("agent", o.def.Type),
			slog.Int("round", round),
			slog.String("error", err.Error()),
		)
		return nil, WrapLLMError(err, o.model)
	}
	span.SetAttributes(telemetry.LLMUsageAttributes(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, len(resp.ToolCalls))...)
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// messages builds the request: system prompt, then the stored history.
func (o *Orchestrator) messages(ctx context.Context) ([]llm.Message, error) {
	stored, err := o.history.GetMessages(ctx, o.sessionID)
	if err != nil {
		return nil, WrapMemoryError(err, "get_messages")
	}
	out := make([]llm.Message, 0, len(stored)+1)
	if system := o.systemPrompt(); system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	return append(out, memory.ToLLM(stored)...), nil
}

func (o *Orchestrator) systemPrompt() string {
	prompt := strings.TrimSpace(o.def.SystemPrompt)
	if o.instructions == "" {
		return prompt
	}
	if prompt != "" {
		prompt += "\n\n"
	}
	return prompt + "# Project instructions\n\n" + o.instructions
}

func (o *Orchestrator) appendHistory(ctx context.Context, msg llm.Message) error {
	if err := o.history.AppendMessage(ctx, o.sessionID, memory.FromLLM(o.sessionID, msg)); err != nil {
		return WrapMemoryError(err, "append_message")
	}
	return nil
}

type callOutcome struct {
	forModel string
	forUser  string
	err      error
}

// executeCalls runs every call on the worker pool and returns the outcomes in
// request order.
func (o *Orchestrator) executeCalls(ctx context.Context, calls []llm.ToolCall, inv *core.Invocation) []callOutcome {
	outcomes := make([]callOutcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			outcomes[i] = o.executeCall(ctx, call, inv.Derive(call.ID))
		}
		if err := o.pool.Submit(task); err != nil {
			wg.Done()
			outcomes[i] = failed(kerrors.New(kerrors.CodeInternal, "tool pool unavailable", err))
		}
	}
	wg.Wait()
	return outcomes
}

func (o *Orchestrator) executeCall(ctx context.Context, call llm.ToolCall, inv *core.Invocation) callOutcome {
	name := call.Function.Name
	registry := o.executor.Registry()

	if registry.Has(name) && !o.filter.IsAllowed(ctx, name).IsAllowed() {
		return o.failedCall(ctx, name, tools.NotPermittedError(name, o.def.Type))
	}
	args, err := call.ParseArguments()
	if err != nil {
		return o.failedCall(ctx, name, invalidArgumentsError(name, err))
	}

	result, err := o.executor.Execute(ctx, name, args, inv, nil)
	if err != nil {
		if inv.Aborted() && stderrors.Is(err, context.Canceled) {
			err = tools.AbortedError(inv.Abort.Reason())
		}
		return o.failedCall(ctx, name, err)
	}
	tool, _ := registry.Get(name)
	return callOutcome{
		forModel: core.RenderForAssistant(tool, result),
		forUser:  core.RenderForUser(tool, result),
	}
}

func (o *Orchestrator) failedCall(ctx context.Context, name string, err error) callOutcome {
	o.logger.DebugContext(ctx, "agent.tool.failed",
		slog.String("agent", o.def.Type),
		slog.String("tool", name),
		slog.String("code", string(kerrors.CodeOf(err))),
	)
	return failed(err)
}

func failed(err error) callOutcome {
	text := "Error: " + err.Error()
	return callOutcome{forModel: text, forUser: text, err: err}
}
