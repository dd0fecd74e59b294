package agent

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/llm"
	ktesting "github.com/jllopis/koder/pkg/testing"
	"github.com/jllopis/koder/pkg/tools"
)

type chunkRecorder struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (r *chunkRecorder) handle(c Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
}

func (r *chunkRecorder) ofKind(kind ChunkKind) []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Chunk
	for _, c := range r.chunks {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

type callCounter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *callCounter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
}

func (c *callCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// newTestExecutor registers Echo, View and Bash stand-ins.
func newTestExecutor(counter *callCounter) *tools.Executor {
	reg := tools.NewRegistry()
	reg.Register(
		tools.NewFunction("Echo", "Echoes text",
			func(_ context.Context, input map[string]any, _ *core.Invocation, _ core.ProgressFunc) (any, error) {
				counter.inc("Echo")
				return input["text"], nil
			},
			tools.WithSchema(map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []any{"text"},
			}),
			tools.WithReadOnly(),
			tools.WithConcurrencySafe(),
		),
		tools.NewFunction("View", "Reads a file",
			func(context.Context, map[string]any, *core.Invocation, core.ProgressFunc) (any, error) {
				counter.inc("View")
				return "file contents", nil
			},
			tools.WithReadOnly(),
			tools.WithConcurrencySafe(),
		),
		tools.NewFunction("Bash", "Runs a command",
			func(context.Context, map[string]any, *core.Invocation, core.ProgressFunc) (any, error) {
				counter.inc("Bash")
				return "ran", nil
			},
		),
	)
	return tools.NewExecutor(reg)
}

func newTestOrchestrator(t *testing.T, def Definition, provider llm.Provider, exec *tools.Executor, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(def, provider, exec, "test-session", opts...)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func generalPurpose() Definition {
	def, _ := NewCatalog().Get(DefaultAgentType)
	return def
}

func TestOrchestratorStopsAtIterationLimit(t *testing.T) {
	counter := &callCounter{}
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(ktesting.NewToolCall("Echo").WithID("c1").WithArg("text", "again").Build()).
		RepeatLast()
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(counter))

	rec := &chunkRecorder{}
	res, err := o.Run(context.Background(), "loop forever", nil, rec.handle)
	require.NoError(t, err)

	assert.Equal(t, StateLoopLimitReached, res.State)
	assert.Equal(t, DefaultMaxIterations, res.Rounds)
	assert.Equal(t, DefaultMaxIterations, provider.CallCount())
	assert.Equal(t, DefaultMaxIterations, counter.get("Echo"))
	assert.Len(t, rec.ofKind(ChunkWarning), 1)
	assert.Equal(t, StateLoopLimitReached, o.State())
}

func TestOrchestratorCustomIterationLimit(t *testing.T) {
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(ktesting.NewToolCall("Echo").WithID("c1").WithArg("text", "x").Build()).
		RepeatLast()
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(&callCounter{}), WithMaxIterations(3))

	res, err := o.Run(context.Background(), "go", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateLoopLimitReached, res.State)
	assert.Equal(t, 3, provider.CallCount())
}

func TestOrchestratorEchoRound(t *testing.T) {
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(ktesting.NewToolCall("Echo").WithID("call-1").WithArg("text", "hi").Build()).
		AddResponse("done")
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(&callCounter{}))

	rec := &chunkRecorder{}
	res, err := o.Run(context.Background(), "say hi", nil, rec.handle)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 2, res.Rounds)

	results := rec.ofKind(ChunkToolResult)
	require.Len(t, results, 1)
	assert.Equal(t, "hi", results[0].Content)
	assert.Equal(t, "call-1", results[0].ToolCallID)
	assert.False(t, results[0].Failed)
	assert.Len(t, rec.ofKind(ChunkToolCall), 1)

	ktesting.AssertRequest(t, provider.LastRequest()).
		HasSystemMessage("general-purpose agent").
		HasUserMessage("say hi").
		HasToolResult("call-1", "hi").
		HasTool("Echo")
}

func TestOrchestratorNotPermitted(t *testing.T) {
	counter := &callCounter{}
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(ktesting.NewToolCall("Bash").WithID("c1").WithArg("command", "ls").Build()).
		AddResponse("ok")
	def := Definition{Type: "reader", Tools: []string{"View"}}
	o := newTestOrchestrator(t, def, provider, newTestExecutor(counter))

	res, err := o.Run(context.Background(), "list files", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Zero(t, counter.get("Bash"))

	requests := provider.Requests()
	require.Len(t, requests, 2)
	ktesting.AssertRequest(t, &requests[0]).HasTool("View").LacksTool("Bash").LacksTool("Echo")
	ktesting.AssertRequest(t, &requests[1]).HasToolResult("c1", "Error: ").HasToolResult("c1", string(errors.CodeCapabilityNotPermitted))
}

func TestOrchestratorPerCallErrors(t *testing.T) {
	tests := []struct {
		name string
		call llm.ToolCall
		want errors.ErrorCode
	}{
		{
			name: "unknown capability",
			call: ktesting.NewToolCall("Nope").WithID("c1").Build(),
			want: errors.CodeCapabilityNotFound,
		},
		{
			name: "arguments are not json",
			call: ktesting.NewToolCall("Echo").WithID("c1").WithRawArguments("{not json").Build(),
			want: errors.CodeValidation,
		},
		{
			name: "missing required argument",
			call: ktesting.NewToolCall("Echo").WithID("c1").Build(),
			want: errors.CodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := &callCounter{}
			provider := ktesting.NewScenarioProvider().AddToolCallResponse(tt.call).AddResponse("recovered")
			o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(counter))

			rec := &chunkRecorder{}
			res, err := o.Run(context.Background(), "try", nil, rec.handle)
			require.NoError(t, err)
			assert.Equal(t, StateDone, res.State)
			assert.Zero(t, counter.get("Echo"))

			results := rec.ofKind(ChunkToolResult)
			require.Len(t, results, 1)
			assert.True(t, results[0].Failed)
			assert.True(t, strings.HasPrefix(results[0].Content, "Error: "), results[0].Content)
			ktesting.AssertRequest(t, provider.LastRequest()).HasToolResult("c1", string(tt.want))
		})
	}
}

func TestOrchestratorResultsKeepRequestOrder(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(
		tools.NewFunction("Slow", "Sleeps",
			func(context.Context, map[string]any, *core.Invocation, core.ProgressFunc) (any, error) {
				time.Sleep(50 * time.Millisecond)
				return "slow", nil
			},
			tools.WithConcurrencySafe(),
		),
		tools.NewFunction("Fast", "Returns at once",
			func(context.Context, map[string]any, *core.Invocation, core.ProgressFunc) (any, error) {
				return "fast", nil
			},
			tools.WithConcurrencySafe(),
		),
	)
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(
			ktesting.NewToolCall("Slow").WithID("a").Build(),
			ktesting.NewToolCall("Fast").WithID("b").Build(),
		).
		AddResponse("done")
	o := newTestOrchestrator(t, generalPurpose(), provider, tools.NewExecutor(reg))

	_, err := o.Run(context.Background(), "both", nil, nil)
	require.NoError(t, err)

	req := ktesting.AssertRequest(t, provider.LastRequest())
	assert.Equal(t, []string{"a", "b"}, req.ToolResultIDs())
	req.HasToolResult("a", "slow").HasToolResult("b", "fast")
}

func TestOrchestratorAssignsMissingCallIDs(t *testing.T) {
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(ktesting.NewToolCall("View").Build()).
		AddResponse("done")
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(&callCounter{}))

	rec := &chunkRecorder{}
	_, err := o.Run(context.Background(), "read", nil, rec.handle)
	require.NoError(t, err)

	calls := rec.ofKind(ChunkToolCall)
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].ToolCallID, "call_"))
	ktesting.AssertRequest(t, provider.LastRequest()).HasToolResult(calls[0].ToolCallID, "file contents")
}

func TestOrchestratorAbortBetweenRounds(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.NewFunction("Stop", "Trips the abort controller",
		func(_ context.Context, _ map[string]any, inv *core.Invocation, _ core.ProgressFunc) (any, error) {
			inv.Abort.Abort("user pressed ctrl-c")
			return "stopping", nil
		},
	))
	provider := ktesting.NewScenarioProvider().
		AddToolCallResponse(ktesting.NewToolCall("Stop").WithID("c1").Build()).
		AddResponse("never reached")
	o := newTestOrchestrator(t, generalPurpose(), provider, tools.NewExecutor(reg))

	inv := core.NewInvocation("test-session")
	res, err := o.Run(context.Background(), "stop", inv, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrAborted))
	assert.Contains(t, err.Error(), "user pressed ctrl-c")
	require.NotNil(t, res)
	assert.Equal(t, StateAborted, res.State)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, 1, provider.CallCount())
}

func TestOrchestratorAbortedBeforeStart(t *testing.T) {
	provider := ktesting.NewScenarioProvider().AddResponse("unused")
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(&callCounter{}))

	inv := core.NewInvocation("test-session")
	inv.Abort.Abort("")
	res, err := o.Run(context.Background(), "hello", inv, nil)
	assert.Equal(t, errors.CodeAborted, errors.CodeOf(err))
	assert.Equal(t, StateAborted, res.State)
	assert.Zero(t, provider.CallCount())
}

func TestOrchestratorModelError(t *testing.T) {
	provider := ktesting.NewScenarioProvider().AddErrorResponse(stderrors.New("connection refused"))
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(&callCounter{}), WithModel("qwen"))

	res, err := o.Run(context.Background(), "hello", nil, nil)
	assert.Nil(t, res)
	assert.Equal(t, errors.CodeLLMError, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOrchestratorHistoryAcrossRuns(t *testing.T) {
	provider := ktesting.NewScenarioProvider().AddResponse("first answer").AddResponse("second answer")
	o := newTestOrchestrator(t, generalPurpose(), provider, newTestExecutor(&callCounter{}),
		WithInstructions("Always run the tests."))

	_, err := o.Run(context.Background(), "first question", nil, nil)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), "second question", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "second answer", res.Content)

	ktesting.AssertRequest(t, provider.LastRequest()).
		HasMessageCount(4).
		HasSystemMessage("Always run the tests.").
		HasUserMessage("first question").
		HasUserMessage("second question")
}

func TestOrchestratorModelOverride(t *testing.T) {
	provider := ktesting.NewScenarioProvider().AddResponse("ok")
	def := Definition{Type: "fast", ModelName: "small-model"}
	o := newTestOrchestrator(t, def, provider, newTestExecutor(&callCounter{}), WithModel("default-model"))

	_, err := o.Run(context.Background(), "hi", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "small-model", provider.LastRequest().Model)
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	_, err := NewOrchestrator(generalPurpose(), nil, newTestExecutor(&callCounter{}), "s")
	assert.Equal(t, errors.CodeInvalidInput, errors.CodeOf(err))

	_, err = NewOrchestrator(generalPurpose(), ktesting.NewScenarioProvider(), nil, "s")
	assert.Equal(t, errors.CodeInvalidInput, errors.CodeOf(err))
}
