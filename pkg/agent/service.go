package agent

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/jllopis/koder/pkg/core"
	kerrors "github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/llm"
	"github.com/jllopis/koder/pkg/memory"
	"github.com/jllopis/koder/pkg/telemetry"
	"github.com/jllopis/koder/pkg/tools"
)

// RunRequest is one user turn addressed to an agent.
type RunRequest struct {
	// AgentType defaults to DefaultAgentType.
	AgentType string
	// SessionID defaults to "<agentType>_default".
	SessionID string
	Prompt    string
	SafeMode  bool
	// Abort is tripped by the caller to stop the run; one is created when nil.
	Abort   *core.AbortController
	OnChunk ChunkHandler
}

type sessionKey struct {
	agentType string
	sessionID string
}

// historyID is the conversation store key of a session.
func (k sessionKey) historyID() string {
	return k.agentType + "/" + k.sessionID
}

// Service routes turns to one Orchestrator per (agent type, session id). All
// orchestrators share the tool worker pool and the history store.
type Service struct {
	catalog  *Catalog
	provider llm.Provider
	executor *tools.Executor
	history  memory.ConversationMemory

	model           string
	maxIterations   int
	toolConcurrency int
	instructions    string

	metrics    *telemetry.AgentMetrics
	errMetrics *telemetry.ErrorMetrics
	logger     *slog.Logger

	pool *ants.Pool

	mu       sync.Mutex
	sessions map[sessionKey]*Orchestrator
	closed   bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithCatalog sets the agent definitions. Defaults to NewCatalog().
func WithCatalog(c *Catalog) ServiceOption {
	return func(s *Service) {
		s.catalog = c
	}
}

// WithHistoryStore sets the conversation store shared by every session.
func WithHistoryStore(h memory.ConversationMemory) ServiceOption {
	return func(s *Service) {
		s.history = h
	}
}

// WithDefaultModel sets the model for agents that name none.
func WithDefaultModel(model string) ServiceOption {
	return func(s *Service) {
		s.model = model
	}
}

// WithIterationLimit sets the round limit of every orchestrator.
func WithIterationLimit(n int) ServiceOption {
	return func(s *Service) {
		s.maxIterations = n
	}
}

// WithToolConcurrency sets the size of the shared tool worker pool.
func WithToolConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.toolConcurrency = n
		}
	}
}

// WithProjectInstructions appends project instructions to every system prompt.
func WithProjectInstructions(text string) ServiceOption {
	return func(s *Service) {
		s.instructions = text
	}
}

// WithServiceMetrics records run outcomes and errors.
func WithServiceMetrics(m *telemetry.AgentMetrics, em *telemetry.ErrorMetrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
		s.errMetrics = em
	}
}

// WithServiceLogger sets the logger handed to every orchestrator.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a service. Close releases its worker pool.
func NewService(provider llm.Provider, executor *tools.Executor, opts ...ServiceOption) (*Service, error) {
	if provider == nil {
		return nil, NewInvalidInputError("model provider is required")
	}
	if executor == nil {
		return nil, NewInvalidInputError("executor is required")
	}
	s := &Service{
		provider:        provider,
		executor:        executor,
		maxIterations:   DefaultMaxIterations,
		toolConcurrency: DefaultToolConcurrency,
		logger:          slog.Default(),
		sessions:        make(map[sessionKey]*Orchestrator),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog = NewCatalog()
	}
	if s.history == nil {
		s.history = memory.NewInMemoryConversation(memory.ConversationConfig{
			TruncationStrategy: memory.NewWindowStrategy(DefaultHistoryWindow, true),
		})
	}
	pool, err := ants.NewPool(s.toolConcurrency)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeInternal, "create tool pool", err)
	}
	s.pool = pool
	return s, nil
}

// Catalog returns the agent definitions.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// ListAgents returns every known agent definition sorted by type.
func (s *Service) ListAgents() []Definition {
	return s.catalog.List()
}

// Run sends one prompt to the agent session named by req.
func (s *Service) Run(ctx context.Context, req RunRequest) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewInvalidInputError("prompt is empty")
	}
	key := resolveKey(req.AgentType, req.SessionID)
	orch, err := s.orchestrator(key)
	if err != nil {
		return nil, err
	}

	inv := core.NewInvocation(key.sessionID,
		core.WithAgentID(key.agentType),
		core.WithSafeMode(req.SafeMode),
		core.WithAbortController(req.Abort),
	)
	return orch.Run(ctx, req.Prompt, inv, req.OnChunk)
}

// Session returns the orchestrator serving a session, if it was used.
func (s *Service) Session(agentType, sessionID string) (*Orchestrator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orch, ok := s.sessions[resolveKey(agentType, sessionID)]
	return orch, ok
}

// Sessions returns the active session ids as "<agentType>/<sessionID>", sorted.
func (s *Service) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for key := range s.sessions {
		out = append(out, key.historyID())
	}
	sort.Strings(out)
	return out
}

// ClearSession forgets a session's history and orchestrator.
func (s *Service) ClearSession(ctx context.Context, agentType, sessionID string) error {
	key := resolveKey(agentType, sessionID)
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()

	if err := s.history.Clear(ctx, key.historyID()); err != nil {
		return WrapMemoryError(err, "clear")
	}
	s.logger.InfoContext(ctx, "agent.session.cleared",
		slog.String("agent", key.agentType),
		slog.String("session", key.sessionID),
	)
	return nil
}

// Close releases the worker pool. Runs in progress finish their current tool
// calls; later runs fail.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.sessions = make(map[sessionKey]*Orchestrator)
	s.pool.Release()
}

func (s *Service) orchestrator(key sessionKey) (*Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kerrors.New(kerrors.CodeInternal, "agent service is closed", nil)
	}
	if orch, ok := s.sessions[key]; ok {
		return orch, nil
	}

	def, ok := s.catalog.Get(key.agentType)
	if !ok {
		return nil, NewNotFoundError("agent", key.agentType)
	}
	orch, err := NewOrchestrator(def, s.provider, s.executor, key.historyID(),
		WithModel(s.model),
		WithMaxIterations(s.maxIterations),
		WithPool(s.pool),
		WithHistory(s.history),
		WithInstructions(s.instructions),
		WithMetrics(s.metrics),
		WithErrorMetrics(s.errMetrics),
		WithLogger(s.logger),
	)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = orch
	return orch, nil
}

func resolveKey(agentType, sessionID string) sessionKey {
	if agentType == "" {
		agentType = DefaultAgentType
	}
	if sessionID == "" {
		sessionID = agentType + "_default"
	}
	return sessionKey{agentType: agentType, sessionID: sessionID}
}
