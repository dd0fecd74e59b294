package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	"github.com/jllopis/koder/pkg/agent"
	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/governance"
	"github.com/jllopis/koder/pkg/llm"
	"github.com/jllopis/koder/pkg/mcp"
	"github.com/jllopis/koder/pkg/mcp/pool"
	"github.com/jllopis/koder/pkg/memory"
	"github.com/jllopis/koder/pkg/resilience"
	"github.com/jllopis/koder/pkg/telemetry"
	"github.com/jllopis/koder/pkg/tools"
	"github.com/jllopis/koder/pkg/tools/builtin"
)

const (
	grantTable   = "permission_grants"
	historyTable = "conversation_messages"
)

// app holds the wired runtime shared by every command.
type app struct {
	cfg     *config.Config
	workDir string
	logger  *slog.Logger

	registry *tools.Registry
	grants   governance.GrantStore
	gate     *governance.PermissionGate
	executor *tools.Executor
	mcp      *pool.Manager
	report   pool.DiscoveryReport
	catalog  *agent.Catalog
	service  *agent.Service

	dbs      map[string]*sql.DB
	shutdown telemetry.ShutdownFunc
}

type appOptions struct {
	approval governance.ApprovalHook
	// discover connects to the configured MCP servers.
	discover bool
	// service builds the agent service and its model provider.
	service bool
}

func newApp(ctx context.Context, cfg *config.Config, global globalFlags, opts appOptions) (*app, error) {
	workDir := global.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workDir = wd
	}

	a := &app{
		cfg:     cfg,
		workDir: workDir,
		logger:  telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format),
		dbs:     make(map[string]*sql.DB),
	}

	shutdown, err := telemetry.InitWithConfig("koder", version, telemetry.Config{
		Exporter:           cfg.Telemetry.Exporter,
		OTLPEndpoint:       cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:       cfg.Telemetry.OTLPInsecure,
		OTLPTimeoutSeconds: cfg.Telemetry.OTLPTimeoutSeconds,
		Attributes:         []attribute.KeyValue{attribute.String("koder.workdir", workDir)},
	})
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "init telemetry", err)
	}
	a.shutdown = shutdown

	if err := a.wire(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	store, err := a.grantStore(ctx)
	if err != nil {
		return err
	}
	a.grants = store
	a.gate = governance.NewPermissionGate(
		governance.WithGrantStore(store),
		governance.WithShellTools(cfg.Permissions.ShellTools...),
		governance.WithSafeCommands(cfg.Permissions.SafeCommands...),
		governance.WithGateLogger(a.logger),
	)

	toolMetrics, err := telemetry.NewToolMetrics(ctx)
	if err != nil {
		a.logger.Warn("tool metrics disabled", slog.String("error", err.Error()))
	}

	a.registry = tools.NewRegistry()
	builtin.RegisterAll(a.registry, a.workDir)

	execOpts := []tools.ExecutorOption{
		tools.WithGate(a.gate),
		tools.WithMetrics(toolMetrics),
		tools.WithLogger(a.logger),
	}
	if opts.approval != nil {
		execOpts = append(execOpts, tools.WithApprovalHook(opts.approval))
	}
	var policy governance.PolicyEngine
	if len(cfg.Governance.Policies) > 0 {
		policy = governance.RuleSetFromConfig(cfg.Governance)
		execOpts = append(execOpts, tools.WithPolicy(policy))
	}
	a.executor = tools.NewExecutor(a.registry, execOpts...)

	if opts.discover && len(cfg.MCP.Servers) > 0 {
		poolOpts := []pool.Option{
			pool.WithLogger(a.logger),
			pool.WithClientOptions(mcp.WithLogger(a.logger)),
			pool.WithHealthCheckInterval(time.Duration(cfg.MCP.HealthCheckSeconds) * time.Second),
			pool.WithConnectRetry(resilience.DefaultRetry().WithMaxAttempts(cfg.MCP.ConnectAttempts)),
		}
		if cfg.MCP.BreakerThreshold > 0 {
			poolOpts = append(poolOpts, pool.WithCircuitBreaker(resilience.BreakerConfig{
				FailureThreshold: cfg.MCP.BreakerThreshold,
				Cooldown:         time.Duration(cfg.MCP.BreakerCooldownSeconds) * time.Second,
			}))
		}
		if policy != nil {
			poolOpts = append(poolOpts, pool.WithPolicy(policy))
		}
		a.mcp = pool.New(poolOpts...)
		if err := a.mcp.RegisterConfig(cfg.MCP); err != nil {
			return errors.New(errors.CodeConfig, "register mcp servers", err)
		}
		report := a.mcp.Discover(ctx, a.registry)
		a.report = report
		for _, failed := range report.Failed() {
			a.logger.Warn("mcp.discovery.failed",
				slog.String("server", failed.Server),
				slog.String("error", fmt.Sprint(failed.Err)),
			)
		}
		a.logger.Info("mcp.discovery.done",
			slog.Int("servers", len(report.Servers)),
			slog.Int("tools", report.ToolCount()),
		)
	}

	a.catalog = loadCatalog(cfg, a.workDir, a.logger)

	if !opts.service {
		return nil
	}
	return a.buildService(ctx)
}

func (a *app) buildService(ctx context.Context) error {
	cfg := a.cfg
	provider, err := createProvider(cfg.LLM)
	if err != nil {
		return err
	}
	provider = llm.WithRetry(provider, resilience.DefaultRetry().
		WithMaxAttempts(cfg.LLM.MaxAttempts).
		WithOnRetry(func(attempt int, err error) {
			a.logger.Warn("llm.retry", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		}))
	history, err := a.historyStore(ctx)
	if err != nil {
		return err
	}

	agentMetrics, err := telemetry.NewAgentMetrics(ctx)
	if err != nil {
		a.logger.Warn("agent metrics disabled", slog.String("error", err.Error()))
	}
	errMetrics, err := telemetry.NewErrorMetrics(ctx)
	if err != nil {
		a.logger.Warn("error metrics disabled", slog.String("error", err.Error()))
	}

	svcOpts := []agent.ServiceOption{
		agent.WithCatalog(a.catalog),
		agent.WithHistoryStore(history),
		agent.WithDefaultModel(cfg.LLM.Model),
		agent.WithIterationLimit(cfg.Agent.MaxIterations),
		agent.WithToolConcurrency(cfg.Agent.ToolConcurrency),
		agent.WithServiceMetrics(agentMetrics, errMetrics),
		agent.WithServiceLogger(a.logger),
	}
	instructions, err := governance.LoadProjectInstructions(a.workDir)
	if err != nil {
		a.logger.Warn("project instructions not loaded", slog.String("error", err.Error()))
	}
	if instructions != nil {
		a.logger.Debug("project instructions loaded", slog.String("path", instructions.Path))
		svcOpts = append(svcOpts, agent.WithProjectInstructions(instructions.Raw))
	}

	svc, err := agent.NewService(provider, a.executor, svcOpts...)
	if err != nil {
		return err
	}
	a.service = svc
	return nil
}

func (a *app) grantStore(ctx context.Context) (governance.GrantStore, error) {
	switch strings.ToLower(a.cfg.Permissions.Store) {
	case "", "memory":
		return governance.NewMemoryGrantStore(), nil
	case "sqlite":
		db, err := a.openDB(a.cfg.Permissions.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := governance.NewSQLiteGrantStore(ctx, db, grantTable)
		if err != nil {
			return nil, errors.New(errors.CodeConfig, "open grant store", err)
		}
		return store, nil
	default:
		return nil, errors.New(errors.CodeConfig, fmt.Sprintf("unknown permissions store %q", a.cfg.Permissions.Store), nil)
	}
}

func (a *app) historyStore(ctx context.Context) (memory.ConversationMemory, error) {
	conv := memory.ConversationConfig{
		TruncationStrategy: memory.NewWindowStrategy(a.cfg.History.MaxMessages, true),
	}
	switch strings.ToLower(a.cfg.History.Store) {
	case "", "memory":
		return memory.NewInMemoryConversation(conv), nil
	case "sqlite":
		db, err := a.openDB(a.cfg.History.SQLitePath)
		if err != nil {
			return nil, err
		}
		store, err := memory.NewSQLiteConversation(memory.SQLiteConfig{
			DB:                 db,
			TableName:          historyTable,
			ConversationConfig: conv,
		})
		if err != nil {
			return nil, errors.New(errors.CodeConfig, "open history store", err)
		}
		if err := store.Initialize(ctx); err != nil {
			return nil, errors.New(errors.CodeMemoryError, "initialize history store", err)
		}
		return store, nil
	default:
		return nil, errors.New(errors.CodeConfig, fmt.Sprintf("unknown history store %q", a.cfg.History.Store), nil)
	}
}

// openDB returns one connection pool per database file.
func (a *app) openDB(path string) (*sql.DB, error) {
	if db, ok := a.dbs[path]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeConfig, "open sqlite database", err).WithContext("path", path)
	}
	db.SetMaxOpenConns(1)
	a.dbs[path] = db
	return db, nil
}

func (a *app) close() {
	if a.service != nil {
		a.service.Close()
	}
	if a.mcp != nil {
		if err := a.mcp.Close(); err != nil {
			a.logger.Warn("mcp close", slog.String("error", err.Error()))
		}
	}
	for path, db := range a.dbs {
		if err := db.Close(); err != nil {
			a.logger.Warn("database close", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.shutdown(ctx)
	}
}

// loadCatalog layers agent definitions: built-ins, then the config file, then
// the user and project agent directories, then any extra directories.
// Later layers replace earlier definitions of the same type.
func loadCatalog(cfg *config.Config, workDir string, logger *slog.Logger) *agent.Catalog {
	catalog := agent.NewCatalog()
	for _, def := range cfg.Agents {
		catalog.Add(agent.FromConfig(def))
	}

	type source struct {
		dir string
		loc agent.Location
	}
	var sources []source
	if home, err := os.UserHomeDir(); err == nil {
		sources = append(sources, source{filepath.Join(home, ".koder", "agents"), agent.LocationUser})
	}
	sources = append(sources, source{filepath.Join(workDir, ".koder", "agents"), agent.LocationProject})
	for _, dir := range cfg.AgentsDir {
		sources = append(sources, source{dir, agent.LocationProject})
	}

	for _, src := range sources {
		n, err := catalog.LoadDir(src.dir, src.loc)
		if err != nil {
			logger.Warn("agent definitions skipped", slog.String("dir", src.dir), slog.String("error", err.Error()))
		}
		if n > 0 {
			logger.Debug("agent definitions loaded", slog.String("dir", src.dir), slog.Int("count", n))
		}
	}
	return catalog
}

func createProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		return llm.NewOllama(cfg.BaseURL), nil
	case "mock":
		return llm.EchoProvider{}, nil
	default:
		return nil, errors.New(errors.CodeConfig, fmt.Sprintf("unsupported llm provider %q", cfg.Provider), nil).
			WithContext("provider", cfg.Provider)
	}
}

// buildApprovalHook resolves the approval mode. "auto" asks on a terminal
// and denies otherwise.
func buildApprovalHook(mode string, jsonOutput bool) (governance.ApprovalHook, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "auto"
	}
	isTTY := isatty.IsTerminal(os.Stdin.Fd()) && !jsonOutput

	if mode == "auto" {
		if isTTY {
			mode = "ask"
		} else {
			mode = "deny"
		}
	}
	if mode == "ask" && !isTTY {
		fmt.Fprintln(os.Stderr, "Approval mode 'ask' requires a TTY; falling back to deny.")
		mode = "deny"
	}

	switch mode {
	case "ask":
		return governance.NewConsoleApprovalHook(
			governance.WithApprovalInput(os.Stdin),
			governance.WithApprovalOutput(os.Stderr),
		), nil
	case "approve":
		return governance.StaticApprovalHook{Decision: governance.Allow("approved by --approval=approve")}, nil
	case "deny":
		return governance.StaticApprovalHook{Decision: governance.Deny("no interactive approval available")}, nil
	default:
		return nil, stderrors.New("approval mode must be one of auto, ask, approve, deny")
	}
}
