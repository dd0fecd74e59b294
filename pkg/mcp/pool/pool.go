// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool manages the MCP servers known to the runtime.
//
// A Manager keeps one connected client per registered server, creating it on
// first use, and discovers the tools each server exposes so they can be
// registered as remote capabilities:
//
//	m := pool.New(pool.WithHealthCheckInterval(30 * time.Second))
//	defer m.Close()
//
//	_ = m.Register(mcp.ServerConfig{Name: "fs", Command: "mcp-server-filesystem"})
//	report := m.Discover(ctx, registry)
//	for _, failed := range report.Failed() {
//	    log.Printf("%s: %v", failed.Server, failed.Err)
//	}
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/governance"
	"github.com/jllopis/koder/pkg/mcp"
	"github.com/jllopis/koder/pkg/resilience"
	"github.com/jllopis/koder/pkg/tools"
)

var (
	// ErrManagerClosed is returned when operations are attempted on a closed manager.
	ErrManagerClosed = errors.New("mcp manager is closed")

	// ErrServerNotFound is returned when requesting a client for an unregistered server.
	ErrServerNotFound = errors.New("mcp server not registered")

	// ErrServerReplaced is returned to a connection attempt that finished after
	// Register replaced the server's descriptor.
	ErrServerReplaced = errors.New("mcp server re-registered while connecting")
)

const healthCheckTimeout = 5 * time.Second

// ClientFactory builds an unconnected client for a server.
type ClientFactory func(cfg mcp.ServerConfig) (mcp.Client, error)

// entry holds the client of one server. Its mutex serializes connection
// attempts so concurrent callers never spawn two processes for one server.
type entry struct {
	mu      sync.Mutex
	client  mcp.Client
	info    *mcp.InitializeResult
	created time.Time
	// breaker stops reconnecting to a server that keeps failing.
	breaker *resilience.Breaker
}

// Manager owns the clients of every registered MCP server.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]mcp.ServerConfig
	entries map[string]*entry
	// registries received remote tools from Discover; Unregister and Close
	// take them back out.
	registries map[*tools.Registry]struct{}
	closed     atomic.Bool

	factory             ClientFactory
	clientOpts          []mcp.ClientOption
	policy              governance.PolicyEngine
	logger              *slog.Logger
	healthCheckInterval time.Duration
	connectRetry        resilience.Retry
	breakerCfg          *resilience.BreakerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	totalConnections   atomic.Int64
	connectionErrors   atomic.Int64
	healthChecksPassed atomic.Int64
	healthChecksFailed atomic.Int64
}

var _ mcp.ClientSource = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithHealthCheckInterval enables the background loop that evicts dead
// connections. Zero disables it.
func WithHealthCheckInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.healthCheckInterval = interval
		}
	}
}

// WithConnectRetry retries failed connection attempts. The default makes a
// single attempt.
func WithConnectRetry(r resilience.Retry) Option {
	return func(m *Manager) {
		m.connectRetry = r
	}
}

// WithCircuitBreaker fails fast for a server whose connection attempts keep
// failing, until the cooldown passes. The breaker name is set per server.
func WithCircuitBreaker(cfg resilience.BreakerConfig) Option {
	return func(m *Manager) {
		m.breakerCfg = &cfg
	}
}

// WithClientOptions are applied to every client the manager creates.
func WithClientOptions(opts ...mcp.ClientOption) Option {
	return func(m *Manager) {
		m.clientOpts = append(m.clientOpts, opts...)
	}
}

// WithClientFactory replaces how clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// WithPolicy consults a policy engine before a server is discovered. Servers
// denied by an "mcp" rule are skipped.
func WithPolicy(p governance.PolicyEngine) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a manager with no servers.
func New(opts ...Option) *Manager {
	m := &Manager{
		servers: make(map[string]mcp.ServerConfig),
		entries:    make(map[string]*entry),
		registries: make(map[*tools.Registry]struct{}),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = func(cfg mcp.ServerConfig) (mcp.Client, error) {
			return mcp.NewClient(cfg, append([]mcp.ClientOption{mcp.WithLogger(m.logger)}, m.clientOpts...)...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if m.healthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthChecker(ctx)
	}
	return m
}

// Register adds or replaces a server. Replacing a server drops its client.
func (m *Manager) Register(cfg mcp.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	old := m.entries[cfg.Name]
	m.servers[cfg.Name] = cfg
	m.entries[cfg.Name] = m.newEntry(cfg.Name)
	m.mu.Unlock()

	old.disconnect()
	return nil
}

// RegisterConfig registers every enabled server of the configuration. Invalid
// descriptors are reported together; valid ones are still registered.
func (m *Manager) RegisterConfig(cfg config.MCPConfig) error {
	var errs []error
	for _, srv := range mcp.ServerConfigs(cfg) {
		if err := m.Register(srv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes a server, its remote tools and its client.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	e := m.entries[name]
	delete(m.servers, name)
	delete(m.entries, name)
	registries := m.registryList()
	m.mu.Unlock()

	removeServerTools(registries, name)
	e.disconnect()
	return nil
}

// Client returns the connected client of a server, connecting and performing
// the handshake on first use or after the previous connection died.
func (m *Manager) Client(ctx context.Context, name string) (mcp.Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	m.mu.RLock()
	cfg, ok := m.servers[name]
	e := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		if e.client.Connected() {
			return e.client, nil
		}
		_ = e.client.Disconnect()
		e.client, e.info = nil, nil
	}

	if e.breaker != nil {
		if err := e.breaker.Allow(); err != nil {
			return nil, err
		}
	}
	var (
		client mcp.Client
		info   *mcp.InitializeResult
	)
	err := m.connectRetry.WithOnRetry(func(attempt int, err error) {
		m.logger.DebugContext(ctx, "mcp.manager.connect_retry",
			slog.String("server", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}).Do(ctx, func() error {
		var err error
		client, info, err = m.connect(ctx, cfg)
		return err
	})
	if e.breaker != nil {
		e.breaker.Record(err)
	}
	if err != nil {
		m.connectionErrors.Add(1)
		m.logger.WarnContext(ctx, "mcp.manager.connect_failed",
			slog.String("server", name),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	e.client, e.info, e.created = client, info, time.Now()
	m.totalConnections.Add(1)

	// A concurrent Register, Unregister or Close may have dropped the entry
	// meanwhile.
	m.mu.RLock()
	latest, registered := m.entries[name]
	m.mu.RUnlock()
	if latest != e || m.closed.Load() {
		_ = client.Disconnect()
		e.client, e.info = nil, nil
		switch {
		case m.closed.Load():
			return nil, ErrManagerClosed
		case !registered:
			return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
		default:
			return nil, fmt.Errorf("%w: %s", ErrServerReplaced, name)
		}
	}
	return client, nil
}

func (m *Manager) newEntry(name string) *entry {
	e := &entry{}
	if m.breakerCfg != nil {
		cfg := *m.breakerCfg
		cfg.Name = "mcp " + name
		e.breaker = resilience.NewBreaker(cfg)
	}
	return e
}

func (m *Manager) connect(ctx context.Context, cfg mcp.ServerConfig) (mcp.Client, *mcp.InitializeResult, error) {
	client, err := m.factory(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	if cfg.SkipInitialize {
		return client, nil, nil
	}
	info, err := client.Initialize(ctx)
	if err != nil {
		_ = client.Disconnect()
		return nil, nil, err
	}
	m.logger.DebugContext(ctx, "mcp.manager.initialized",
		slog.String("server", cfg.Name),
		slog.String("remote_name", info.ServerInfo.Name),
		slog.String("protocol_version", info.ProtocolVersion),
	)
	return client, info, nil
}

// ServerReport is the discovery outcome of one server.
type ServerReport struct {
	Server string
	// Tools lists the registry names of the adapted tools.
	Tools []string
	// Skipped is set when a policy denied the server; Err carries the reason.
	Skipped bool
	Err     error
}

// DiscoveryReport collects the outcome of Discover, one entry per server in
// name order.
type DiscoveryReport struct {
	Servers []ServerReport
}

// ToolCount returns the number of tools registered.
func (r DiscoveryReport) ToolCount() int {
	n := 0
	for _, s := range r.Servers {
		n += len(s.Tools)
	}
	return n
}

// Failed returns the servers that could not be discovered.
func (r DiscoveryReport) Failed() []ServerReport {
	var out []ServerReport
	for _, s := range r.Servers {
		if s.Err != nil && !s.Skipped {
			out = append(out, s)
		}
	}
	return out
}

// Discover lists the tools of every registered server and registers them as
// remote capabilities. Servers are queried concurrently; a failing server is
// logged and reported without affecting the others. Tools a server no longer
// exposes are removed from the registry.
func (m *Manager) Discover(ctx context.Context, registry *tools.Registry) DiscoveryReport {
	m.mu.Lock()
	m.registries[registry] = struct{}{}
	m.mu.Unlock()

	names := m.ListServers()
	report := DiscoveryReport{Servers: make([]ServerReport, len(names))}

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			report.Servers[i] = m.discoverServer(ctx, registry, name)
		}(i, name)
	}
	wg.Wait()

	m.logger.InfoContext(ctx, "mcp.discovery.done",
		slog.Int("servers", len(names)),
		slog.Int("tools", report.ToolCount()),
		slog.Int("failed", len(report.Failed())),
	)
	return report
}

func (m *Manager) discoverServer(ctx context.Context, registry *tools.Registry, name string) ServerReport {
	rep := ServerReport{Server: name}

	if m.policy != nil {
		decision := m.policy.Evaluate(ctx, governance.Action{Type: governance.ActionMCP, Name: name})
		if decision.IsDenied() {
			rep.Skipped = true
			rep.Err = fmt.Errorf("denied by policy: %s", decision.Reason)
			m.logger.InfoContext(ctx, "mcp.discovery.skipped",
				slog.String("server", name),
				slog.String("rule_id", decision.RuleID),
			)
			return rep
		}
	}

	client, err := m.Client(ctx, name)
	if err == nil {
		var infos []mcp.ToolInfo
		infos, err = client.ListTools(ctx)
		if err == nil {
			adapted := mcp.RemoteTools(name, infos, m)
			registry.Register(adapted...)
			for _, t := range adapted {
				rep.Tools = append(rep.Tools, t.Name())
			}
			removeStale(registry, name, rep.Tools)
			return rep
		}
	}

	rep.Err = err
	m.logger.WarnContext(ctx, "mcp.discovery.failed",
		slog.String("server", name),
		slog.String("error", err.Error()),
	)
	return rep
}

func (m *Manager) registryList() []*tools.Registry {
	out := make([]*tools.Registry, 0, len(m.registries))
	for r := range m.registries {
		out = append(out, r)
	}
	return out
}

func removeServerTools(registries []*tools.Registry, servers ...string) {
	for _, r := range registries {
		for _, server := range servers {
			removeStale(r, server, nil)
		}
	}
}

func removeStale(registry *tools.Registry, server string, keep []string) {
	current := make(map[string]bool, len(keep))
	for _, name := range keep {
		current[name] = true
	}
	prefix := mcp.ToolName(server, "")
	for _, name := range registry.Names() {
		if strings.HasPrefix(name, prefix) && !current[name] {
			registry.Unregister(name)
		}
	}
}

// Close stops the health checker, removes every remote tool it registered
// and disconnects every client.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrManagerClosed
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	servers := make([]string, 0, len(m.servers))
	for name := range m.servers {
		servers = append(servers, name)
	}
	registries := m.registryList()
	m.registries = make(map[*tools.Registry]struct{})
	m.mu.Unlock()

	removeServerTools(registries, servers...)

	var errs []error
	for name, e := range entries {
		if err := e.disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats contains manager metrics.
type Stats struct {
	RegisteredServers  int
	ActiveConnections  int
	TotalConnections   int
	ConnectionErrors   int
	HealthChecksPassed int
	HealthChecksFailed int
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	servers := len(m.servers)
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	active := 0
	for _, e := range entries {
		if c := e.current(); c != nil && c.Connected() {
			active++
		}
	}
	return Stats{
		RegisteredServers:  servers,
		ActiveConnections:  active,
		TotalConnections:   int(m.totalConnections.Load()),
		ConnectionErrors:   int(m.connectionErrors.Load()),
		HealthChecksPassed: int(m.healthChecksPassed.Load()),
		HealthChecksFailed: int(m.healthChecksFailed.Load()),
	}
}

// ListServers returns the registered server names, sorted.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerInfo returns the configuration of a registered server.
func (m *Manager) ServerInfo(name string) (mcp.ServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.servers[name]
	return cfg, ok
}

// Handshake returns what the server reported during initialize, if it has
// been connected.
func (m *Manager) Handshake(name string) (*mcp.InitializeResult, bool) {
	m.mu.RLock()
	e := m.entries[name]
	m.mu.RUnlock()
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, e.info != nil
}

func (m *Manager) healthChecker(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runHealthChecks(ctx)
		}
	}
}

// runHealthChecks pings every live client with tools/list and evicts the ones
// that fail. Evicted servers reconnect on next use.
func (m *Manager) runHealthChecks(ctx context.Context) {
	m.mu.RLock()
	toCheck := make(map[string]*entry, len(m.entries))
	for name, e := range m.entries {
		toCheck[name] = e
	}
	m.mu.RUnlock()

	for name, e := range toCheck {
		client := e.current()
		if client == nil {
			continue
		}
		err := errors.New("connection lost")
		if client.Connected() {
			pingCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			_, err = client.ListTools(pingCtx)
			cancel()
		}
		if err == nil {
			m.healthChecksPassed.Add(1)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.healthChecksFailed.Add(1)
		m.logger.WarnContext(ctx, "mcp.manager.evicted",
			slog.String("server", name),
			slog.String("error", err.Error()),
		)
		e.evict(client)
	}
}

func (e *entry) current() mcp.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// evict drops client if it is still the entry's client.
func (e *entry) evict(client mcp.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != client {
		return
	}
	_ = client.Disconnect()
	e.client, e.info = nil, nil
}

func (e *entry) disconnect() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Disconnect()
	e.client, e.info = nil, nil
	return err
}
