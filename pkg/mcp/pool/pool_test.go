// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/core"
	kerrors "github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/governance"
	"github.com/jllopis/koder/pkg/mcp"
	"github.com/jllopis/koder/pkg/resilience"
	"github.com/jllopis/koder/pkg/tools"
)

type fakeClient struct {
	name string

	mu        sync.Mutex
	connected bool
	tools     []mcp.ToolInfo
	listErr   error
	initCalls int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeClient) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) SendRequest(context.Context, string, any) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeClient) Notify(context.Context, string, any) error { return nil }

func (f *fakeClient) Initialize(context.Context) (*mcp.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return &mcp.InitializeResult{ProtocolVersion: "test", ServerInfo: mcpgo.Implementation{Name: f.name}}, nil
}

func (f *fakeClient) ListTools(context.Context) ([]mcp.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, f.listErr
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ map[string]any) (map[string]any, error) {
	return map[string]any{"content": []any{map[string]any{"type": "text", "text": f.name + ":" + name}}}, nil
}

func (f *fakeClient) setTools(infos ...mcp.ToolInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = infos
}

func (f *fakeClient) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// fakeFactory hands out one fakeClient per server and counts constructions.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	failing map[string]error
	built   atomic.Int32
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: map[string]*fakeClient{}, failing: map[string]error{}}
}

func (f *fakeFactory) build(cfg mcp.ServerConfig) (mcp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built.Add(1)
	if err := f.failing[cfg.Name]; err != nil {
		return nil, err
	}
	c, ok := f.clients[cfg.Name]
	if !ok {
		c = &fakeClient{name: cfg.Name}
		f.clients[cfg.Name] = c
	}
	return c, nil
}

func (f *fakeFactory) client(name string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[name]
	if !ok {
		c = &fakeClient{name: name}
		f.clients[name] = c
	}
	return c
}

func stdio(name string) mcp.ServerConfig {
	return mcp.ServerConfig{Name: name, Command: name + "-server"}
}

func TestNewManager(t *testing.T) {
	m := New()
	defer m.Close()

	stats := m.Stats()
	if stats.RegisteredServers != 0 {
		t.Errorf("expected 0 servers, got %d", stats.RegisteredServers)
	}
	if stats.ActiveConnections != 0 {
		t.Errorf("expected 0 active connections, got %d", stats.ActiveConnections)
	}
}

func TestRegister(t *testing.T) {
	m := New()
	defer m.Close()

	if err := m.Register(mcp.ServerConfig{Name: "broken"}); err == nil {
		t.Fatal("expected validation error for stdio server without command")
	}
	for _, name := range []string{"zeta", "alpha"} {
		if err := m.Register(stdio(name)); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	servers := m.ListServers()
	if len(servers) != 2 || servers[0] != "alpha" || servers[1] != "zeta" {
		t.Errorf("expected [alpha zeta], got %v", servers)
	}
	cfg, ok := m.ServerInfo("alpha")
	if !ok {
		t.Fatal("server not found")
	}
	if cfg.Command != "alpha-server" {
		t.Errorf("expected command alpha-server, got %q", cfg.Command)
	}
	if _, ok := m.ServerInfo("missing"); ok {
		t.Error("expected missing server to be unknown")
	}

	if err := m.Unregister("zeta"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if got := m.Stats().RegisteredServers; got != 1 {
		t.Errorf("expected 1 server after unregister, got %d", got)
	}
}

func TestRegisterConfig(t *testing.T) {
	m := New()
	defer m.Close()

	err := m.RegisterConfig(config.MCPConfig{Servers: map[string]config.MCPServerConfig{
		"fs":       {Command: "mcp-fs"},
		"web":      {Transport: "http", URL: "http://localhost:9000"},
		"disabled": {Command: "mcp-off", Disabled: true},
		"broken":   {Transport: "http"},
	}})
	if err == nil {
		t.Fatal("expected error for the broken descriptor")
	}
	servers := m.ListServers()
	if len(servers) != 2 || servers[0] != "fs" || servers[1] != "web" {
		t.Errorf("expected [fs web], got %v", servers)
	}
}

func TestClientCachesConnection(t *testing.T) {
	factory := newFakeFactory()
	m := New(WithClientFactory(factory.build))
	defer m.Close()

	_ = m.Register(stdio("fs"))
	skip := stdio("raw")
	skip.SkipInitialize = true
	_ = m.Register(skip)

	ctx := context.Background()
	c1, err := m.Client(ctx, "fs")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	c2, err := m.Client(ctx, "fs")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if c1 != c2 {
		t.Error("expected the cached client to be reused")
	}
	if got := factory.built.Load(); got != 1 {
		t.Errorf("expected 1 client built, got %d", got)
	}
	if got := factory.client("fs").initCalls; got != 1 {
		t.Errorf("expected one handshake, got %d", got)
	}
	if info, ok := m.Handshake("fs"); !ok || info.ServerInfo.Name != "fs" {
		t.Errorf("expected handshake info for fs, got %+v", info)
	}

	if _, err := m.Client(ctx, "raw"); err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if got := factory.client("raw").initCalls; got != 0 {
		t.Errorf("expected no handshake with skip_initialize, got %d", got)
	}
	if _, ok := m.Handshake("raw"); ok {
		t.Error("expected no handshake info with skip_initialize")
	}

	stats := m.Stats()
	if stats.ActiveConnections != 2 || stats.TotalConnections != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestClientConcurrentFirstUse(t *testing.T) {
	factory := newFakeFactory()
	m := New(WithClientFactory(factory.build))
	defer m.Close()
	_ = m.Register(stdio("fs"))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Client(context.Background(), "fs"); err != nil {
				t.Errorf("Client failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := factory.built.Load(); got != 1 {
		t.Errorf("expected a single connection, got %d", got)
	}
}

func TestClientReconnectsDeadConnection(t *testing.T) {
	factory := newFakeFactory()
	m := New(WithClientFactory(factory.build))
	defer m.Close()
	_ = m.Register(stdio("fs"))

	ctx := context.Background()
	c, _ := m.Client(ctx, "fs")
	_ = c.Disconnect()

	c2, err := m.Client(ctx, "fs")
	if err != nil {
		t.Fatalf("Client failed: %v", err)
	}
	if !c2.Connected() {
		t.Error("expected a live connection after reconnect")
	}
	if got := factory.built.Load(); got != 2 {
		t.Errorf("expected 2 clients built, got %d", got)
	}
}

func TestClientErrors(t *testing.T) {
	factory := newFakeFactory()
	factory.failing["down"] = errors.New("spawn failed")
	m := New(WithClientFactory(factory.build))
	_ = m.Register(stdio("down"))

	if _, err := m.Client(context.Background(), "nope"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
	if _, err := m.Client(context.Background(), "down"); err == nil {
		t.Error("expected connection error")
	}
	if got := m.Stats().ConnectionErrors; got != 1 {
		t.Errorf("expected 1 connection error, got %d", got)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed on second close, got %v", err)
	}
	if _, err := m.Client(context.Background(), "down"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
	if err := m.Register(stdio("late")); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("expected ErrManagerClosed, got %v", err)
	}
}

func TestClientConnectRetry(t *testing.T) {
	var attempts atomic.Int32
	factory := newFakeFactory()
	flaky := func(cfg mcp.ServerConfig) (mcp.Client, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("not ready")
		}
		return factory.build(cfg)
	}
	m := New(
		WithClientFactory(flaky),
		WithConnectRetry(resilience.DefaultRetry().WithInitialDelay(time.Millisecond)),
	)
	defer m.Close()
	_ = m.Register(stdio("slow"))

	client, err := m.Client(context.Background(), "slow")
	if err != nil {
		t.Fatalf("Client() error = %v", err)
	}
	if !client.Connected() || attempts.Load() != 3 {
		t.Errorf("connected = %v after %d attempts", client.Connected(), attempts.Load())
	}
}

func TestClientCircuitBreaker(t *testing.T) {
	factory := newFakeFactory()
	factory.failing["down"] = errors.New("spawn failed")
	m := New(
		WithClientFactory(factory.build),
		WithCircuitBreaker(resilience.BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}),
	)
	defer m.Close()
	_ = m.Register(stdio("down"))

	for i := 0; i < 2; i++ {
		if _, err := m.Client(context.Background(), "down"); err == nil {
			t.Fatal("expected connection error")
		}
	}
	_, err := m.Client(context.Background(), "down")
	if kerrors.CodeOf(err) != kerrors.CodeTransport {
		t.Errorf("err = %v, want an open circuit", err)
	}
	if got := factory.built.Load(); got != 2 {
		t.Errorf("factory called %d times, want 2", got)
	}
}

func TestDiscover(t *testing.T) {
	factory := newFakeFactory()
	factory.client("fs").setTools(
		mcp.ToolInfo{Name: "read", Description: "Read a file"},
		mcp.ToolInfo{Name: "write"},
	)
	factory.client("git").setTools(mcp.ToolInfo{Name: "log"})
	factory.client("broken").setListErr(errors.New("tools/list exploded"))

	m := New(WithClientFactory(factory.build))
	defer m.Close()
	for _, name := range []string{"fs", "git", "broken"} {
		_ = m.Register(stdio(name))
	}

	registry := tools.NewRegistry()
	report := m.Discover(context.Background(), registry)

	if len(report.Servers) != 3 {
		t.Fatalf("expected 3 server reports, got %d", len(report.Servers))
	}
	if report.Servers[0].Server != "broken" || report.Servers[1].Server != "fs" {
		t.Errorf("expected reports in name order, got %+v", report.Servers)
	}
	if report.ToolCount() != 3 {
		t.Errorf("expected 3 tools, got %d", report.ToolCount())
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Server != "broken" {
		t.Errorf("expected broken to fail, got %+v", failed)
	}

	read, ok := registry.Get("remote::fs::read")
	if !ok {
		t.Fatalf("remote::fs::read not registered, have %v", registry.Names())
	}
	if read.Description() != "[MCP:fs] Read a file" {
		t.Errorf("unexpected description %q", read.Description())
	}
	result, err := read.Call(context.Background(), map[string]any{}, core.NewInvocation("s"), nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got := core.RenderForAssistant(read, result); got != "fs:read" {
		t.Errorf("expected fs:read, got %q", got)
	}

	// A server that drops a tool loses it on the next discovery.
	factory.client("fs").setTools(mcp.ToolInfo{Name: "read"})
	m.Discover(context.Background(), registry)
	if registry.Has("remote::fs::write") {
		t.Error("expected remote::fs::write to be removed")
	}
	if !registry.Has("remote::fs::read") || !registry.Has("remote::git::log") {
		t.Errorf("unexpected registry contents %v", registry.Names())
	}
}

func TestTeardownRemovesRemoteTools(t *testing.T) {
	factory := newFakeFactory()
	factory.client("fs").setTools(mcp.ToolInfo{Name: "read"}, mcp.ToolInfo{Name: "write"})
	factory.client("git").setTools(mcp.ToolInfo{Name: "log"})

	m := New(WithClientFactory(factory.build))
	_ = m.Register(stdio("fs"))
	_ = m.Register(stdio("git"))

	registry := tools.NewRegistry()
	registry.Register(tools.NewFunction("Echo", "local", func(context.Context, map[string]any, *core.Invocation, core.ProgressFunc) (any, error) {
		return nil, nil
	}))
	if report := m.Discover(context.Background(), registry); report.ToolCount() != 3 {
		t.Fatalf("expected 3 tools, got %d", report.ToolCount())
	}

	if err := m.Unregister("fs"); err != nil {
		t.Fatal(err)
	}
	if registry.Has("remote::fs::read") || registry.Has("remote::fs::write") {
		t.Errorf("fs tools survived Unregister: %v", registry.Names())
	}
	if !registry.Has("remote::git::log") {
		t.Errorf("git tools removed with fs: %v", registry.Names())
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if names := registry.Names(); len(names) != 1 || names[0] != "Echo" {
		t.Errorf("expected only local tools after Close, got %v", names)
	}
}

type blockingClient struct {
	*fakeClient
	started chan struct{}
	release chan struct{}
}

func (b *blockingClient) Connect(ctx context.Context) error {
	close(b.started)
	<-b.release
	return b.fakeClient.Connect(ctx)
}

func TestClientReplacedWhileConnecting(t *testing.T) {
	blocking := &blockingClient{
		fakeClient: &fakeClient{name: "fs"},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	var builds atomic.Int32
	m := New(WithClientFactory(func(cfg mcp.ServerConfig) (mcp.Client, error) {
		if builds.Add(1) == 1 {
			return blocking, nil
		}
		return &fakeClient{name: cfg.Name}, nil
	}))
	defer m.Close()
	_ = m.Register(stdio("fs"))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Client(context.Background(), "fs")
		errCh <- err
	}()
	<-blocking.started

	registered := make(chan struct{})
	go func() {
		_ = m.Register(mcp.ServerConfig{Name: "fs", Command: "fs-server-v2"})
		close(registered)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if cfg, _ := m.ServerInfo("fs"); cfg.Command == "fs-server-v2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Register did not replace the server")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(blocking.release)

	err := <-errCh
	if !errors.Is(err, ErrServerReplaced) {
		t.Fatalf("expected ErrServerReplaced, got %v", err)
	}
	if errors.Is(err, ErrManagerClosed) {
		t.Error("a replaced server must not look like a closed manager")
	}
	<-registered

	client, err := m.Client(context.Background(), "fs")
	if err != nil {
		t.Fatalf("Client after replacement: %v", err)
	}
	if client == mcp.Client(blocking) {
		t.Error("expected a client for the new descriptor")
	}
}

func TestDiscoverPolicyDeny(t *testing.T) {
	factory := newFakeFactory()
	factory.client("fs").setTools(mcp.ToolInfo{Name: "read"})
	factory.client("shell").setTools(mcp.ToolInfo{Name: "exec"})

	policy := governance.NewRuleSet([]governance.Rule{
		{ID: "no-shell", Effect: "deny", Type: governance.ActionMCP, Name: "shell", Reason: "shell server disabled"},
	})
	m := New(WithClientFactory(factory.build), WithPolicy(policy))
	defer m.Close()
	_ = m.Register(stdio("fs"))
	_ = m.Register(stdio("shell"))

	registry := tools.NewRegistry()
	report := m.Discover(context.Background(), registry)

	if !report.Servers[1].Skipped {
		t.Errorf("expected shell to be skipped, got %+v", report.Servers[1])
	}
	if len(report.Failed()) != 0 {
		t.Errorf("skipped servers are not failures, got %+v", report.Failed())
	}
	if registry.Has("remote::shell::exec") {
		t.Error("denied server tools must not be registered")
	}
	if got := factory.built.Load(); got != 1 {
		t.Errorf("denied server must not be connected, built %d clients", got)
	}
}

func TestHealthCheckEvicts(t *testing.T) {
	factory := newFakeFactory()
	m := New(WithClientFactory(factory.build))
	defer m.Close()
	_ = m.Register(stdio("ok"))
	_ = m.Register(stdio("sick"))
	_ = m.Register(stdio("dead"))

	ctx := context.Background()
	for _, name := range []string{"ok", "sick", "dead"} {
		if _, err := m.Client(ctx, name); err != nil {
			t.Fatalf("Client(%s) failed: %v", name, err)
		}
	}
	factory.client("sick").setListErr(errors.New("timeout"))
	_ = factory.client("dead").Disconnect()

	m.runHealthChecks(ctx)

	stats := m.Stats()
	if stats.HealthChecksPassed != 1 || stats.HealthChecksFailed != 2 {
		t.Errorf("unexpected health stats %+v", stats)
	}
	if stats.ActiveConnections != 1 {
		t.Errorf("expected 1 active connection, got %d", stats.ActiveConnections)
	}

	factory.client("sick").setListErr(nil)
	if _, err := m.Client(ctx, "sick"); err != nil {
		t.Fatalf("expected reconnect after eviction: %v", err)
	}
}

func TestDiscoverAgainstServer(t *testing.T) {
	srv := server.NewMCPServer("remote-fs", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTool(
		mcpgo.NewTool("read", mcpgo.WithDescription("Read a file"), mcpgo.WithString("path", mcpgo.Required())),
		func(_ context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
			return mcpgo.NewToolResultText("contents of " + req.GetString("path", "")), nil
		},
	)
	ts := server.NewTestStreamableHTTPServer(srv)
	defer ts.Close()

	m := New()
	defer m.Close()
	if err := m.Register(mcp.ServerConfig{Name: "fs", Transport: mcp.TransportHTTP, URL: ts.URL, Endpoint: "/mcp"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	registry := tools.NewRegistry()
	report := m.Discover(context.Background(), registry)
	if len(report.Failed()) != 0 {
		t.Fatalf("discovery failed: %+v", report.Failed())
	}
	if info, ok := m.Handshake("fs"); !ok || info.ServerInfo.Name != "remote-fs" {
		t.Errorf("unexpected handshake %+v", info)
	}

	executor := tools.NewExecutor(registry)
	inv := core.NewInvocation("s")
	if _, err := executor.Execute(context.Background(), "remote::fs::read", map[string]any{}, inv, nil); err == nil {
		t.Error("expected validation error for missing path")
	}
	result, err := executor.Execute(context.Background(), "remote::fs::read", map[string]any{"path": "a.txt"}, inv, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	tool, _ := registry.Get("remote::fs::read")
	if got := core.RenderForAssistant(tool, result); got != "contents of a.txt" {
		t.Errorf("unexpected result %q", got)
	}
}
