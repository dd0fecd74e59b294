package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/errors"
	"github.com/jllopis/koder/pkg/telemetry"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Transport names accepted in a ServerConfig.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

const (
	// DefaultRequestTimeout bounds every request unless overridden.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultEndpoint is appended to the base URL of HTTP servers.
	DefaultEndpoint = "/message"

	clientName    = "koder"
	clientVersion = "0.1.0"
)

// Client talks JSON-RPC to one MCP server.
type Client interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	// SendRequest sends a request and waits for its response.
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error
	// Initialize performs the MCP handshake.
	Initialize(ctx context.Context) (*InitializeResult, error)
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// ServerConfig describes how to reach one MCP server.
type ServerConfig struct {
	Name      string
	Transport string

	// stdio
	Command string
	Args    []string
	Env     map[string]string

	// http
	URL      string
	Endpoint string
	Headers  map[string]string

	RequestTimeout time.Duration
	SkipInitialize bool
}

// Validate checks the descriptor is usable for its transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New(errors.CodeConfig, "mcp server name is required", nil)
	}
	switch c.transport() {
	case TransportStdio:
		if c.Command == "" {
			return errors.New(errors.CodeConfig, fmt.Sprintf("mcp server %s: command is required", c.Name), nil)
		}
	case TransportHTTP:
		if c.URL == "" {
			return errors.New(errors.CodeConfig, fmt.Sprintf("mcp server %s: url is required", c.Name), nil)
		}
	default:
		return errors.New(errors.CodeConfig, fmt.Sprintf("mcp server %s: unknown transport %q", c.Name, c.Transport), nil)
	}
	return nil
}

// transport normalizes the transport name; empty means stdio.
func (c ServerConfig) transport() string {
	switch strings.ToLower(c.Transport) {
	case "", TransportStdio:
		return TransportStdio
	case TransportHTTP, TransportSSE:
		return TransportHTTP
	}
	return c.Transport
}

// FromConfig converts a configured server into a ServerConfig.
func FromConfig(name string, c config.MCPServerConfig) ServerConfig {
	return ServerConfig{
		Name:           name,
		Transport:      c.Transport,
		Command:        c.Command,
		Args:           c.Args,
		Env:            c.Env,
		URL:            c.URL,
		Endpoint:       c.Endpoint,
		Headers:        c.Headers,
		RequestTimeout: time.Duration(c.RequestTimeoutSeconds) * time.Second,
		SkipInitialize: c.SkipInitialize,
	}
}

// ServerConfigs converts every enabled server of the configuration, sorted
// by name.
func ServerConfigs(c config.MCPConfig) []ServerConfig {
	names := make([]string, 0, len(c.Servers))
	for name, srv := range c.Servers {
		if !srv.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]ServerConfig, 0, len(names))
	for _, name := range names {
		out = append(out, FromConfig(name, c.Servers[name]))
	}
	return out
}

// ClientOption customizes a client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout    time.Duration
	logger     *slog.Logger
	httpClient *http.Client
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client used by the http transport.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

func buildOptions(cfg ServerConfig, opts []ClientOption) clientOptions {
	o := clientOptions{
		timeout:    DefaultRequestTimeout,
		logger:     slog.Default(),
		httpClient: http.DefaultClient,
	}
	if cfg.RequestTimeout > 0 {
		o.timeout = cfg.RequestTimeout
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(slog.String("mcp_server", cfg.Name))
	return o
}

// NewClient creates an unconnected client for the configured transport.
func NewClient(cfg ServerConfig, opts ...ClientOption) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.transport() == TransportHTTP {
		return NewHTTPClient(cfg, opts...), nil
	}
	return NewStdioClient(cfg, opts...), nil
}

const tracerName = "koder/mcp"

// requester is the part of a client the protocol helpers need.
type requester interface {
	Name() string
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
}

func startSpan(ctx context.Context, server, method, transport string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "mcp.Request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.MCPAttributes(server, method, transport)...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func initialize(ctx context.Context, c requester) (*InitializeResult, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: clientName, Version: clientVersion},
	}
	raw, err := c.SendRequest(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, transportError(c.Name(), fmt.Errorf("decode initialize result: %w", err))
	}
	if err := c.Notify(ctx, MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &res, nil
}

func listTools(ctx context.Context, c requester) ([]ToolInfo, error) {
	raw, err := c.SendRequest(ctx, MethodToolsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, transportError(c.Name(), fmt.Errorf("decode tools/list result: %w", err))
	}
	return res.Tools, nil
}

func callTool(ctx context.Context, c requester, name string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.SendRequest(ctx, MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var res map[string]any
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, transportError(c.Name(), fmt.Errorf("decode tools/call result: %w", err))
	}
	if res == nil {
		res = map[string]any{}
	}
	return res, nil
}

// timeoutError maps a context failure while waiting for a response.
func timeoutError(server, method string, err error) error {
	if err == context.DeadlineExceeded {
		return errors.New(errors.CodeTimeout, fmt.Sprintf("mcp %s: %s timed out", server, method), err).
			WithAttribute("server", server).
			WithRecoverable(true)
	}
	return err
}
