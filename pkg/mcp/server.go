package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// Server publishes the local tools of an executor's registry over MCP.
// Remote tools are not re-exported.
type Server struct {
	mcpServer *server.MCPServer
	executor  *tools.Executor
	sessionID string
	safeMode  bool
	logger    *slog.Logger
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerSafeMode runs every call in safe mode.
func WithServerSafeMode(enabled bool) ServerOption {
	return func(s *Server) { s.safeMode = enabled }
}

// WithServerSession sets the session id attached to invocations.
func WithServerSession(id string) ServerOption {
	return func(s *Server) { s.sessionID = id }
}

// NewServer builds a server exposing every local tool registered at the time
// of the call.
func NewServer(name, version string, executor *tools.Executor, opts ...ServerOption) *Server {
	s := &Server{
		executor:  executor,
		sessionID: "mcp-serve",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mcpServer = server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, t := range executor.Registry().List() {
		if _, _, remote := ParseToolName(t.Name()); remote {
			continue
		}
		s.addTool(t)
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

func (s *Server) addTool(t core.Tool) {
	schema := emptyObjectSchema
	if in := t.InputSchema(); in != nil {
		if data, err := json.Marshal(in); err == nil {
			schema = data
		}
	}
	tool := mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema)
	tool.Annotations.ReadOnlyHint = mcp.ToBoolPtr(t.ReadOnly())

	name := t.Name()
	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.call(ctx, name, req.GetArguments()), nil
	})
}

// call runs a tool through the executor so permission and validation apply.
// Failures are reported as isError results rather than protocol errors.
func (s *Server) call(ctx context.Context, name string, args map[string]any) *mcp.CallToolResult {
	if args == nil {
		args = map[string]any{}
	}
	inv := core.NewInvocation(s.sessionID, core.WithSafeMode(s.safeMode))
	result, err := s.executor.Execute(ctx, name, args, inv, nil)
	if err != nil {
		s.logger.Debug("mcp.serve.call_failed", slog.String("tool", name), slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error())
	}
	tool, _ := s.executor.Registry().Get(name)
	return mcp.NewToolResultText(core.RenderForAssistant(tool, result))
}

// Serve speaks MCP over r and w until ctx is done or r is exhausted.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, r, w)
}
