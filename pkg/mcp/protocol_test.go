package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/errors"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`"abc"`, "abc", true},
		{`"7"`, "7", true},
		{`7`, "7", true},
		{` 42 `, "42", true},
		{`1.5`, "1.5", true},
		{`null`, "", false},
		{``, "", false},
		{`{}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := normalizeID(json.RawMessage(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRemoteErrorIsTransport(t *testing.T) {
	err := error(remoteError("fs", MethodToolsCall, &RPCError{Code: -32601, Message: "method not found"}))
	assert.True(t, stderrors.Is(err, errors.ErrTransport))
	assert.Contains(t, err.Error(), "method not found")

	var remote *RemoteError
	require.True(t, stderrors.As(err, &remote))
	assert.Equal(t, -32601, remote.Code)
	assert.Equal(t, "fs", remote.Server)
}

func TestRequestEncoding(t *testing.T) {
	data, err := json.Marshal(newRequest("3", MethodToolsList, map[string]any{}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"3","method":"tools/list","params":{}}`, string(data))

	data, err = json.Marshal(newRequest("", MethodInitialized, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(data))
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		ok   bool
	}{
		{"stdio", ServerConfig{Name: "fs", Command: "fs-server"}, true},
		{"stdio explicit", ServerConfig{Name: "fs", Transport: "STDIO", Command: "fs-server"}, true},
		{"stdio without command", ServerConfig{Name: "fs"}, false},
		{"http", ServerConfig{Name: "web", Transport: "http", URL: "http://localhost:1"}, true},
		{"sse alias", ServerConfig{Name: "web", Transport: "sse", URL: "http://localhost:1"}, true},
		{"http without url", ServerConfig{Name: "web", Transport: "http"}, false},
		{"unknown transport", ServerConfig{Name: "x", Transport: "carrier-pigeon"}, false},
		{"no name", ServerConfig{Command: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))
		})
	}
}

func TestServerConfigs(t *testing.T) {
	cfgs := ServerConfigs(config.MCPConfig{Servers: map[string]config.MCPServerConfig{
		"zeta":  {Command: "z"},
		"alpha": {Transport: "http", URL: "http://a", RequestTimeoutSeconds: 5},
		"off":   {Command: "o", Disabled: true},
	}})
	require.Len(t, cfgs, 2)
	assert.Equal(t, "alpha", cfgs[0].Name)
	assert.Equal(t, "zeta", cfgs[1].Name)
	assert.Equal(t, "5s", cfgs[0].RequestTimeout.String())
}

func TestNewClientTransport(t *testing.T) {
	c, err := NewClient(ServerConfig{Name: "fs", Command: "fs-server"})
	require.NoError(t, err)
	assert.IsType(t, &StdioClient{}, c)

	c, err = NewClient(ServerConfig{Name: "web", Transport: "sse", URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPClient{}, c)

	_, err = NewClient(ServerConfig{Name: "bad"})
	assert.Error(t, err)
}

func TestToolNames(t *testing.T) {
	assert.Equal(t, "remote::fs::read", ToolName("fs", "read"))

	server, tool, ok := ParseToolName("remote::fs::read")
	require.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read", tool)

	server, tool, ok = ParseToolName("remote::fs::ns::read")
	require.True(t, ok)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "ns::read", tool)

	for _, name := range []string{"read", "remote::fs", "remote::::read", "remote::fs::"} {
		_, _, ok := ParseToolName(name)
		assert.False(t, ok, name)
	}
}

type fakeClient struct {
	Client
	result map[string]any
	err    error
	args   map[string]any
	name   string
}

func (f *fakeClient) CallTool(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	f.name, f.args = name, args
	return f.result, f.err
}

type fakeSource struct {
	client Client
	err    error
}

func (s fakeSource) Client(context.Context, string) (Client, error) {
	return s.client, s.err
}

func TestRemoteToolDescriptor(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"path"},
	}
	tools := RemoteTools("fs", []ToolInfo{
		{Name: "read", Description: "Read a file", InputSchema: schema},
		{Name: ""},
		{Name: "list"},
	}, nil)
	require.Len(t, tools, 2)

	read := tools[0]
	assert.Equal(t, "remote::fs::read", read.Name())
	assert.Equal(t, "[MCP:fs] Read a file", read.Description())
	assert.False(t, read.ReadOnly())
	assert.False(t, read.ConcurrencySafe())
	assert.True(t, read.NeedsPermission(nil))
	assert.False(t, read.ValidateInput(context.Background(), map[string]any{}, nil).OK)
	assert.True(t, read.ValidateInput(context.Background(), map[string]any{"path": "a"}, nil).OK)

	assert.Equal(t, "object", tools[1].InputSchema()["type"])
}

func TestRemoteToolCall(t *testing.T) {
	client := &fakeClient{result: map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "contents"}},
	}}
	tool := NewRemoteTool("fs", ToolInfo{Name: "read"}, fakeSource{client: client})

	inv := core.NewInvocation("s1")
	res, err := tool.Call(context.Background(), map[string]any{"path": "a"}, inv, nil)
	require.NoError(t, err)
	assert.Equal(t, "read", client.name)
	assert.Equal(t, "a", client.args["path"])
	assert.Equal(t, "contents", core.RenderForAssistant(tool, res))
}

func TestRemoteToolErrors(t *testing.T) {
	t.Run("isError result", func(t *testing.T) {
		client := &fakeClient{result: map[string]any{
			"isError": true,
			"content": []any{map[string]any{"type": "text", "text": "no such file"}},
		}}
		tool := NewRemoteTool("fs", ToolInfo{Name: "read"}, fakeSource{client: client})
		_, err := tool.Call(context.Background(), map[string]any{}, nil, nil)
		require.Error(t, err)
		assert.Equal(t, "no such file", err.Error())
	})

	t.Run("source failure", func(t *testing.T) {
		tool := NewRemoteTool("fs", ToolInfo{Name: "read"}, fakeSource{err: connectionClosed("fs", "gone")})
		_, err := tool.Call(context.Background(), map[string]any{}, nil, nil)
		assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))
	})

	t.Run("no source", func(t *testing.T) {
		tool := NewRemoteTool("fs", ToolInfo{Name: "read"}, nil)
		_, err := tool.Call(context.Background(), map[string]any{}, nil, nil)
		assert.Equal(t, errors.CodeConnectionClosed, errors.CodeOf(err))
	})

	t.Run("aborted", func(t *testing.T) {
		client := &fakeClient{err: context.Canceled}
		tool := NewRemoteTool("fs", ToolInfo{Name: "read"}, fakeSource{client: client})
		inv := core.NewInvocation("s1")
		inv.Abort.Abort("user pressed escape")
		_, err := tool.Call(context.Background(), map[string]any{}, inv, nil)
		assert.Equal(t, errors.CodeAborted, errors.CodeOf(err))
	})
}

func TestFlattenContent(t *testing.T) {
	res := map[string]any{"content": []any{
		map[string]any{"type": "text", "text": "one"},
		map[string]any{"type": "image", "mimeType": "image/png", "data": "AAAA"},
		map[string]any{"type": "resource", "resource": map[string]any{"uri": "file:///a", "text": "two"}},
		map[string]any{"type": "resource", "resource": map[string]any{"uri": "file:///b"}},
		map[string]any{"type": "resource_link", "uri": "file:///c"},
		"ignored",
	}}
	assert.Equal(t, "one\n[image: image/png]\ntwo\n[resource: file:///b]\n[resource: file:///c]", FlattenContent(res))
	assert.Equal(t, "", FlattenContent(map[string]any{}))

	tool := NewRemoteTool("x", ToolInfo{Name: "t"}, nil)
	assert.Equal(t, `{"n":1}`, tool.RenderForAssistant(map[string]any{"structuredContent": map[string]any{"n": 1}}))
}
