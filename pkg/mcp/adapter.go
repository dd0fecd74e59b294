package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jllopis/koder/pkg/core"
)

const namePrefix = "remote::"

// ToolName returns the registry name of a remote tool.
func ToolName(server, tool string) string {
	return namePrefix + server + "::" + tool
}

// ParseToolName splits a registry name produced by ToolName.
func ParseToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, namePrefix)
	if !found {
		return "", "", false
	}
	server, tool, ok = strings.Cut(rest, "::")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// ClientSource resolves a connected client for a server name.
type ClientSource interface {
	Client(ctx context.Context, server string) (Client, error)
}

// RemoteTool exposes one tool of an MCP server as a core.Tool.
type RemoteTool struct {
	server string
	info   ToolInfo
	source ClientSource
}

var _ core.Tool = (*RemoteTool)(nil)

// NewRemoteTool adapts info served by server.
func NewRemoteTool(server string, info ToolInfo, source ClientSource) *RemoteTool {
	return &RemoteTool{server: server, info: info, source: source}
}

// RemoteTools adapts a whole manifest.
func RemoteTools(server string, infos []ToolInfo, source ClientSource) []core.Tool {
	out := make([]core.Tool, 0, len(infos))
	for _, info := range infos {
		if info.Name == "" {
			continue
		}
		out = append(out, NewRemoteTool(server, info, source))
	}
	return out
}

func (t *RemoteTool) Name() string { return ToolName(t.server, t.info.Name) }

// Server returns the name of the server hosting the tool.
func (t *RemoteTool) Server() string { return t.server }

// RemoteName returns the tool name as known by the server.
func (t *RemoteTool) RemoteName() string { return t.info.Name }

func (t *RemoteTool) Description() string {
	return fmt.Sprintf("[MCP:%s] %s", t.server, t.info.Description)
}

func (t *RemoteTool) InputSchema() map[string]any {
	if t.info.InputSchema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.info.InputSchema
}

func (t *RemoteTool) ReadOnly() bool { return false }

func (t *RemoteTool) ConcurrencySafe() bool { return false }

// NeedsPermission is always true: remote side effects are unknown.
func (t *RemoteTool) NeedsPermission(map[string]any) bool { return true }

func (t *RemoteTool) ValidateInput(_ context.Context, input map[string]any, _ *core.Invocation) core.ValidationResult {
	return core.ValidateRequired(t.InputSchema(), input)
}

// Call forwards the input to the server. A result flagged isError becomes an
// error carrying the server's text.
func (t *RemoteTool) Call(ctx context.Context, input map[string]any, inv *core.Invocation, _ core.ProgressFunc) (any, error) {
	if inv != nil {
		var cancel context.CancelFunc
		ctx, cancel = inv.Abort.Context(ctx)
		defer cancel()
	}
	if t.source == nil {
		return nil, connectionClosed(t.server, "no client source")
	}
	client, err := t.source.Client(ctx, t.server)
	if err != nil {
		return nil, err
	}
	res, err := client.CallTool(ctx, t.info.Name, input)
	if err != nil {
		if inv.Aborted() {
			return nil, inv.Abort.Err()
		}
		return nil, err
	}
	if isErr, _ := res["isError"].(bool); isErr {
		msg := FlattenContent(res)
		if msg == "" {
			msg = "remote tool reported an error"
		}
		return nil, errors.New(msg)
	}
	return res, nil
}

// RenderForAssistant flattens the text content of a tools/call result.
func (t *RemoteTool) RenderForAssistant(result any) string {
	res, ok := result.(map[string]any)
	if !ok {
		return core.RenderValue(result)
	}
	if text := FlattenContent(res); text != "" {
		return text
	}
	if sc, ok := res["structuredContent"]; ok && sc != nil {
		return core.RenderValue(sc)
	}
	return core.RenderValue(res)
}

// FlattenContent joins the content items of a tools/call result into text.
// Non-text items are summarized by type.
func FlattenContent(res map[string]any) string {
	items, _ := res["content"].([]any)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch m["type"] {
		case "text":
			if s, ok := m["text"].(string); ok {
				parts = append(parts, s)
			}
		case "image", "audio":
			parts = append(parts, fmt.Sprintf("[%s: %v]", m["type"], m["mimeType"]))
		case "resource", "resource_link":
			if r, ok := m["resource"].(map[string]any); ok {
				if s, ok := r["text"].(string); ok {
					parts = append(parts, s)
					continue
				}
				parts = append(parts, fmt.Sprintf("[resource: %v]", r["uri"]))
				continue
			}
			parts = append(parts, fmt.Sprintf("[resource: %v]", m["uri"]))
		default:
			data, _ := json.Marshal(m)
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}
