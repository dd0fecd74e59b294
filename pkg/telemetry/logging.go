package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/koder/pkg/core"
)

// Correlation attribute keys added to records logged with a context.
const (
	LogTraceID      = "trace_id"
	LogSpanID       = "span_id"
	LogSessionID    = "session_id"
	LogInvocationID = "invocation_id"
	LogParentID     = "parent_invocation_id"
	LogToolCallID   = "tool_call_id"
	LogAgent        = "agent"
)

// redactedKeys name attributes whose values never reach the log: MCP server
// headers and environments routinely carry credentials.
var redactedKeys = []string{"authorization", "api_key", "apikey", "token", "secret", "password"}

// ConfigureSlog installs and returns the process logger. Records logged with
// a context get the active span ids and, when the context carries a
// core.Invocation, the ids of the turn and tool call being served.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := slog.New(NewHandler(output, level, format))
	slog.SetDefault(logger)
	return logger
}

// NewHandler builds the koder handler without installing it.
func NewHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(level),
		ReplaceAttr: redact,
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return &correlationHandler{next: slog.NewJSONHandler(output, opts)}
	}
	return &correlationHandler{next: slog.NewTextHandler(output, opts)}
}

type correlationHandler struct {
	next slog.Handler
}

func (h *correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *correlationHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx == nil {
		return h.next.Handle(ctx, record)
	}
	present := attrKeys(record)
	add := func(key, value string) {
		if value != "" && !present[key] {
			record.AddAttrs(slog.String(key, value))
		}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		add(LogTraceID, sc.TraceID().String())
		add(LogSpanID, sc.SpanID().String())
	}
	if inv, ok := core.InvocationFromContext(ctx); ok {
		add(LogSessionID, inv.SessionID)
		add(LogInvocationID, inv.ID)
		add(LogParentID, inv.ParentID)
		add(LogToolCallID, inv.ToolCallID)
		add(LogAgent, inv.AgentID)
	}
	return h.next.Handle(ctx, record)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &correlationHandler{next: h.next.WithAttrs(attrs)}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{next: h.next.WithGroup(name)}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, secret := range redactedKeys {
		if key == secret || strings.HasSuffix(key, "_"+secret) || strings.HasSuffix(key, "-"+secret) {
			return slog.String(a.Key, "[redacted]")
		}
	}
	return a
}

func attrKeys(record slog.Record) map[string]bool {
	keys := make(map[string]bool, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		keys[a.Key] = true
		return true
	})
	return keys
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
