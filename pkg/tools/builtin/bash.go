// SPDX-License-Identifier: Apache-2.0

// Package builtin provides the local capabilities shipped with koder.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jllopis/koder/pkg/core"
)

const (
	DefaultBashTimeout = 120000 * time.Millisecond
	MaxBashTimeout     = 600000 * time.Millisecond
	maxOutputLines     = 1000
)

// BannedCommands cannot be run through the Bash capability.
var BannedCommands = []string{
	"rm", "rmdir", "del", "format",
	"shutdown", "reboot", "halt",
	"dd", "mkfs", "fdisk",
}

// BashOutput is the result of one shell command.
type BashOutput struct {
	Stdout          string `json:"stdout"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	Stderr          string `json:"stderr"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`
	ExitCode        int    `json:"exit_code"`
	Interrupted     bool   `json:"interrupted,omitempty"`
}

// BashTool runs a command with /bin/sh in WorkDir.
type BashTool struct {
	WorkDir string
}

func (t BashTool) Name() string {
	return "Bash"
}

func (t BashTool) Description() string {
	return "Execute a shell command in the working directory. Supports a timeout and is interrupted when the turn is aborted. Destructive commands such as rm or shutdown are refused."
}

func (t BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": "Timeout in milliseconds (default 120000, max 600000)",
			},
		},
		"required": []string{"command"},
	}
}

func (t BashTool) ReadOnly() bool                      { return false }
func (t BashTool) ConcurrencySafe() bool               { return false }
func (t BashTool) NeedsPermission(map[string]any) bool { return true }

func (t BashTool) ValidateInput(_ context.Context, input map[string]any, _ *core.Invocation) core.ValidationResult {
	command := commandOf(input)
	if command == "" {
		return core.Invalid("command is required", 1)
	}
	base := strings.ToLower(strings.Fields(command)[0])
	base = filepath.Base(base)
	for _, banned := range BannedCommands {
		if base == banned {
			return core.Invalid(fmt.Sprintf("command %q is not allowed for safety reasons", base), 2)
		}
	}
	if timeout, ok := timeoutOf(input); ok && timeout > MaxBashTimeout {
		return core.Invalid(fmt.Sprintf("timeout cannot exceed %d ms", MaxBashTimeout.Milliseconds()), 3)
	}
	return core.Valid()
}

func (t BashTool) Call(ctx context.Context, input map[string]any, inv *core.Invocation, _ core.ProgressFunc) (any, error) {
	if inv.Aborted() {
		return BashOutput{Stderr: "command cancelled before it started", ExitCode: -1, Interrupted: true}, nil
	}
	command := commandOf(input)
	timeout := DefaultBashTimeout
	if v, ok := timeoutOf(input); ok && v > 0 {
		timeout = v
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if inv != nil {
		var stop context.CancelFunc
		ctx, stop = inv.Abort.Context(ctx)
		defer stop()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = t.WorkDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := BashOutput{}
	out.Stdout, out.StdoutTruncated = truncateLines(stdout.String(), maxOutputLines)
	out.Stderr, out.StderrTruncated = truncateLines(stderr.String(), maxOutputLines)
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			out.Interrupted = true
			out.ExitCode = -1
		case errors.As(runErr, &exitErr):
			out.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("run command: %w", runErr)
		}
	}
	return out, nil
}

// RenderForAssistant returns stdout and stderr as the model sees them.
func (t BashTool) RenderForAssistant(result any) string {
	out, ok := result.(BashOutput)
	if !ok {
		return core.RenderValue(result)
	}
	var b strings.Builder
	b.WriteString(out.Stdout)
	if out.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(out.Stderr)
	}
	if out.Interrupted {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("<error>Command was interrupted before it completed</error>")
	}
	return strings.TrimSpace(b.String())
}

// RenderForUser labels the streams and the exit code.
func (t BashTool) RenderForUser(result any) string {
	out, ok := result.(BashOutput)
	if !ok {
		return core.RenderValue(result)
	}
	var parts []string
	if out.Stdout != "" {
		s := "stdout:\n" + out.Stdout
		if out.StdoutTruncated {
			s += "\n... (output truncated)"
		}
		parts = append(parts, s)
	}
	if out.Stderr != "" {
		s := "stderr:\n" + out.Stderr
		if out.StderrTruncated {
			s += "\n... (output truncated)"
		}
		parts = append(parts, s)
	}
	if out.Interrupted {
		parts = append(parts, "<command interrupted>")
	}
	if out.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit code: %d", out.ExitCode))
	}
	return strings.Join(parts, "\n")
}

func commandOf(input map[string]any) string {
	command, _ := input["command"].(string)
	return strings.TrimSpace(command)
}

// timeoutOf reads the timeout in milliseconds. JSON numbers decode as float64.
func timeoutOf(input map[string]any) (time.Duration, bool) {
	switch v := input["timeout"].(type) {
	case float64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	}
	return 0, false
}

func truncateLines(s string, max int) (string, bool) {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) <= max {
		return s, false
	}
	return strings.Join(lines[:max], ""), true
}
