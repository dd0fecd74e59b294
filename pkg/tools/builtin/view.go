package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jllopis/koder/pkg/core"
)

const maxViewBytes = 256 * 1024

// FileContent is the slice of a file returned by View.
type FileContent struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	StartLine  int    `json:"start_line"`
	NumLines   int    `json:"num_lines"`
	TotalLines int    `json:"total_lines"`
}

// ViewTool reads a text file, optionally a range of lines.
type ViewTool struct {
	WorkDir string
}

func (t ViewTool) Name() string { return "View" }

func (t ViewTool) Description() string {
	return "Read a file from the local filesystem. Use offset and limit to read a range of lines from large files."
}

func (t ViewTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"file_path": map[string]any{
				"type":        "string",
				"description": "Path of the file to read, absolute or relative to the working directory",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "First line to read, starting at 1",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Number of lines to read",
			},
		},
		"required": []string{"file_path"},
	}
}

func (t ViewTool) ReadOnly() bool                      { return true }
func (t ViewTool) ConcurrencySafe() bool               { return true }
func (t ViewTool) NeedsPermission(map[string]any) bool { return false }

func (t ViewTool) ValidateInput(_ context.Context, input map[string]any, _ *core.Invocation) core.ValidationResult {
	path, _ := input["file_path"].(string)
	if strings.TrimSpace(path) == "" {
		return core.Invalid("file_path is required", 1)
	}
	info, err := os.Stat(resolvePath(t.WorkDir, path))
	if err != nil {
		return core.Invalid(fmt.Sprintf("file does not exist: %s", path), 2)
	}
	if info.IsDir() {
		return core.Invalid(fmt.Sprintf("%s is a directory, use LS instead", path), 3)
	}
	if offset, ok := intOf(input, "offset"); ok && offset < 1 {
		return core.Invalid("offset starts at 1", 4)
	}
	if limit, ok := intOf(input, "limit"); ok && limit < 1 {
		return core.Invalid("limit must be positive", 4)
	}
	return core.Valid()
}

func (t ViewTool) Call(ctx context.Context, input map[string]any, _ *core.Invocation, _ core.ProgressFunc) (any, error) {
	path, _ := input["file_path"].(string)
	abs := resolvePath(t.WorkDir, path)

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	start := 1
	if v, ok := intOf(input, "offset"); ok {
		start = v
	}
	limit := -1
	if v, ok := intOf(input, "limit"); ok {
		limit = v
	}

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxViewBytes)
	total, read := 0, 0
	for scanner.Scan() {
		total++
		if total < start || (limit >= 0 && read >= limit) {
			continue
		}
		if total%1000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.WriteString(scanner.Text())
		b.WriteByte('\n')
		read++
		if b.Len() > maxViewBytes {
			return nil, fmt.Errorf("file content exceeds %d KB, use offset and limit to read it in parts", maxViewBytes/1024)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return FileContent{
		Path:       abs,
		Content:    b.String(),
		StartLine:  start,
		NumLines:   read,
		TotalLines: total,
	}, nil
}

// RenderForAssistant prefixes every line with its number.
func (t ViewTool) RenderForAssistant(result any) string {
	fc, ok := result.(FileContent)
	if !ok {
		return core.RenderValue(result)
	}
	if fc.Content == "" {
		return "(empty file)"
	}
	var b strings.Builder
	for i, line := range strings.Split(strings.TrimSuffix(fc.Content, "\n"), "\n") {
		fmt.Fprintf(&b, "%6d\t%s\n", fc.StartLine+i, line)
	}
	return b.String()
}

func (t ViewTool) RenderForUser(result any) string {
	fc, ok := result.(FileContent)
	if !ok {
		return core.RenderValue(result)
	}
	return fmt.Sprintf("Read %d of %d lines from %s", fc.NumLines, fc.TotalLines, fc.Path)
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) || workDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(workDir, path)
}

func intOf(input map[string]any, key string) (int, bool) {
	switch v := input[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
