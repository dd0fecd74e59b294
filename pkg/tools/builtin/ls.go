package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jllopis/koder/pkg/core"
)

const maxListEntries = 1000

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// Listing is the result of LS.
type Listing struct {
	Path      string   `json:"path"`
	Entries   []string `json:"entries"`
	Files     int      `json:"files"`
	Dirs      int      `json:"dirs"`
	Truncated bool     `json:"truncated,omitempty"`
}

// LSTool lists a directory. Hidden entries and dependency folders are skipped.
type LSTool struct {
	WorkDir string
}

func (t LSTool) Name() string { return "LS" }

func (t LSTool) Description() string {
	return "List files and directories under a path. Directories end with a slash. Set recursive to walk subdirectories."
}

func (t LSTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list, defaults to the working directory",
			},
			"recursive": map[string]any{
				"type":        "boolean",
				"description": "Walk subdirectories",
			},
			"max_depth": map[string]any{
				"type":        "integer",
				"description": "Maximum depth when recursive",
			},
		},
	}
}

func (t LSTool) ReadOnly() bool                      { return true }
func (t LSTool) ConcurrencySafe() bool               { return true }
func (t LSTool) NeedsPermission(map[string]any) bool { return false }

func (t LSTool) ValidateInput(_ context.Context, input map[string]any, _ *core.Invocation) core.ValidationResult {
	if input == nil {
		return core.Invalid("input must be an object", 1)
	}
	info, err := os.Stat(t.dir(input))
	if err != nil {
		return core.Invalid(fmt.Sprintf("path does not exist: %s", t.dir(input)), 2)
	}
	if !info.IsDir() {
		return core.Invalid(fmt.Sprintf("%s is not a directory", t.dir(input)), 3)
	}
	return core.Valid()
}

func (t LSTool) Call(ctx context.Context, input map[string]any, inv *core.Invocation, _ core.ProgressFunc) (any, error) {
	root := t.dir(input)
	recursive, _ := input["recursive"].(bool)
	maxDepth := 1
	if recursive {
		maxDepth = -1
		if v, ok := intOf(input, "max_depth"); ok && v > 0 {
			maxDepth = v
		}
	}

	out := Listing{Path: root}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if inv.Aborted() {
			return inv.Abort.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || (d.IsDir() && skippedDirs[name]) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		if maxDepth > 0 && depth > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if len(out.Entries) >= maxListEntries {
			out.Truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			out.Dirs++
			rel += "/"
		} else {
			out.Files++
		}
		out.Entries = append(out.Entries, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out.Entries)
	return out, nil
}

func (t LSTool) RenderForAssistant(result any) string {
	l, ok := result.(Listing)
	if !ok {
		return core.RenderValue(result)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s/\n", strings.TrimSuffix(l.Path, "/"))
	for _, e := range l.Entries {
		fmt.Fprintf(&b, "  - %s\n", e)
	}
	if l.Truncated {
		fmt.Fprintf(&b, "  ... listing truncated at %d entries\n", maxListEntries)
	}
	return b.String()
}

func (t LSTool) RenderForUser(result any) string {
	l, ok := result.(Listing)
	if !ok {
		return core.RenderValue(result)
	}
	return fmt.Sprintf("Listed %d files and %d directories in %s", l.Files, l.Dirs, l.Path)
}

func (t LSTool) dir(input map[string]any) string {
	path, _ := input["path"].(string)
	if strings.TrimSpace(path) == "" {
		if t.WorkDir != "" {
			return t.WorkDir
		}
		return "."
	}
	return resolvePath(t.WorkDir, path)
}
