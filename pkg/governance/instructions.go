package governance

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// InstructionFiles are the project instruction file names, in lookup order.
var InstructionFiles = []string{"KODER.md", "AGENTS.md"}

// ProjectInstructions holds the contents of a project instruction file.
type ProjectInstructions struct {
	Path     string
	Raw      string
	LoadedAt time.Time
}

// LoadProjectInstructions searches for an instruction file starting at
// startDir and walking upwards. It returns nil when none is found. Within a
// directory KODER.md wins over AGENTS.md.
func LoadProjectInstructions(startDir string) (*ProjectInstructions, error) {
	if strings.TrimSpace(startDir) == "" {
		return nil, errors.New("startDir is required")
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		for _, name := range InstructionFiles {
			candidate := filepath.Join(dir, name)
			info, err := os.Stat(candidate)
			if err != nil || info.IsDir() {
				continue
			}
			raw, err := os.ReadFile(candidate)
			if err != nil {
				return nil, err
			}
			return &ProjectInstructions{
				Path:     candidate,
				Raw:      string(raw),
				LoadedAt: time.Now().UTC(),
			}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil, nil
}
