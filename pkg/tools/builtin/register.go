package builtin

import (
	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/tools"
)

// All returns the built-in capabilities rooted at workDir.
func All(workDir string) []core.Tool {
	return []core.Tool{
		BashTool{WorkDir: workDir},
		ViewTool{WorkDir: workDir},
		LSTool{WorkDir: workDir},
		EchoTool{},
	}
}

// RegisterAll registers every built-in capability.
func RegisterAll(registry *tools.Registry, workDir string) {
	registry.Register(All(workDir)...)
}
