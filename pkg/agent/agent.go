// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the bounded model/tool loop for named agent types.
//
// An agent type is a Definition: a system prompt plus the set of capability
// names the agent may call. Built-in definitions ship with the package; more
// can come from the config file or from markdown files with YAML frontmatter:
//
//	---
//	name: api-tester
//	description: Exercises HTTP endpoints
//	tools: [Bash, View]
//	model_name: qwen2.5-coder:14b
//	---
//	You test HTTP APIs...
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/koder/pkg/config"
	"github.com/jllopis/koder/pkg/governance"
)

// DefaultAgentType is used when a request names no agent.
const DefaultAgentType = "general-purpose"

// Location records where a definition came from.
type Location string

const (
	LocationBuiltin Location = "built-in"
	LocationConfig  Location = "config"
	LocationUser    Location = "user"
	LocationProject Location = "project"
)

// Definition describes one agent type.
type Definition struct {
	Type        string
	Description string
	// Tools lists allowed capability names or globs; "*" allows everything.
	Tools        []string
	SystemPrompt string
	// ModelName overrides the default model for this agent.
	ModelName string
	Color     string
	Location  Location
}

// AllowsAll reports whether the agent may call every capability.
func (d Definition) AllowsAll() bool {
	return d.Filter().AllowsAll()
}

// Filter builds the allowed-capability filter for the agent.
func (d Definition) Filter(opts ...governance.ToolFilterOption) *governance.ToolFilter {
	tools := d.Tools
	if len(tools) == 0 {
		tools = []string{governance.Wildcard}
	}
	return governance.NewToolFilter(append([]governance.ToolFilterOption{governance.WithAllowlist(tools)}, opts...)...)
}

// FromConfig converts an inline config entry.
func FromConfig(def config.AgentDefinition) Definition {
	return Definition{
		Type:         def.Name,
		Description:  def.Description,
		Tools:        normalizeTools(def.Tools),
		SystemPrompt: def.SystemPrompt,
		ModelName:    def.ModelName,
		Color:        def.Color,
		Location:     LocationConfig,
	}
}

// Builtins returns the definitions that ship with koder.
func Builtins() []Definition {
	return []Definition{
		{
			Type:        DefaultAgentType,
			Description: "General-purpose agent for researching complex questions, searching for code, and executing multi-step tasks",
			Tools:       []string{governance.Wildcard},
			SystemPrompt: `You are a general-purpose agent. Given the user's task, use the available tools to complete it efficiently and thoroughly.
Search broadly when you do not know where something lives, read the relevant files before drawing conclusions, and report what you found concisely.`,
		},
		{
			Type:        "architect",
			Description: "Use for architectural design, technical planning, system design reviews, and technology selection decisions",
			Tools:       []string{"View", "Grep", "Glob", "LS", "Bash"},
			SystemPrompt: `You are a senior software architect. Analyse the existing design read-only and do not modify code.
Report: current architecture, problems and risks, improvements with concrete steps, technology recommendations, next actions.`,
		},
		{
			Type:        "test-writer",
			Description: "Use for writing unit tests, integration tests, E2E tests, and improving test coverage",
			Tools:       []string{"View", "Write", "Edit", "Bash", "Grep"},
			SystemPrompt: `You are a test engineer. Follow the project's existing test patterns, cover edge cases and error paths, keep tests isolated, and run them to confirm they pass.`,
		},
		{
			Type:        "code-reviewer",
			Description: "Use for code review, quality checks, identifying code smells, and ensuring best practices",
			Tools:       []string{"View", "Grep", "Bash"},
			SystemPrompt: `You are a code reviewer. Prioritise correctness, security and performance issues, then readability.
Group findings as critical, major and minor, and propose a concrete fix for each.`,
		},
		{
			Type:        "bug-fixer",
			Description: "Use for debugging issues, analyzing error logs, and fixing bugs in existing code",
			Tools:       []string{"View", "Write", "Edit", "Bash", "Grep"},
			SystemPrompt: `You are a debugging specialist. Reproduce the problem, locate the root cause, apply the smallest fix, and add a regression test.`,
		},
		{
			Type:        "refactor-specialist",
			Description: "Use for refactoring legacy code, improving code structure, and removing technical debt",
			Tools:       []string{"View", "Write", "Edit", "Grep", "Bash"},
			SystemPrompt: `You are a refactoring specialist. Change structure without changing behaviour, work in small verifiable steps, and keep the tests green after each one.`,
		},
		{
			Type:        "doc-writer",
			Description: "Use for writing API documentation, README files, user guides, and code comments",
			Tools:       []string{"View", "Write", "Grep"},
			SystemPrompt: `You are a technical writer. Document what the code actually does, with runnable examples, in the project's existing documentation style.`,
		},
		{
			Type:        "security-auditor",
			Description: "Use for security audits, vulnerability scanning, and ensuring security best practices",
			Tools:       []string{"View", "Grep", "Bash"},
			SystemPrompt: `You are a security auditor. Look for injection, unsafe deserialisation, secrets in code, weak authentication and missing input validation.
Rate each finding by severity and give a remediation.`,
		},
		{
			Type:        "senior-developer",
			Description: "Use for complex development tasks, feature implementation, code optimization, and technical problem-solving",
			Tools:       []string{governance.Wildcard},
			SystemPrompt: `You are a senior developer. Understand the surrounding code before changing it, implement complete solutions, and verify them by building and testing.`,
		},
		{
			Type:        "ai-engineer",
			Description: "Default AI assistant for code analysis, information retrieval, and read-only operations",
			Tools:       []string{"View", "Grep", "Glob", "LS"},
			SystemPrompt: `You are a read-only assistant. Answer questions about the code base using the inspection tools; never modify files.`,
		},
	}
}

// Catalog holds the known agent definitions keyed by type. Adding a type that
// already exists replaces it, so later sources take precedence.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog returns a catalog seeded with the built-in definitions.
func NewCatalog() *Catalog {
	c := &Catalog{defs: make(map[string]Definition)}
	for _, def := range Builtins() {
		def.Location = LocationBuiltin
		c.defs[def.Type] = def
	}
	return c
}

// Add registers definitions, replacing existing types.
func (c *Catalog) Add(defs ...Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, def := range defs {
		if def.Type == "" {
			continue
		}
		def.Tools = normalizeTools(def.Tools)
		c.defs[def.Type] = def
	}
}

// Get returns the definition for an agent type.
func (c *Catalog) Get(agentType string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[agentType]
	return def, ok
}

// List returns every definition sorted by type.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// LoadDir adds every *.md definition in dir. A missing directory is not an
// error. Files that fail to parse are skipped and reported in the joined error;
// the valid ones are still added.
func (c *Catalog) LoadDir(dir string, loc Location) (int, error) {
	defs, err := LoadDefinitions(dir)
	for i := range defs {
		defs[i].Location = loc
	}
	c.Add(defs...)
	return len(defs), err
}

// LoadDefinitions parses the markdown agent files in dir, in name order.
func LoadDefinitions(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agents dir %s: %w", dir, err)
	}

	var (
		defs []Definition
		errs []string
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		defs = append(defs, def)
	}
	if len(errs) > 0 {
		return defs, fmt.Errorf("load agent definitions: %s", strings.Join(errs, "; "))
	}
	return defs, nil
}

var frontmatterPattern = regexp.MustCompile(`(?s)^---[ \t]*\n(.*?)\n---[ \t]*\n(.*)$`)

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tools       any    `yaml:"tools"`
	ModelName   string `yaml:"model_name"`
	Color       string `yaml:"color"`
}

// ParseDefinition reads one markdown agent file. The frontmatter must carry
// name and description; the body becomes the system prompt.
func ParseDefinition(data []byte) (Definition, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	m := frontmatterPattern.FindStringSubmatch(content)
	if m == nil {
		return Definition{}, fmt.Errorf("missing YAML frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return Definition{}, fmt.Errorf("parse frontmatter: %w", err)
	}
	if fm.Name == "" || fm.Description == "" {
		return Definition{}, fmt.Errorf("frontmatter requires name and description")
	}

	return Definition{
		Type:         fm.Name,
		Description:  strings.ReplaceAll(fm.Description, `\n`, "\n"),
		Tools:        parseTools(fm.Tools),
		SystemPrompt: strings.TrimSpace(m[2]),
		ModelName:    fm.ModelName,
		Color:        fm.Color,
	}, nil
}

// parseTools accepts a single name, a comma separated string or a list.
func parseTools(v any) []string {
	switch t := v.(type) {
	case string:
		return normalizeTools(strings.Split(t, ","))
	case []any:
		names := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return normalizeTools(names)
	default:
		return []string{governance.Wildcard}
	}
}

func normalizeTools(tools []string) []string {
	merged := governance.MergeAllowlists(tools)
	if len(merged) == 0 {
		return []string{governance.Wildcard}
	}
	return merged
}
