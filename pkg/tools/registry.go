// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools holds the capability registry and the executor that
// dispatches calls through validation, permission and abort checks.
package tools

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jllopis/koder/pkg/core"
	"github.com/jllopis/koder/pkg/llm"
)

// Registry maps capability names to implementations. Registering an existing
// name replaces the previous entry.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]core.Tool
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for registry events.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]core.Tool),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces tools.
func (r *Registry) Register(tools ...core.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if t == nil {
			continue
		}
		name := t.Name()
		if _, exists := r.tools[name]; exists {
			r.logger.Warn("tools.registry.overwrite", slog.String("tool", name))
		}
		r.tools[name] = t
	}
}

// Unregister removes a tool and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (core.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns all tools sorted by name.
func (r *Registry) List() []core.Tool {
	return r.Filter(nil)
}

// ReadOnly returns the tools that do not mutate state.
func (r *Registry) ReadOnly() []core.Tool {
	return r.Filter(func(t core.Tool) bool { return t.ReadOnly() })
}

// Filter returns the tools accepted by keep, sorted by name. A nil keep
// accepts everything.
func (r *Registry) Filter(keep func(core.Tool) bool) []core.Tool {
	r.mu.RLock()
	out := make([]core.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Definitions renders tools as function definitions for the model.
func Definitions(tools []core.Tool) []llm.Tool {
	defs := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, Definition(t))
	}
	return defs
}

// Definition renders one tool as a function definition.
func Definition(t core.Tool) llm.Tool {
	schema := t.InputSchema()
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  schema,
		},
	}
}
