// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"path"
	"strings"
)

// Wildcard in an allowlist grants every capability.
const Wildcard = "*"

// ToolFilter decides which capabilities an agent may see and call.
// Entries are exact names or path.Match globs such as "remote::fs::*".
type ToolFilter struct {
	allowAll     bool
	allowlist    map[string]bool
	denylist     map[string]bool
	policyEngine PolicyEngine
}

// ToolFilterOption configures a ToolFilter.
type ToolFilterOption func(*ToolFilter)

// NewToolFilter creates a new ToolFilter with the given options. With no
// allowlist every capability passes.
func NewToolFilter(opts ...ToolFilterOption) *ToolFilter {
	tf := &ToolFilter{
		allowlist: make(map[string]bool),
		denylist:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(tf)
	}
	return tf
}

// WithAllowlist sets the permitted names or patterns.
func WithAllowlist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.AddToAllowlist(tools...)
	}
}

// WithDenylist sets the forbidden names or patterns.
func WithDenylist(tools []string) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.AddToDenylist(tools...)
	}
}

// WithPolicyEngine attaches a policy engine for additional evaluation.
func WithPolicyEngine(engine PolicyEngine) ToolFilterOption {
	return func(tf *ToolFilter) {
		tf.policyEngine = engine
	}
}

// AllowsAll reports whether the allowlist is the wildcard or empty.
func (tf *ToolFilter) AllowsAll() bool {
	return tf.allowAll || len(tf.allowlist) == 0
}

// IsAllowed checks a capability name. Evaluation order:
// denylist, allowlist (unless wildcard), policy engine, allow.
func (tf *ToolFilter) IsAllowed(ctx context.Context, toolName string) Decision {
	if tf.matchesList(toolName, tf.denylist) {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  "tool is in denylist",
		}
	}

	if !tf.AllowsAll() && !tf.matchesList(toolName, tf.allowlist) {
		return Decision{
			Allowed: false,
			Status:  DecisionStatusDeny,
			Reason:  "tool is not in allowlist",
		}
	}

	if tf.policyEngine != nil {
		return tf.policyEngine.Evaluate(ctx, Action{Type: ActionTool, Name: toolName})
	}

	return Decision{
		Allowed: true,
		Status:  DecisionStatusAllow,
	}
}

// FilterTools returns only the names that pass the filter.
func (tf *ToolFilter) FilterTools(ctx context.Context, toolNames []string) []string {
	if tf.AllowsAll() && len(tf.denylist) == 0 && tf.policyEngine == nil {
		return toolNames
	}

	filtered := make([]string, 0, len(toolNames))
	for _, name := range toolNames {
		if tf.IsAllowed(ctx, name).IsAllowed() {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

func (tf *ToolFilter) matchesList(toolName string, list map[string]bool) bool {
	if list[toolName] {
		return true
	}
	for pattern := range list {
		if ok, err := path.Match(pattern, toolName); err == nil && ok {
			return true
		}
	}
	return false
}

// AddToAllowlist adds names or patterns to the allowlist.
func (tf *ToolFilter) AddToAllowlist(tools ...string) {
	for _, tool := range tools {
		tool = strings.TrimSpace(tool)
		switch tool {
		case "":
		case Wildcard:
			tf.allowAll = true
		default:
			tf.allowlist[tool] = true
		}
	}
}

// AddToDenylist adds names or patterns to the denylist.
func (tf *ToolFilter) AddToDenylist(tools ...string) {
	for _, tool := range tools {
		tool = strings.TrimSpace(tool)
		if tool != "" {
			tf.denylist[tool] = true
		}
	}
}

// MergeAllowlists joins several allowlists, dropping blanks and duplicates.
// A wildcard anywhere collapses the result to the wildcard alone.
func MergeAllowlists(lists ...[]string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, tools := range lists {
		for _, tool := range tools {
			tool = strings.TrimSpace(tool)
			if tool == Wildcard {
				return []string{Wildcard}
			}
			if tool != "" && !seen[tool] {
				seen[tool] = true
				result = append(result, tool)
			}
		}
	}
	return result
}
