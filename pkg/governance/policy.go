// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package governance decides what the agent may do: rule-based policies,
// per-agent tool filters, approval hooks and the safe-mode permission gate.
package governance

import (
	"context"
	"path"
	"strings"

	"github.com/jllopis/koder/pkg/config"
)

// ActionType is what a policy rule applies to.
type ActionType string

const (
	// ActionTool is a capability dispatch, local or remote.
	ActionTool ActionType = "tool"
	// ActionAgent is a run addressed to an agent type.
	ActionAgent ActionType = "agent"
	// ActionMCP targets a remote server by name during discovery.
	ActionMCP ActionType = "mcp"
)

// MetaCommand is the Action metadata key carrying a shell command line.
const MetaCommand = "command"

// remotePrefix and remoteSep spell remote capability names,
// remote::<server>::<tool>.
const (
	remotePrefix = "remote::"
	remoteSep    = "::"
)

// Action is what the runtime is about to do.
type Action struct {
	Type     ActionType
	Name     string
	Metadata map[string]string
}

// Server returns the MCP server an action touches: the name itself for
// ActionMCP, the server segment of a remote capability name for ActionTool.
func (a Action) Server() (string, bool) {
	switch a.Type {
	case ActionMCP:
		return a.Name, a.Name != ""
	case ActionTool:
		return RemoteServer(a.Name)
	}
	return "", false
}

// RemoteServer extracts <server> from remote::<server>::<tool>.
func RemoteServer(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, remotePrefix)
	if !ok {
		return "", false
	}
	server, tool, ok := strings.Cut(rest, remoteSep)
	if !ok || server == "" || tool == "" {
		return "", false
	}
	return server, true
}

// DecisionStatus is the outcome of a policy evaluation.
type DecisionStatus string

const (
	DecisionStatusAllow   DecisionStatus = "allow"
	DecisionStatusDeny    DecisionStatus = "deny"
	DecisionStatusPending DecisionStatus = "pending"
)

// Decision is a policy or approval verdict. RuleID names the matching rule.
// Persist asks the gate to store the approved grant beyond the session.
type Decision struct {
	Allowed bool
	Reason  string
	RuleID  string
	Status  DecisionStatus
	Persist bool
}

// Allow builds an allowing decision.
func Allow(reason string) Decision {
	return Decision{Allowed: true, Status: DecisionStatusAllow, Reason: reason}
}

// Deny builds a denying decision.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Status: DecisionStatusDeny, Reason: reason}
}

// IsAllowed reports whether the action may go ahead. A decision without a
// status falls back to Allowed.
func (d Decision) IsAllowed() bool {
	if d.Status == "" {
		return d.Allowed
	}
	return d.Status == DecisionStatusAllow
}

// IsPending reports whether the action must be approved first.
func (d Decision) IsPending() bool {
	return d.Status == DecisionStatusPending
}

func (d Decision) IsDenied() bool {
	if d.Status == "" {
		return !d.Allowed
	}
	return d.Status == DecisionStatusDeny
}

// PolicyEngine evaluates actions.
type PolicyEngine interface {
	Evaluate(ctx context.Context, action Action) Decision
}

// ApprovalHook asks someone to approve an action.
type ApprovalHook interface {
	Request(ctx context.Context, action Action) Decision
}

// Rule matches actions and gives them an effect. Empty selectors match
// everything.
type Rule struct {
	ID string
	// Effect is allow, deny or pending. Anything else denies.
	Effect string
	Type   ActionType
	// Name is a glob over the action name, e.g. remote::*::write_*.
	Name string
	// Server is a glob over the MCP server of a remote capability or of an
	// mcp action. Local capabilities never match a rule with a Server.
	Server string
	// Command matches shell calls whose command line, or any command chained
	// in it, starts with these words.
	Command string
	Reason  string
}

func (r Rule) matches(action Action) bool {
	if r.Type != "" && r.Type != action.Type {
		return false
	}
	if r.Name != "" && !matchPattern(r.Name, action.Name) {
		return false
	}
	if r.Server != "" {
		server, ok := action.Server()
		if !ok || !matchPattern(r.Server, server) {
			return false
		}
	}
	if r.Command != "" && !commandMatches(r.Command, action.Metadata[MetaCommand]) {
		return false
	}
	return true
}

func (r Rule) decision() Decision {
	d := Decision{Reason: r.Reason, RuleID: r.ID}
	switch strings.ToLower(strings.TrimSpace(r.Effect)) {
	case "allow":
		d.Status = DecisionStatusAllow
	case "pending", "ask":
		d.Status = DecisionStatusPending
	case "deny":
		d.Status = DecisionStatusDeny
	default:
		d.Status = DecisionStatusDeny
		if d.Reason == "" {
			d.Reason = "unknown policy effect " + r.Effect
		}
	}
	d.Allowed = d.Status == DecisionStatusAllow
	return d
}

// RuleSet evaluates rules in order; the first match wins.
type RuleSet struct {
	Rules           []Rule
	DefaultDecision Decision
}

// NewRuleSet creates a rule set that allows whatever no rule matches.
func NewRuleSet(rules []Rule) *RuleSet {
	return &RuleSet{
		Rules:           append([]Rule(nil), rules...),
		DefaultDecision: Decision{Allowed: true, Status: DecisionStatusAllow},
	}
}

func (r *RuleSet) Evaluate(_ context.Context, action Action) Decision {
	for _, rule := range r.Rules {
		if rule.matches(action) {
			return rule.decision()
		}
	}
	return r.DefaultDecision
}

// RuleSetFromConfig builds a rule set from the governance.policies section.
func RuleSetFromConfig(cfg config.GovernanceConfig) *RuleSet {
	rules := make([]Rule, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = "rule"
		}
		rules = append(rules, Rule{
			ID:      id,
			Effect:  p.Effect,
			Type:    ActionType(strings.ToLower(strings.TrimSpace(p.Type))),
			Name:    p.Name,
			Server:  p.Server,
			Command: p.Command,
			Reason:  p.Reason,
		})
	}
	return NewRuleSet(rules)
}

func matchPattern(pattern, value string) bool {
	if pattern == "" || pattern == value {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// commandMatches reports whether any command in a shell line starts with
// the words of prefix.
func commandMatches(prefix, line string) bool {
	want := strings.Fields(prefix)
	if len(want) == 0 {
		return true
	}
	for _, segment := range splitCommands(line) {
		got := strings.Fields(segment)
		if len(got) < len(want) {
			continue
		}
		match := true
		for i := range want {
			if got[i] != want[i] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// splitCommands cuts a shell line at the operators that start a new command.
func splitCommands(line string) []string {
	line = strings.NewReplacer("$(", ";", "`", ";", ")", ";").Replace(line)
	return strings.FieldsFunc(line, func(r rune) bool {
		switch r {
		case ';', '&', '|', '\n', '\r':
			return true
		}
		return false
	})
}
