// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// DefaultSafeCommands are shell commands that never need a grant.
var DefaultSafeCommands = []string{
	"git status",
	"git diff",
	"git log",
	"git branch",
	"pwd",
	"tree",
	"date",
	"which",
}

// DefaultShellTools lists capabilities whose input is a shell command line.
var DefaultShellTools = []string{"Bash"}

// PermissionGate decides whether a capability call needs the user's approval
// and keeps the grants already given. Session grants live in memory;
// persistent grants go to the GrantStore.
type PermissionGate struct {
	mu           sync.RWMutex
	session      map[string]struct{}
	store        GrantStore
	shellTools   map[string]bool
	safeCommands []string
	logger       *slog.Logger
}

// GateOption configures a PermissionGate.
type GateOption func(*PermissionGate)

// WithGrantStore sets where persistent grants are kept.
func WithGrantStore(store GrantStore) GateOption {
	return func(g *PermissionGate) {
		if store != nil {
			g.store = store
		}
	}
}

// WithShellTools replaces the set of shell-like capability names.
func WithShellTools(names ...string) GateOption {
	return func(g *PermissionGate) {
		if len(names) == 0 {
			return
		}
		g.shellTools = make(map[string]bool, len(names))
		for _, name := range names {
			if name = strings.TrimSpace(name); name != "" {
				g.shellTools[name] = true
			}
		}
	}
}

// WithSafeCommands replaces the list of pre-approved shell commands.
func WithSafeCommands(commands ...string) GateOption {
	return func(g *PermissionGate) {
		if len(commands) > 0 {
			g.safeCommands = append([]string(nil), commands...)
		}
	}
}

// WithGateLogger sets the gate logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(g *PermissionGate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewPermissionGate creates a gate backed by an in-memory store unless
// another one is supplied.
func NewPermissionGate(opts ...GateOption) *PermissionGate {
	g := &PermissionGate{
		session:      make(map[string]struct{}),
		store:        NewMemoryGrantStore(),
		safeCommands: DefaultSafeCommands,
		logger:       slog.Default(),
	}
	WithShellTools(DefaultShellTools...)(g)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NeedsPermission reports whether a call must be approved before it runs.
// Outside safe mode nothing needs approval.
func (g *PermissionGate) NeedsPermission(name string, input map[string]any, safeMode bool) bool {
	if !safeMode {
		return false
	}
	ctx := context.Background()
	if g.IsShellTool(name) {
		command := shellCommand(input)
		if g.isSafeCommand(command) {
			return false
		}
		if command != "" {
			if g.IsGranted(ctx, ExactKey(name, command)) {
				return false
			}
			if !hasShellOperators(command) && g.IsGranted(ctx, PrefixKey(name, firstWord(command))) {
				return false
			}
		}
		return !g.IsGranted(ctx, name)
	}
	if g.IsGranted(ctx, g.ExactKey(name, input)) {
		return false
	}
	return !g.IsGranted(ctx, name)
}

// Grant records key for the session, or in the store when persistent.
func (g *PermissionGate) Grant(ctx context.Context, key string, persistent bool) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if persistent {
		if err := g.store.Allow(ctx, key); err != nil {
			return err
		}
	} else {
		g.mu.Lock()
		g.session[key] = struct{}{}
		g.mu.Unlock()
	}
	g.logger.InfoContext(ctx, "governance.permission.granted",
		slog.String("key", key),
		slog.Bool("persistent", persistent),
	)
	return nil
}

// Revoke removes key from both the session and the store.
func (g *PermissionGate) Revoke(ctx context.Context, key string) error {
	g.mu.Lock()
	delete(g.session, key)
	g.mu.Unlock()
	if err := g.store.Disallow(ctx, key); err != nil {
		return err
	}
	g.logger.InfoContext(ctx, "governance.permission.revoked", slog.String("key", key))
	return nil
}

// ResetSession forgets every session grant.
func (g *PermissionGate) ResetSession() {
	g.mu.Lock()
	g.session = make(map[string]struct{})
	g.mu.Unlock()
}

// IsGranted checks the session first, then the store. Store errors count as
// not granted.
func (g *PermissionGate) IsGranted(ctx context.Context, key string) bool {
	g.mu.RLock()
	_, ok := g.session[key]
	g.mu.RUnlock()
	if ok {
		return true
	}
	allowed, err := g.store.IsAllowed(ctx, key)
	if err != nil {
		g.logger.WarnContext(ctx, "governance.permission.store_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return allowed
}

// SessionGrants returns the session keys in sorted order.
func (g *PermissionGate) SessionGrants() []string {
	g.mu.RLock()
	keys := make([]string, 0, len(g.session))
	for k := range g.session {
		keys = append(keys, k)
	}
	g.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// IsShellTool reports whether name takes a shell command line.
func (g *PermissionGate) IsShellTool(name string) bool {
	return g.shellTools[name]
}

// NormalizeInput returns the text a grant key is built from: the trimmed
// command for shell tools, canonical JSON for everything else.
func (g *PermissionGate) NormalizeInput(name string, input map[string]any) string {
	if g.IsShellTool(name) {
		return shellCommand(input)
	}
	if len(input) == 0 {
		return ""
	}
	// encoding/json writes map keys in sorted order.
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

// ExactKey returns the grant key matching exactly this call.
func (g *PermissionGate) ExactKey(name string, input map[string]any) string {
	return ExactKey(name, g.NormalizeInput(name, input))
}

// SuggestKey returns the key offered to the user after approving a call:
// a command-prefix key for shell tools, the exact key otherwise.
func (g *PermissionGate) SuggestKey(name string, input map[string]any) string {
	if g.IsShellTool(name) {
		if word := firstWord(shellCommand(input)); word != "" {
			return PrefixKey(name, word)
		}
		return name
	}
	return g.ExactKey(name, input)
}

func (g *PermissionGate) isSafeCommand(command string) bool {
	if command == "" {
		return false
	}
	for _, safe := range g.safeCommands {
		if command == safe {
			return true
		}
		if strings.HasPrefix(command, safe+" ") && !hasShellOperators(command) {
			return true
		}
	}
	return false
}

// shellOperators chain, substitute or redirect commands. A command line
// containing any of them is never matched by a safe command or prefix grant.
var shellOperators = []string{";", "&", "|", "`", "$(", ">", "<", "\n", "\r"}

func hasShellOperators(command string) bool {
	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return true
		}
	}
	return false
}

// ExactKey builds `name(normalized)`, or just name when normalized is empty.
func ExactKey(name, normalized string) string {
	if normalized == "" {
		return name
	}
	return name + "(" + normalized + ")"
}

// PrefixKey builds `name(prefix:*)`.
func PrefixKey(name, prefix string) string {
	return name + "(" + prefix + ":*)"
}

func shellCommand(input map[string]any) string {
	if input == nil {
		return ""
	}
	command, _ := input["command"].(string)
	return strings.TrimSpace(command)
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
