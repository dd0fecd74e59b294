// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Metadata keys the executor sets on the Action handed to an ApprovalHook.
const (
	MetaInput        = "input"
	MetaGrantKey     = "grant_key"
	MetaSessionID    = "session_id"
	MetaPolicyReason = "policy_reason"
	MetaPolicyRule   = "policy_rule_id"
)

const maxShownInput = 200

// StaticApprovalHook answers every request with Decision. The zero value
// denies.
type StaticApprovalHook struct {
	Decision Decision
}

func (h StaticApprovalHook) Request(_ context.Context, _ Action) Decision {
	return withStatus(h.Decision, "approval decision not set")
}

// ConsoleApprovalHook asks the operator on a terminal. Prompts are serialized
// so concurrent tool calls never interleave their questions.
//
// Answers:
//
//	y, yes     allow; the suggested grant key is kept for the session
//	a, always  allow and persist the grant key in the grant store
//	anything else, or no answer before the timeout, denies
type ConsoleApprovalHook struct {
	mu       sync.Mutex
	in       io.Reader
	out      io.Writer
	prompt   string
	timeout  time.Duration
	fallback Decision

	// lines is fed by one reader goroutine started on the first prompt.
	// expired is set when a prompt gave up; a line typed after that belongs
	// to no prompt and is discarded.
	once    sync.Once
	lines   chan string
	expired bool
}

// ConsoleApprovalOption configures a ConsoleApprovalHook.
type ConsoleApprovalOption func(*ConsoleApprovalHook)

// NewConsoleApprovalHook reads answers from stdin and writes prompts to
// stdout unless overridden.
func NewConsoleApprovalHook(opts ...ConsoleApprovalOption) *ConsoleApprovalHook {
	h := &ConsoleApprovalHook{
		in:     os.Stdin,
		out:    os.Stdout,
		prompt: "Allow? [y]es / [a]lways / [N]o: ",
		lines:  make(chan string, 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func WithApprovalInput(r io.Reader) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if r != nil {
			h.in = r
		}
	}
}

func WithApprovalOutput(w io.Writer) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if w != nil {
			h.out = w
		}
	}
}

// WithApprovalPrompt replaces the question printed after the call summary.
func WithApprovalPrompt(prompt string) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if strings.TrimSpace(prompt) != "" {
			h.prompt = prompt
		}
	}
}

// WithApprovalTimeout bounds how long a prompt waits for an answer.
func WithApprovalTimeout(timeout time.Duration) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithApprovalDefault is returned when no answer arrives.
func WithApprovalDefault(decision Decision) ConsoleApprovalOption {
	return func(h *ConsoleApprovalHook) {
		h.fallback = decision
	}
}

// Request prints what the call would do and waits for the answer.
func (h *ConsoleApprovalHook) Request(ctx context.Context, action Action) Decision {
	if h == nil || h.in == nil {
		return withStatus(Decision{}, "approval input not available")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.once.Do(h.readLines)

	h.describe(action)

	if h.expired {
		select {
		case <-h.lines:
		default:
		}
		h.expired = false
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	select {
	case <-ctx.Done():
		h.expired = true
		_, _ = fmt.Fprintln(h.out)
		return withStatus(h.fallback, "approval cancelled")
	case line, ok := <-h.lines:
		if !ok {
			return withStatus(h.fallback, "approval input closed")
		}
		return parseAnswer(line)
	}
}

func (h *ConsoleApprovalHook) describe(action Action) {
	meta := action.Metadata
	_, _ = fmt.Fprintf(h.out, "\nApproval required for %s %q\n", action.Type, action.Name)
	if server, ok := action.Server(); ok {
		_, _ = fmt.Fprintf(h.out, "  server:  %s\n", server)
	}
	if command := strings.TrimSpace(meta[MetaCommand]); command != "" {
		_, _ = fmt.Fprintf(h.out, "  command: %s\n", truncateInput(command, maxShownInput))
	} else if input := strings.TrimSpace(meta[MetaInput]); input != "" {
		_, _ = fmt.Fprintf(h.out, "  input:   %s\n", truncateInput(input, maxShownInput))
	}
	if rule := meta[MetaPolicyRule]; rule != "" {
		reason := meta[MetaPolicyReason]
		if reason == "" {
			reason = "approval required"
		}
		_, _ = fmt.Fprintf(h.out, "  rule:    %s (%s)\n", rule, reason)
	}
	if key := meta[MetaGrantKey]; key != "" {
		_, _ = fmt.Fprintf(h.out, "  grants:  %s\n", key)
	}
	_, _ = fmt.Fprint(h.out, h.prompt)
}

func (h *ConsoleApprovalHook) readLines() {
	go func() {
		defer close(h.lines)
		scanner := bufio.NewScanner(h.in)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
	}()
}

func parseAnswer(line string) Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return Allow("approved by user")
	case "a", "always":
		d := Allow("approved by user for all sessions")
		d.Persist = true
		return d
	default:
		return Deny("rejected by user")
	}
}

// withStatus fills in the status of a hand-built decision. A zero decision
// denies with fallbackReason.
func withStatus(decision Decision, fallbackReason string) Decision {
	if decision.Status == "" && decision.Reason == "" && !decision.Allowed {
		return Deny(fallbackReason)
	}
	if decision.Status == "" {
		if decision.Allowed {
			decision.Status = DecisionStatusAllow
		} else {
			decision.Status = DecisionStatusDeny
		}
	}
	return decision
}

func truncateInput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
