// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package governance

import (
	"context"
	"reflect"
	"testing"
)

func TestToolFilter_EmptyFilter(t *testing.T) {
	filter := NewToolFilter()

	if !filter.AllowsAll() {
		t.Fatal("empty filter should allow all tools")
	}
	if !filter.IsAllowed(context.Background(), "any-tool").IsAllowed() {
		t.Error("empty filter should allow all tools")
	}
}

func TestToolFilter_Wildcard(t *testing.T) {
	filter := NewToolFilter(WithAllowlist([]string{"Echo", "*"}))

	if !filter.AllowsAll() {
		t.Fatal("wildcard should allow all tools")
	}
	for _, name := range []string{"Bash", "remote::fs::read_file"} {
		if !filter.IsAllowed(context.Background(), name).IsAllowed() {
			t.Errorf("%s should be allowed under wildcard", name)
		}
	}
}

func TestToolFilter_Allowlist(t *testing.T) {
	filter := NewToolFilter(
		WithAllowlist([]string{"Echo", "View", "remote::fs::*"}),
	)

	tests := []struct {
		name    string
		tool    string
		allowed bool
	}{
		{"exact", "Echo", true},
		{"second exact", "View", true},
		{"glob", "remote::fs::read_file", true},
		{"other server", "remote::git::log", false},
		{"not listed", "Bash", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			decision := filter.IsAllowed(context.Background(), tc.tool)
			if decision.IsAllowed() != tc.allowed {
				t.Errorf("tool %q: expected allowed=%v, got %v (%s)", tc.tool, tc.allowed, decision.IsAllowed(), decision.Reason)
			}
		})
	}
}

func TestToolFilter_DenylistTakesPrecedence(t *testing.T) {
	filter := NewToolFilter(
		WithAllowlist([]string{"*"}),
		WithDenylist([]string{"Bash"}),
	)

	if !filter.IsAllowed(context.Background(), "Echo").IsAllowed() {
		t.Error("Echo should be allowed")
	}
	decision := filter.IsAllowed(context.Background(), "Bash")
	if decision.IsAllowed() || decision.Reason != "tool is in denylist" {
		t.Errorf("Bash should be denied by the denylist, got %+v", decision)
	}
}

func TestToolFilter_FilterTools(t *testing.T) {
	filter := NewToolFilter(WithAllowlist([]string{"Echo", "LS"}))

	got := filter.FilterTools(context.Background(), []string{"Bash", "Echo", "LS", "View"})
	if want := []string{"Echo", "LS"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("FilterTools = %v, want %v", got, want)
	}
}

func TestToolFilter_WithPolicyEngine(t *testing.T) {
	ruleSet := NewRuleSet([]Rule{
		{ID: "deny-shell", Effect: "deny", Type: ActionTool, Name: "Bash"},
	})
	filter := NewToolFilter(WithPolicyEngine(ruleSet))

	if !filter.IsAllowed(context.Background(), "Echo").IsAllowed() {
		t.Error("Echo should be allowed by policy")
	}
	if filter.IsAllowed(context.Background(), "Bash").IsAllowed() {
		t.Error("Bash should be denied by policy engine")
	}
}

func TestMergeAllowlists(t *testing.T) {
	got := MergeAllowlists([]string{"Echo", " View "}, []string{"Echo", ""}, []string{"LS"})
	if want := []string{"Echo", "View", "LS"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("MergeAllowlists = %v, want %v", got, want)
	}
	if got := MergeAllowlists([]string{"Echo"}, []string{"*"}); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("wildcard must collapse the list, got %v", got)
	}
}
