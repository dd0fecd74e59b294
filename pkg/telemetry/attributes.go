// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for koder telemetry.
const (
	// Agent attributes
	AttrAgentType      = "koder.agent.type"
	AttrAgentModel     = "koder.agent.model"
	AttrAgentRunID     = "koder.agent.run_id"
	AttrAgentIteration = "koder.agent.iteration"
	AttrAgentMaxIter   = "koder.agent.max_iterations"
	AttrAgentOutcome   = "koder.agent.outcome"

	// Session attributes
	AttrSessionID            = "koder.session.id"
	AttrConversationMsgCount = "koder.conversation.message_count"

	// Tool attributes
	AttrToolName       = "koder.tool.name"
	AttrToolCallID     = "koder.tool.call_id"
	AttrToolArgs       = "koder.tool.arguments"
	AttrToolResult     = "koder.tool.result"
	AttrToolDurationMs = "koder.tool.duration_ms"
	AttrToolSuccess    = "koder.tool.success"
	AttrToolSource     = "koder.tool.source" // "local" or "remote"
	AttrToolsCount     = "koder.tools.count"

	// Remote server attributes
	AttrMCPServer    = "koder.mcp.server"
	AttrMCPMethod    = "koder.mcp.method"
	AttrMCPTransport = "koder.mcp.transport"

	// LLM attributes (extending standard gen_ai conventions)
	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMToolCalls    = "gen_ai.tool_calls"

	// Governance attributes
	AttrPolicyAllowed = "koder.policy.allowed"
	AttrPolicyReason  = "koder.policy.reason"
	AttrPolicyRuleID  = "koder.policy.rule_id"
)

// AgentAttributes returns common attributes for agent spans.
func AgentAttributes(agentType, model, runID string, iteration, maxIter int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrAgentType, agentType),
		attribute.String(AttrAgentRunID, runID),
	}
	if model != "" {
		attrs = append(attrs, attribute.String(AttrAgentModel, model))
	}
	if iteration > 0 {
		attrs = append(attrs, attribute.Int(AttrAgentIteration, iteration))
	}
	if maxIter > 0 {
		attrs = append(attrs, attribute.Int(AttrAgentMaxIter, maxIter))
	}
	return attrs
}

// ToolCallAttributes returns attributes for a tool call span.
func ToolCallAttributes(name, callID, source string, durationMs float64, success bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolCallID, callID),
		attribute.String(AttrToolSource, source),
		attribute.Float64(AttrToolDurationMs, durationMs),
		attribute.Bool(AttrToolSuccess, success),
	}
}

// ToolCallArgsResult returns attributes with tool arguments and result (truncated for safety).
func ToolCallArgsResult(args, result string, maxLen int) []attribute.KeyValue {
	if maxLen <= 0 {
		maxLen = 500
	}
	attrs := []attribute.KeyValue{}
	if args != "" {
		attrs = append(attrs, attribute.String(AttrToolArgs, truncate(args, maxLen)))
	}
	if result != "" {
		attrs = append(attrs, attribute.String(AttrToolResult, truncate(result, maxLen)))
	}
	return attrs
}

// LLMAttributes returns attributes for model call spans.
func LLMAttributes(model string, msgCount, toolCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if toolCount > 0 {
		attrs = append(attrs, attribute.Int(AttrToolsCount, toolCount))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes.
func LLMUsageAttributes(inputTokens, outputTokens, toolCalls int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{}
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	if toolCalls > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCalls))
	}
	return attrs
}

// MCPAttributes returns attributes for remote server calls.
func MCPAttributes(server, method, transport string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrMCPServer, server),
		attribute.String(AttrMCPMethod, method),
	}
	if transport != "" {
		attrs = append(attrs, attribute.String(AttrMCPTransport, transport))
	}
	return attrs
}

// PolicyAttributes returns attributes for a policy or permission decision.
func PolicyAttributes(allowed bool, reason, ruleID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool(AttrPolicyAllowed, allowed),
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(AttrPolicyReason, reason))
	}
	if ruleID != "" {
		attrs = append(attrs, attribute.String(AttrPolicyRuleID, ruleID))
	}
	return attrs
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
