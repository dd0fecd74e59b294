// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/koder/pkg/errors"
)

// ErrorMetrics tracks error rates and recovery patterns by code and component.
type ErrorMetrics struct {
	errorCounter    metric.Int64Counter
	recoveryCounter metric.Int64Counter
}

// NewErrorMetrics creates a new error metrics tracker with OTEL meters.
func NewErrorMetrics(ctx context.Context) (*ErrorMetrics, error) {
	meter := otel.Meter("koder/errors")

	errorCounter, err := meter.Int64Counter(
		"koder.errors.total",
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	recoveryCounter, err := meter.Int64Counter(
		"koder.errors.recovered",
		metric.WithDescription("Successful error recoveries by code"),
	)
	if err != nil {
		return nil, err
	}

	return &ErrorMetrics{
		errorCounter:    errorCounter,
		recoveryCounter: recoveryCounter,
	}, nil
}

// RecordErrorMetric increments the error counter for the given error and component.
func (em *ErrorMetrics) RecordErrorMetric(ctx context.Context, err error, component string) {
	if em == nil || err == nil {
		return
	}

	code, recoverable := "UNKNOWN", "unknown"
	if ke := errors.AsKoderError(err); ke != nil {
		code = string(ke.Code)
		recoverable = ke.RecoverableString()
	}
	em.errorCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", code),
			attribute.String("component", component),
			attribute.String("recoverable", recoverable),
		),
	)
}

// RecordRecovery increments the recovery counter for the given error code.
func (em *ErrorMetrics) RecordRecovery(ctx context.Context, errorCode errors.ErrorCode) {
	if em == nil {
		return
	}
	em.recoveryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", string(errorCode)),
		),
	)
}

// ToolMetrics counts capability dispatches and their latency.
type ToolMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	errors   *ErrorMetrics
}

// NewToolMetrics registers the koder.tool.* instruments.
func NewToolMetrics(ctx context.Context) (*ToolMetrics, error) {
	meter := otel.Meter("koder/tools")

	calls, err := meter.Int64Counter(
		"koder.tool.calls",
		metric.WithDescription("Capability calls by name and outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"koder.tool.duration_ms",
		metric.WithDescription("Capability call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	errorMetrics, err := NewErrorMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &ToolMetrics{calls: calls, duration: duration, errors: errorMetrics}, nil
}

// RecordCall records one finished capability call.
func (tm *ToolMetrics) RecordCall(ctx context.Context, name string, elapsed time.Duration, err error) {
	if tm == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(errors.CodeOf(err))
		tm.errors.RecordErrorMetric(ctx, err, "tools")
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, name),
		attribute.String("outcome", outcome),
	)
	tm.calls.Add(ctx, 1, attrs)
	tm.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// AgentMetrics tracks orchestrator runs.
type AgentMetrics struct {
	runs   metric.Int64Counter
	rounds metric.Int64Histogram
	errors *ErrorMetrics
}

// NewAgentMetrics registers the koder.agent.* instruments.
func NewAgentMetrics(ctx context.Context) (*AgentMetrics, error) {
	meter := otel.Meter("koder/agent")

	runs, err := meter.Int64Counter(
		"koder.agent.runs",
		metric.WithDescription("Agent runs by agent type and outcome"),
	)
	if err != nil {
		return nil, err
	}
	rounds, err := meter.Int64Histogram(
		"koder.agent.rounds",
		metric.WithDescription("Model rounds used per agent run"),
	)
	if err != nil {
		return nil, err
	}
	errorMetrics, err := NewErrorMetrics(ctx)
	if err != nil {
		return nil, err
	}
	return &AgentMetrics{runs: runs, rounds: rounds, errors: errorMetrics}, nil
}

// RecordRun records one finished run.
func (am *AgentMetrics) RecordRun(ctx context.Context, agentType, outcome string, rounds int, err error) {
	if am == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrAgentType, agentType),
		attribute.String("outcome", outcome),
	)
	am.runs.Add(ctx, 1, attrs)
	am.rounds.Record(ctx, int64(rounds), attrs)
	if err != nil {
		am.errors.RecordErrorMetric(ctx, err, "agent")
	}
}
