// Copyright 2026 © The Koder Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry tracing and metrics and the slog
// handler used by every koder component.
//
// Spans emitted by the runtime:
//
//	Orchestrator.Run    one user turn
//	Orchestrator.Model  one model round
//	Tool.Call           one capability call dispatched by the executor
//	mcp.Request         one JSON-RPC request to an MCP server
package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// ShutdownFunc flushes and stops the installed providers.
type ShutdownFunc func(context.Context) error

const (
	ExporterNone    = "none"
	ExporterConsole = "console"
	ExporterOTLP    = "otlp"

	consoleBatchTimeout = time.Second
	metricInterval      = time.Minute
)

// Config selects where spans and metrics go.
type Config struct {
	// Exporter is "none", "console" (alias "stdout") or "otlp". Empty means
	// none.
	Exporter           string
	OTLPEndpoint       string
	OTLPInsecure       bool
	OTLPTimeoutSeconds int

	// Console receives the console exporter output. Defaults to stderr:
	// stdout carries model output and, under mcp-serve, the protocol stream.
	Console io.Writer

	// Attributes are added to the resource, e.g. the working directory.
	Attributes []attribute.KeyValue

	// SpanProcessors and Readers are attached next to the exporter. Tests
	// use them to observe what the runtime emits.
	SpanProcessors []trace.SpanProcessor
	Readers        []metric.Reader
}

// Init installs console exporters writing to stderr.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Exporter: ExporterConsole})
}

// InitWithConfig builds the providers described by cfg and installs them as
// the global tracer and meter providers.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
		resource.WithAttributes(cfg.Attributes...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spans, readers, err := exporters(cfg)
	if err != nil {
		return nil, err
	}

	traceOpts := []trace.TracerProviderOption{trace.WithResource(res)}
	if spans != nil {
		traceOpts = append(traceOpts, trace.WithBatcher(spans, trace.WithBatchTimeout(consoleBatchTimeout)))
	}
	for _, sp := range cfg.SpanProcessors {
		traceOpts = append(traceOpts, trace.WithSpanProcessor(sp))
	}
	meterOpts := []metric.Option{metric.WithResource(res)}
	for _, r := range append(readers, cfg.Readers...) {
		meterOpts = append(meterOpts, metric.WithReader(r))
	}

	tp := trace.NewTracerProvider(traceOpts...)
	mp := metric.NewMeterProvider(meterOpts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// exporters returns the span exporter and metric readers for cfg.Exporter.
// Both are nil for "none".
func exporters(cfg Config) (trace.SpanExporter, []metric.Reader, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", ExporterNone:
		return nil, nil, nil
	case ExporterConsole, "stdout":
		return consoleExporters(cfg)
	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return nil, nil, fmt.Errorf("telemetry.otlp_endpoint is required for the otlp exporter")
		}
		return otlpExporters(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown telemetry exporter %q (want none, console or otlp)", cfg.Exporter)
	}
}

func consoleExporters(cfg Config) (trace.SpanExporter, []metric.Reader, error) {
	w := cfg.Console
	if w == nil {
		w = os.Stderr
	}
	spans, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("console trace exporter: %w", err)
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, nil, fmt.Errorf("console metric exporter: %w", err)
	}
	return spans, []metric.Reader{metric.NewPeriodicReader(metrics, metric.WithInterval(metricInterval))}, nil
}

func otlpExporters(cfg Config) (trace.SpanExporter, []metric.Reader, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	} else {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		traceOpts = append(traceOpts, otlptracegrpc.WithTLSCredentials(creds))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTLSCredentials(creds))
	}
	if cfg.OTLPTimeoutSeconds > 0 {
		timeout := time.Duration(cfg.OTLPTimeoutSeconds) * time.Second
		traceOpts = append(traceOpts, otlptracegrpc.WithTimeout(timeout))
		metricOpts = append(metricOpts, otlpmetricgrpc.WithTimeout(timeout))
	}

	spans, err := otlptracegrpc.New(context.Background(), traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
	}
	return spans, []metric.Reader{metric.NewPeriodicReader(metrics, metric.WithInterval(metricInterval))}, nil
}
