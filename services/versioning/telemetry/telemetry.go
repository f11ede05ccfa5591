// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry configures the OpenTelemetry SDK for stampvc.
//
// Library packages (commit, stamp, taxonomy) use otel.Tracer, otel.Meter
// and promauto directly. Init installs the providers those calls resolve
// to. Without Init they fall back to the otel no-op providers, which is
// what tests rely on.
//
// # Exporters
//
//   - traces: "otlp" (gRPC), "stdout", or "none"
//   - metrics: "prometheus", "stdout", or "none"
//
// The Prometheus exporter registers with the default Prometheus registry,
// so the promauto counters and the otel instruments share one /metrics
// endpoint.
//
// # Thread Safety
//
// Init is called once at startup. Everything else is safe for concurrent use.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an exporter name Init does not know.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names accepted in Config.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string `yaml:"service_name" json:"service_name"`

	// ServiceVersion is the build version.
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment names the deployment (development, production).
	Environment string `yaml:"environment" json:"environment"`

	// TraceExporter is "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP gRPC receiver for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool `yaml:"otlp_insecure" json:"otlp_insecure"`
}

// DefaultConfig returns development defaults: no trace export and
// Prometheus metrics.
//
// Environment variables override the defaults:
//   - STAMPVC_ENV: environment name
//   - OTEL_TRACES_EXPORTER: trace exporter
//   - OTEL_METRICS_EXPORTER: metric exporter
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint
func DefaultConfig() Config {
	return Config{
		ServiceName:    "stampvc",
		ServiceVersion: "0.1.0",
		Environment:    envDefault("STAMPVC_ENV", "development"),
		TraceExporter:  envDefault("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: envDefault("OTEL_METRICS_EXPORTER", ExporterPrometheus),
		OTLPEndpoint:   envDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// stoppers collects provider shutdown funcs in start order.
type stoppers []func(context.Context) error

func (s stoppers) stop(ctx context.Context) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		errs = append(errs, s[i](ctx))
	}
	return errors.Join(errs...)
}

// Init installs the global TracerProvider and MeterProvider.
//
// # Description
//
// Builds a resource from the service identity, then a provider per enabled
// signal. On a partial failure, providers already created are shut down
// before the error is returned.
//
// # Inputs
//
//   - ctx: Used for exporter connections. Must not be nil.
//   - cfg: Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - shutdown: Flushes and stops every provider, last started first.
//     Must be called on exit.
//   - error: ErrNilContext, ErrUnknownExporter, or an exporter failure.
//
// # Thread Safety
//
// Call once at startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	var started stoppers
	if enabled(cfg.TraceExporter) {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		otel.SetTracerProvider(tp)
		started = append(started, tp.Shutdown)
	}
	if enabled(cfg.MetricExporter) {
		mp, err := newMeterProvider(cfg.MetricExporter, res)
		if err != nil {
			_ = started.stop(ctx)
			return nil, fmt.Errorf("metrics: %w", err)
		}
		otel.SetMeterProvider(mp)
		started = append(started, mp.Shutdown)
	}
	return started.stop, nil
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

func newTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.TraceExporter {
	case ExporterStdout:
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", cfg.TraceExporter, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	), nil
}

func newMeterProvider(exporter string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var reader sdkmetric.Reader
	switch exporter {
	case ExporterPrometheus:
		r, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		reader = r
		scrapeHandler.Store(&handlerBox{h: promhttp.Handler()})
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, exporter)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

type handlerBox struct{ h http.Handler }

var scrapeHandler atomic.Pointer[handlerBox]

// MetricsHandler returns the Prometheus scrape handler.
//
// Before Init, or with a non-Prometheus exporter, it still serves the
// promauto collectors registered by the stamp and taxonomy packages.
func MetricsHandler() http.Handler {
	if b := scrapeHandler.Load(); b != nil {
		return b.h
	}
	return promhttp.Handler()
}

func envDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
