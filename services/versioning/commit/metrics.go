// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// commitInstruments holds the OpenTelemetry instruments for the commit
// pipeline. They resolve against the global MeterProvider on first use.
type commitInstruments struct {
	commits      metric.Int64Counter
	duration     metric.Float64Histogram
	components   metric.Int64Histogram
	alerts       metric.Int64Counter
	listenerErrs metric.Int64Counter
	imports      metric.Int64Counter
	active       metric.Int64UpDownCounter
}

var (
	instrumentsOnce sync.Once
	instrumentsVal  *commitInstruments

	// metricsEnabled is set from ServiceConfig.MetricsEnabled.
	metricsEnabled atomic.Bool
)

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled turns commit metric recording on or off.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func newCommitInstruments() (*commitInstruments, error) {
	m := otel.Meter("stampvc.commit")
	var (
		in   commitInstruments
		errs [7]error
	)
	in.commits, errs[0] = m.Int64Counter("commit_total",
		metric.WithDescription("Commit attempts by outcome"))
	in.duration, errs[1] = m.Float64Histogram("commit_duration_seconds",
		metric.WithDescription("Duration of commit attempts"), metric.WithUnit("s"))
	in.components, errs[2] = m.Int64Histogram("commit_components",
		metric.WithDescription("Components written per successful commit"))
	in.alerts, errs[3] = m.Int64Counter("commit_alerts_total",
		metric.WithDescription("Change checker alerts by type"))
	in.listenerErrs, errs[4] = m.Int64Counter("commit_listener_errors_total",
		metric.WithDescription("Listener failures by kind"))
	in.imports, errs[5] = m.Int64Counter("commit_import_total",
		metric.WithDescription("Chronologies imported without checks"))
	in.active, errs[6] = m.Int64UpDownCounter("transactions_active",
		metric.WithDescription("Open transactions"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &in, nil
}

// instruments returns the instruments, or nil when recording is disabled
// or they could not be created.
func instruments() *commitInstruments {
	if !metricsEnabled.Load() {
		return nil
	}
	instrumentsOnce.Do(func() {
		instrumentsVal, _ = newCommitInstruments()
	})
	return instrumentsVal
}

// recordCommit records one commit attempt. outcome is "success", "vetoed"
// or "error".
func recordCommit(ctx context.Context, duration time.Duration, components int, outcome string) {
	in := instruments()
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", outcome))
	in.commits.Add(ctx, 1, attrs)
	in.duration.Record(ctx, duration.Seconds(), attrs)
	if outcome == "success" {
		in.components.Record(ctx, int64(components))
	}
}

func recordAlerts(ctx context.Context, alerts []Alert) {
	in := instruments()
	if in == nil {
		return
	}
	for _, a := range alerts {
		in.alerts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", a.Type.String()),
			attribute.Bool("blocking", a.PreventsCheckerPass()),
		))
	}
}

// recordListenerError counts a failed listener. kind is "commit", "change"
// or "import".
func recordListenerError(ctx context.Context, kind, listener string) {
	if in := instruments(); in != nil {
		in.listenerErrs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("listener", listener),
		))
	}
}

func recordImport(ctx context.Context, changed bool) {
	if in := instruments(); in != nil {
		in.imports.Add(ctx, 1, metric.WithAttributes(attribute.Bool("changed", changed)))
	}
}

func incActive(ctx context.Context) { addActive(ctx, 1) }
func decActive(ctx context.Context) { addActive(ctx, -1) }

func addActive(ctx context.Context, delta int64) {
	if in := instruments(); in != nil {
		in.active.Add(ctx, delta)
	}
}
