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
	"log/slog"

	"github.com/AleutianAI/stampvc/services/versioning/telemetry"
	"github.com/AleutianAI/stampvc/services/versioning/transaction"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const commitTracerName = "stampvc.commit"

// Tracer wraps span handling for the commit pipeline.
//
// # Description
//
// A commit attempt gets a "commit.run" span. The checker chain, the
// persistence step and listener notification each get a child span named
// "commit.<step>". A disabled Tracer hands out noop spans and only logs.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	logger  *slog.Logger
	enabled bool
}

// NewTracer returns a Tracer. A nil logger uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{logger: logger, enabled: enabled}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return telemetry.StartSpan(ctx, commitTracerName, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// finish ends span, marking it failed when err is non-nil.
func finish(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attrs...)
	}
	span.End()
}

// StartCommit opens the span for one commit attempt. The caller ends it
// with EndCommit.
func (t *Tracer) StartCommit(ctx context.Context, tx *transaction.Transaction, comment string) (context.Context, trace.Span) {
	ctx, span := t.start(ctx, "commit.run",
		attribute.String("tx.id", tx.ID().String()),
		attribute.String("tx.name", clip(tx.Name(), 64)),
		attribute.String("commit.comment", clip(comment, 100)),
		attribute.Int("tx.stamps", len(tx.StampsForTransaction())),
	)
	telemetry.LoggerWithTrace(ctx, t.logger).DebugContext(ctx, "committing transaction",
		slog.String("tx_id", tx.ID().String()),
		slog.String("tx_name", tx.Name()),
	)
	return ctx, span
}

// EndCommit closes a commit span. rec is nil when err is set.
func (t *Tracer) EndCommit(span trace.Span, rec *CommitRecord, err error) {
	if rec == nil {
		finish(span, err)
		return
	}
	finish(span, err,
		attribute.Int64("commit.time_ms", rec.CommitTime),
		attribute.Int("commit.stamps", len(rec.StampSequences)),
		attribute.Int("commit.concepts", len(rec.ConceptNids)),
		attribute.Int("commit.semantics", len(rec.SemanticNids)),
	)
}

// StartStep opens a child span for one pipeline step: "check", "persist"
// or "notify".
func (t *Tracer) StartStep(ctx context.Context, step string) (context.Context, trace.Span) {
	return t.start(ctx, "commit."+step, attribute.String("commit.step", step))
}

// EndStep closes a step span.
func (t *Tracer) EndStep(span trace.Span, err error) {
	finish(span, err)
}

// RecordStateTransition adds a state_transition event to the span in ctx
// and logs the change at debug level.
func (t *Tracer) RecordStateTransition(ctx context.Context, tx *transaction.Transaction, from, to transaction.State) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("state_transition", trace.WithAttributes(
			attribute.String("tx.from_state", from.String()),
			attribute.String("tx.to_state", to.String()),
		))
	}
	t.logger.DebugContext(ctx, "transaction state transition",
		slog.String("tx_id", tx.ID().String()),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}

// clip shortens s to at most n bytes, ending in "..." when there is room.
func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n <= 0:
		return ""
	case n < 4:
		return s[:n]
	}
	return s[:n-3] + "..."
}
