// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taxonomy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// accumulations counts AccumulateAndGet calls that completed.
	// Labels: result (merged, unchanged)
	accumulations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "accumulations_total",
		Help:      "Total taxonomy accumulations by result",
	}, []string{"result"})

	casRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "cas_retries_total",
		Help:      "Total compare-and-swap retries on taxonomy records",
	})

	shrinkTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "shrink_total",
		Help:      "Total accumulations rejected because the merge shrank",
	})

	cachedRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "cached_records",
		Help:      "Taxonomy records held in memory",
	})

	flushedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "flushed_records_total",
		Help:      "Total taxonomy records written to storage",
	})

	// updates counts updater runs.
	// Labels: source (commit, import), status (success, error)
	updates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "updates_total",
		Help:      "Total taxonomy update runs",
	}, []string{"source", "status"})

	updateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stampvc",
		Subsystem: "taxonomy",
		Name:      "update_duration_seconds",
		Help:      "Duration of taxonomy update runs",
		Buckets:   prometheus.DefBuckets,
	})
)
