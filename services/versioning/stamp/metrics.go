// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stamp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stampAllocations counts newly issued stamp sequences.
	// Labels: kind (committed, uncommitted)
	stampAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "stamp",
		Name:      "allocations_total",
		Help:      "Total stamp sequences issued",
	}, []string{"kind"})

	// pendingStamps tracks uncommitted stamps across all open transactions.
	pendingStamps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stampvc",
		Subsystem: "stamp",
		Name:      "pending",
		Help:      "Uncommitted stamps awaiting commit",
	})

	stampCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stampvc",
		Subsystem: "stamp",
		Name:      "cancellations_total",
		Help:      "Total pending stamps canceled",
	})
)
