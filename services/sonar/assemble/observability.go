// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assemble

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus metrics
// =============================================================================

var (
	// assembleDuration tracks context assembly latency.
	assembleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sonar",
		Subsystem: "assemble",
		Name:      "duration_seconds",
		Help:      "Time to render resolved documents into a context string.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// contextChars tracks assembled context sizes in characters.
	contextChars = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sonar",
		Subsystem: "assemble",
		Name:      "context_chars",
		Help:      "Size of the assembled context string in characters.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	// blocksTotal counts rendered blocks by render mode.
	//
	// Labels:
	//   - mode: chunk_lines, window, chunk_similarity, or preview.
	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonar",
		Subsystem: "assemble",
		Name:      "blocks_total",
		Help:      "Context blocks rendered, by render mode.",
	}, []string{"mode"})

	// truncationsTotal counts assemblies that hit the character budget.
	truncationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sonar",
		Subsystem: "assemble",
		Name:      "truncations_total",
		Help:      "Assemblies whose final block was cut to fit the budget.",
	})
)

func recordAssembly(duration time.Duration, chars int) {
	assembleDuration.Observe(duration.Seconds())
	contextChars.Observe(float64(chars))
}

func recordBlock(mode string) {
	blocksTotal.WithLabelValues(mode).Inc()
}

func recordTruncation() {
	truncationsTotal.Inc()
}
