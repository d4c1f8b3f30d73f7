// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for the analysis pipeline.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// buildDuration measures context building end to end, including
	// resolution and assembly.
	//
	// Labels:
	//   - outcome: "built", "no_references", "no_matches", or "error"
	buildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonar",
			Subsystem: "engine",
			Name:      "build_duration_seconds",
			Help:      "Duration of context building in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	// buildsTotal counts context builds by outcome.
	//
	// Labels:
	//   - outcome: "built", "no_references", "no_matches", or "error"
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "engine",
			Name:      "builds_total",
			Help:      "Context builds, by outcome.",
		},
		[]string{"outcome"},
	)

	// analysesTotal counts full analysis runs by outcome. Sentinel builds
	// skip the model and count as "skipped_sentinel"; "unavailable" means
	// no LLM client was configured.
	//
	// Labels:
	//   - outcome: "answered", "skipped_sentinel", "unavailable", or "error"
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "engine",
			Name:      "analyses_total",
			Help:      "Trace analysis runs, by outcome.",
		},
		[]string{"outcome"},
	)
)

// recordBuild records one context build.
func recordBuild(outcome string, duration time.Duration) {
	buildDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	buildsTotal.WithLabelValues(outcome).Inc()
}

// recordAnalysis records one analysis run.
func recordAnalysis(outcome string) {
	analysesTotal.WithLabelValues(outcome).Inc()
}
