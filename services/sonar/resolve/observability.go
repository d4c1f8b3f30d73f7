// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for reference resolution.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// resolveDuration measures end-to-end resolution time.
	//
	// Labels:
	//   - status: "success" or "error"
	resolveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonar",
			Subsystem: "resolve",
			Name:      "duration_seconds",
			Help:      "End-to-end duration of reference resolution in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	// resolveMatchesTotal counts matched documents by pass.
	//
	// Labels:
	//   - origin: "exact" or "semantic"
	resolveMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "resolve",
			Name:      "matches_total",
			Help:      "Documents matched, by originating pass.",
		},
		[]string{"origin"},
	)

	// resolveRefsTotal counts trace references by how they resolved.
	//
	// Labels:
	//   - resolution: "exact" or "semantic"
	resolveRefsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "resolve",
			Name:      "references_total",
			Help:      "Trace references processed, by resolution path.",
		},
		[]string{"resolution"},
	)
)

// recordResolve records one completed (or failed) resolution.
func recordResolve(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	resolveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// recordMatches records how many documents each pass contributed.
func recordMatches(exact, semantic int) {
	resolveMatchesTotal.WithLabelValues("exact").Add(float64(exact))
	resolveMatchesTotal.WithLabelValues("semantic").Add(float64(semantic))
}

// recordRefs records how many references resolved on each path.
func recordRefs(exact, semantic int) {
	resolveRefsTotal.WithLabelValues("exact").Add(float64(exact))
	resolveRefsTotal.WithLabelValues("semantic").Add(float64(semantic))
}
