// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run mode labels for the indexing metrics.
const (
	modeFull    = "full"
	modeRefresh = "refresh"
)

// Package-level Prometheus metrics for indexing operations.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// indexRunDuration measures full and incremental indexing runs.
	//
	// Labels:
	//   - mode: "full" or "refresh"
	//   - status: "success" or "error"
	indexRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "run_duration_seconds",
			Help:      "Duration of indexing runs in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"mode", "status"},
	)

	// indexRunsTotal counts indexing runs.
	//
	// Labels:
	//   - mode: "full" or "refresh"
	//   - status: "success" or "error"
	indexRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "runs_total",
			Help:      "Total number of indexing runs.",
		},
		[]string{"mode", "status"},
	)

	// filesIndexedTotal counts files that produced documents.
	//
	// Labels:
	//   - category: "code" or "docs"
	filesIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "files_indexed_total",
			Help:      "Total files indexed by category.",
		},
		[]string{"category"},
	)

	// documentsIndexedTotal counts produced documents (chunks count
	// individually).
	//
	// Labels:
	//   - category: "code" or "docs"
	documentsIndexedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "documents_indexed_total",
			Help:      "Total documents produced by category.",
		},
		[]string{"category"},
	)

	// filesSkippedTotal counts files seen but not indexed.
	//
	// Labels:
	//   - reason: "ignored", "category", "too_large", "binary", "empty",
	//     "read_error"
	filesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "files_skipped_total",
			Help:      "Total files skipped during indexing by reason.",
		},
		[]string{"reason"},
	)

	// watcherEventsTotal counts filesystem events that passed the filters.
	watcherEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "watcher_events_total",
			Help:      "Total counted filesystem change events.",
		},
	)

	// watcherTriggersTotal counts debounced refresh triggers.
	watcherTriggersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "indexer",
			Name:      "watcher_triggers_total",
			Help:      "Total change bursts that fired the watcher callback.",
		},
	)
)

// recordIndexRun records one completed indexing run.
//
// Inputs:
//
//	mode - "full" or "refresh".
//	duration - How long the run took.
//	err - The error, if any. Nil means success.
//
// Thread Safety: Safe for concurrent use.
func recordIndexRun(mode string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	indexRunDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	indexRunsTotal.WithLabelValues(mode, status).Inc()
}

// recordFileIndexed records one indexed file and its document count.
//
// Thread Safety: Safe for concurrent use.
func recordFileIndexed(category string, documents int) {
	filesIndexedTotal.WithLabelValues(category).Inc()
	documentsIndexedTotal.WithLabelValues(category).Add(float64(documents))
}

// recordFileSkipped records one skipped file.
//
// Thread Safety: Safe for concurrent use.
func recordFileSkipped(reason string) {
	filesSkippedTotal.WithLabelValues(reason).Inc()
}

// recordWatcherEvent records one counted filesystem event.
//
// Thread Safety: Safe for concurrent use.
func recordWatcherEvent() {
	watcherEventsTotal.Inc()
}

// recordWatcherTrigger records one debounced callback firing.
//
// Thread Safety: Safe for concurrent use.
func recordWatcherTrigger() {
	watcherTriggersTotal.Inc()
}
