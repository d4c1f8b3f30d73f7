// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sonar

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Refresh trigger labels.
const (
	triggerManual  = "manual"
	triggerWatcher = "watcher"
)

// Snapshot operation labels.
const (
	snapshotOpSave   = "save"
	snapshotOpLoad   = "load"
	snapshotOpDelete = "delete"
)

var (
	// cloneDuration tracks end-to-end clone-and-index wall time.
	cloneDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "clone_duration_seconds",
			Help:      "End-to-end duration of clone-and-index runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	// clonesTotal counts clone-and-index runs by outcome.
	clonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "clones_total",
			Help:      "Clone-and-index runs by status.",
		},
		[]string{"status"},
	)

	// refreshesTotal counts incremental refreshes by trigger and outcome.
	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "refreshes_total",
			Help:      "Incremental index refreshes by trigger and status.",
		},
		[]string{"trigger", "status"},
	)

	// snapshotOpsTotal counts snapshot saves, loads, and deletes.
	snapshotOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "snapshot_ops_total",
			Help:      "Snapshot operations by kind and status.",
		},
		[]string{"op", "status"},
	)

	// trackerCommentsTotal counts resolution comments posted to the tracker.
	trackerCommentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "tracker_comments_total",
			Help:      "Tracker comment attempts by status.",
		},
		[]string{"status"},
	)

	// documentsLoaded reports the size of the live index.
	documentsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "documents_loaded",
			Help:      "Documents in the live vector index.",
		},
	)

	// eventClients reports connected event stream subscribers.
	eventClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "event_clients",
			Help:      "Connected index event stream subscribers.",
		},
	)

	// eventsPublishedTotal counts events accepted for broadcast.
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "events_published_total",
			Help:      "Index events accepted for broadcast, by type.",
		},
		[]string{"type"},
	)

	// eventsDroppedTotal counts events dropped by a saturated hub.
	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "service",
			Name:      "events_dropped_total",
			Help:      "Index events dropped because the hub was saturated.",
		},
	)
)

// recordClone records one clone-and-index run.
//
// Thread Safety: Safe for concurrent use.
func recordClone(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	cloneDuration.WithLabelValues(status).Observe(duration.Seconds())
	clonesTotal.WithLabelValues(status).Inc()
}

// recordRefresh records one incremental refresh.
//
// Thread Safety: Safe for concurrent use.
func recordRefresh(trigger string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	refreshesTotal.WithLabelValues(trigger, status).Inc()
}

// recordSnapshotOp records one snapshot save, load, or delete.
//
// Thread Safety: Safe for concurrent use.
func recordSnapshotOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	snapshotOpsTotal.WithLabelValues(op, status).Inc()
}

// recordTrackerComment records one tracker comment attempt.
//
// Thread Safety: Safe for concurrent use.
func recordTrackerComment(status string) {
	trackerCommentsTotal.WithLabelValues(status).Inc()
}

// setDocumentsLoaded updates the live index size gauge.
//
// Thread Safety: Safe for concurrent use.
func setDocumentsLoaded(n int) {
	documentsLoaded.Set(float64(n))
}

// setEventClients updates the subscriber gauge.
//
// Thread Safety: Safe for concurrent use.
func setEventClients(n int) {
	eventClients.Set(float64(n))
}

// recordEventPublished counts one accepted event.
//
// Thread Safety: Safe for concurrent use.
func recordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// recordEventDropped counts one dropped event.
//
// Thread Safety: Safe for concurrent use.
func recordEventDropped() {
	eventsDroppedTotal.Inc()
}
