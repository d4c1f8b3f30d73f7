// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vecstore

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for vector store operations.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// searchDuration measures the duration of similarity searches.
	//
	// Labels:
	//   - backend: "memory" or "weaviate"
	//   - status: "success" or "error"
	searchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonar",
			Subsystem: "vecstore",
			Name:      "search_duration_seconds",
			Help:      "Duration of similarity searches in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"backend", "status"},
	)

	// searchesTotal counts the total number of similarity searches.
	//
	// Labels:
	//   - backend: "memory" or "weaviate"
	//   - status: "success" or "error"
	searchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "vecstore",
			Name:      "searches_total",
			Help:      "Total number of similarity searches.",
		},
		[]string{"backend", "status"},
	)

	// embedCallDuration measures the duration of embedding service calls.
	// Cache hits never reach the service and are not observed here.
	//
	// Labels:
	//   - status: "success" or "error"
	embedCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sonar",
			Subsystem: "vecstore",
			Name:      "embed_call_duration_seconds",
			Help:      "Duration of embedding service calls in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	// embedCallsTotal counts the total number of embedding service calls.
	//
	// Labels:
	//   - status: "success" or "error"
	embedCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "vecstore",
			Name:      "embed_calls_total",
			Help:      "Total number of embedding service calls.",
		},
		[]string{"status"},
	)

	// embedErrorsTotal counts embedding service errors by type.
	//
	// Labels:
	//   - error_type: "timeout", "auth", "rate_limit", "server", "unknown"
	embedErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "vecstore",
			Name:      "embed_errors_total",
			Help:      "Total embedding service errors by type.",
		},
		[]string{"error_type"},
	)

	// embedCacheTotal counts embedding cache lookups by outcome.
	//
	// Labels:
	//   - result: "hit" or "miss"
	embedCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sonar",
			Subsystem: "vecstore",
			Name:      "embed_cache_total",
			Help:      "Total embedding cache lookups by outcome.",
		},
		[]string{"result"},
	)
)

// classifyEmbedError maps an error to a label-safe error type string.
//
// Description:
//
//	Inspects the error message to categorize it into one of the predefined
//	error types used as Prometheus label values. This avoids high-cardinality
//	labels from raw error messages.
//
// Inputs:
//
//	err - The error to classify. May be nil.
//
// Outputs:
//
//	string - One of: "timeout", "auth", "rate_limit", "server", "unknown".
//	         Returns empty string for nil error.
//
// Thread Safety: Safe for concurrent use.
func classifyEmbedError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "returned 401") ||
		strings.Contains(msg, "returned 403") ||
		strings.Contains(msg, "unauthorized"):
		return "auth"
	case strings.Contains(msg, "returned 429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "returned 500") ||
		strings.Contains(msg, "returned 502") ||
		strings.Contains(msg, "returned 503") ||
		strings.Contains(msg, "server error"):
		return "server"
	default:
		return "unknown"
	}
}

// recordSearch records Prometheus metrics for a completed similarity search.
//
// Inputs:
//
//	backend - Backend name ("memory", "weaviate").
//	duration - How long the search took.
//	err - The error, if any. Nil means success.
//
// Thread Safety: Safe for concurrent use.
func recordSearch(backend string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	searchDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
	searchesTotal.WithLabelValues(backend, status).Inc()
}

// recordEmbedCall records Prometheus metrics for a completed embedding call.
//
// Inputs:
//
//	duration - How long the call took.
//	err - The error, if any. Nil means success.
//
// Thread Safety: Safe for concurrent use.
func recordEmbedCall(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		embedErrorsTotal.WithLabelValues(classifyEmbedError(err)).Inc()
	}
	embedCallDuration.WithLabelValues(status).Observe(duration.Seconds())
	embedCallsTotal.WithLabelValues(status).Inc()
}

// recordEmbedCache records one embedding cache lookup outcome.
//
// Inputs:
//
//	hit - Whether the lookup found a cached vector.
//
// Thread Safety: Safe for concurrent use.
func recordEmbedCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	embedCacheTotal.WithLabelValues(result).Inc()
}
