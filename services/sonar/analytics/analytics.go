// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics ships per-resolution measurements to InfluxDB.
//
// Prometheus metrics answer "how is the service doing right now"; the Influx
// points keep a durable per-event record for usage analysis over weeks. The
// sink is optional: without INFLUX_URL in the environment FromEnv returns
// nil, and a nil *Recorder accepts and drops every call.
package analytics

import (
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	defaultOrg    = "aleutian"
	defaultBucket = "sonar"
)

// measurementResolution is the Influx measurement name for resolution runs.
const measurementResolution = "resolution"

// Resolution is one analytics record: a single resolve or context-build
// request, however it ended.
type Resolution struct {
	// Outcome labels how the run finished: "answered", "context_only",
	// "sentinel", or "error".
	Outcome string

	// References is the number of file references parsed from the trace.
	References int

	// Files is the number of distinct files in the assembled context.
	Files int

	// ExactMatches and SemanticMatches break down document origins.
	ExactMatches    int
	SemanticMatches int

	// ContextChars and ContextTokens size the assembled context.
	ContextChars  int
	ContextTokens int

	// Duration is the end-to-end request duration.
	Duration time.Duration
}

// Recorder writes points through the client's async batching API. A nil
// Recorder is valid and silently drops all records.
//
// Thread Safety: safe for concurrent use; the write API batches internally.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger *slog.Logger
}

// FromEnv builds a Recorder from INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, and
// INFLUX_BUCKET. Returns nil when INFLUX_URL is unset: analytics is an
// optional sink and its absence is not an error.
func FromEnv(logger *slog.Logger) *Recorder {
	url := os.Getenv("INFLUX_URL")
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	org := os.Getenv("INFLUX_ORG")
	if org == "" {
		org = defaultOrg
	}
	bucket := os.Getenv("INFLUX_BUCKET")
	if bucket == "" {
		bucket = defaultBucket
	}

	client := influxdb2.NewClient(url, os.Getenv("INFLUX_TOKEN"))
	writeAPI := client.WriteAPI(org, bucket)

	r := &Recorder{client: client, write: writeAPI, logger: logger}

	// The async API surfaces delivery failures on a channel. Analytics
	// must never take the service down, so failures are logged and
	// dropped.
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("Analytics write failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Analytics sink enabled",
		slog.String("url", url),
		slog.String("org", org),
		slog.String("bucket", bucket))
	return r
}

// RecordResolution queues one resolution point. Non-blocking; delivery is
// batched by the client.
func (r *Recorder) RecordResolution(res Resolution) {
	if r == nil {
		return
	}
	point := influxdb2.NewPoint(measurementResolution,
		map[string]string{
			"outcome": res.Outcome,
		},
		map[string]interface{}{
			"references":       res.References,
			"files":            res.Files,
			"exact_matches":    res.ExactMatches,
			"semantic_matches": res.SemanticMatches,
			"context_chars":    res.ContextChars,
			"context_tokens":   res.ContextTokens,
			"duration_ms":      res.Duration.Milliseconds(),
		},
		time.Now())
	r.write.WritePoint(point)
}

// Close flushes pending points and releases the client. Safe on nil.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
}
