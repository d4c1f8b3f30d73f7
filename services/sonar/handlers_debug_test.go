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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	badgerstore "github.com/AleutianAI/AleutianSonar/services/sonar/storage/badger"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

func TestSnapshotEndpoints_NotConfigured(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/debug/snapshot", SaveSnapshotRequest{Name: "x"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d: %s", http.StatusServiceUnavailable, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "SNAPSHOTS_NOT_AVAILABLE" {
		t.Errorf("code = %q, want SNAPSHOTS_NOT_AVAILABLE", resp.Code)
	}

	req, _ := http.NewRequest("GET", "/v1/sonar/debug/snapshots", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandleSaveSnapshot_NoStore(t *testing.T) {
	svc := newTestService(t, func(c *ServiceConfig) { c.SnapshotDir = t.TempDir() })
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/debug/snapshot", SaveSnapshotRequest{Name: "x"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "NO_VECTOR_STORE" {
		t.Errorf("code = %q, want NO_VECTOR_STORE", resp.Code)
	}
}

func TestHandleSaveSnapshot_InvalidName(t *testing.T) {
	svc := newTestService(t, func(c *ServiceConfig) { c.SnapshotDir = t.TempDir() })
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/debug/snapshot", SaveSnapshotRequest{Name: "../evil"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "INVALID_PARAMETER" {
		t.Errorf("code = %q, want INVALID_PARAMETER", resp.Code)
	}
}

func TestHandleSaveSnapshot_DefaultName(t *testing.T) {
	svc := newTestService(t, func(c *ServiceConfig) { c.SnapshotDir = t.TempDir() })
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/debug/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp SaveSnapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !regexp.MustCompile(`^\d{8}T\d{6}Z$`).MatchString(resp.Name) {
		t.Errorf("name = %q, want a UTC timestamp", resp.Name)
	}
	if resp.Documents != len(defaultTestFiles) {
		t.Errorf("documents = %d, want %d", resp.Documents, len(defaultTestFiles))
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	svc := newTestService(t, func(c *ServiceConfig) { c.SnapshotDir = t.TempDir() })
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	// Save.
	w := postJSON(t, router, "/v1/sonar/debug/snapshot", SaveSnapshotRequest{Name: "test-snap"})
	if w.Code != http.StatusOK {
		t.Fatalf("save: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var saved SaveSnapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &saved); err != nil {
		t.Fatalf("unmarshal save: %v", err)
	}
	if saved.Name != "test-snap" || saved.Documents != len(defaultTestFiles) {
		t.Errorf("save response = %+v", saved)
	}

	// List.
	req, _ := http.NewRequest("GET", "/v1/sonar/debug/snapshots", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var listed ListSnapshotsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	var info *SnapshotInfo
	for i := range listed.Snapshots {
		if listed.Snapshots[i].Name == "test-snap" {
			info = &listed.Snapshots[i]
		}
	}
	if info == nil {
		t.Fatalf("snapshot test-snap missing from listing: %+v", listed)
	}
	if info.Documents != len(defaultTestFiles) || info.Model != "hash-embed-model" {
		t.Errorf("listing metadata = %+v", *info)
	}
	if info.FormatVersion == "" || info.CreatedAt.IsZero() {
		t.Errorf("listing header fields incomplete: %+v", *info)
	}

	// Load it back into a service that has nothing loaded.
	fresh := newTestService(t, func(c *ServiceConfig) { c.SnapshotDir = svc.cfg.SnapshotDir })
	freshRouter := setupTestRouter(fresh)
	w = postJSON(t, freshRouter, "/v1/sonar/debug/snapshot/test-snap/load", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("load: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var loaded LoadSnapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("unmarshal load: %v", err)
	}
	if loaded.Documents != len(defaultTestFiles) || loaded.Model != "hash-embed-model" {
		t.Errorf("load response = %+v", loaded)
	}
	if !fresh.Loaded() || fresh.Documents() != len(defaultTestFiles) {
		t.Errorf("service state after load: loaded=%v documents=%d", fresh.Loaded(), fresh.Documents())
	}

	// Delete.
	req, _ = http.NewRequest("DELETE", "/v1/sonar/debug/snapshot/test-snap", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var deleted map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("unmarshal delete: %v", err)
	}
	if !deleted["deleted"] {
		t.Errorf("delete response = %v, want deleted=true", deleted)
	}

	// Gone now.
	req, _ = http.NewRequest("DELETE", "/v1/sonar/debug/snapshot/test-snap", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	w = postJSON(t, freshRouter, "/v1/sonar/debug/snapshot/test-snap/load", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("load after delete: expected status %d, got %d: %s", http.StatusNotFound, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "SNAPSHOT_NOT_FOUND" {
		t.Errorf("code = %q, want SNAPSHOT_NOT_FOUND", resp.Code)
	}
}

func TestHandleDeleteSnapshot_RejectsTraversal(t *testing.T) {
	svc := newTestService(t, func(c *ServiceConfig) { c.SnapshotDir = t.TempDir() })
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("DELETE", "/v1/sonar/debug/snapshot/..", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "INVALID_PARAMETER" {
		t.Errorf("code = %q, want INVALID_PARAMETER", resp.Code)
	}
}

func TestHandleListSnapshots_EmptyRoot(t *testing.T) {
	// SnapshotDir configured but never written to.
	svc := newTestService(t, func(c *ServiceConfig) {
		c.SnapshotDir = t.TempDir() + "/never-created"
	})
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/debug/snapshots", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var listed ListSnapshotsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Snapshots) != 0 {
		t.Errorf("snapshots = %+v, want empty", listed.Snapshots)
	}
}

func TestHandleCacheStats_NotConfigured(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/debug/cache", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "CACHE_NOT_AVAILABLE" {
		t.Errorf("code = %q, want CACHE_NOT_AVAILABLE", resp.Code)
	}
}

func TestHandleCacheStats(t *testing.T) {
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache := vecstore.NewEmbeddingCache(db, time.Hour, testLogger())
	ctx := context.Background()
	if err := cache.Put(ctx, "model-a", "first text", []float32{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, "model-a", "second text", []float32{8, 7, 6, 5, 4, 3, 2, 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, "model-b", "third text", []float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("put: %v", err)
	}

	svc := newTestService(t, func(c *ServiceConfig) { c.EmbedCache = cache })
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/debug/cache", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp CacheStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Entries != 3 {
		t.Errorf("entries = %d, want 3", resp.Entries)
	}
	if resp.ByDimensions[8] != 2 || resp.ByDimensions[4] != 1 {
		t.Errorf("by_dimensions = %v, want 8:2 and 4:1", resp.ByDimensions)
	}
}
