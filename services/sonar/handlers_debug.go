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
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// snapshotNamePattern constrains snapshot names to a single path segment.
// Anything else could escape the snapshot root when joined.
var snapshotNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SaveSnapshotRequest is the body of POST /v1/sonar/debug/snapshot. All
// fields are optional.
type SaveSnapshotRequest struct {
	// Name labels the snapshot directory. Empty derives a UTC timestamp.
	Name string `json:"name"`
}

// SaveSnapshotResponse is the body of a successful snapshot save.
type SaveSnapshotResponse struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Documents int    `json:"documents"`
	RequestID string `json:"request_id"`
}

// SnapshotInfo describes one saved snapshot in a listing.
type SnapshotInfo struct {
	Name          string    `json:"name"`
	Documents     int       `json:"documents"`
	Dimensions    int       `json:"dimensions"`
	Model         string    `json:"model"`
	FormatVersion string    `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListSnapshotsResponse is the body of GET /v1/sonar/debug/snapshots.
type ListSnapshotsResponse struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

// LoadSnapshotResponse is the body of a successful snapshot load.
type LoadSnapshotResponse struct {
	Name      string `json:"name"`
	Documents int    `json:"documents"`
	Model     string `json:"model"`
	RequestID string `json:"request_id"`
}

// CacheStatsResponse is the body of GET /v1/sonar/debug/cache.
type CacheStatsResponse struct {
	Entries int `json:"entries"`

	// ByDimensions counts entries per vector width. More than one key
	// means the cache holds vectors from different models.
	ByDimensions map[int]int `json:"by_dimensions"`
}

// requireSnapshots writes the 503 guard shared by the snapshot endpoints.
// Returns the snapshot root when snapshots are configured.
func (h *Handlers) requireSnapshots(c *gin.Context) (string, bool) {
	if h.svc.cfg.SnapshotDir == "" {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "snapshot persistence not configured",
			Code:  "SNAPSHOTS_NOT_AVAILABLE",
		})
		return "", false
	}
	return h.svc.cfg.SnapshotDir, true
}

// snapshotName validates the :name path parameter.
func snapshotName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !snapshotNamePattern.MatchString(name) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "snapshot name must be a single path segment",
			Code:  "INVALID_PARAMETER",
		})
		return "", false
	}
	return name, true
}

// HandleSaveSnapshot handles POST /v1/sonar/debug/snapshot.
//
// Description:
//
//	Persists the live index as a named snapshot under the snapshot
//	root. Named snapshots sit beside the service-maintained "current"
//	one and can be loaded back through the load endpoint.
//
// Request Body:
//
//	SaveSnapshotRequest (name optional; defaults to a UTC timestamp)
//
// Response:
//
//	200 OK: SaveSnapshotResponse
//	400 Bad Request: Invalid snapshot name
//	404 Not Found: No vector store loaded
//	500 Internal Server Error: Snapshot save failed
//	503 Service Unavailable: Snapshot persistence not configured
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleSaveSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSaveSnapshot")

	root, ok := h.requireSnapshots(c)
	if !ok {
		return
	}

	var req SaveSnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Empty body is fine; every field is optional.
		req = SaveSnapshotRequest{}
	}
	if req.Name == "" {
		req.Name = time.Now().UTC().Format("20060102T150405Z")
	}
	if !snapshotNamePattern.MatchString(req.Name) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "snapshot name must be a single path segment",
			Code:  "INVALID_PARAMETER",
		})
		return
	}

	st := h.svc.current()
	if st == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no vector store loaded",
			Code:  "NO_VECTOR_STORE",
		})
		return
	}

	dir := filepath.Join(root, req.Name)
	if err := vecstore.SaveSnapshot(st.index, dir); err != nil {
		logger.Error("Snapshot save failed", slog.Any("error", err))
		recordSnapshotOp(snapshotOpSave, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to save snapshot: " + err.Error(),
			Code:  "SNAPSHOT_SAVE_FAILED",
		})
		return
	}
	recordSnapshotOp(snapshotOpSave, nil)

	logger.Info("Snapshot saved",
		slog.String("name", req.Name),
		slog.Int("documents", st.index.Len()))

	c.JSON(http.StatusOK, SaveSnapshotResponse{
		Name:      req.Name,
		Path:      dir,
		Documents: st.index.Len(),
		RequestID: requestID,
	})
}

// HandleListSnapshots handles GET /v1/sonar/debug/snapshots.
//
// Description:
//
//	Lists the snapshots under the snapshot root with the metadata from
//	their headers. Directories without a readable snapshot header are
//	skipped.
//
// Response:
//
//	200 OK: ListSnapshotsResponse
//	500 Internal Server Error: Snapshot root unreadable
//	503 Service Unavailable: Snapshot persistence not configured
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleListSnapshots(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListSnapshots")

	root, ok := h.requireSnapshots(c)
	if !ok {
		return
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing saved yet.
			c.JSON(http.StatusOK, ListSnapshotsResponse{Snapshots: []SnapshotInfo{}})
			return
		}
		logger.Error("Failed to read snapshot root", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to list snapshots: " + err.Error(),
			Code:  "SNAPSHOT_LIST_FAILED",
		})
		return
	}

	resp := ListSnapshotsResponse{Snapshots: []SnapshotInfo{}}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		header, err := vecstore.ReadSnapshotHeader(filepath.Join(root, entry.Name()))
		if err != nil {
			continue
		}
		resp.Snapshots = append(resp.Snapshots, SnapshotInfo{
			Name:          entry.Name(),
			Documents:     header.Documents,
			Dimensions:    header.Dimensions,
			Model:         header.Model,
			FormatVersion: header.FormatVersion,
			CreatedAt:     time.UnixMilli(header.CreatedAtMilli).UTC(),
		})
	}

	logger.Info("Listing snapshots", slog.Int("count", len(resp.Snapshots)))
	c.JSON(http.StatusOK, resp)
}

// HandleLoadSnapshot handles POST /v1/sonar/debug/snapshot/:name/load.
//
// Description:
//
//	Restores the named snapshot and swaps it in as the live store,
//	replacing whatever was loaded. The restored index has no working
//	tree, so refresh is unavailable until the next clone.
//
// Path Parameters:
//
//	name: Snapshot name (required)
//
// Response:
//
//	200 OK: LoadSnapshotResponse
//	400 Bad Request: Invalid snapshot name
//	404 Not Found: Snapshot does not exist
//	500 Internal Server Error: Snapshot load failed
//	503 Service Unavailable: Snapshot persistence not configured
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleLoadSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleLoadSnapshot")

	root, ok := h.requireSnapshots(c)
	if !ok {
		return
	}
	name, ok := snapshotName(c)
	if !ok {
		return
	}

	dir := filepath.Join(root, name)
	header, err := vecstore.ReadSnapshotHeader(dir)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error: "snapshot not found: " + name,
				Code:  "SNAPSHOT_NOT_FOUND",
			})
			return
		}
		logger.Error("Snapshot header unreadable", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read snapshot: " + err.Error(),
			Code:  "SNAPSHOT_LOAD_FAILED",
		})
		return
	}

	if err := h.svc.loadSnapshotDir(c.Request.Context(), dir); err != nil {
		logger.Error("Snapshot load failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to load snapshot: " + err.Error(),
			Code:  "SNAPSHOT_LOAD_FAILED",
		})
		return
	}

	logger.Info("Snapshot loaded",
		slog.String("name", name),
		slog.Int("documents", header.Documents))

	c.JSON(http.StatusOK, LoadSnapshotResponse{
		Name:      name,
		Documents: h.svc.Documents(),
		Model:     header.Model,
		RequestID: requestID,
	})
}

// HandleDeleteSnapshot handles DELETE /v1/sonar/debug/snapshot/:name.
//
// Description:
//
//	Removes a named snapshot from disk. Deleting "current" is allowed;
//	the service rewrites it on the next clone or refresh.
//
// Path Parameters:
//
//	name: Snapshot name (required)
//
// Response:
//
//	200 OK: {"deleted": true}
//	400 Bad Request: Invalid snapshot name
//	404 Not Found: Snapshot does not exist
//	500 Internal Server Error: Removal failed
//	503 Service Unavailable: Snapshot persistence not configured
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleDeleteSnapshot(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleDeleteSnapshot")

	root, ok := h.requireSnapshots(c)
	if !ok {
		return
	}
	name, ok := snapshotName(c)
	if !ok {
		return
	}

	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "snapshot not found: " + name,
			Code:  "SNAPSHOT_NOT_FOUND",
		})
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		logger.Error("Snapshot delete failed", slog.Any("error", err))
		recordSnapshotOp(snapshotOpDelete, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to delete snapshot: " + err.Error(),
			Code:  "SNAPSHOT_DELETE_FAILED",
		})
		return
	}
	recordSnapshotOp(snapshotOpDelete, nil)

	logger.Info("Snapshot deleted", slog.String("name", name))
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// HandleCacheStats handles GET /v1/sonar/debug/cache.
//
// Description:
//
//	Walks the embedding cache and reports entry counts grouped by
//	vector width. Reads only key metadata, not the vectors themselves.
//
// Response:
//
//	200 OK: CacheStatsResponse
//	500 Internal Server Error: Cache walk failed
//	503 Service Unavailable: Embedding cache not configured
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleCacheStats(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCacheStats")

	cache := h.svc.cfg.EmbedCache
	if cache == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "embedding cache not configured",
			Code:  "CACHE_NOT_AVAILABLE",
		})
		return
	}

	resp := CacheStatsResponse{ByDimensions: map[int]int{}}
	err := cache.ForEach(c.Request.Context(), func(e vecstore.Entry) error {
		resp.Entries++
		resp.ByDimensions[e.Dimensions]++
		return nil
	})
	if err != nil {
		logger.Error("Cache walk failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to read embedding cache: " + err.Error(),
			Code:  "CACHE_READ_FAILED",
		})
		return
	}

	logger.Info("Cache stats", slog.Int("entries", resp.Entries))
	c.JSON(http.StatusOK, resp)
}
