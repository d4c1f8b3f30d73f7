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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianSonar/services/sonar/analytics"
	"github.com/AleutianAI/AleutianSonar/services/sonar/assemble"
	"github.com/AleutianAI/AleutianSonar/services/sonar/engine"
)

// Analytics outcome labels.
const (
	outcomeAnswered    = "answered"
	outcomeContextOnly = "context_only"
	outcomeSentinel    = "sentinel"
	outcomeError       = "error"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	// Error is a human-readable description of what went wrong.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code"`
}

// Handlers binds the HTTP endpoints to a Service.
type Handlers struct {
	svc *Service
}

// NewHandlers builds the handler set over svc. Panics if svc is nil.
// Registers the custom binding validators on gin's engine as a side
// effect, so tests and mains that build handlers get them for free.
func NewHandlers(svc *Service) *Handlers {
	if svc == nil {
		panic("sonar.NewHandlers: service must not be nil")
	}
	if err := registerValidators(); err != nil {
		svc.logger.Warn("Could not register binding validators",
			slog.String("error", err.Error()))
	}
	return &Handlers{svc: svc}
}

// getOrCreateRequestID returns the caller's X-Request-ID or mints one, and
// echoes it on the response either way.
func getOrCreateRequestID(c *gin.Context) string {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return id
}

// =============================================================================
// Request / response shapes
// =============================================================================

// ResolveRequest is the body of POST /v1/sonar/resolve. Only stacktrace is
// required; the error fields refine the header line prepended to the trace
// before analysis.
type ResolveRequest struct {
	StackTrace     string `json:"stacktrace" binding:"required"`
	Message        string `json:"message"`
	ExceptionType  string `json:"exception_type"`
	ExceptionValue string `json:"exception_value"`

	// MaxTokens overrides the engine's context budget for this request.
	// Non-positive means the configured default.
	MaxTokens int `json:"max_tokens"`

	// Prompt replaces the built-in system prompt entirely when set.
	Prompt string `json:"prompt"`

	// IssueKey names a tracker issue to post the answer to as a comment.
	IssueKey string `json:"issue_key"`
}

// ResolveResponse is the body of a successful resolve.
type ResolveResponse struct {
	engine.Resolution
	RequestID string `json:"request_id"`
}

// ContextRequest is the body of POST /v1/sonar/context.
type ContextRequest struct {
	StackTrace     string `json:"stacktrace" binding:"required"`
	Message        string `json:"message"`
	ExceptionType  string `json:"exception_type"`
	ExceptionValue string `json:"exception_value"`
	MaxTokens      int    `json:"max_tokens"`
}

// ContextResponse is the body of a successful context build.
type ContextResponse struct {
	Context       string `json:"context"`
	ContextChars  int    `json:"context_chars"`
	ContextTokens int    `json:"context_tokens"`
	RequestID     string `json:"request_id"`
}

// CloneRequest is the body of POST /v1/sonar/clone.
type CloneRequest struct {
	SSHURL    string `json:"ssh_url" binding:"required,gitssh"`
	Branch    string `json:"branch"`
	TargetDir string `json:"target_dir"`
}

// CloneResponse is the body of a finished clone, successful or not.
// Success is false when the repository cloned but yielded nothing to
// index.
type CloneResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	RepoPath        string `json:"repo_path,omitempty"`
	FilesIndexed    int    `json:"files_indexed"`
	VectorStorePath string `json:"vector_store_path,omitempty"`
	RequestID       string `json:"request_id"`
}

// HealthResponse is the body of GET /v1/sonar/health.
type HealthResponse struct {
	Status            string `json:"status"`
	VectorStoreLoaded bool   `json:"vector_store_loaded"`
	Documents         int    `json:"documents"`
}

// IndexStatsResponse is the body of GET /v1/sonar/index/stats.
type IndexStatsResponse struct {
	Documents  int       `json:"documents"`
	Files      int       `json:"files"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
	RepoPath   string    `json:"repo_path,omitempty"`
	Branch     string    `json:"branch,omitempty"`
	HeadCommit string    `json:"head_commit,omitempty"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// RefreshResponse is the body of POST /v1/sonar/index/refresh.
type RefreshResponse struct {
	ChangedFiles     int    `json:"changed_files"`
	RemovedDocuments int    `json:"removed_documents"`
	AddedDocuments   int    `json:"added_documents"`
	DurationMs       int64  `json:"duration_ms"`
	RequestID        string `json:"request_id"`
}

// =============================================================================
// Handlers
// =============================================================================

// HandleResolve handles POST /v1/sonar/resolve.
//
// Description:
//
//	Composes the full trace from the request fields, builds a context
//	block from the live index, and asks the LLM to explain the failure.
//	When issue_key is set the answer is additionally posted to the
//	tracker as a comment; a tracker failure is logged but never fails
//	the request.
//
// Request Body:
//
//	ResolveRequest (stacktrace required)
//
// Response:
//
//	200 OK: ResolveResponse
//	400 Bad Request: Malformed body or blank stacktrace
//	409 Conflict: No vector store loaded
//	503 Service Unavailable: Index still loading, or no LLM configured
//	500 Internal Server Error: Resolution or generation failed
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleResolve(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleResolve")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if strings.TrimSpace(req.StackTrace) == "" {
		logger.Warn("Resolve request with blank stacktrace")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "stacktrace must not be empty",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	st, ok := h.requireStore(c)
	if !ok {
		return
	}

	trace := composeTrace(req.StackTrace, req.Message, req.ExceptionType, req.ExceptionValue)
	logger.Info("Resolving stack trace",
		slog.Int("trace_len", len(trace)),
		slog.Int("max_tokens", req.MaxTokens))

	start := time.Now()
	res, err := st.engine.Resolve(c.Request.Context(), trace, req.MaxTokens, req.Prompt)
	if err != nil {
		if errors.Is(err, engine.ErrNoLLM) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: "no llm provider configured; use /context for assembly without analysis",
				Code:  "LLM_NOT_CONFIGURED",
			})
			return
		}
		logger.Error("Resolve failed", slog.Any("error", err))
		h.recordResolution(outcomeError, nil, time.Since(start))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to resolve stack trace: " + err.Error(),
			Code:  "RESOLVE_FAILED",
		})
		return
	}

	outcome := resolutionOutcome(res)
	h.recordResolution(outcome, res, time.Since(start))

	if req.IssueKey != "" {
		h.commentOnIssue(c.Request.Context(), logger, req.IssueKey, res.Answer)
	}

	logger.Info("Stack trace resolved",
		slog.String("outcome", outcome),
		slog.Int("files", len(res.Files)),
		slog.Int("context_tokens", res.ContextTokens),
		slog.Duration("duration", time.Since(start)))

	c.JSON(http.StatusOK, ResolveResponse{Resolution: *res, RequestID: requestID})
}

// HandleContext handles POST /v1/sonar/context.
//
// Description:
//
//	Builds and returns the assembled repository context for a trace
//	without calling the LLM. Useful for feeding an external model, and
//	the only analysis path available when no LLM is configured.
//
// Request Body:
//
//	ContextRequest (stacktrace required)
//
// Response:
//
//	200 OK: ContextResponse
//	400 Bad Request: Malformed body or blank stacktrace
//	409 Conflict: No vector store loaded
//	503 Service Unavailable: Index still loading
//	500 Internal Server Error: Resolution failed
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleContext(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleContext")

	var req ContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if strings.TrimSpace(req.StackTrace) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "stacktrace must not be empty",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	st, ok := h.requireStore(c)
	if !ok {
		return
	}

	trace := composeTrace(req.StackTrace, req.Message, req.ExceptionType, req.ExceptionValue)
	start := time.Now()
	text, err := st.engine.BuildContext(c.Request.Context(), trace, req.MaxTokens)
	if err != nil {
		logger.Error("Context build failed", slog.Any("error", err))
		h.recordResolution(outcomeError, nil, time.Since(start))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to build context: " + err.Error(),
			Code:  "CONTEXT_FAILED",
		})
		return
	}

	tokens := assemble.CountTokens(text)
	outcome := outcomeContextOnly
	if text == engine.ResultNoReferences || text == engine.ResultNoMatches {
		outcome = outcomeSentinel
	}
	h.svc.cfg.Analytics.RecordResolution(analytics.Resolution{
		Outcome:       outcome,
		ContextChars:  len(text),
		ContextTokens: tokens,
		Duration:      time.Since(start),
	})

	logger.Info("Context assembled",
		slog.String("outcome", outcome),
		slog.Int("context_chars", len(text)),
		slog.Int("context_tokens", tokens))

	c.JSON(http.StatusOK, ContextResponse{
		Context:       text,
		ContextChars:  len(text),
		ContextTokens: tokens,
		RequestID:     requestID,
	})
}

// HandleClone handles POST /v1/sonar/clone.
//
// Description:
//
//	Clones (or pulls) the repository, indexes it, persists a snapshot,
//	and swaps the result in as the live store. Long-running; progress
//	streams on /index/events while the request is in flight.
//
// Request Body:
//
//	CloneRequest (ssh_url required, must satisfy the gitssh format;
//	branch defaults to "main")
//
// Response:
//
//	200 OK: CloneResponse (Success false when nothing was indexable)
//	400 Bad Request: Malformed body or non-SSH url
//	409 Conflict: Another clone is already running
//	500 Internal Server Error: Clone or index failed
//
// Thread Safety: This method is safe for concurrent use; concurrent
// clones beyond the first are rejected.
func (h *Handlers) HandleClone(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleClone")

	var req CloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	logger.Info("Clone requested",
		slog.String("branch", req.Branch),
		slog.String("target_dir", req.TargetDir))

	res, err := h.svc.CloneAndIndex(c.Request.Context(), req.SSHURL, req.Branch, req.TargetDir)
	switch {
	case errors.Is(err, ErrCloneInProgress):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "another clone is already in progress",
			Code:  "CLONE_IN_PROGRESS",
		})
		return
	case errors.Is(err, ErrNoIndexableFiles):
		c.JSON(http.StatusOK, CloneResponse{
			Success:      false,
			Message:      "repository cloned but contains no indexable files",
			RepoPath:     res.RepoPath,
			FilesIndexed: 0,
			RequestID:    requestID,
		})
		return
	case err != nil:
		logger.Error("Clone failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to clone repository: " + err.Error(),
			Code:  "CLONE_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, CloneResponse{
		Success:         true,
		Message:         "repository cloned and indexed",
		RepoPath:        res.RepoPath,
		FilesIndexed:    res.Files,
		VectorStorePath: res.SnapshotPath,
		RequestID:       requestID,
	})
}

// HandleHealth handles GET /v1/sonar/health.
//
// Response:
//
//	200 OK: HealthResponse. Status is "ok" whenever the process serves;
//	vector_store_loaded says whether resolution is possible yet.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:            "ok",
		VectorStoreLoaded: h.svc.Loaded(),
		Documents:         h.svc.Documents(),
	})
}

// HandleIndexStats handles GET /v1/sonar/index/stats.
//
// Response:
//
//	200 OK: IndexStatsResponse
//	404 Not Found: No vector store loaded
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleIndexStats(c *gin.Context) {
	st := h.svc.current()
	if st == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "no vector store loaded",
			Code:  "NO_VECTOR_STORE",
		})
		return
	}

	stats := st.index.Stats()
	c.JSON(http.StatusOK, IndexStatsResponse{
		Documents:  stats.Documents,
		Files:      stats.Files,
		Dimensions: stats.Dimensions,
		Model:      stats.Model,
		RepoPath:   st.repoPath,
		Branch:     st.branch,
		HeadCommit: st.headCommit,
		IndexedAt:  st.indexedAt,
	})
}

// HandleRefresh handles POST /v1/sonar/index/refresh.
//
// Description:
//
//	Applies working-tree changes since the last indexed commit to the
//	live index. Returns zero counts when nothing changed.
//
// Response:
//
//	200 OK: RefreshResponse
//	409 Conflict: No vector store loaded, or the store has no local
//	repository (restored from snapshot)
//	500 Internal Server Error: Diff or embedding failed
//
// Thread Safety: This method is safe for concurrent use; refreshes
// serialize internally.
func (h *Handlers) HandleRefresh(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRefresh")

	res, err := h.svc.Refresh(c.Request.Context())
	switch {
	case errors.Is(err, ErrNoIndex):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "no vector store loaded",
			Code:  "NO_VECTOR_STORE",
		})
		return
	case errors.Is(err, ErrNoRepo):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: "index was restored from a snapshot and has no repository to refresh from",
			Code:  "NO_LOCAL_REPOSITORY",
		})
		return
	case err != nil:
		logger.Error("Refresh failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "failed to refresh index: " + err.Error(),
			Code:  "REFRESH_FAILED",
		})
		return
	}

	c.JSON(http.StatusOK, RefreshResponse{
		ChangedFiles:     res.ChangedFiles,
		RemovedDocuments: res.RemovedDocuments,
		AddedDocuments:   res.AddedDocuments,
		DurationMs:       res.Duration.Milliseconds(),
		RequestID:        requestID,
	})
}

// =============================================================================
// Shared pieces
// =============================================================================

// requireStore fetches the live state or writes the appropriate error:
// 503 while a load is in flight, 409 when nothing was ever loaded.
func (h *Handlers) requireStore(c *gin.Context) (*indexState, bool) {
	st := h.svc.current()
	if st != nil {
		return st, true
	}
	if h.svc.Loading() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "vector index is still loading, retry shortly",
			Code:  "INDEX_LOADING",
		})
		return nil, false
	}
	c.JSON(http.StatusConflict, ErrorResponse{
		Error: "no vector store loaded; clone a repository first",
		Code:  "NO_VECTOR_STORE",
	})
	return nil, false
}

// composeTrace prepends the most specific error header available to the
// stack trace: type and value together, else the bare message, else the
// bare type.
func composeTrace(stackTrace, message, excType, excValue string) string {
	var header string
	switch {
	case excType != "" && excValue != "":
		header = excType + ": " + excValue
	case message != "":
		header = message
	case excType != "":
		header = excType
	}
	if header == "" {
		return stackTrace
	}
	return header + "\n" + stackTrace
}

// resolutionOutcome labels a finished resolution for analytics.
func resolutionOutcome(res *engine.Resolution) string {
	if res.Answer == engine.ResultNoReferences || res.Answer == engine.ResultNoMatches {
		return outcomeSentinel
	}
	return outcomeAnswered
}

// recordResolution forwards one resolution record to the analytics sink.
func (h *Handlers) recordResolution(outcome string, res *engine.Resolution, d time.Duration) {
	rec := analytics.Resolution{Outcome: outcome, Duration: d}
	if res != nil {
		rec.References = res.References
		rec.Files = len(res.Files)
		rec.ExactMatches = res.ExactMatches
		rec.SemanticMatches = res.SemanticMatches
		rec.ContextChars = res.ContextChars
		rec.ContextTokens = res.ContextTokens
	}
	h.svc.cfg.Analytics.RecordResolution(rec)
}

// commentOnIssue posts the answer to the tracker. Failures are logged and
// counted, never surfaced: the resolution already succeeded.
func (h *Handlers) commentOnIssue(ctx context.Context, logger *slog.Logger, issueKey, answer string) {
	if h.svc.cfg.Tracker == nil {
		logger.Warn("issue_key provided but tracker is not configured",
			slog.String("issue_key", issueKey))
		recordTrackerComment("unconfigured")
		return
	}
	text := "Automated stack trace analysis:\n\n" + answer
	if _, err := h.svc.cfg.Tracker.AddComment(ctx, issueKey, text); err != nil {
		logger.Warn("Failed to post tracker comment",
			slog.String("issue_key", issueKey),
			slog.String("error", err.Error()))
		recordTrackerComment("error")
		return
	}
	logger.Info("Posted resolution to tracker", slog.String("issue_key", issueKey))
	recordTrackerComment("success")
}
