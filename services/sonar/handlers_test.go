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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianSonar/services/llm"
	"github.com/AleutianAI/AleutianSonar/services/sonar/engine"
	"github.com/AleutianAI/AleutianSonar/services/sonar/tracker"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// hashEmbedder derives a deterministic unit vector from the text content.
// Similar enough for tests: identical text always lands on the same point.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	var norm float64
	for i := range vec {
		v := float64(binary.BigEndian.Uint32(sum[i*4:i*4+4])%1000) + 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func (hashEmbedder) Model() string { return "hash-embed-model" }

// fakeLLM satisfies llm.LLMClient with a canned answer or error.
type fakeLLM struct {
	answer      string
	err         error
	gotMessages []llm.Message
}

func (f *fakeLLM) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func (f *fakeLLM) Chat(_ context.Context, messages []llm.Message, _ llm.GenerationParams) (string, error) {
	f.gotMessages = messages
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, mutate ...func(*ServiceConfig)) *Service {
	t.Helper()
	cfg := ServiceConfig{
		Embedder: hashEmbedder{},
		Logger:   testLogger(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	svc := NewService(cfg)
	t.Cleanup(svc.Close)
	return svc
}

func setupTestRouter(svc *Service) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	RegisterRoutes(v1, NewHandlers(svc))
	return r
}

// defaultTestFiles is a small indexable corpus the trace fixture points at.
var defaultTestFiles = map[string]string{
	"app/main.py": "import db\n\n\ndef handler(payload):\n    user = payload[\"user\"]\n    return db.lookup(user)\n",
	"app/db.py":   "STORE = {}\n\n\ndef lookup(user):\n    return STORE[user]\n",
}

const traceFixture = "Traceback (most recent call last):\n" +
	"  File \"app/main.py\", line 5, in handler\n" +
	"    user = payload[\"user\"]\n" +
	"KeyError: 'user'"

// loadTestIndex embeds files into a fresh index and swaps it in as if a
// clone had produced it.
func loadTestIndex(t *testing.T, svc *Service, files map[string]string) {
	t.Helper()
	idx := vecstore.NewMemoryIndex(hashEmbedder{})
	docs := make([]vecstore.Document, 0, len(files))
	for rel, content := range files {
		docs = append(docs, vecstore.NewDocument(rel, content))
	}
	if err := idx.Add(context.Background(), docs...); err != nil {
		t.Fatalf("loadTestIndex: %v", err)
	}
	svc.swap(&indexState{
		engine:     svc.buildEngine(idx),
		index:      idx,
		repoPath:   "/srv/repos/demo",
		branch:     "main",
		headCommit: "0123456789abcdef0123456789abcdef01234567",
		indexedAt:  time.Now(),
	})
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, _ := http.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error response: %v (%s)", err, w.Body.String())
	}
	return resp
}

// =============================================================================
// Resolve
// =============================================================================

func TestHandleResolve_Success(t *testing.T) {
	fake := &fakeLLM{answer: "The payload is missing the user key; guard the lookup."}
	svc := newTestService(t, func(c *ServiceConfig) { c.LLM = fake })
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{StackTrace: traceFixture})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp ResolveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Answer != fake.answer {
		t.Errorf("answer = %q, want %q", resp.Answer, fake.answer)
	}
	if resp.RequestID == "" {
		t.Error("expected a request id")
	}
	if w.Header().Get("X-Request-ID") != resp.RequestID {
		t.Errorf("header request id = %q, body = %q", w.Header().Get("X-Request-ID"), resp.RequestID)
	}
	found := false
	for _, f := range resp.Files {
		if f == "app/main.py" {
			found = true
		}
	}
	if !found {
		t.Errorf("files = %v, want app/main.py included", resp.Files)
	}
	if resp.ContextTokens <= 0 {
		t.Errorf("context_tokens = %d, want > 0", resp.ContextTokens)
	}
	if len(fake.gotMessages) != 2 {
		t.Fatalf("llm messages = %d, want 2", len(fake.gotMessages))
	}
}

func TestHandleResolve_ComposesErrorHeader(t *testing.T) {
	fake := &fakeLLM{answer: "ok"}
	svc := newTestService(t, func(c *ServiceConfig) { c.LLM = fake })
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{
		StackTrace:     traceFixture,
		ExceptionType:  "KeyError",
		ExceptionValue: "'user'",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	user := fake.gotMessages[len(fake.gotMessages)-1]
	if !strings.Contains(user.Content, "KeyError: 'user'\n") {
		t.Errorf("user prompt missing composed header:\n%s", user.Content)
	}
}

func TestHandleResolve_BlankStackTrace(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", map[string]string{"stacktrace": "   \n  "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "MISSING_PARAMETER" {
		t.Errorf("code = %q, want MISSING_PARAMETER", resp.Code)
	}
}

func TestHandleResolve_MissingStackTrace(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", map[string]string{"message": "boom"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestHandleResolve_NoStore(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{StackTrace: traceFixture})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "NO_VECTOR_STORE" {
		t.Errorf("code = %q, want NO_VECTOR_STORE", resp.Code)
	}
}

func TestHandleResolve_WhileLoading(t *testing.T) {
	svc := newTestService(t)
	svc.loading.Store(true)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{StackTrace: traceFixture})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "INDEX_LOADING" {
		t.Errorf("code = %q, want INDEX_LOADING", resp.Code)
	}
}

func TestHandleResolve_NoLLM(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{StackTrace: traceFixture})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d: %s", http.StatusServiceUnavailable, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "LLM_NOT_CONFIGURED" {
		t.Errorf("code = %q, want LLM_NOT_CONFIGURED", resp.Code)
	}
}

func TestHandleResolve_SentinelSkipsLLM(t *testing.T) {
	// No LLM configured: a trace without file references must still
	// return 200 with the sentinel, not 503.
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{StackTrace: "something broke badly"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp ResolveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Answer != engine.ResultNoReferences {
		t.Errorf("answer = %q, want the no-references sentinel", resp.Answer)
	}
	if resp.Context != "" {
		t.Errorf("context = %q, want empty for sentinel outcomes", resp.Context)
	}
}

func TestHandleResolve_LLMError(t *testing.T) {
	fake := &fakeLLM{err: errors.New("rate limited")}
	svc := newTestService(t, func(c *ServiceConfig) { c.LLM = fake })
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{StackTrace: traceFixture})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "RESOLVE_FAILED" {
		t.Errorf("code = %q, want RESOLVE_FAILED", resp.Code)
	}
}

func TestHandleResolve_PostsTrackerComment(t *testing.T) {
	var gotPath string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 1, "text": "ok", "createdAt": "2025-01-01T00:00:00.000+0000"}`))
	}))
	defer ts.Close()

	tc, err := tracker.New(
		tracker.Credentials{OAuthToken: "tok", OrgID: "org"},
		tracker.WithBaseURL(ts.URL),
		tracker.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}

	fake := &fakeLLM{answer: "Guard the dictionary access."}
	svc := newTestService(t, func(c *ServiceConfig) {
		c.LLM = fake
		c.Tracker = tc
	})
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{
		StackTrace: traceFixture,
		IssueKey:   "SONAR-42",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if gotPath != "/v3/issues/SONAR-42/comments" {
		t.Errorf("tracker path = %q, want /v3/issues/SONAR-42/comments", gotPath)
	}
	if !bytes.Contains(gotBody, []byte("Guard the dictionary access.")) {
		t.Errorf("tracker comment body missing answer: %s", gotBody)
	}
}

func TestHandleResolve_TrackerFailureIsNonFatal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errorMessages":["boom"]}`, http.StatusInternalServerError)
	}))
	defer ts.Close()

	tc, err := tracker.New(
		tracker.Credentials{OAuthToken: "tok", OrgID: "org"},
		tracker.WithBaseURL(ts.URL),
		tracker.WithLogger(testLogger()),
	)
	if err != nil {
		t.Fatalf("tracker.New: %v", err)
	}

	fake := &fakeLLM{answer: "ok"}
	svc := newTestService(t, func(c *ServiceConfig) {
		c.LLM = fake
		c.Tracker = tc
	})
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/resolve", ResolveRequest{
		StackTrace: traceFixture,
		IssueKey:   "SONAR-43",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("tracker failure must not fail the resolve: got %d: %s", w.Code, w.Body.String())
	}
}

// =============================================================================
// Context
// =============================================================================

func TestHandleContext_Success(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/context", ContextRequest{StackTrace: traceFixture})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp ContextResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(resp.Context, "app/main.py") {
		t.Errorf("context does not mention the referenced file:\n%s", resp.Context)
	}
	if resp.ContextChars != len(resp.Context) {
		t.Errorf("context_chars = %d, want %d", resp.ContextChars, len(resp.Context))
	}
	if resp.ContextTokens <= 0 {
		t.Errorf("context_tokens = %d, want > 0", resp.ContextTokens)
	}
	if resp.RequestID == "" {
		t.Error("expected a request id")
	}
}

func TestHandleContext_SentinelWhenNoReferences(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/context", ContextRequest{StackTrace: "no references at all"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp ContextResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Context != engine.ResultNoReferences {
		t.Errorf("context = %q, want the no-references sentinel", resp.Context)
	}
}

func TestHandleContext_NoStore(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/context", ContextRequest{StackTrace: traceFixture})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestHandleContext_EchoesProvidedRequestID(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	payload, _ := json.Marshal(ContextRequest{StackTrace: traceFixture})
	req, _ := http.NewRequest("POST", "/v1/sonar/context", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "fixed-id-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp ContextResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "fixed-id-123" {
		t.Errorf("request_id = %q, want fixed-id-123", resp.RequestID)
	}
}

// =============================================================================
// Clone
// =============================================================================

func TestHandleClone_RejectsNonSSHURL(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/clone", CloneRequest{SSHURL: "https://github.com/owner/repo.git"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", resp.Code)
	}
}

func TestHandleClone_MissingURL(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/clone", map[string]string{"branch": "main"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleClone_Conflict(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	// Hold the clone lock as if another request were mid-clone.
	svc.cloneMu.Lock()
	defer svc.cloneMu.Unlock()

	w := postJSON(t, router, "/v1/sonar/clone", CloneRequest{SSHURL: "git@example.com:demo/repo.git"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "CLONE_IN_PROGRESS" {
		t.Errorf("code = %q, want CLONE_IN_PROGRESS", resp.Code)
	}
}

// =============================================================================
// Health / stats / refresh
// =============================================================================

func TestHandleHealth_NothingLoaded(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.VectorStoreLoaded || resp.Documents != 0 {
		t.Errorf("health = %+v, want ok/false/0", resp)
	}
}

func TestHandleHealth_Loaded(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.VectorStoreLoaded || resp.Documents != len(defaultTestFiles) {
		t.Errorf("health = %+v, want loaded with %d documents", resp, len(defaultTestFiles))
	}
}

func TestHandleIndexStats_Loaded(t *testing.T) {
	svc := newTestService(t)
	loadTestIndex(t, svc, defaultTestFiles)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/index/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp IndexStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Documents != len(defaultTestFiles) || resp.Files != len(defaultTestFiles) {
		t.Errorf("documents/files = %d/%d, want %d/%d",
			resp.Documents, resp.Files, len(defaultTestFiles), len(defaultTestFiles))
	}
	if resp.Model != "hash-embed-model" {
		t.Errorf("model = %q, want hash-embed-model", resp.Model)
	}
	if resp.Branch != "main" || resp.RepoPath == "" || resp.HeadCommit == "" {
		t.Errorf("repo metadata incomplete: %+v", resp)
	}
}

func TestHandleIndexStats_NoStore(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	req, _ := http.NewRequest("GET", "/v1/sonar/index/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleRefresh_NoStore(t *testing.T) {
	svc := newTestService(t)
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/index/refresh", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d", http.StatusConflict, w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "NO_VECTOR_STORE" {
		t.Errorf("code = %q, want NO_VECTOR_STORE", resp.Code)
	}
}

func TestHandleRefresh_NoLocalRepository(t *testing.T) {
	svc := newTestService(t)
	idx := vecstore.NewMemoryIndex(hashEmbedder{})
	svc.swap(&indexState{
		engine:    svc.buildEngine(idx),
		index:     idx,
		indexedAt: time.Now(),
	})
	router := setupTestRouter(svc)

	w := postJSON(t, router, "/v1/sonar/index/refresh", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected status %d, got %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	if resp := decodeError(t, w); resp.Code != "NO_LOCAL_REPOSITORY" {
		t.Errorf("code = %q, want NO_LOCAL_REPOSITORY", resp.Code)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestComposeTrace(t *testing.T) {
	tests := []struct {
		name    string
		trace   string
		message string
		excType string
		excVal  string
		want    string
	}{
		{
			name:  "stacktrace only",
			trace: "tb",
			want:  "tb",
		},
		{
			name:    "type and value win",
			trace:   "tb",
			message: "msg",
			excType: "KeyError",
			excVal:  "'user'",
			want:    "KeyError: 'user'\ntb",
		},
		{
			name:    "message when no pair",
			trace:   "tb",
			message: "msg",
			excType: "KeyError",
			want:    "msg\ntb",
		},
		{
			name:    "bare type last",
			trace:   "tb",
			excType: "KeyError",
			want:    "KeyError\ntb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := composeTrace(tt.trace, tt.message, tt.excType, tt.excVal)
			if got != tt.want {
				t.Errorf("composeTrace = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolutionOutcome(t *testing.T) {
	if got := resolutionOutcome(&engine.Resolution{Answer: engine.ResultNoReferences}); got != outcomeSentinel {
		t.Errorf("outcome = %q, want %q", got, outcomeSentinel)
	}
	if got := resolutionOutcome(&engine.Resolution{Answer: engine.ResultNoMatches}); got != outcomeSentinel {
		t.Errorf("outcome = %q, want %q", got, outcomeSentinel)
	}
	if got := resolutionOutcome(&engine.Resolution{Answer: "real answer"}); got != outcomeAnswered {
		t.Errorf("outcome = %q, want %q", got, outcomeAnswered)
	}
}
