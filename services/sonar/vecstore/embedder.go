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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// embedHTTPTimeout bounds a single embedding call. Local Ollama answers in
// tens of milliseconds; the allowance covers model cold starts.
const embedHTTPTimeout = 30 * time.Second

// defaultEmbedRate is the request rate allowed against the embedding service
// during bulk indexing. Ollama serializes embed requests internally, so
// pushing harder only grows its queue.
const defaultEmbedRate = rate.Limit(50)

// defaultEmbedBurst lets short bursts through without waiting; matches the
// indexer's embed concurrency.
const defaultEmbedBurst = 10

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder turns text into a vector. Implementations return raw
// (not necessarily normalized) vectors; index backends normalize on write.
type Embedder interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model identifies the embedding model, used for cache keys and
	// snapshot compatibility checks.
	Model() string
}

// OllamaEmbedder calls Ollama's /api/embed endpoint.
//
// # Description
//
// Requests are rate-limited so bulk indexing cannot starve interactive
// resolution queries hitting the same Ollama instance. When a cache is
// attached, vectors are looked up there first and persisted after each
// successful call; the cache key includes the model name, so switching
// models never serves stale vectors.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaEmbedder struct {
	url     string
	model   string
	client  *http.Client
	limiter *rate.Limiter
	cache   *EmbeddingCache
	logger  *slog.Logger
}

// OllamaEmbedderOption configures an OllamaEmbedder.
type OllamaEmbedderOption func(*OllamaEmbedder)

// WithEmbedURL overrides the endpoint URL.
func WithEmbedURL(url string) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) { e.url = url }
}

// WithEmbedModel overrides the embedding model name.
func WithEmbedModel(model string) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) { e.model = model }
}

// WithEmbedHTTPClient substitutes the HTTP client, mainly for tests.
func WithEmbedHTTPClient(client *http.Client) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) { e.client = client }
}

// WithEmbedRateLimit replaces the default request rate limit.
func WithEmbedRateLimit(limit rate.Limit, burst int) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) { e.limiter = rate.NewLimiter(limit, burst) }
}

// WithEmbedCache attaches a persistent vector cache. Nil disables caching.
func WithEmbedCache(cache *EmbeddingCache) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) { e.cache = cache }
}

// WithEmbedLogger sets the logger. Nil means slog.Default.
func WithEmbedLogger(logger *slog.Logger) OllamaEmbedderOption {
	return func(e *OllamaEmbedder) { e.logger = logger }
}

// NewOllamaEmbedder creates an embedder with environment-driven defaults.
//
// # Description
//
// Reads EMBEDDING_SERVICE_URL and EMBEDDING_MODEL from the environment,
// matching the service's container configuration. Options override both.
//
// # Outputs
//
//   - *OllamaEmbedder: Ready to use. Never nil.
//
// # Thread Safety
//
// The returned embedder is safe for concurrent use.
func NewOllamaEmbedder(opts ...OllamaEmbedderOption) *OllamaEmbedder {
	e := &OllamaEmbedder{
		url:     os.Getenv("EMBEDDING_SERVICE_URL"),
		model:   os.Getenv("EMBEDDING_MODEL"),
		client:  &http.Client{Timeout: embedHTTPTimeout},
		limiter: rate.NewLimiter(defaultEmbedRate, defaultEmbedBurst),
		logger:  slog.Default(),
	}
	if e.url == "" {
		e.url = "http://host.containers.internal:11434/api/embed"
	}
	if e.model == "" {
		e.model = "nomic-embed-text-v2-moe"
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string { return e.model }

// Embed returns the embedding vector for text.
//
// # Description
//
// Checks the cache, waits for rate-limiter admission, calls Ollama, then
// writes the cache. Cache failures are logged and absorbed — the cache is an
// optimization, never a correctness dependency.
//
// # Thread Safety
//
// Safe for concurrent use.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		vec, err := e.cache.Get(ctx, e.model, text)
		if err != nil {
			e.logger.Warn("embedding cache read failed, calling Ollama",
				slog.String("error", err.Error()),
			)
		} else if vec != nil {
			recordEmbedCache(true)
			return vec, nil
		}
		recordEmbedCache(false)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed rate limit: %w", err)
	}

	start := time.Now()
	vec, err := e.call(ctx, text)
	recordEmbedCall(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.Put(ctx, e.model, text, vec); err != nil {
			e.logger.Warn("embedding cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return vec, nil
}

// call performs the HTTP round trip against /api/embed.
func (e *OllamaEmbedder) call(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed ollamaEmbedResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}
	return parsed.Embeddings[0], nil
}

// =============================================================================
// Vector math
// =============================================================================

// l2Norm computes the Euclidean norm of a vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// unitNormalize returns v scaled to unit length, or nil for a zero vector.
func unitNormalize(v []float32) []float32 {
	norm := l2Norm(v)
	if norm == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / float32(norm)
	}
	return out
}

// dotProduct computes the dot product of two vectors. Mismatched lengths use
// the shorter.
func dotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
