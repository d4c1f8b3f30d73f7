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
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// defaultWeaviateClass is the collection name for indexed chunks.
const defaultWeaviateClass = "SonarChunk"

// weaviateBatchSize bounds one ObjectsBatcher call. Weaviate recommends
// batches of 100-200 objects; larger batches trade latency for memory on
// the server side.
const weaviateBatchSize = 100

// WeaviateConfig configures the Weaviate backend.
type WeaviateConfig struct {
	// Scheme is "http" or "https".
	Scheme string

	// Host is host:port of the Weaviate instance.
	Host string

	// ClassName is the collection name. Empty means SonarChunk.
	ClassName string
}

// WeaviateConfigFromEnv reads WEAVIATE_SCHEME, WEAVIATE_HOST, and
// WEAVIATE_CLASS with local-dev defaults.
func WeaviateConfigFromEnv() WeaviateConfig {
	cfg := WeaviateConfig{
		Scheme:    os.Getenv("WEAVIATE_SCHEME"),
		Host:      os.Getenv("WEAVIATE_HOST"),
		ClassName: os.Getenv("WEAVIATE_CLASS"),
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.Host == "" {
		cfg.Host = "localhost:8080"
	}
	if cfg.ClassName == "" {
		cfg.ClassName = defaultWeaviateClass
	}
	return cfg
}

// WeaviateIndex is the Weaviate-backed Index implementation.
//
// # Description
//
// Used when several service replicas must share one index, or when the
// corpus outgrows MemoryIndex. Vectors are computed client-side by the
// embedder (the class is created with vectorizer "none") so both backends
// produce identical embeddings for identical text.
//
// Weaviate reports cosine distance (1 − cosine); searches double it to the
// package-wide squared-Euclidean-on-unit-vectors convention before
// returning, so thresholds tuned on MemoryIndex carry over unchanged.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client is stateless per call.
type WeaviateIndex struct {
	client   *weaviate.Client
	class    string
	embedder Embedder
	logger   *slog.Logger
}

// Compile-time check that WeaviateIndex satisfies Index.
var _ Index = (*WeaviateIndex)(nil)

// NewWeaviateIndex connects to Weaviate and ensures the chunk class exists.
//
// # Inputs
//
//   - ctx: Context for the schema bootstrap call.
//   - cfg: Connection settings.
//   - embedder: Client-side embedder. Must not be nil.
//   - logger: Diagnostics logger. Nil means slog.Default.
//
// # Outputs
//
//   - *WeaviateIndex: Connected index. Nil on error.
//   - error: Non-nil when the client cannot be built or the schema call
//     fails.
func NewWeaviateIndex(ctx context.Context, cfg WeaviateConfig, embedder Embedder, logger *slog.Logger) (*WeaviateIndex, error) {
	if embedder == nil {
		return nil, fmt.Errorf("vecstore: weaviate index needs an embedder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClassName == "" {
		cfg.ClassName = defaultWeaviateClass
	}

	client, err := weaviate.NewClient(weaviate.Config{Scheme: cfg.Scheme, Host: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}

	idx := &WeaviateIndex{
		client:   client,
		class:    cfg.ClassName,
		embedder: embedder,
		logger:   logger,
	}
	if err := idx.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureSchema creates the chunk class when absent.
func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(w.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate schema check: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       w.class,
		Description: "One indexed repository file or chunk with its embedding vector",
		Vectorizer:  "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "path", DataType: []string{"text"}},
			{Name: "file_path", DataType: []string{"text"}},
			{Name: "file_extension", DataType: []string{"text"}},
			{Name: "chunked", DataType: []string{"boolean"}},
			{Name: "chunk_index", DataType: []string{"int"}},
			{Name: "total_chunks", DataType: []string{"int"}},
			{Name: "has_lines", DataType: []string{"boolean"}},
			{Name: "start_line", DataType: []string{"int"}},
			{Name: "end_line", DataType: []string{"int"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("weaviate class create: %w", err)
	}
	w.logger.Info("weaviate class created", slog.String("class", w.class))
	return nil
}

// Add uploads pre-embedded documents in batches.
//
// # Description
//
// docs and vectors must be parallel; vectors are unit-normalized before
// upload so the cosine index distance matches the package convention.
// Object IDs are random UUIDs — reindexing a file first deletes its old
// objects via RemoveFile.
func (w *WeaviateIndex) Add(ctx context.Context, docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("vecstore: %d documents with %d vectors", len(docs), len(vectors))
	}

	for lo := 0; lo < len(docs); lo += weaviateBatchSize {
		hi := lo + weaviateBatchSize
		if hi > len(docs) {
			hi = len(docs)
		}

		objects := make([]*models.Object, 0, hi-lo)
		for i := lo; i < hi; i++ {
			unit := unitNormalize(vectors[i])
			if unit == nil {
				return fmt.Errorf("vecstore: zero vector for %q", PathKey(docs[i]))
			}
			objects = append(objects, &models.Object{
				Class:      w.class,
				ID:         strfmt.UUID(uuid.NewString()),
				Vector:     unit,
				Properties: weaviateProperties(docs[i]),
			})
		}

		resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("weaviate batch insert: %w", err)
		}
		for _, obj := range resp {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return fmt.Errorf("weaviate batch insert: %s", obj.Result.Errors.Error[0].Message)
			}
		}
	}
	return nil
}

// RemoveFile deletes every object for the given relative path. Returns the
// number of objects deleted.
func (w *WeaviateIndex) RemoveFile(ctx context.Context, relPath string) (int, error) {
	where := filters.Where().
		WithPath([]string{"file_path"}).
		WithOperator(filters.Equal).
		WithValueText(relPath)

	resp, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(w.class).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate delete: %w", err)
	}
	if resp != nil && resp.Results != nil {
		return int(resp.Results.Successful), nil
	}
	return 0, nil
}

// SimilaritySearch returns up to k documents most relevant to query.
func (w *WeaviateIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error) {
	scored, err := w.SimilaritySearchWithScore(ctx, query, k)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(scored))
	for i, s := range scored {
		docs[i] = s.Document
	}
	return docs, nil
}

// SimilaritySearchWithScore embeds the query and runs a nearVector search.
func (w *WeaviateIndex) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}

	start := time.Now()
	queryVec, err := w.embedder.Embed(ctx, query)
	if err != nil {
		recordSearch("weaviate", time.Since(start), err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	unit := unitNormalize(queryVec)
	if unit == nil {
		recordSearch("weaviate", time.Since(start), ErrEmptyQuery)
		return nil, fmt.Errorf("embed query: zero vector")
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(unit)
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "path"},
		{Name: "file_path"},
		{Name: "file_extension"},
		{Name: "chunked"},
		{Name: "chunk_index"},
		{Name: "total_chunks"},
		{Name: "has_lines"},
		{Name: "start_line"},
		{Name: "end_line"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}

	resp, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		recordSearch("weaviate", time.Since(start), err)
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	if len(resp.Errors) > 0 {
		err := fmt.Errorf("weaviate query: %s", resp.Errors[0].Message)
		recordSearch("weaviate", time.Since(start), err)
		return nil, err
	}

	scored, err := parseWeaviateHits(resp, w.class)
	recordSearch("weaviate", time.Since(start), err)
	return scored, err
}

// weaviateProperties converts document metadata to Weaviate properties.
// Absent chunk fields are stored as explicit zero values behind the
// chunked/has_lines flags, because GraphQL responses cannot distinguish
// "missing int" from 0.
func weaviateProperties(doc Document) map[string]interface{} {
	basename, _ := MetaString(doc, MetaPath)
	relPath, _ := MetaString(doc, MetaFilePath)
	ext, _ := MetaString(doc, MetaFileExtension)

	props := map[string]interface{}{
		"content":        doc.PageContent,
		"path":           basename,
		"file_path":      relPath,
		"file_extension": ext,
		"chunked":        false,
		"chunk_index":    0,
		"total_chunks":   0,
		"has_lines":      false,
		"start_line":     0,
		"end_line":       0,
	}
	if ci, ok := MetaInt(doc, MetaChunkIndex); ok {
		props["chunked"] = true
		props["chunk_index"] = ci
		props["total_chunks"], _ = MetaInt(doc, MetaTotalChunks)
	}
	if startLine, endLine, ok := ChunkBounds(doc); ok {
		props["has_lines"] = true
		props["start_line"] = startLine
		props["end_line"] = endLine
	}
	return props
}

// parseWeaviateHits converts a GraphQL Get response into scored documents.
func parseWeaviateHits(resp *models.GraphQLResponse, class string) ([]ScoredDocument, error) {
	get, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("weaviate response missing Get block")
	}
	rows, ok := get[class].([]interface{})
	if !ok {
		return nil, nil
	}

	out := make([]ScoredDocument, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}

		meta := map[string]any{
			MetaPath:          stringField(obj, "path"),
			MetaFilePath:      stringField(obj, "file_path"),
			MetaFileExtension: stringField(obj, "file_extension"),
		}
		if boolField(obj, "chunked") {
			meta[MetaChunkIndex] = intField(obj, "chunk_index")
			meta[MetaTotalChunks] = intField(obj, "total_chunks")
		}
		if boolField(obj, "has_lines") {
			meta[MetaStartLine] = intField(obj, "start_line")
			meta[MetaEndLine] = intField(obj, "end_line")
		}

		doc := Document{
			PageContent: stringField(obj, "content"),
			Metadata:    meta,
		}

		// Weaviate cosine distance is 1 − cos; double it to match the
		// package's 2 − 2·cos convention.
		distance := 0.0
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				distance = 2 * d
			}
		}
		out = append(out, ScoredDocument{Document: doc, Distance: distance})
	}
	return out, nil
}

func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}

func boolField(obj map[string]interface{}, key string) bool {
	b, _ := obj[key].(bool)
	return b
}

func intField(obj map[string]interface{}, key string) int {
	if f, ok := obj[key].(float64); ok {
		return int(f)
	}
	return 0
}
