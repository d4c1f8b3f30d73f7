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
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultMaxDocuments is the default capacity of a MemoryIndex. A million
// chunks at 768 dims is ~3GB of vectors — past that, use the Weaviate
// backend instead.
const DefaultMaxDocuments = 1_000_000

// ErrMaxDocumentsExceeded is returned by Add when the index is at capacity.
var ErrMaxDocumentsExceeded = fmt.Errorf("vecstore: max documents exceeded")

// MemoryIndexOptions configures MemoryIndex limits.
type MemoryIndexOptions struct {
	// MaxDocuments is the maximum number of documents the index can hold.
	// Default: 1,000,000.
	MaxDocuments int
}

// DefaultMemoryIndexOptions returns the default options.
func DefaultMemoryIndexOptions() MemoryIndexOptions {
	return MemoryIndexOptions{MaxDocuments: DefaultMaxDocuments}
}

// MemoryIndexOption is a functional option for configuring MemoryIndex.
type MemoryIndexOption func(*MemoryIndexOptions)

// WithMaxDocuments sets the maximum number of documents the index can hold.
func WithMaxDocuments(max int) MemoryIndexOption {
	return func(o *MemoryIndexOptions) { o.MaxDocuments = max }
}

// MemoryIndex is an embedded, exhaustive-scan vector index.
//
// # Description
//
// Vectors are stored unit-normalized so cosine similarity reduces to a dot
// product. Search is a brute-force scan — O(n·d) per query — which stays
// under a millisecond for the tens of thousands of chunks a single
// repository produces, and needs no ANN library, no server, and no tuning.
//
// Results are fully deterministic: ties in distance break by insertion
// order.
//
// # Thread Safety
//
// Safe for concurrent use. Searches proceed concurrently; writes take the
// exclusive lock.
type MemoryIndex struct {
	mu sync.RWMutex

	// docs and vectors are parallel slices in insertion order.
	docs    []Document
	vectors [][]float32

	// byPath maps PathKey → indices into docs, for removal and stats.
	byPath map[string][]int

	dimensions int
	loadedAt   time.Time

	embedder Embedder
	options  MemoryIndexOptions
}

// Compile-time check that MemoryIndex satisfies Index.
var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty index that embeds queries and documents
// with the given embedder.
//
// Example:
//
//	idx := NewMemoryIndex(embedder)
//	idx := NewMemoryIndex(embedder, WithMaxDocuments(100_000))
func NewMemoryIndex(embedder Embedder, opts ...MemoryIndexOption) *MemoryIndex {
	options := DefaultMemoryIndexOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &MemoryIndex{
		byPath:   make(map[string][]int),
		embedder: embedder,
		options:  options,
	}
}

// Add embeds and indexes documents one by one.
//
// # Description
//
// Convenience path for small batches and tests. Bulk indexing embeds
// concurrently upstream and calls AddEmbedded instead. Documents with empty
// content are skipped.
//
// # Thread Safety
//
// Safe for concurrent use.
func (idx *MemoryIndex) Add(ctx context.Context, docs ...Document) error {
	for _, doc := range docs {
		if strings.TrimSpace(doc.PageContent) == "" {
			continue
		}
		vec, err := idx.embedder.Embed(ctx, doc.PageContent)
		if err != nil {
			return fmt.Errorf("embed %q: %w", PathKey(doc), err)
		}
		if err := idx.AddEmbedded([]Document{doc}, [][]float32{vec}); err != nil {
			return err
		}
	}
	return nil
}

// AddEmbedded indexes pre-embedded documents.
//
// # Description
//
// docs and vectors must be parallel. Vectors are unit-normalized on write;
// zero vectors are rejected. The batch is all-or-nothing against the
// capacity limit.
//
// # Thread Safety
//
// Safe for concurrent use.
func (idx *MemoryIndex) AddEmbedded(docs []Document, vectors [][]float32) error {
	if len(docs) != len(vectors) {
		return fmt.Errorf("vecstore: %d documents with %d vectors", len(docs), len(vectors))
	}

	normalized := make([][]float32, len(vectors))
	for i, vec := range vectors {
		unit := unitNormalize(vec)
		if unit == nil {
			return fmt.Errorf("vecstore: zero vector for %q", PathKey(docs[i]))
		}
		normalized[i] = unit
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.docs)+len(docs) > idx.options.MaxDocuments {
		return ErrMaxDocumentsExceeded
	}

	for i, doc := range docs {
		pos := len(idx.docs)
		idx.docs = append(idx.docs, doc)
		idx.vectors = append(idx.vectors, normalized[i])
		key := PathKey(doc)
		idx.byPath[key] = append(idx.byPath[key], pos)
		if idx.dimensions == 0 {
			idx.dimensions = len(normalized[i])
		}
	}
	if idx.loadedAt.IsZero() {
		idx.loadedAt = time.Now()
	}
	return nil
}

// RemoveFile drops every document whose path key matches relPath, returning
// the number removed. Used by incremental reindexing before re-adding a
// changed file's chunks.
//
// # Thread Safety
//
// Safe for concurrent use.
func (idx *MemoryIndex) RemoveFile(relPath string) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	victims, ok := idx.byPath[relPath]
	if !ok {
		return 0
	}

	drop := make(map[int]bool, len(victims))
	for _, pos := range victims {
		drop[pos] = true
	}

	docs := idx.docs[:0]
	vectors := idx.vectors[:0]
	byPath := make(map[string][]int, len(idx.byPath))
	for pos, doc := range idx.docs {
		if drop[pos] {
			continue
		}
		newPos := len(docs)
		docs = append(docs, doc)
		vectors = append(vectors, idx.vectors[pos])
		key := PathKey(doc)
		byPath[key] = append(byPath[key], newPos)
	}
	idx.docs = docs
	idx.vectors = vectors
	idx.byPath = byPath
	return len(victims)
}

// Reset drops all documents, returning the index to its initial state.
func (idx *MemoryIndex) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = nil
	idx.vectors = nil
	idx.byPath = make(map[string][]int)
	idx.dimensions = 0
	idx.loadedAt = time.Time{}
}

// SimilaritySearch returns up to k documents most relevant to query.
//
// # Thread Safety
//
// Safe for concurrent use.
func (idx *MemoryIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error) {
	scored, err := idx.SimilaritySearchWithScore(ctx, query, k)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, len(scored))
	for i, s := range scored {
		docs[i] = s.Document
	}
	return docs, nil
}

// SimilaritySearchWithScore returns up to k documents with raw distances,
// closest first.
//
// # Description
//
// The query is embedded, unit-normalized, and scanned against every stored
// vector. Distance is 2 − 2·cosine (squared Euclidean between unit
// vectors). Ties break by insertion order, making results byte-stable for
// identical inputs.
//
// # Thread Safety
//
// Safe for concurrent use.
func (idx *MemoryIndex) SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	idx.mu.RLock()
	loaded := idx.dimensions > 0
	idx.mu.RUnlock()
	if !loaded {
		return nil, ErrNotLoaded
	}
	if k <= 0 {
		return nil, nil
	}

	start := time.Now()
	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		recordSearch("memory", time.Since(start), err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryUnit := unitNormalize(queryVec)
	if queryUnit == nil {
		recordSearch("memory", time.Since(start), ErrEmptyQuery)
		return nil, fmt.Errorf("embed query: zero vector")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	type hit struct {
		pos      int
		distance float64
	}
	hits := make([]hit, len(idx.vectors))
	for pos, vec := range idx.vectors {
		cos := float64(dotProduct(queryUnit, vec))
		hits[pos] = hit{pos: pos, distance: 2 - 2*cos}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].distance != hits[j].distance {
			return hits[i].distance < hits[j].distance
		}
		return hits[i].pos < hits[j].pos
	})

	if k > len(hits) {
		k = len(hits)
	}
	out := make([]ScoredDocument, k)
	for i := 0; i < k; i++ {
		out[i] = ScoredDocument{
			Document: idx.docs[hits[i].pos],
			Distance: hits[i].distance,
		}
	}
	recordSearch("memory", time.Since(start), nil)
	return out, nil
}

// Len returns the number of indexed documents.
func (idx *MemoryIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Stats returns the current index statistics.
//
// # Thread Safety
//
// Safe for concurrent use.
func (idx *MemoryIndex) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	model := ""
	if idx.embedder != nil {
		model = idx.embedder.Model()
	}
	return Stats{
		Documents:  len(idx.docs),
		Files:      len(idx.byPath),
		Dimensions: idx.dimensions,
		Model:      model,
	}
}

// export copies the document and vector slices for snapshotting. Callers
// own the returned slices.
func (idx *MemoryIndex) export() ([]Document, [][]float32) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	docs := make([]Document, len(idx.docs))
	copy(docs, idx.docs)
	vectors := make([][]float32, len(idx.vectors))
	copy(vectors, idx.vectors)
	return docs, vectors
}
