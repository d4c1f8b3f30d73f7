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
	"errors"
)

// Sentinel errors shared by index implementations.
var (
	// ErrEmptyQuery is returned when the query text is empty or whitespace.
	ErrEmptyQuery = errors.New("vecstore: empty query")

	// ErrNotLoaded is returned by search operations before any documents
	// have been indexed or a snapshot restored.
	ErrNotLoaded = errors.New("vecstore: index not loaded")
)

// ScoredDocument pairs a search hit with its raw distance.
type ScoredDocument struct {
	Document Document

	// Distance is squared Euclidean distance between unit vectors,
	// 2 − 2·cosine, in [0, 4]. Lower is closer. Both backends report
	// this convention so relevance thresholds behave identically.
	Distance float64
}

// Index is the similarity-search surface the resolver consumes.
//
// # Description
//
// The resolver treats the index as long-lived, read-only external state: it
// issues queries and never mutates. Writing happens through the concrete
// backend types (MemoryIndex.Add, WeaviateIndex.Add), driven by the indexer.
//
// # Thread Safety
//
// Implementations must be safe for concurrent searches, including
// concurrently with writes.
type Index interface {
	// SimilaritySearch returns up to k documents most relevant to query,
	// best first.
	SimilaritySearch(ctx context.Context, query string, k int) ([]Document, error)

	// SimilaritySearchWithScore returns up to k documents with their raw
	// distances, closest first. See ScoredDocument for the distance
	// convention.
	SimilaritySearchWithScore(ctx context.Context, query string, k int) ([]ScoredDocument, error)
}

// Stats describes the current contents of an index backend.
type Stats struct {
	// Documents is the number of indexed documents (chunks count
	// individually).
	Documents int `json:"documents"`

	// Files is the number of distinct relative paths.
	Files int `json:"files"`

	// Dimensions is the embedding vector width, 0 before the first add.
	Dimensions int `json:"dimensions"`

	// Model is the embedding model the vectors were produced with.
	Model string `json:"model"`
}
