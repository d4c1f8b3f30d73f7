// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vecstore provides the similarity-search index the resolver queries:
// an embedded in-memory backend with disk snapshots, a Weaviate-backed
// adapter for shared deployments, and the Ollama embedder both use.
//
// Documents are langchaingo schema.Documents. The metadata keys below are the
// package's contract with the indexer that writes them and the resolver and
// assembler that read them.
package vecstore

import (
	"path"
	"strings"

	"github.com/tmc/langchaingo/schema"
)

// Document is the indexed unit: one whole small file, or one chunk of a
// larger file. The alias keeps call sites inside this module readable while
// staying interchangeable with langchaingo's loaders and splitters.
type Document = schema.Document

// Metadata keys carried by every indexed document.
const (
	// MetaPath is the file basename ("resolver.py").
	MetaPath = "path"

	// MetaFilePath is the repository-relative path ("agent/resolver.py").
	MetaFilePath = "file_path"

	// MetaFileExtension is the lowercase extension including the dot.
	MetaFileExtension = "file_extension"

	// MetaChunkIndex is the 0-based chunk ordinal. Present only on
	// documents that are one fragment of a larger file.
	MetaChunkIndex = "chunk_index"

	// MetaStartLine and MetaEndLine bound the chunk's 1-based, inclusive
	// line range within the original file. Absent on character-split
	// documentation chunks, which have no meaningful line identity.
	MetaStartLine = "start_line"
	MetaEndLine   = "end_line"

	// MetaTotalChunks is the number of chunks the file was split into.
	MetaTotalChunks = "total_chunks"
)

// NewDocument builds a document for a whole, unchunked file.
func NewDocument(relPath, content string) Document {
	return Document{
		PageContent: content,
		Metadata: map[string]any{
			MetaPath:          path.Base(relPath),
			MetaFilePath:      relPath,
			MetaFileExtension: strings.ToLower(path.Ext(relPath)),
		},
	}
}

// NewChunkDocument builds a document for one line-bounded chunk of a file.
// startLine and endLine are 1-based inclusive.
func NewChunkDocument(relPath, content string, chunkIndex, totalChunks, startLine, endLine int) Document {
	return Document{
		PageContent: content,
		Metadata: map[string]any{
			MetaPath:          path.Base(relPath),
			MetaFilePath:      relPath,
			MetaFileExtension: strings.ToLower(path.Ext(relPath)),
			MetaChunkIndex:    chunkIndex,
			MetaTotalChunks:   totalChunks,
			MetaStartLine:     startLine,
			MetaEndLine:       endLine,
		},
	}
}

// MetaString returns a string metadata value, with ok=false when the key is
// absent or not a string.
func MetaString(d Document, key string) (string, bool) {
	if d.Metadata == nil {
		return "", false
	}
	s, ok := d.Metadata[key].(string)
	return s, ok
}

// MetaInt returns an integer metadata value. Numeric types are coerced:
// metadata that round-trips through JSON (Weaviate responses, snapshots of
// older formats) arrives as float64.
func MetaInt(d Document, key string) (int, bool) {
	if d.Metadata == nil {
		return 0, false
	}
	switch v := d.Metadata[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// PathKey returns the deduplication identity of a document: the relative
// path when present, else the basename, else "". Documents sharing a PathKey
// are the same file (or the same chunk source) for scoring purposes.
func PathKey(d Document) string {
	if p, ok := MetaString(d, MetaFilePath); ok && p != "" {
		return p
	}
	if p, ok := MetaString(d, MetaPath); ok {
		return p
	}
	return ""
}

// RelativePath returns the repository-relative path, falling back to the
// basename metadata when the indexer recorded none.
func RelativePath(d Document) string {
	if p, ok := MetaString(d, MetaFilePath); ok && p != "" {
		return p
	}
	p, _ := MetaString(d, MetaPath)
	return p
}

// IsChunk reports whether the document is one fragment of a larger file.
func IsChunk(d Document) bool {
	_, ok := MetaInt(d, MetaChunkIndex)
	return ok
}

// ChunkBounds returns the document's 1-based inclusive line range. ok is
// false when either bound is missing, which also covers character-split
// documentation chunks.
func ChunkBounds(d Document) (start, end int, ok bool) {
	start, okStart := MetaInt(d, MetaStartLine)
	end, okEnd := MetaInt(d, MetaEndLine)
	if !okStart || !okEnd {
		return 0, 0, false
	}
	return start, end, true
}
