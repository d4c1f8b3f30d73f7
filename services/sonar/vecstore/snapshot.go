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
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/mod/semver"
)

// SnapshotFormatVersion is the semver of the on-disk snapshot format.
// Load accepts any snapshot with the same major version; bump the major on
// breaking payload changes.
const SnapshotFormatVersion = "v1.0.0"

// snapshotFileName is the file created inside a snapshot directory.
const snapshotFileName = "index.snapshot"

// SnapshotHeader is the uncompressed first line of a snapshot file: plain
// JSON so operators can inspect a snapshot with head(1) without decoding
// the payload.
type SnapshotHeader struct {
	// FormatVersion is the semver of the payload encoding.
	FormatVersion string `json:"format_version"`

	// Model is the embedding model the vectors were produced with.
	// Loading into an index with a different model is refused — vectors
	// from different models are not comparable.
	Model string `json:"model"`

	// CreatedAtMilli is the Unix timestamp in milliseconds of the save.
	CreatedAtMilli int64 `json:"created_at_milli"`

	// Documents is the number of documents in the payload.
	Documents int `json:"documents"`

	// Dimensions is the embedding vector width.
	Dimensions int `json:"dimensions"`
}

// snapshotDoc is the typed serialized form of one document. Metadata fields
// are flattened so the payload needs no interface encoding.
type snapshotDoc struct {
	Content     string
	Basename    string
	RelPath     string
	Extension   string
	Chunked     bool
	ChunkIndex  int
	TotalChunks int
	HasLines    bool
	StartLine   int
	EndLine     int
}

// snapshotPayload is the zstd-compressed gob body of a snapshot file.
// Integrity is covered by zstd's frame checksums, which the decoder
// verifies on read.
type snapshotPayload struct {
	Docs    []snapshotDoc
	Vectors [][]float32
}

// SaveSnapshot persists the index contents under dir, creating it if
// needed.
//
// # Description
//
// Layout: one JSON header line, then a zstd stream of the gob-encoded
// payload. The write goes to a temp file first and renames into place, so a
// crash mid-save never clobbers the previous snapshot.
//
// # Inputs
//
//   - idx: Index to snapshot. Must not be nil.
//   - dir: Target directory. Created if absent.
//
// # Outputs
//
//   - error: Non-nil on encoding or filesystem failure.
//
// # Thread Safety
//
// Safe to call while searches proceed; the export takes a read lock.
func SaveSnapshot(idx *MemoryIndex, dir string) error {
	if idx == nil {
		return fmt.Errorf("vecstore: snapshot of nil index")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	docs, vectors := idx.export()
	stats := idx.Stats()

	payload := snapshotPayload{
		Docs:    make([]snapshotDoc, len(docs)),
		Vectors: vectors,
	}
	for i, doc := range docs {
		payload.Docs[i] = encodeSnapshotDoc(doc)
	}

	header := SnapshotHeader{
		FormatVersion:  SnapshotFormatVersion,
		Model:          stats.Model,
		CreatedAtMilli: time.Now().UnixMilli(),
		Documents:      len(docs),
		Dimensions:     stats.Dimensions,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal snapshot header: %w", err)
	}

	final := filepath.Join(dir, snapshotFileName)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(append(headerJSON, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("write snapshot header: %w", err)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := gob.NewEncoder(zw).Encode(payload); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return fmt.Errorf("encode snapshot payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close zstd writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	slog.Info("index snapshot saved",
		slog.String("path", final),
		slog.Int("documents", header.Documents),
		slog.Int("dimensions", header.Dimensions),
	)
	return nil
}

// LoadSnapshot restores a snapshot from dir into a fresh MemoryIndex using
// embedder for future queries.
//
// # Description
//
// Refuses snapshots whose format major version or embedding model differ
// from the current ones: stale vectors silently mixed with a new model
// would corrupt every distance computation, so the caller should reindex
// instead.
//
// # Inputs
//
//   - dir: Directory containing index.snapshot.
//   - embedder: Embedder for query vectors. Its Model must match the header.
//   - opts: MemoryIndex options for the restored index.
//
// # Outputs
//
//   - *MemoryIndex: Loaded index. Nil on error.
//   - error: Non-nil on missing file, version or model mismatch, or decode
//     failure. os.IsNotExist distinguishes "no snapshot yet".
func LoadSnapshot(dir string, embedder Embedder, opts ...MemoryIndexOption) (*MemoryIndex, error) {
	f, err := os.Open(filepath.Join(dir, snapshotFileName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	br := bufio.NewReader(f)
	headerLine, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}

	var header SnapshotHeader
	if err := json.Unmarshal([]byte(strings.TrimSpace(headerLine)), &header); err != nil {
		return nil, fmt.Errorf("parse snapshot header: %w", err)
	}
	if !semver.IsValid(header.FormatVersion) ||
		semver.Major(header.FormatVersion) != semver.Major(SnapshotFormatVersion) {
		return nil, fmt.Errorf("snapshot format %q incompatible with %q",
			header.FormatVersion, SnapshotFormatVersion)
	}
	if embedder != nil && header.Model != embedder.Model() {
		return nil, fmt.Errorf("snapshot built with model %q, embedder uses %q",
			header.Model, embedder.Model())
	}

	zr, err := zstd.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	defer zr.Close()

	var payload snapshotPayload
	if err := gob.NewDecoder(zr).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	if len(payload.Docs) != len(payload.Vectors) {
		return nil, fmt.Errorf("snapshot payload mismatch: %d docs, %d vectors",
			len(payload.Docs), len(payload.Vectors))
	}

	idx := NewMemoryIndex(embedder, opts...)
	docs := make([]Document, len(payload.Docs))
	for i, sd := range payload.Docs {
		docs[i] = decodeSnapshotDoc(sd)
	}
	if err := idx.AddEmbedded(docs, payload.Vectors); err != nil {
		return nil, fmt.Errorf("restore snapshot documents: %w", err)
	}

	slog.Info("index snapshot loaded",
		slog.String("dir", dir),
		slog.Int("documents", header.Documents),
		slog.String("model", header.Model),
	)
	return idx, nil
}

// ReadSnapshotHeader reads only the JSON header line of the snapshot under
// dir, without decoding the payload. Cheap enough to call per directory when
// listing snapshots.
//
// Outputs:
//   - *SnapshotHeader: Parsed header. Nil on error.
//   - error: Non-nil on missing file or malformed header.
//     os.IsNotExist distinguishes "no snapshot here".
func ReadSnapshotHeader(dir string) (*SnapshotHeader, error) {
	f, err := os.Open(filepath.Join(dir, snapshotFileName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLine, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read snapshot header: %w", err)
	}
	var header SnapshotHeader
	if err := json.Unmarshal([]byte(strings.TrimSpace(headerLine)), &header); err != nil {
		return nil, fmt.Errorf("parse snapshot header: %w", err)
	}
	return &header, nil
}

// encodeSnapshotDoc flattens a document's metadata into typed fields.
func encodeSnapshotDoc(doc Document) snapshotDoc {
	sd := snapshotDoc{Content: doc.PageContent}
	sd.Basename, _ = MetaString(doc, MetaPath)
	sd.RelPath, _ = MetaString(doc, MetaFilePath)
	sd.Extension, _ = MetaString(doc, MetaFileExtension)
	if ci, ok := MetaInt(doc, MetaChunkIndex); ok {
		sd.Chunked = true
		sd.ChunkIndex = ci
		sd.TotalChunks, _ = MetaInt(doc, MetaTotalChunks)
	}
	if start, end, ok := ChunkBounds(doc); ok {
		sd.HasLines = true
		sd.StartLine = start
		sd.EndLine = end
	}
	return sd
}

// decodeSnapshotDoc rebuilds a document from its flattened form.
func decodeSnapshotDoc(sd snapshotDoc) Document {
	meta := map[string]any{
		MetaPath:          sd.Basename,
		MetaFilePath:      sd.RelPath,
		MetaFileExtension: sd.Extension,
	}
	if sd.Chunked {
		meta[MetaChunkIndex] = sd.ChunkIndex
		meta[MetaTotalChunks] = sd.TotalChunks
	}
	if sd.HasLines {
		meta[MetaStartLine] = sd.StartLine
		meta[MetaEndLine] = sd.EndLine
	}
	return Document{PageContent: sd.Content, Metadata: meta}
}
