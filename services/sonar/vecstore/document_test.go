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

import "testing"

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewDocument_Metadata(t *testing.T) {
	doc := NewDocument("agent/resolver.py", "def resolve():\n    pass\n")

	if got, _ := MetaString(doc, MetaPath); got != "resolver.py" {
		t.Errorf("path: want %q, got %q", "resolver.py", got)
	}
	if got, _ := MetaString(doc, MetaFilePath); got != "agent/resolver.py" {
		t.Errorf("file_path: want %q, got %q", "agent/resolver.py", got)
	}
	if got, _ := MetaString(doc, MetaFileExtension); got != ".py" {
		t.Errorf("file_extension: want %q, got %q", ".py", got)
	}
	if IsChunk(doc) {
		t.Error("whole-file document should not be a chunk")
	}
	if _, _, ok := ChunkBounds(doc); ok {
		t.Error("whole-file document should have no chunk bounds")
	}
}

func TestNewDocument_UppercaseExtension(t *testing.T) {
	doc := NewDocument("README.MD", "# Readme")
	if got, _ := MetaString(doc, MetaFileExtension); got != ".md" {
		t.Errorf("extension should be lowercased: got %q", got)
	}
}

func TestNewChunkDocument_Metadata(t *testing.T) {
	doc := NewChunkDocument("src/db.py", "class Database:\n    pass\n", 2, 5, 101, 150)

	if !IsChunk(doc) {
		t.Fatal("expected chunk document")
	}
	if got, _ := MetaInt(doc, MetaChunkIndex); got != 2 {
		t.Errorf("chunk_index: want 2, got %d", got)
	}
	if got, _ := MetaInt(doc, MetaTotalChunks); got != 5 {
		t.Errorf("total_chunks: want 5, got %d", got)
	}
	start, end, ok := ChunkBounds(doc)
	if !ok {
		t.Fatal("expected chunk bounds")
	}
	if start != 101 || end != 150 {
		t.Errorf("bounds: want 101-150, got %d-%d", start, end)
	}
}

// =============================================================================
// Metadata Accessor Tests
// =============================================================================

func TestMetaInt_Coercions(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   int
		wantOK bool
	}{
		{"int", int(42), 42, true},
		{"int32", int32(42), 42, true},
		{"int64", int64(42), 42, true},
		{"float64", float64(42), 42, true},
		{"float32", float32(42), 42, true},
		{"string", "42", 0, false},
		{"nil value", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := Document{Metadata: map[string]any{"k": tt.value}}
			got, ok := MetaInt(doc, "k")
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("MetaInt(%v): want (%d, %v), got (%d, %v)",
					tt.value, tt.want, tt.wantOK, got, ok)
			}
		})
	}
}

func TestMetaInt_MissingKeyAndNilMetadata(t *testing.T) {
	if _, ok := MetaInt(Document{Metadata: map[string]any{}}, "absent"); ok {
		t.Error("expected ok=false for absent key")
	}
	if _, ok := MetaInt(Document{}, "absent"); ok {
		t.Error("expected ok=false for nil metadata")
	}
}

func TestMetaString_NonString(t *testing.T) {
	doc := Document{Metadata: map[string]any{"k": 7}}
	if _, ok := MetaString(doc, "k"); ok {
		t.Error("expected ok=false for non-string value")
	}
}

// =============================================================================
// PathKey / RelativePath Tests
// =============================================================================

func TestPathKey_PrefersRelativePath(t *testing.T) {
	doc := Document{Metadata: map[string]any{
		MetaPath:     "main.py",
		MetaFilePath: "services/app/main.py",
	}}
	if got := PathKey(doc); got != "services/app/main.py" {
		t.Errorf("want relative path, got %q", got)
	}
}

func TestPathKey_FallsBackToBasename(t *testing.T) {
	doc := Document{Metadata: map[string]any{MetaPath: "main.py"}}
	if got := PathKey(doc); got != "main.py" {
		t.Errorf("want basename fallback, got %q", got)
	}
}

func TestPathKey_EmptyMetadata(t *testing.T) {
	if got := PathKey(Document{}); got != "" {
		t.Errorf("want empty key, got %q", got)
	}
}

func TestRelativePath_Fallback(t *testing.T) {
	withRel := Document{Metadata: map[string]any{
		MetaPath:     "db.py",
		MetaFilePath: "src/db.py",
	}}
	if got := RelativePath(withRel); got != "src/db.py" {
		t.Errorf("want %q, got %q", "src/db.py", got)
	}

	basenameOnly := Document{Metadata: map[string]any{MetaPath: "db.py"}}
	if got := RelativePath(basenameOnly); got != "db.py" {
		t.Errorf("want %q, got %q", "db.py", got)
	}
}

// =============================================================================
// ChunkBounds Tests
// =============================================================================

func TestChunkBounds_PartialBounds(t *testing.T) {
	// A chunk with only a start line has no usable range.
	doc := Document{Metadata: map[string]any{
		MetaChunkIndex: 0,
		MetaStartLine:  10,
	}}
	if _, _, ok := ChunkBounds(doc); ok {
		t.Error("expected ok=false when end_line is missing")
	}
}

func TestChunkBounds_Float64Metadata(t *testing.T) {
	// Bounds that round-tripped through JSON arrive as float64.
	doc := Document{Metadata: map[string]any{
		MetaStartLine: float64(5),
		MetaEndLine:   float64(40),
	}}
	start, end, ok := ChunkBounds(doc)
	if !ok || start != 5 || end != 40 {
		t.Errorf("want (5, 40, true), got (%d, %d, %v)", start, end, ok)
	}
}
