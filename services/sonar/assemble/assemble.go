// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assemble renders resolved documents into the single context string
// handed to the model.
//
// Rendering is line-aware: documents whose file carries a known trace line
// show that line marked inside its chunk or inside a merged ±20-line window,
// while documents found only by similarity show a bounded excerpt and say so
// in their header. Output is deterministic and capped by a character budget
// derived from the token limit.
package assemble

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianSonar/services/sonar/fileclass"
	"github.com/AleutianAI/AleutianSonar/services/sonar/traceref"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// =============================================================================
// Tuning constants
// =============================================================================

const (
	// charsPerToken converts the token budget to a character budget. Four
	// characters per token is the conventional estimate for code-heavy text.
	charsPerToken = 4

	// defaultWindowRadius is the number of lines shown before and after a
	// trace line in an unchunked document.
	defaultWindowRadius = 20

	// defaultPreviewLines bounds the excerpt for documents matched only by
	// similarity, where no trace line anchors a window.
	defaultPreviewLines = 100

	// truncationReserve is the room kept for the truncation marker when the
	// final block is cut to fit the remaining budget.
	truncationReserve = 50

	// truncationMinRoom is the smallest remaining budget worth filling with
	// a truncated block. Below this the block is dropped instead.
	truncationMinRoom = 100
)

// truncationMarker closes a block that was cut to fit the budget.
const truncationMarker = "\n\n[context truncated]\n\n"

// Render modes, used as metric labels.
const (
	modeChunkLines      = "chunk_lines"
	modeWindow          = "window"
	modeChunkSimilarity = "chunk_similarity"
	modePreview         = "preview"
)

// =============================================================================
// Options
// =============================================================================

// Options tunes block rendering. Zero values are replaced by the defaults.
type Options struct {
	// WindowRadius is the line count shown on each side of a trace line.
	WindowRadius int

	// PreviewLines bounds similarity-only excerpts of unchunked files.
	PreviewLines int
}

// DefaultOptions returns the standard assembler tuning.
func DefaultOptions() Options {
	return Options{
		WindowRadius: defaultWindowRadius,
		PreviewLines: defaultPreviewLines,
	}
}

// Option mutates assembler options.
type Option func(*Options)

// WithWindowRadius overrides the context window radius.
func WithWindowRadius(n int) Option {
	return func(o *Options) { o.WindowRadius = n }
}

// WithPreviewLines overrides the similarity-only excerpt length.
func WithPreviewLines(n int) Option {
	return func(o *Options) { o.PreviewLines = n }
}

// =============================================================================
// Build
// =============================================================================

// Build renders documents into one budget-capped context string.
//
// # Description
//
// Documents render in the given (ranking) order. Each becomes one block: a
// fully line-numbered chunk with trace lines marked, merged line windows
// around trace lines, a whole chunk, or a bounded file preview, depending on
// whether the document carries chunk bounds and whether any reference with a
// known line number names its file. Ignored file types are skipped unless the
// trace names them. Blocks are joined by newlines under a budget of
// maxTokens*4 characters, separators included; the block that would overflow
// is cut to exactly fill the remainder, marked truncated, and ends assembly.
//
// # Inputs
//
//   - docs: Resolved documents, best first.
//   - refs: Parsed trace references, used for line anchoring.
//   - maxTokens: Token budget. Non-positive yields an empty string.
//   - opts: Tuning overrides applied on top of DefaultOptions.
//
// # Outputs
//
//   - string: The assembled context. Byte-identical for identical inputs.
//
// # Thread Safety
//
// Safe for concurrent use (pure function over its inputs).
func Build(docs []vecstore.Document, refs []traceref.Reference, maxTokens int, opts ...Option) string {
	start := time.Now()
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	maxChars := maxTokens * charsPerToken
	lineMap := buildLineMap(refs)

	var blocks []string
	used := 0
	for _, doc := range docs {
		block, mode, ok := renderDoc(doc, refs, lineMap, options)
		if !ok {
			continue
		}

		sep := 0
		if len(blocks) > 0 {
			sep = 1
		}
		if used+sep+len(block) > maxChars {
			remaining := maxChars - used - sep
			if remaining > truncationMinRoom {
				blocks = append(blocks, truncateBlock(block, remaining))
				recordBlock(mode)
				recordTruncation()
			}
			break
		}
		blocks = append(blocks, block)
		used += sep + len(block)
		recordBlock(mode)
	}

	result := strings.Join(blocks, "\n")
	recordAssembly(time.Since(start), len(result))
	return result
}

// buildLineMap indexes known trace line numbers by basename, preserving
// reference order. References without a line number contribute nothing.
func buildLineMap(refs []traceref.Reference) map[string][]int {
	m := make(map[string][]int, len(refs))
	for _, ref := range refs {
		if ref.File == "" || ref.Line == nil {
			continue
		}
		m[ref.File] = append(m[ref.File], *ref.Line)
	}
	return m
}

// =============================================================================
// Per-document rendering
// =============================================================================

// renderDoc renders one document into its context block. ok is false when the
// document is an ignored file type the trace never names.
func renderDoc(doc vecstore.Document, refs []traceref.Reference, lineMap map[string][]int, opts Options) (block, mode string, ok bool) {
	metaName, nameOK := vecstore.MetaString(doc, vecstore.MetaPath)
	if !nameOK {
		metaName = "unknown"
	}
	relPath, relOK := vecstore.MetaString(doc, vecstore.MetaFilePath)
	if !relOK {
		relPath = metaName
	}
	fileName := path.Base(metaName)
	fileNameRel := path.Base(relPath)

	inTrace := false
	for _, ref := range refs {
		lower := strings.ToLower(ref.File)
		if lower == strings.ToLower(fileName) || lower == strings.ToLower(fileNameRel) {
			inTrace = true
			break
		}
	}
	if !inTrace && fileclass.ShouldIgnoreFile(relPath) {
		slog.Debug("skipping ignored file in context", slog.String("file", relPath))
		return "", "", false
	}

	displayPath := relPath
	contentLines := strings.Split(doc.PageContent, "\n")

	relevant := lineMap[fileName]
	if len(relevant) == 0 {
		relevant = lineMap[fileNameRel]
	}
	if len(relevant) == 0 {
		// Last resort: references whose full path's basename matches the
		// document. Catches references built outside the parser, where File
		// and the path basename can disagree.
		for _, ref := range refs {
			if ref.NormalizedPath == "" || ref.Line == nil {
				continue
			}
			base := path.Base(ref.NormalizedPath)
			if base == fileName || base == fileNameRel {
				relevant = append(relevant, *ref.Line)
			}
		}
	}

	isChunk := vecstore.IsChunk(doc)
	chunkStart, chunkEnd, boundsOK := vecstore.ChunkBounds(doc)
	boundsOK = boundsOK && chunkStart > 0 && chunkEnd > 0

	if isChunk && boundsOK && len(relevant) > 0 {
		// Keep only the trace lines this chunk actually covers. An empty
		// intersection demotes the chunk to a similarity-only block.
		inChunk := make([]int, 0, len(relevant))
		for _, ln := range relevant {
			if ln >= chunkStart && ln <= chunkEnd {
				inChunk = append(inChunk, ln)
			}
		}
		relevant = inChunk
	}

	switch {
	case len(relevant) > 0 && isChunk && boundsOK:
		return renderChunkWithLines(doc, displayPath, contentLines, chunkStart, chunkEnd, relevant), modeChunkLines, true
	case len(relevant) > 0:
		return renderWindows(displayPath, contentLines, relevant, opts.WindowRadius), modeWindow, true
	case isChunk && boundsOK:
		return renderChunkSimilarity(doc, displayPath, chunkStart, chunkEnd), modeChunkSimilarity, true
	default:
		return renderPreview(displayPath, contentLines, opts.PreviewLines), modePreview, true
	}
}

// renderChunkWithLines renders an entire chunk with absolute line numbers,
// marking the trace lines it covers.
func renderChunkWithLines(doc vecstore.Document, displayPath string, contentLines []string, chunkStart, chunkEnd int, relevant []int) string {
	marked := make(map[int]bool, len(relevant))
	for _, ln := range relevant {
		marked[ln] = true
	}

	numbered := make([]string, len(contentLines))
	for i, line := range contentLines {
		actual := chunkStart + i
		marker := "    "
		if marked[actual] {
			marker = ">>> "
		}
		numbered[i] = fmt.Sprintf("%s%4d | %s", marker, actual, line)
	}

	return fmt.Sprintf("=== File: %s%s (trace lines: %s) ===\n%s\n\n",
		displayPath, chunkLabel(doc, chunkStart, chunkEnd),
		joinInts(relevant), strings.Join(numbered, "\n"))
}

// renderWindows renders merged line windows around each trace line of an
// unchunked document, marking every trace line that falls inside a window.
func renderWindows(displayPath string, contentLines []string, relevant []int, radius int) string {
	type window struct {
		start, end int // 0-based, half-open
	}

	windows := make([]window, 0, len(relevant))
	for _, ln := range relevant {
		start := ln - 1 - radius
		if start < 0 {
			start = 0
		}
		if start > len(contentLines) {
			start = len(contentLines)
		}
		end := ln + radius
		if end > len(contentLines) {
			end = len(contentLines)
		}
		if end < start {
			end = start
		}
		windows = append(windows, window{start: start, end: end})
	}
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].start != windows[j].start {
			return windows[i].start < windows[j].start
		}
		return windows[i].end < windows[j].end
	})

	merged := windows[:1:1]
	for _, w := range windows[1:] {
		last := &merged[len(merged)-1]
		if w.start <= last.end {
			if w.end > last.end {
				last.end = w.end
			}
			continue
		}
		merged = append(merged, w)
	}

	marked := make(map[int]bool, len(relevant))
	for _, ln := range relevant {
		marked[ln] = true
	}

	parts := make([]string, 0, len(merged))
	for _, w := range merged {
		numbered := make([]string, 0, w.end-w.start)
		for i := w.start; i < w.end; i++ {
			actual := i + 1
			marker := "    "
			if marked[actual] {
				marker = ">>> "
			}
			numbered = append(numbered, fmt.Sprintf("%s%4d | %s", marker, actual, contentLines[i]))
		}
		parts = append(parts, strings.Join(numbered, "\n"))
	}

	return fmt.Sprintf("=== File: %s (trace lines: %s) ===\n%s\n\n",
		displayPath, joinInts(relevant), strings.Join(parts, "\n"))
}

// renderChunkSimilarity renders a whole chunk that matched by similarity
// only, without line markers.
func renderChunkSimilarity(doc vecstore.Document, displayPath string, chunkStart, chunkEnd int) string {
	return fmt.Sprintf("=== File: %s%s (matched via similarity search) ===\n%s\n\n",
		displayPath, chunkLabel(doc, chunkStart, chunkEnd), doc.PageContent)
}

// renderPreview renders the head of an unchunked similarity-only document.
func renderPreview(displayPath string, contentLines []string, previewLines int) string {
	preview := contentLines
	if len(contentLines) > previewLines {
		preview = make([]string, 0, previewLines+1)
		preview = append(preview, contentLines[:previewLines]...)
		preview = append(preview, fmt.Sprintf("\n... (file truncated, %d lines total)", len(contentLines)))
	}
	return fmt.Sprintf("=== File: %s (matched via similarity search, first %d lines) ===\n%s\n\n",
		displayPath, previewLines, strings.Join(preview, "\n"))
}

// chunkLabel formats the bracketed chunk position for block headers.
func chunkLabel(doc vecstore.Document, chunkStart, chunkEnd int) string {
	chunkIdx, _ := vecstore.MetaInt(doc, vecstore.MetaChunkIndex)
	total, ok := vecstore.MetaInt(doc, vecstore.MetaTotalChunks)
	if !ok {
		total = 1
	}
	return fmt.Sprintf(" [chunk %d/%d, lines %d-%d]", chunkIdx+1, total, chunkStart, chunkEnd)
}

// =============================================================================
// Budget helpers
// =============================================================================

// truncateBlock cuts a block to fit the remaining budget, reserving room for
// the truncation marker and backing off to a rune boundary so the cut never
// splits a UTF-8 sequence.
func truncateBlock(block string, remaining int) string {
	cut := remaining - truncationReserve
	if cut > len(block) {
		cut = len(block)
	}
	for cut > 0 && cut < len(block) && !utf8.RuneStart(block[cut]) {
		cut--
	}
	return block[:cut] + truncationMarker
}

// joinInts formats line numbers as "12, 40".
func joinInts(nums []int) string {
	parts := make([]string, len(nums))
	for i, n := range nums {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
