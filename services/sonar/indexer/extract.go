// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianSonar/services/sonar/fileclass"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// extractStats counts walk outcomes for the run summary.
type extractStats struct {
	files   int
	skipped int
}

// lineRange is a 1-based inclusive line span within a file.
type lineRange struct {
	start, end int
}

// extractTree walks root and returns the documents for every indexable
// file. Ignored directories are pruned; unreadable files are skipped with a
// warning rather than failing the walk.
func (ix *Indexer) extractTree(ctx context.Context, root string) ([]vecstore.Document, extractStats, error) {
	var docs []vecstore.Document
	var stats extractStats

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if p != root && fileclass.ShouldIgnoreDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		fileDocs, err := ix.extractFile(ctx, p, rel)
		if err != nil {
			stats.skipped++
			recordFileSkipped(skipReadError)
			ix.logger.WarnContext(ctx, "skipping unreadable file",
				slog.String("path", rel),
				slog.Any("error", err))
			return nil
		}
		if len(fileDocs) == 0 {
			stats.skipped++
			return nil
		}

		docs = append(docs, fileDocs...)
		stats.files++
		ix.progress(Progress{Stage: StageWalk, Path: rel, Done: stats.files})
		return nil
	})
	if err != nil {
		return nil, extractStats{}, err
	}
	return docs, stats, nil
}

// Skip reasons recorded on the files-skipped counter.
const (
	skipIgnored   = "ignored"
	skipCategory  = "category"
	skipTooLarge  = "too_large"
	skipBinary    = "binary"
	skipEmpty     = "empty"
	skipReadError = "read_error"
)

// extractFile turns one file into its indexed documents. A nil slice with a
// nil error means the file was deliberately skipped; the reason has already
// been recorded. Used by both the full walk and incremental refresh, so the
// ignore rules and size guard apply identically on both paths.
func (ix *Indexer) extractFile(ctx context.Context, absPath, relPath string) ([]vecstore.Document, error) {
	if fileclass.ShouldIgnoreFile(relPath) {
		recordFileSkipped(skipIgnored)
		return nil, nil
	}
	category := fileclass.Classify(relPath)
	if category != fileclass.CategoryCode && category != fileclass.CategoryDocs {
		recordFileSkipped(skipCategory)
		return nil, nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}
	if info.Size() > ix.opts.MaxFileBytes {
		recordFileSkipped(skipTooLarge)
		ix.logger.DebugContext(ctx, "skipping oversized file",
			slog.String("path", relPath),
			slog.Int64("size_bytes", info.Size()))
		return nil, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(content) {
		recordFileSkipped(skipBinary)
		return nil, nil
	}
	if len(bytes.TrimSpace(content)) == 0 {
		recordFileSkipped(skipEmpty)
		return nil, nil
	}

	var docs []vecstore.Document
	if category == fileclass.CategoryDocs {
		docs, err = ix.splitDoc(relPath, string(content))
		if err != nil {
			return nil, err
		}
	} else {
		docs = ix.splitCode(ctx, relPath, content)
	}
	recordFileIndexed(category.String(), len(docs))
	return docs, nil
}

// splitCode turns a source file into documents: one unchunked document when
// the file fits the line threshold, line-range chunks otherwise. Python
// files chunk along top-level statement boundaries; everything else gets
// fixed overlapping windows.
func (ix *Indexer) splitCode(ctx context.Context, relPath string, content []byte) []vecstore.Document {
	text := string(content)
	lines := splitLines(text)
	if len(lines) <= ix.opts.MaxFileLines {
		return []vecstore.Document{vecstore.NewDocument(relPath, text)}
	}

	var ranges []lineRange
	if strings.ToLower(path.Ext(relPath)) == ".py" {
		ranges = pythonChunkRanges(ctx, content, ix.opts.ChunkLines)
	}
	if ranges == nil {
		ranges = windowRanges(len(lines), ix.opts.ChunkLines, ix.opts.ChunkOverlap)
	}

	docs := make([]vecstore.Document, 0, len(ranges))
	for i, r := range ranges {
		chunk := strings.Join(lines[r.start-1:r.end], "\n")
		docs = append(docs, vecstore.NewChunkDocument(relPath, chunk, i, len(ranges), r.start, r.end))
	}
	return docs
}

// splitDoc turns a documentation file into character-split chunks. Chunks
// carry ordinals but no line bounds: the splitter works on characters, so
// line identity would be a lie. Files small enough for a single chunk index
// unchunked.
func (ix *Indexer) splitDoc(relPath, content string) ([]vecstore.Document, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ix.opts.DocChunkChars),
		textsplitter.WithChunkOverlap(ix.opts.DocChunkOverlap),
	)
	parts, err := splitter.SplitText(content)
	if err != nil {
		return nil, err
	}
	if len(parts) <= 1 {
		return []vecstore.Document{vecstore.NewDocument(relPath, content)}, nil
	}

	docs := make([]vecstore.Document, 0, len(parts))
	for i, part := range parts {
		docs = append(docs, docChunkDocument(relPath, part, i, len(parts)))
	}
	return docs, nil
}

// docChunkDocument builds one character-split documentation chunk.
func docChunkDocument(relPath, content string, chunkIndex, totalChunks int) vecstore.Document {
	return vecstore.Document{
		PageContent: content,
		Metadata: map[string]any{
			vecstore.MetaPath:          path.Base(relPath),
			vecstore.MetaFilePath:      relPath,
			vecstore.MetaFileExtension: strings.ToLower(path.Ext(relPath)),
			vecstore.MetaChunkIndex:    chunkIndex,
			vecstore.MetaTotalChunks:   totalChunks,
		},
	}
}

// windowRanges covers [1, totalLines] with windows of chunkLines lines,
// each window reaching back overlap lines into the previous one.
func windowRanges(totalLines, chunkLines, overlap int) []lineRange {
	if totalLines <= 0 {
		return nil
	}
	if chunkLines <= 0 {
		chunkLines = defaultChunkLines
	}
	if overlap < 0 || overlap >= chunkLines {
		overlap = 0
	}

	step := chunkLines - overlap
	var out []lineRange
	for start := 1; start <= totalLines; start += step {
		end := start + chunkLines - 1
		if end > totalLines {
			end = totalLines
		}
		out = append(out, lineRange{start: start, end: end})
		if end == totalLines {
			break
		}
	}
	return out
}

// splitLines splits content into lines without manufacturing a trailing
// empty line for files that end in a newline. The count agrees with
// lineCount.
func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// lineCount counts lines by the splitLines convention.
func lineCount(content []byte) int {
	if len(content) == 0 {
		return 0
	}
	n := bytes.Count(content, []byte{'\n'})
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}
