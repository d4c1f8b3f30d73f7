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
	"context"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// pythonChunkRanges derives chunk boundaries from a Python file's top-level
// structure.
//
// # Description
//
//	The file's top-level statements (tree-sitter children of the module
//	node) are grouped greedily: a chunk grows until appending the next
//	statement would push it past maxLines, then the cut lands on the line
//	before that statement starts. Boundaries therefore always fall
//	between top-level statements — a function or class is never split,
//	even when a single definition exceeds maxLines and becomes an
//	oversized chunk of its own. The ranges cover every line of the file,
//	including blank runs and comments between statements.
//
//	Tree-sitter is error-tolerant, so files with syntax errors still
//	yield statement boundaries. A nil return (unparseable input, empty
//	module) tells the caller to fall back to fixed windows.
//
// # Inputs
//
//   - ctx: Context for cancellation. Tree-sitter cannot be interrupted
//     mid-parse; the context gates entry and exit.
//   - content: Raw Python source. Must be valid UTF-8 (the extraction
//     layer has already checked).
//   - maxLines: Target chunk height.
//
// # Outputs
//
//   - []lineRange: Statement-aligned 1-based inclusive ranges covering the
//     whole file, or nil to request the fixed-window fallback.
//
// # Thread Safety
//
// Safe for concurrent use; a fresh parser is created per call.
func pythonChunkRanges(ctx context.Context, content []byte, maxLines int) []lineRange {
	if err := ctx.Err(); err != nil {
		return nil
	}
	if maxLines <= 0 {
		return nil
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.ChildCount() == 0 {
		return nil
	}

	totalLines := lineCount(content)
	if totalLines == 0 {
		return nil
	}

	// 1-based start and end lines of each top-level statement, in source
	// order. Decorated definitions are single nodes, so a decorator is
	// never separated from its def.
	type segment struct {
		start, end int
	}
	segments := make([]segment, 0, root.ChildCount())
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child == nil {
			continue
		}
		segments = append(segments, segment{
			start: int(child.StartPoint().Row) + 1,
			end:   int(child.EndPoint().Row) + 1,
		})
	}
	if len(segments) == 0 {
		return nil
	}

	var out []lineRange
	chunkStart := 1
	prevEnd := 0
	for _, seg := range segments {
		if seg.end-chunkStart+1 > maxLines && prevEnd >= chunkStart && seg.start > chunkStart {
			out = append(out, lineRange{start: chunkStart, end: seg.start - 1})
			chunkStart = seg.start
		}
		prevEnd = seg.end
	}
	out = append(out, lineRange{start: chunkStart, end: totalLines})
	return out
}
