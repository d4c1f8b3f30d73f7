// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package traceref extracts file references from raw stack traces.
//
// A stack trace names the same file many times as the stack unwinds. The
// parser keeps only the first reference per basename: interpreters print the
// topmost frame first, and that frame is usually the actionable one. Output
// order is appearance order, so downstream ranking can use it for stable
// tie-breaks.
package traceref

import (
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Reference is a single file mentioned by a stack trace.
//
// References are immutable once returned by Parse. File is always the
// basename; FullPath preserves the exact capture from the trace text so the
// resolver can do full-path containment matching against indexed paths.
type Reference struct {
	// File is the basename of the referenced file.
	File string

	// Line is the 1-based line number, or nil when the trace used the
	// unknown-line marker "?" or gave no line at all.
	Line *int

	// FullPath is the path exactly as it appeared in the trace.
	FullPath string

	// NormalizedPath is FullPath with backslashes unified to slashes and
	// "."/".." segments resolved.
	NormalizedPath string
}

var (
	// framePattern matches the conventional interpreter frame line:
	//
	//	File "/path/to/module.py", line 42, in handler
	//	File '/path/to/module.py', line ?
	//
	// Straight and curly quotes are both accepted (traces pasted through
	// chat clients and ticket UIs arrive with smart quotes). The trailing
	// ", in <name>" is outside the match and needs no handling.
	framePattern = regexp.MustCompile(`File\s+["'“‘]([^"'“”‘’]+)["'”’]\s*,\s*line\s+(\d+|\?)`)

	// quotedPathPattern is the fallback for traces without frame lines:
	// any quoted path ending in the source extension the index is built
	// from. Line numbers are unknowable here.
	quotedPathPattern = regexp.MustCompile(`["'“‘]([^"'“”‘’]+\.py)["'”’]`)
)

// Parse extracts ordered file references from a raw stack trace.
//
// Description:
//
//	Scans for interpreter frame lines first; if none match, falls back to
//	bare quoted source paths with unknown line numbers. References are
//	deduplicated by basename with the first occurrence winning, and the
//	result preserves order of first appearance.
//
// Inputs:
//
//	trace - Raw stack trace text. May be empty.
//
// Outputs:
//
//	[]Reference - Extracted references, possibly empty. An empty result
//	means "nothing recognizable", never an error: callers decide whether
//	that is a hard failure for their use case.
//
// Thread Safety: Safe for concurrent use (pure function).
func Parse(trace string) []Reference {
	if strings.TrimSpace(trace) == "" {
		return nil
	}

	var refs []Reference
	seen := make(map[string]bool)

	for _, m := range framePattern.FindAllStringSubmatch(trace, -1) {
		ref, ok := newReference(m[1], m[2], seen)
		if !ok {
			continue
		}
		refs = append(refs, ref)
	}

	// No frame lines at all: look for bare quoted source paths.
	if len(refs) == 0 {
		for _, m := range quotedPathPattern.FindAllStringSubmatch(trace, -1) {
			ref, ok := newReference(m[1], "?", seen)
			if !ok {
				continue
			}
			refs = append(refs, ref)
		}
	}

	slog.Debug("parsed stack trace",
		slog.Int("references", len(refs)),
	)
	return refs
}

// newReference builds a Reference from a captured path and line token,
// returning ok=false when the basename was already seen.
func newReference(rawPath, lineToken string, seen map[string]bool) (Reference, bool) {
	normalized := normalizePath(rawPath)
	base := path.Base(normalized)
	if base == "." || base == "/" || seen[base] {
		return Reference{}, false
	}
	seen[base] = true

	return Reference{
		File:           base,
		Line:           parseLine(lineToken),
		FullPath:       rawPath,
		NormalizedPath: normalized,
	}, true
}

// normalizePath unifies separators and resolves "." and ".." segments.
// Windows-style traces ("C:\app\svc\main.py") normalize to forward slashes
// so containment checks against indexed paths behave the same everywhere.
func normalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// parseLine converts a captured line token to a line number. The "?" marker
// means the interpreter could not determine the line; anything unparseable
// is treated the same way.
func parseLine(token string) *int {
	if token == "?" {
		return nil
	}
	n, err := strconv.Atoi(token)
	if err != nil {
		return nil
	}
	return &n
}
