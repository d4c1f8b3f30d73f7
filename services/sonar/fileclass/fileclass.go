// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fileclass classifies repository files by extension and decides
// which files are worth indexing and surfacing in assembled context.
//
// The classification is deliberately coarse: source code, documentation,
// markup, structured data, everything else. Retrieval ranking only needs
// the resulting priority weight, and the indexer and assembler only need
// the ignore decisions.
package fileclass

import (
	"path/filepath"
	"strings"
)

// =============================================================================
// Categories
// =============================================================================

// Category is the coarse file classification used for retrieval ranking.
type Category int

const (
	// CategoryOther covers files with no recognized extension.
	CategoryOther Category = iota

	// CategoryCode covers source files in any supported language.
	CategoryCode

	// CategoryDocs covers human-readable documentation formats.
	CategoryDocs

	// CategoryMarkup covers HTML/XML/CSS style markup files.
	CategoryMarkup

	// CategoryData covers structured data and config formats.
	CategoryData
)

// String returns a stable lowercase label for logging and metrics.
func (c Category) String() string {
	switch c {
	case CategoryCode:
		return "code"
	case CategoryDocs:
		return "docs"
	case CategoryMarkup:
		return "markup"
	case CategoryData:
		return "data"
	default:
		return "other"
	}
}

// Retrieval priority weights per category. Code beats documentation beats
// everything else; markup and data files rank with "other" because they are
// rarely the file a stack trace points at.
const (
	// priorityCode is the weight for source files. All languages rank equally.
	priorityCode = 1.0

	// priorityDocs is the weight for documentation files.
	priorityDocs = 0.7

	// priorityOther is the weight for markup, data, and unrecognized files.
	priorityOther = 0.3
)

// Classify returns the category for a file path based on its extension.
//
// Description:
//
//	Pure extension lookup, case-insensitive. Paths without an extension
//	(or with an unrecognized one) classify as CategoryOther. The path may
//	be a bare basename; only the extension matters.
//
// Inputs:
//
//	path - File path or basename to classify.
//
// Outputs:
//
//	Category - The coarse classification.
//
// Thread Safety: Safe for concurrent use (pure function).
func Classify(path string) Category {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case codeExtensions[ext]:
		return CategoryCode
	case docExtensions[ext]:
		return CategoryDocs
	case markupExtensions[ext]:
		return CategoryMarkup
	case dataExtensions[ext]:
		return CategoryData
	default:
		return CategoryOther
	}
}

// Priority returns the retrieval ranking weight for a file path.
//
// Description:
//
//	Source code weighs 1.0, documentation 0.7, everything else 0.3.
//	Semantic match scores are multiplied by this weight so that a code
//	file at moderate distance still outranks a config file at small
//	distance.
//
// Thread Safety: Safe for concurrent use (pure function).
func Priority(path string) float64 {
	switch Classify(path) {
	case CategoryCode:
		return priorityCode
	case CategoryDocs:
		return priorityDocs
	default:
		return priorityOther
	}
}

// =============================================================================
// Ignore policy
// =============================================================================

// ShouldIgnoreFile reports whether a file should be excluded from semantic
// retrieval results and assembled context.
//
// Description:
//
//	Two checks, by basename then by extension:
//	  1. Build/infra files (lockfiles, CI configs, dockerfiles, license
//	     files) are never useful debugging context.
//	  2. Markup and data extensions are excluded wholesale — they match
//	     semantic queries easily (JSON keys, HTML ids) but almost never
//	     explain a crash.
//	Documentation files are NOT ignored; a README section describing the
//	failing subsystem is legitimate context.
//
// Inputs:
//
//	path - File path or basename to check.
//
// Outputs:
//
//	bool - True if the file should be excluded.
//
// Thread Safety: Safe for concurrent use (pure function).
func ShouldIgnoreFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if ignoreFiles[base] {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	return markupExtensions[ext] || dataExtensions[ext]
}

// ShouldIgnoreDir reports whether a directory name (a single path segment,
// not a full path) should be skipped entirely during indexing.
func ShouldIgnoreDir(name string) bool {
	if ignoreDirs[name] {
		return true
	}
	// Python packaging metadata directories: <name>.egg-info
	return strings.HasSuffix(name, ".egg-info")
}

// ShouldIgnorePath reports whether any segment of the path is an ignored
// directory. The indexer uses this to prune walks; separators may be either
// slash style.
//
// Thread Safety: Safe for concurrent use (pure function).
func ShouldIgnorePath(path string) bool {
	normalized := strings.ReplaceAll(path, "\\", "/")
	for _, part := range strings.Split(normalized, "/") {
		if part == "" {
			continue
		}
		if ShouldIgnoreDir(part) {
			return true
		}
	}
	return false
}

// =============================================================================
// Extension and name sets
// =============================================================================

// codeExtensions covers the languages the indexer treats as source code.
var codeExtensions = map[string]bool{
	// Python
	".py": true, ".pyx": true, ".pyi": true,
	// JavaScript / TypeScript
	".js": true, ".ts": true, ".jsx": true, ".tsx": true, ".mjs": true, ".cjs": true,
	// JVM languages
	".java": true, ".kt": true, ".scala": true, ".groovy": true,
	// C / C++
	".cpp": true, ".c": true, ".h": true, ".hpp": true, ".cc": true, ".cxx": true, ".hxx": true,
	// Go, Rust, Ruby, PHP, Swift, Dart
	".go": true, ".rs": true, ".rb": true, ".php": true, ".swift": true, ".dart": true,
	// .NET
	".cs": true, ".vb": true, ".fs": true,
	// Shell
	".sh": true, ".bash": true, ".zsh": true, ".fish": true,
	// Everything else that reads as code
	".sql": true, ".pl": true, ".pm": true, ".r": true, ".m": true,
	".lua": true, ".vim": true, ".clj": true, ".hs": true, ".elm": true,
}

// docExtensions covers human-readable documentation formats.
var docExtensions = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".adoc": true,
	".asciidoc": true, ".org": true, ".wiki": true, ".tex": true,
}

// markupExtensions covers markup and styling formats, excluded from context.
var markupExtensions = map[string]bool{
	".html": true, ".htm": true, ".xml": true, ".xhtml": true, ".svg": true,
	".css": true, ".scss": true, ".sass": true, ".less": true, ".styl": true,
}

// dataExtensions covers structured data and config formats, excluded from context.
var dataExtensions = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true,
	".cfg": true, ".conf": true, ".csv": true, ".tsv": true, ".xlsx": true, ".xls": true,
}

// ignoreDirs are directory names pruned during repository walks.
var ignoreDirs = map[string]bool{
	".git":          true,
	"node_modules":  true,
	"venv":          true,
	".idea":         true,
	"build":         true,
	"__pycache__":   true,
	".pytest_cache": true,
	".mypy_cache":   true,
	".tox":          true,
	"dist":          true,
}

// ignoreFiles are lowercase basenames of build/infra files excluded from
// context. README and CHANGELOG style documentation deliberately stays in.
var ignoreFiles = map[string]bool{
	"dockerfile": true, "docker-compose.yml": true, "docker-compose.yaml": true, ".dockerignore": true,
	".gitignore": true, ".gitattributes": true, ".gitmodules": true,
	"package.json": true, "package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"requirements.txt": true, "setup.py": true, "pyproject.toml": true, "poetry.lock": true,
	"license": true, "license.txt": true,
	".env": true, ".env.example": true, ".env.local": true, ".env.production": true,
	"makefile": true, "cmakelists.txt": true, ".editorconfig": true, ".prettierrc": true,
	".eslintrc": true, ".eslintrc.json": true, "tsconfig.json": true, "webpack.config.js": true,
	"babel.config.js": true, ".babelrc": true, "jest.config.js": true, "pytest.ini": true,
	".coveragerc": true, ".pylintrc": true, ".flake8": true, "mypy.ini": true,
	"composer.json": true, "composer.lock": true, "gemfile": true, "gemfile.lock": true,
	"cargo.toml": true, "cargo.lock": true, "go.mod": true, "go.sum": true,
	"pom.xml": true, "build.gradle": true, "build.sbt": true,
	".travis.yml": true, "ci.yml": true, ".gitlab-ci.yml": true,
	"vagrantfile": true, "vagrantfile.rb": true,
}
