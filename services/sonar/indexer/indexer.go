// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package indexer turns a repository working tree into the embedded
// documents the vector index serves: walk, classify, chunk, embed.
//
// Source files at or under the line threshold index as one document each;
// larger files split into line-range chunks — Python files along top-level
// statement boundaries from tree-sitter, everything else on fixed
// overlapping windows. Documentation files split on characters with
// langchaingo's recursive splitter and carry no line metadata. Embedding
// runs on a bounded errgroup worker pool.
//
// Besides full runs (IndexRepo), the package supports incremental refreshes
// driven by git diffs (Refresh) and a filesystem watcher that debounces
// change bursts into refresh triggers (Watcher).
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// =============================================================================
// Tuning constants
// =============================================================================

const (
	// defaultMaxFileLines is the largest source file indexed as a single
	// unchunked document. Longer files are chunked so a retrieval hit
	// carries usable line bounds instead of the whole file.
	defaultMaxFileLines = 500

	// defaultChunkLines is the target chunk height for chunked files.
	// Python chunks may run longer when a single top-level definition
	// exceeds it; definitions are never split.
	defaultChunkLines = 500

	// defaultChunkOverlap is the line overlap between consecutive fixed
	// windows, so context straddling a window edge appears in both chunks.
	// Statement-aligned Python chunks do not overlap.
	defaultChunkOverlap = 50

	// defaultDocChunkChars sizes documentation chunks in characters.
	defaultDocChunkChars = 2000

	// defaultDocChunkOverlap is the character overlap between consecutive
	// documentation chunks.
	defaultDocChunkOverlap = 200

	// defaultMaxFileBytes skips files larger than this before reading.
	// Anything bigger is generated output or vendored bulk, not context.
	defaultMaxFileBytes = 1 << 20

	// defaultWorkers bounds concurrent embedding calls. Each worker holds
	// one in-flight request against the embedding service.
	defaultWorkers = 4

	// embedProgressEvery throttles embed-stage progress events to one per
	// this many completed documents.
	embedProgressEvery = 25
)

var indexerTracer = otel.Tracer("aleutian.sonar.indexer")

// =============================================================================
// Progress
// =============================================================================

// Stage labels carried by progress events.
const (
	// StageWalk covers extraction: one event per file that produced
	// documents. Total is unknown during the walk and reported as 0.
	StageWalk = "walk"

	// StageEmbed covers embedding, throttled to every few documents.
	StageEmbed = "embed"

	// StageDone is the final event of a run.
	StageDone = "done"
)

// Progress describes one step of an indexing run.
type Progress struct {
	// Stage is one of StageWalk, StageEmbed, StageDone.
	Stage string `json:"stage"`

	// Path is the repository-relative file just processed. Empty outside
	// the walk stage.
	Path string `json:"path,omitempty"`

	// Done counts completed units for the stage.
	Done int `json:"done"`

	// Total is the stage's unit count, 0 when not yet known.
	Total int `json:"total"`
}

// ProgressFunc receives progress events. Calls come from indexing
// goroutines; implementations must not block.
type ProgressFunc func(Progress)

// =============================================================================
// Options
// =============================================================================

// Options tunes an Indexer. Zero values are replaced by the defaults above.
type Options struct {
	// MaxFileLines is the unchunked-file line threshold.
	MaxFileLines int

	// ChunkLines is the target chunk height in lines.
	ChunkLines int

	// ChunkOverlap is the fixed-window line overlap.
	ChunkOverlap int

	// DocChunkChars sizes documentation chunks in characters.
	DocChunkChars int

	// DocChunkOverlap is the documentation chunk character overlap.
	DocChunkOverlap int

	// MaxFileBytes skips files larger than this.
	MaxFileBytes int64

	// Workers bounds concurrent embedding calls.
	Workers int

	// Progress receives progress events. Nil disables them.
	Progress ProgressFunc
}

// DefaultOptions returns the standard indexer tuning.
func DefaultOptions() Options {
	return Options{
		MaxFileLines:    defaultMaxFileLines,
		ChunkLines:      defaultChunkLines,
		ChunkOverlap:    defaultChunkOverlap,
		DocChunkChars:   defaultDocChunkChars,
		DocChunkOverlap: defaultDocChunkOverlap,
		MaxFileBytes:    defaultMaxFileBytes,
		Workers:         defaultWorkers,
	}
}

// Option mutates indexer options.
type Option func(*Options)

// WithChunking overrides the source-file chunking knobs: the unchunked
// threshold, the chunk height, and the fixed-window overlap.
func WithChunking(maxFileLines, chunkLines, overlap int) Option {
	return func(o *Options) {
		o.MaxFileLines = maxFileLines
		o.ChunkLines = chunkLines
		o.ChunkOverlap = overlap
	}
}

// WithDocChunking overrides the documentation splitter sizes.
func WithDocChunking(chars, overlap int) Option {
	return func(o *Options) {
		o.DocChunkChars = chars
		o.DocChunkOverlap = overlap
	}
}

// WithMaxFileBytes overrides the per-file size cutoff.
func WithMaxFileBytes(n int64) Option {
	return func(o *Options) { o.MaxFileBytes = n }
}

// WithWorkers overrides the embedding concurrency bound.
func WithWorkers(n int) Option {
	return func(o *Options) { o.Workers = n }
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Options) { o.Progress = fn }
}

// =============================================================================
// Indexer
// =============================================================================

// Result summarizes one full indexing run.
type Result struct {
	// Files is the number of files that produced documents.
	Files int

	// Documents is the number of documents embedded and added.
	Documents int

	// Skipped counts files seen but not indexed (ignored, binary, empty,
	// oversized, or unreadable).
	Skipped int

	// Duration is the wall time of the run, embedding included.
	Duration time.Duration
}

// Indexer builds and refreshes vector indexes from repository trees.
//
// # Thread Safety
//
// Safe for concurrent use. Each run keeps its own state; the embedder is
// assumed safe for concurrent calls.
type Indexer struct {
	embedder vecstore.Embedder
	opts     Options
	logger   *slog.Logger
}

// New creates an Indexer over the given embedder.
//
// # Inputs
//
//   - embedder: Embedding backend. Must not be nil.
//   - logger: Diagnostics logger. Nil means slog.Default.
//   - opts: Tuning overrides applied on top of DefaultOptions.
//
// # Outputs
//
//   - *Indexer: Ready indexer. Never nil.
func New(embedder vecstore.Embedder, logger *slog.Logger, opts ...Option) *Indexer {
	if embedder == nil {
		panic("indexer.New: embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.MaxFileLines <= 0 {
		options.MaxFileLines = defaultMaxFileLines
	}
	if options.ChunkLines <= 0 {
		options.ChunkLines = defaultChunkLines
	}
	if options.ChunkOverlap < 0 || options.ChunkOverlap >= options.ChunkLines {
		options.ChunkOverlap = defaultChunkOverlap
	}
	if options.DocChunkChars <= 0 {
		options.DocChunkChars = defaultDocChunkChars
	}
	if options.DocChunkOverlap < 0 || options.DocChunkOverlap >= options.DocChunkChars {
		options.DocChunkOverlap = defaultDocChunkOverlap
	}
	if options.MaxFileBytes <= 0 {
		options.MaxFileBytes = defaultMaxFileBytes
	}
	if options.Workers <= 0 {
		options.Workers = defaultWorkers
	}
	return &Indexer{embedder: embedder, opts: options, logger: logger}
}

// IndexRepo walks the repository at root and builds a fresh in-memory index
// from every indexable file.
//
// # Description
//
//	Extraction and chunking run on the calling goroutine; embedding runs
//	on a bounded worker pool. The returned index is complete — no
//	documents are visible to searches until every vector is in. Files
//	that cannot be read are skipped with a warning, matching the rule
//	that one unreadable file must not fail a whole repository.
//
// # Inputs
//
//   - ctx: Context for cancellation; checked during the walk and by every
//     embedding call.
//   - root: Repository root directory.
//
// # Outputs
//
//   - *vecstore.MemoryIndex: The populated index. Nil on error.
//   - *Result: Run summary. Nil on error.
//   - error: Non-nil when the root is unusable, the walk fails, or any
//     embedding call fails.
//
// # Thread Safety
//
// Safe for concurrent use.
func (ix *Indexer) IndexRepo(ctx context.Context, root string) (*vecstore.MemoryIndex, *Result, error) {
	ctx, span := indexerTracer.Start(ctx, "indexer.IndexRepo",
		trace.WithAttributes(attribute.String("root", root)))
	defer span.End()

	start := time.Now()

	info, err := os.Stat(root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "root not accessible")
		recordIndexRun(modeFull, time.Since(start), err)
		return nil, nil, fmt.Errorf("indexer: repo root %s: %w", root, err)
	}
	if !info.IsDir() {
		err := fmt.Errorf("indexer: repo root %s is not a directory", root)
		span.RecordError(err)
		span.SetStatus(codes.Error, "root not a directory")
		recordIndexRun(modeFull, time.Since(start), err)
		return nil, nil, err
	}

	docs, stats, err := ix.extractTree(ctx, root)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "walk failed")
		recordIndexRun(modeFull, time.Since(start), err)
		return nil, nil, fmt.Errorf("indexer: walking %s: %w", root, err)
	}

	idx := vecstore.NewMemoryIndex(ix.embedder)
	if err := ix.embedInto(ctx, idx, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		recordIndexRun(modeFull, time.Since(start), err)
		return nil, nil, err
	}

	res := &Result{
		Files:     stats.files,
		Documents: len(docs),
		Skipped:   stats.skipped,
		Duration:  time.Since(start),
	}
	ix.progress(Progress{Stage: StageDone, Done: len(docs), Total: len(docs)})
	recordIndexRun(modeFull, res.Duration, nil)

	span.SetAttributes(
		attribute.Int("files", res.Files),
		attribute.Int("documents", res.Documents),
		attribute.Int("skipped", res.Skipped),
	)
	ix.logger.InfoContext(ctx, "repository indexed",
		slog.String("root", root),
		slog.Int("files", res.Files),
		slog.Int("documents", res.Documents),
		slog.Int("skipped", res.Skipped),
		slog.Duration("duration", res.Duration))

	return idx, res, nil
}

// embedInto embeds docs on the worker pool and adds them to idx in one
// batch. Vector slots are positional, so document order survives arbitrary
// completion order.
func (ix *Indexer) embedInto(ctx context.Context, idx *vecstore.MemoryIndex, docs []vecstore.Document) error {
	if len(docs) == 0 {
		return nil
	}

	vectors := make([][]float32, len(docs))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, ix.opts.Workers)
	for i := range docs {
		doc := docs[i]
		slot := i
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			vec, err := ix.embedder.Embed(gctx, doc.PageContent)
			if err != nil {
				return fmt.Errorf("indexer: embedding %s: %w", vecstore.RelativePath(doc), err)
			}
			vectors[slot] = vec

			n := int(done.Add(1))
			if n%embedProgressEvery == 0 || n == len(docs) {
				ix.progress(Progress{Stage: StageEmbed, Done: n, Total: len(docs)})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return idx.AddEmbedded(docs, vectors)
}

// progress publishes one event when a callback is installed.
func (ix *Indexer) progress(p Progress) {
	if ix.opts.Progress != nil {
		ix.opts.Progress(p)
	}
}
