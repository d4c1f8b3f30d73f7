// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve maps stack-trace file references to indexed documents.
//
// Resolution is hybrid: one batched similarity query produces a candidate
// pool that is path-matched against every reference (exact pass), then each
// still-unresolved reference gets its own distance-gated semantic query.
// Exact matches always outrank semantic ones; semantic scores combine vector
// distance with the file-type priority from package fileclass.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSonar/services/sonar/fileclass"
	"github.com/AleutianAI/AleutianSonar/services/sonar/traceref"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// =============================================================================
// Tuning constants
// =============================================================================

const (
	// defaultCandidatePool caps the batched exact-pass candidate query.
	defaultCandidatePool = 100

	// defaultCandidatesPerRef scales the candidate pool with trace size:
	// k = min(defaultCandidatePool, refs * defaultCandidatesPerRef).
	defaultCandidatesPerRef = 10

	// defaultSemanticK bounds one per-reference semantic query.
	defaultSemanticK = 10

	// defaultFallbackK bounds the unfiltered retry issued when a semantic
	// query fails outright.
	defaultFallbackK = 5

	// defaultMaxDistance is the semantic acceptance gate. Distances are
	// squared Euclidean between unit vectors (2 − 2·cosine); hits farther
	// than this are not relevant enough to include.
	defaultMaxDistance = 1.5

	// defaultMinScore is the relevance floor. Semantic matches scoring
	// below it are dropped from the final set; exact matches are exempt.
	defaultMinScore = 0.1

	// defaultMaxDocuments caps the merged result set.
	defaultMaxDocuments = 20

	// defaultFallbackWeight down-weights hits from the unfiltered retry,
	// which carry no distance to score by.
	defaultFallbackWeight = 0.2

	// defaultConcurrency bounds parallel semantic queries. Each query costs
	// one embedding call, so this also limits embedder pressure.
	defaultConcurrency = 4

	// exactMatchScore ranks path-verified hits above every possible
	// semantic score (semantic scores top out below 1 after the priority
	// multiplier).
	exactMatchScore = 1.0
)

var resolverTracer = otel.Tracer("aleutian.sonar.resolve")

// =============================================================================
// Types
// =============================================================================

// Origin records which pass produced a match.
type Origin int

const (
	// OriginExact marks a candidate whose path matched a trace reference.
	OriginExact Origin = iota

	// OriginSemantic marks a similarity-search hit for a reference no
	// candidate path matched.
	OriginSemantic
)

// String returns the origin label used in logs and metrics.
func (o Origin) String() string {
	if o == OriginExact {
		return "exact"
	}
	return "semantic"
}

// Match pairs a retrieved document with its relevance score.
type Match struct {
	// Doc is the matched document.
	Doc vecstore.Document

	// Score is the relevance in (0, 1]. Exact matches score 1.0; semantic
	// matches score 1/(1+distance) times the file-type priority.
	Score float64

	// Origin tells which pass produced the match. The relevance floor
	// applies only to semantic matches.
	Origin Origin
}

// Options tunes a Resolver. Zero values are replaced by the defaults above.
type Options struct {
	// CandidatePool caps the batched exact-pass query.
	CandidatePool int

	// CandidatesPerRef scales the candidate pool with trace size.
	CandidatesPerRef int

	// SemanticK bounds one per-reference semantic query.
	SemanticK int

	// FallbackK bounds the unfiltered retry after a failed semantic query.
	FallbackK int

	// MaxDistance rejects semantic hits farther than this.
	MaxDistance float64

	// MinScore drops semantic matches scoring below this floor.
	MinScore float64

	// MaxDocuments caps the merged result set.
	MaxDocuments int

	// FallbackWeight scores unfiltered-retry hits.
	FallbackWeight float64

	// Concurrency bounds parallel semantic queries.
	Concurrency int
}

// DefaultOptions returns the standard resolver tuning.
func DefaultOptions() Options {
	return Options{
		CandidatePool:    defaultCandidatePool,
		CandidatesPerRef: defaultCandidatesPerRef,
		SemanticK:        defaultSemanticK,
		FallbackK:        defaultFallbackK,
		MaxDistance:      defaultMaxDistance,
		MinScore:         defaultMinScore,
		MaxDocuments:     defaultMaxDocuments,
		FallbackWeight:   defaultFallbackWeight,
		Concurrency:      defaultConcurrency,
	}
}

// Option mutates resolver options.
type Option func(*Options)

// WithMaxDistance overrides the semantic acceptance gate.
func WithMaxDistance(d float64) Option {
	return func(o *Options) { o.MaxDistance = d }
}

// WithMinScore overrides the relevance floor.
func WithMinScore(s float64) Option {
	return func(o *Options) { o.MinScore = s }
}

// WithMaxDocuments overrides the result-set cap.
func WithMaxDocuments(n int) Option {
	return func(o *Options) { o.MaxDocuments = n }
}

// WithSearchLimits overrides the query size knobs: the batched candidate
// pool cap, its per-reference scale, the per-reference semantic k, and the
// unfiltered-retry k.
func WithSearchLimits(pool, perRef, semanticK, fallbackK int) Option {
	return func(o *Options) {
		o.CandidatePool = pool
		o.CandidatesPerRef = perRef
		o.SemanticK = semanticK
		o.FallbackK = fallbackK
	}
}

// WithFallbackWeight overrides the unfiltered-retry score weight.
func WithFallbackWeight(w float64) Option {
	return func(o *Options) { o.FallbackWeight = w }
}

// WithConcurrency overrides the parallel semantic query bound.
func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

// =============================================================================
// Resolver
// =============================================================================

// Resolver turns parsed trace references into ranked document matches.
//
// # Thread Safety
//
// Safe for concurrent use. Each Resolve call keeps its own state; the index
// is only read.
type Resolver struct {
	index  vecstore.Index
	opts   Options
	logger *slog.Logger
}

// New creates a Resolver over the given index.
//
// # Inputs
//
//   - index: Similarity index to query. Must not be nil.
//   - logger: Diagnostics logger. Nil means slog.Default.
//   - opts: Tuning overrides applied on top of DefaultOptions.
//
// # Outputs
//
//   - *Resolver: Ready resolver. Never nil.
func New(index vecstore.Index, logger *slog.Logger, opts ...Option) *Resolver {
	if index == nil {
		panic("resolve.New: index must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Resolver{index: index, opts: options, logger: logger}
}

// semanticHits carries one reference's semantic query results into the
// sequential merge. At most one of scored/unfiltered is populated.
type semanticHits struct {
	scored     []vecstore.ScoredDocument
	unfiltered []vecstore.Document
}

// Resolve maps references to ranked matches.
//
// # Description
//
// Three phases. (1) Exact: one batched similarity query over the space-joined
// unique basenames builds a deduplicated candidate pool; every reference is
// path-tested against every candidate, and matching documents are claimed at
// score 1.0. A reference with any exact hit is resolved, even when its hits
// were already claimed by an earlier reference. (2) Semantic: unresolved
// references each get a distance-gated similarity query; queries run
// concurrently, but their results are folded in reference order so claiming
// stays deterministic. (3) Merge: exact matches precede semantic ones, the
// combined list is stably sorted by descending score, semantic matches below
// the relevance floor are dropped, and the result is capped.
//
// # Inputs
//
//   - ctx: Context for cancellation. Must not be nil.
//   - refs: Parsed trace references, in trace order.
//
// # Outputs
//
//   - []Match: Ranked matches, best first. Nil when refs is empty or
//     nothing matched.
//   - error: Non-nil when the index cannot be queried.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *Resolver) Resolve(ctx context.Context, refs []traceref.Reference) ([]Match, error) {
	ctx, span := resolverTracer.Start(ctx, "resolve.Resolver.Resolve",
		trace.WithAttributes(attribute.Int("references", len(refs))))
	defer span.End()

	if len(refs) == 0 {
		return nil, nil
	}
	start := time.Now()

	candidates, err := r.exactCandidates(ctx, refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate query failed")
		recordResolve(time.Since(start), err)
		return nil, err
	}

	claimed := make(map[string]bool, len(candidates))
	resolved := make([]bool, len(refs))
	var exact []Match

	for i, ref := range refs {
		for _, doc := range candidates {
			if !isExactMatch(ref, doc) {
				continue
			}
			resolved[i] = true
			key := vecstore.PathKey(doc)
			if claimed[key] {
				continue
			}
			claimed[key] = true
			exact = append(exact, Match{Doc: doc, Score: exactMatchScore, Origin: OriginExact})
		}
		if !resolved[i] {
			r.logger.Debug("no exact path match, using semantic search",
				slog.String("file", ref.File))
		}
	}

	slots, err := r.semanticQueries(ctx, refs, resolved)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "semantic query failed")
		recordResolve(time.Since(start), err)
		return nil, err
	}
	semantic := r.foldSemantic(refs, resolved, slots, claimed)

	matches := make([]Match, 0, len(exact)+len(semantic))
	matches = append(matches, exact...)
	matches = append(matches, semantic...)
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Origin != OriginExact && m.Score < r.opts.MinScore {
			r.logger.Debug("dropping low-relevance match",
				slog.String("file", vecstore.PathKey(m.Doc)),
				slog.Float64("score", m.Score))
			continue
		}
		out = append(out, m)
		if len(out) == r.opts.MaxDocuments {
			break
		}
	}

	exactRefs := 0
	for _, ok := range resolved {
		if ok {
			exactRefs++
		}
	}
	recordResolve(time.Since(start), nil)
	recordMatches(len(exact), len(semantic))
	recordRefs(exactRefs, len(refs)-exactRefs)

	span.SetAttributes(
		attribute.Int("exact_matches", len(exact)),
		attribute.Int("semantic_matches", len(semantic)),
		attribute.Int("result_documents", len(out)),
	)
	r.logger.Info("resolved trace references",
		slog.Int("references", len(refs)),
		slog.Int("exact_matches", len(exact)),
		slog.Int("semantic_matches", len(semantic)),
		slog.Int("selected", len(out)))

	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// exactCandidates runs the batched candidate query and deduplicates the
// result by document path, keeping first occurrences.
func (r *Resolver) exactCandidates(ctx context.Context, refs []traceref.Reference) ([]vecstore.Document, error) {
	names := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if ref.File == "" || seen[ref.File] {
			continue
		}
		seen[ref.File] = true
		names = append(names, ref.File)
	}
	if len(names) == 0 {
		return nil, nil
	}

	k := len(refs) * r.opts.CandidatesPerRef
	if k > r.opts.CandidatePool {
		k = r.opts.CandidatePool
	}

	docs, err := r.index.SimilaritySearch(ctx, strings.Join(names, " "), k)
	if err != nil {
		return nil, fmt.Errorf("candidate search: %w", err)
	}

	unique := make([]vecstore.Document, 0, len(docs))
	seenDocs := make(map[string]bool, len(docs))
	for _, doc := range docs {
		key := vecstore.PathKey(doc)
		if seenDocs[key] {
			continue
		}
		seenDocs[key] = true
		unique = append(unique, doc)
	}
	return unique, nil
}

// semanticQueries runs one semantic query per unresolved reference. Queries
// are I/O-bound (each embeds its basename), so they run concurrently under a
// semaphore; results land in per-reference slots for the sequential fold.
func (r *Resolver) semanticQueries(ctx context.Context, refs []traceref.Reference, resolved []bool) ([]semanticHits, error) {
	slots := make([]semanticHits, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, r.opts.Concurrency)
	for i := range refs {
		if resolved[i] {
			continue
		}
		ref := refs[i]
		slot := &slots[i]
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			scored, err := r.index.SimilaritySearchWithScore(gctx, ref.File, r.opts.SemanticK)
			if err == nil {
				slot.scored = scored
				return nil
			}
			r.logger.Warn("semantic search failed, retrying unfiltered",
				slog.String("file", ref.File),
				slog.Any("error", err))

			unfiltered, ferr := r.index.SimilaritySearch(gctx, ref.File, r.opts.FallbackK)
			if ferr != nil {
				return fmt.Errorf("semantic search for %q: %w", ref.File, ferr)
			}
			slot.unfiltered = unfiltered
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return slots, nil
}

// foldSemantic applies semantic hits in reference order against the shared
// claim set. A hit claims its path before the distance gate, so a rejected
// path stays claimed for later references.
func (r *Resolver) foldSemantic(refs []traceref.Reference, resolved []bool, slots []semanticHits, claimed map[string]bool) []Match {
	var semantic []Match
	for i := range refs {
		if resolved[i] {
			continue
		}

		for _, hit := range slots[i].scored {
			relPath := vecstore.PathKey(hit.Document)
			if fileclass.ShouldIgnoreFile(relPath) {
				continue
			}
			if claimed[relPath] {
				continue
			}
			claimed[relPath] = true
			if hit.Distance > r.opts.MaxDistance {
				r.logger.Debug("semantic hit too distant",
					slog.String("file", relPath),
					slog.Float64("distance", hit.Distance))
				continue
			}
			distance := hit.Distance
			if distance < 0 {
				distance = 0
			}
			score := 1.0 / (1.0 + distance) * fileclass.Priority(relPath)
			semantic = append(semantic, Match{Doc: hit.Document, Score: score, Origin: OriginSemantic})
		}

		for _, doc := range slots[i].unfiltered {
			relPath := vecstore.PathKey(doc)
			if fileclass.ShouldIgnoreFile(relPath) {
				continue
			}
			if claimed[relPath] {
				continue
			}
			claimed[relPath] = true
			score := r.opts.FallbackWeight * fileclass.Priority(relPath)
			semantic = append(semantic, Match{Doc: doc, Score: score, Origin: OriginSemantic})
		}
	}
	return semantic
}

// =============================================================================
// Exact path matching
// =============================================================================

// isExactMatch reports whether the candidate document is the file a
// reference names. Three tests, cheapest last: full-path containment in
// either direction, basename metadata equality, and path-suffix against the
// basename.
func isExactMatch(ref traceref.Reference, doc vecstore.Document) bool {
	docPath, _ := vecstore.MetaString(doc, vecstore.MetaFilePath)
	docName, _ := vecstore.MetaString(doc, vecstore.MetaPath)

	if ref.FullPath != "" && docPath != "" {
		refNorm := strings.ToLower(ref.NormalizedPath)
		docNorm := normalizeForCompare(docPath)
		// Suffix matches are substring matches, so both tests collapse to
		// mutual containment.
		if strings.Contains(refNorm, docNorm) || strings.Contains(docNorm, refNorm) {
			return true
		}
	}

	if docName != "" && docName == ref.File {
		return true
	}

	if docPath != "" && ref.File != "" &&
		strings.HasSuffix(normalizeForCompare(docPath), strings.ToLower(ref.File)) {
		return true
	}
	return false
}

// normalizeForCompare lowercases a path and folds Windows separators so
// comparisons are separator- and case-insensitive.
func normalizeForCompare(p string) string {
	return strings.ToLower(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}
