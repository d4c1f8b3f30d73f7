// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine orchestrates the full trace-analysis pipeline: parse a
// stack trace, resolve its file references against a vector store, assemble
// a token-budgeted context block, and optionally ask an LLM to explain the
// failure.
//
// Context building and LLM analysis are separate operations. BuildContext
// stops after assembly and never touches the model; Resolve runs the whole
// pipeline. Both short-circuit with a sentinel result when the trace yields
// no references or the store yields no matches, so callers always get a
// human-readable answer even for garbage input.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSonar/services/llm"
	"github.com/AleutianAI/AleutianSonar/services/sonar/assemble"
	"github.com/AleutianAI/AleutianSonar/services/sonar/config"
	"github.com/AleutianAI/AleutianSonar/services/sonar/resolve"
	"github.com/AleutianAI/AleutianSonar/services/sonar/traceref"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// =============================================================================
// Sentinel results and errors
// =============================================================================

const (
	// ResultNoReferences is returned as the answer when the trace contains
	// no parseable file references.
	ResultNoReferences = "No file references could be extracted from the stack trace."

	// ResultNoMatches is returned as the answer when no indexed document
	// matched any reference.
	ResultNoMatches = "No matching files were found in the vector store."
)

// ErrNoLLM is returned by Resolve when analysis is requested but no LLM
// client was configured. BuildContext never returns it.
var ErrNoLLM = errors.New("engine: no llm client configured")

var engineTracer = otel.Tracer("aleutian.sonar.engine")

// =============================================================================
// Types
// =============================================================================

// Engine wires the resolver, the context assembler, and an optional LLM
// client into one pipeline over a single vector store.
//
// Thread Safety: Engine is immutable after construction and safe for
// concurrent use. Swapping to a freshly indexed store means building a new
// Engine; the service layer holds the atomic pointer.
type Engine struct {
	index        vecstore.Index
	resolver     *resolve.Resolver
	llm          llm.LLMClient
	resolverOpts []resolve.Option
	assembleOpts []assemble.Option
	maxTokens    int
	logger       *slog.Logger
}

// Resolution is the outcome of one full analysis run.
type Resolution struct {
	// Answer is the model's analysis, or a sentinel when the pipeline
	// short-circuited before the model.
	Answer string `json:"answer"`

	// Context is the assembled context block handed to the model. Empty
	// for sentinel outcomes.
	Context string `json:"context,omitempty"`

	// ContextChars and ContextTokens size the assembled block.
	ContextChars  int `json:"context_chars"`
	ContextTokens int `json:"context_tokens"`

	// Files lists the distinct repository paths included in the context,
	// in ranking order.
	Files []string `json:"files"`

	// References counts the file references parsed from the trace.
	References int `json:"references"`

	// ExactMatches and SemanticMatches break down how documents were
	// found.
	ExactMatches    int `json:"exact_matches"`
	SemanticMatches int `json:"semantic_matches"`
}

// contextBuild carries the assembly outcome between pipeline stages.
type contextBuild struct {
	text       string
	matches    []resolve.Match
	references int
}

// sentinel reports whether the build short-circuited before assembly.
func (b contextBuild) sentinel() bool {
	return b.text == ResultNoReferences || b.text == ResultNoMatches
}

// =============================================================================
// Options
// =============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithLLM attaches the client used by Resolve. Without one the engine still
// builds context; Resolve returns ErrNoLLM.
func WithLLM(client llm.LLMClient) Option {
	return func(e *Engine) { e.llm = client }
}

// WithResolverOptions forwards tuning options to the underlying resolver.
func WithResolverOptions(opts ...resolve.Option) Option {
	return func(e *Engine) { e.resolverOpts = append(e.resolverOpts, opts...) }
}

// WithAssembleOptions forwards rendering options to the context assembler.
func WithAssembleOptions(opts ...assemble.Option) Option {
	return func(e *Engine) { e.assembleOpts = append(e.assembleOpts, opts...) }
}

// WithMaxTokens sets the default context budget applied when a request does
// not carry its own. Non-positive values are ignored.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// =============================================================================
// Construction
// =============================================================================

// New builds an Engine over the given store.
//
// Inputs:
//   - index: the loaded vector store. Panics if nil; an engine without a
//     store cannot do anything.
//   - opts: optional tuning.
func New(index vecstore.Index, opts ...Option) *Engine {
	if index == nil {
		panic("engine.New: index must not be nil")
	}
	e := &Engine{
		index:     index,
		maxTokens: config.DefaultMaxTokens,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.resolver = resolve.New(index, e.logger, e.resolverOpts...)
	return e
}

// NewFromConfig builds an Engine with the resolver and assembler tuned from
// a loaded EngineConfig. A nil cfg falls back to New's defaults. Options run
// after the config mapping, so explicit options win.
func NewFromConfig(index vecstore.Index, cfg *config.EngineConfig, opts ...Option) *Engine {
	if cfg == nil {
		return New(index, opts...)
	}
	fromCfg := []Option{
		WithResolverOptions(
			resolve.WithSearchLimits(
				cfg.Resolver.CandidatePool,
				cfg.Resolver.CandidatesPerRef,
				cfg.Resolver.SemanticK,
				cfg.Resolver.FallbackK,
			),
			resolve.WithMaxDistance(cfg.Resolver.MaxDistance),
			resolve.WithMinScore(cfg.Resolver.MinScore),
			resolve.WithMaxDocuments(cfg.Resolver.MaxDocuments),
			resolve.WithFallbackWeight(cfg.Resolver.FallbackWeight),
			resolve.WithConcurrency(cfg.Resolver.Concurrency),
		),
		WithAssembleOptions(
			assemble.WithWindowRadius(cfg.Assembler.WindowRadius),
			assemble.WithPreviewLines(cfg.Assembler.PreviewLines),
		),
		WithMaxTokens(cfg.MaxTokens),
	}
	return New(index, append(fromCfg, opts...)...)
}

// =============================================================================
// Context building
// =============================================================================

// BuildContext parses the trace, resolves its references, and assembles the
// context block without calling the LLM.
//
// Inputs:
//   - ctx: caller context, propagated through store queries.
//   - stackTrace: the raw trace text.
//   - maxTokens: context budget for this request; non-positive means the
//     engine default.
//
// Outputs:
//   - string: the assembled context, or a sentinel message when nothing
//     could be extracted or matched.
//   - error: non-nil only on resolution failure.
func (e *Engine) BuildContext(ctx context.Context, stackTrace string, maxTokens int) (string, error) {
	build, err := e.buildContext(ctx, stackTrace, maxTokens)
	if err != nil {
		return "", err
	}
	return build.text, nil
}

// buildContext runs parse, resolve, and assemble, short-circuiting to a
// sentinel when a stage produces nothing.
func (e *Engine) buildContext(ctx context.Context, stackTrace string, maxTokens int) (contextBuild, error) {
	ctx, span := engineTracer.Start(ctx, "engine.buildContext")
	defer span.End()
	start := time.Now()

	refs := traceref.Parse(stackTrace)
	span.SetAttributes(attribute.Int("trace.references", len(refs)))
	if len(refs) == 0 {
		e.logger.WarnContext(ctx, "No file references found in stack trace",
			"trace_len", len(stackTrace))
		recordBuild("no_references", time.Since(start))
		return contextBuild{text: ResultNoReferences}, nil
	}

	matches, err := e.resolver.Resolve(ctx, refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		recordBuild("error", time.Since(start))
		return contextBuild{}, fmt.Errorf("engine: resolving references: %w", err)
	}
	if len(matches) == 0 {
		e.logger.WarnContext(ctx, "No documents matched any trace reference",
			"references", len(refs))
		recordBuild("no_matches", time.Since(start))
		return contextBuild{text: ResultNoMatches, references: len(refs)}, nil
	}

	budget := maxTokens
	if budget <= 0 {
		budget = e.maxTokens
	}
	docs := make([]vecstore.Document, len(matches))
	for i, m := range matches {
		docs[i] = m.Doc
	}
	text := assemble.Build(docs, refs, budget, e.assembleOpts...)

	span.SetAttributes(
		attribute.Int("context.documents", len(docs)),
		attribute.Int("context.chars", len(text)),
	)
	e.logger.InfoContext(ctx, "Assembled trace context",
		"references", len(refs),
		"documents", len(docs),
		"chars", len(text),
		"budget_tokens", budget,
		"duration", time.Since(start))
	recordBuild("built", time.Since(start))

	return contextBuild{text: text, matches: matches, references: len(refs)}, nil
}

// =============================================================================
// Analysis
// =============================================================================

// Resolve runs the full pipeline and asks the LLM to explain the failure.
//
// Inputs:
//   - ctx: caller context.
//   - stackTrace: the raw trace text.
//   - maxTokens: context budget for this request; non-positive means the
//     engine default.
//   - promptOverride: when non-blank, replaces the entire built-in system
//     prompt rather than extending it.
//
// Outputs:
//   - *Resolution: the answer plus context metadata. Sentinel outcomes
//     return the sentinel as the answer without calling the model.
//   - error: ErrNoLLM when analysis is requested without a configured
//     client, otherwise resolution or generation failures.
func (e *Engine) Resolve(ctx context.Context, stackTrace string, maxTokens int, promptOverride string) (*Resolution, error) {
	ctx, span := engineTracer.Start(ctx, "engine.Resolve",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	build, err := e.buildContext(ctx, stackTrace, maxTokens)
	if err != nil {
		recordAnalysis("error")
		return nil, err
	}
	if build.sentinel() {
		span.SetAttributes(attribute.String("engine.outcome", "sentinel"))
		recordAnalysis("skipped_sentinel")
		res := newResolution(build)
		res.Answer = build.text
		res.Context = ""
		return res, nil
	}
	if e.llm == nil {
		recordAnalysis("unavailable")
		return nil, ErrNoLLM
	}

	rendered, err := userPrompt(stackTrace, build.text)
	if err != nil {
		recordAnalysis("error")
		return nil, err
	}
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(promptOverride)},
		{Role: "user", Content: rendered},
	}

	// Deterministic output: analysis of the same trace against the same
	// index should not wander between runs.
	temperature := float32(0)
	start := time.Now()
	answer, err := e.llm.Chat(ctx, messages, llm.GenerationParams{Temperature: &temperature})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		recordAnalysis("error")
		return nil, fmt.Errorf("engine: generating analysis: %w", err)
	}

	e.logger.InfoContext(ctx, "Trace analysis complete",
		"answer_len", len(answer),
		"context_chars", len(build.text),
		"llm_duration", time.Since(start))
	recordAnalysis("answered")

	res := newResolution(build)
	res.Answer = answer
	return res, nil
}

// newResolution derives the metadata fields from a finished build.
func newResolution(build contextBuild) *Resolution {
	res := &Resolution{
		Context:    build.text,
		References: build.references,
		Files:      []string{},
	}
	if build.sentinel() {
		return res
	}
	res.ContextChars = len(build.text)
	res.ContextTokens = assemble.CountTokens(build.text)

	seen := make(map[string]bool, len(build.matches))
	for _, m := range build.matches {
		switch m.Origin {
		case resolve.OriginExact:
			res.ExactMatches++
		case resolve.OriginSemantic:
			res.SemanticMatches++
		}
		path := vecstore.RelativePath(m.Doc)
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		res.Files = append(res.Files, path)
	}
	return res
}
