// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the engine tuning configuration.
//
// Defaults are embedded so the service runs with no config file at all;
// deployments override individual values via a YAML file. Loaded configs are
// immutable and cached.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

var configTracer = otel.Tracer("aleutian.sonar.config")

// MaxYAMLFileSize bounds config files accepted by the loaders.
const MaxYAMLFileSize = 1 << 20

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed engine_defaults.yaml
var defaultEngineConfigYAML []byte

// =============================================================================
// Engine Configuration Types
// =============================================================================

// EngineConfig is the full retrieval and assembly tuning.
//
// Description:
//
//	Carries the resolver's query sizes and thresholds, the assembler's
//	rendering bounds, and the default token budget. Loaded once, treated
//	as immutable.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type EngineConfig struct {
	// Resolver tunes reference resolution.
	Resolver ResolverConfig `yaml:"resolver"`

	// Assembler tunes context rendering.
	Assembler AssemblerConfig `yaml:"assembler"`

	// MaxTokens is the default context token budget applied when a
	// request does not carry its own.
	MaxTokens int `yaml:"max_tokens"`
}

// ResolverConfig tunes the hybrid reference resolver.
type ResolverConfig struct {
	// CandidatePool caps the batched exact-pass candidate query.
	CandidatePool int `yaml:"candidate_pool"`

	// CandidatesPerRef scales the candidate pool with trace size.
	CandidatesPerRef int `yaml:"candidates_per_ref"`

	// SemanticK bounds one per-reference semantic query.
	SemanticK int `yaml:"semantic_k"`

	// FallbackK bounds the unfiltered retry after a failed semantic query.
	FallbackK int `yaml:"fallback_k"`

	// MaxDistance rejects semantic hits farther than this. Distances are
	// squared Euclidean between unit vectors, range [0, 4].
	MaxDistance float64 `yaml:"max_distance"`

	// MinScore drops semantic matches scoring below this floor.
	MinScore float64 `yaml:"min_score"`

	// MaxDocuments caps the merged result set.
	MaxDocuments int `yaml:"max_documents"`

	// FallbackWeight scores unfiltered-retry hits, which carry no distance.
	FallbackWeight float64 `yaml:"fallback_weight"`

	// Concurrency bounds parallel semantic queries per resolution.
	Concurrency int `yaml:"concurrency"`
}

// AssemblerConfig tunes context block rendering.
type AssemblerConfig struct {
	// WindowRadius is the line count shown on each side of a trace line.
	WindowRadius int `yaml:"window_radius"`

	// PreviewLines bounds similarity-only excerpts of unchunked files.
	PreviewLines int `yaml:"preview_lines"`
}

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultCandidatePool is the default exact-pass candidate cap.
	DefaultCandidatePool = 100

	// DefaultCandidatesPerRef is the default per-reference pool scale.
	DefaultCandidatesPerRef = 10

	// DefaultSemanticK is the default per-reference semantic query size.
	DefaultSemanticK = 10

	// DefaultFallbackK is the default unfiltered-retry query size.
	DefaultFallbackK = 5

	// DefaultMaxDistance is the default semantic acceptance gate.
	DefaultMaxDistance = 1.5

	// DefaultMinScore is the default semantic relevance floor.
	DefaultMinScore = 0.1

	// DefaultMaxDocuments is the default merged result cap.
	DefaultMaxDocuments = 20

	// DefaultFallbackWeight is the default unfiltered-retry score weight.
	DefaultFallbackWeight = 0.2

	// DefaultConcurrency is the default parallel semantic query bound.
	DefaultConcurrency = 4

	// DefaultWindowRadius is the default context window radius.
	DefaultWindowRadius = 20

	// DefaultPreviewLines is the default similarity-only excerpt length.
	DefaultPreviewLines = 100

	// DefaultMaxTokens is the default context token budget.
	DefaultMaxTokens = 150000
)

// =============================================================================
// Singleton Engine Config
// =============================================================================

var (
	engineConfigMu      sync.RWMutex
	engineConfigOnce    sync.Once
	cachedEngineConfig  *EngineConfig
	engineConfigLoadErr error
)

// GetEngineConfig returns the cached engine configuration.
//
// Description:
//
//	Loads the embedded defaults on first call and caches for subsequent
//	calls. Deployments that pass a config file load it explicitly with
//	LoadEngineConfigFile instead.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*EngineConfig - The loaded configuration. Never nil on success.
//	error - Non-nil if loading or validation failed.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetEngineConfig(ctx context.Context) (*EngineConfig, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetEngineConfig: ctx must not be nil")
	}

	engineConfigMu.RLock()
	if cachedEngineConfig != nil || engineConfigLoadErr != nil {
		cfg, err := cachedEngineConfig, engineConfigLoadErr
		engineConfigMu.RUnlock()
		return cfg, err
	}
	engineConfigMu.RUnlock()

	engineConfigMu.Lock()
	defer engineConfigMu.Unlock()

	if cachedEngineConfig != nil || engineConfigLoadErr != nil {
		return cachedEngineConfig, engineConfigLoadErr
	}

	engineConfigOnce.Do(func() {
		cachedEngineConfig, engineConfigLoadErr = LoadEngineConfig(ctx, defaultEngineConfigYAML)
	})

	return cachedEngineConfig, engineConfigLoadErr
}

// ResetEngineConfig resets the cached config for testing.
//
// Thread Safety: Safe for concurrent use.
func ResetEngineConfig() {
	engineConfigMu.Lock()
	defer engineConfigMu.Unlock()
	cachedEngineConfig = nil
	engineConfigLoadErr = nil
	engineConfigOnce = sync.Once{}
}

// LoadEngineConfigFile loads and validates an EngineConfig from a YAML file.
//
// Inputs:
//
//	ctx - Context for tracing.
//	path - Config file path.
//
// Outputs:
//
//	*EngineConfig - The validated configuration.
//	error - Non-nil if reading, parsing, or validation fails.
func LoadEngineConfigFile(ctx context.Context, path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadEngineConfigFile: reading %s: %w", path, err)
	}
	return LoadEngineConfig(ctx, data)
}

// LoadEngineConfig loads and validates an EngineConfig from YAML bytes.
//
// Description:
//
//	Parses the YAML, applies defaults for missing fields, and validates
//	every value's range. Fields left at zero in the YAML take the
//	package defaults, so partial override files stay small.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*EngineConfig - The validated configuration.
//	error - Non-nil if parsing or validation fails.
func LoadEngineConfig(ctx context.Context, data []byte) (*EngineConfig, error) {
	_, span := configTracer.Start(ctx, "config.LoadEngineConfig")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadEngineConfig: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadEngineConfig: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("LoadEngineConfig: parsing YAML: %w", err)
	}

	applyEngineDefaults(&cfg)

	if err := validateEngineConfig(&cfg); err != nil {
		return nil, fmt.Errorf("LoadEngineConfig: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Int("candidate_pool", cfg.Resolver.CandidatePool),
		attribute.Float64("max_distance", cfg.Resolver.MaxDistance),
		attribute.Int("max_documents", cfg.Resolver.MaxDocuments),
		attribute.Int("window_radius", cfg.Assembler.WindowRadius),
		attribute.Int("max_tokens", cfg.MaxTokens),
	)

	slog.Info("engine config loaded",
		slog.Int("candidate_pool", cfg.Resolver.CandidatePool),
		slog.Float64("max_distance", cfg.Resolver.MaxDistance),
		slog.Int("max_documents", cfg.Resolver.MaxDocuments),
		slog.Int("max_tokens", cfg.MaxTokens),
	)

	return &cfg, nil
}

// applyEngineDefaults fills zero-valued fields with the package defaults.
func applyEngineDefaults(cfg *EngineConfig) {
	r := &cfg.Resolver
	if r.CandidatePool <= 0 {
		r.CandidatePool = DefaultCandidatePool
	}
	if r.CandidatesPerRef <= 0 {
		r.CandidatesPerRef = DefaultCandidatesPerRef
	}
	if r.SemanticK <= 0 {
		r.SemanticK = DefaultSemanticK
	}
	if r.FallbackK <= 0 {
		r.FallbackK = DefaultFallbackK
	}
	if r.MaxDistance <= 0 {
		r.MaxDistance = DefaultMaxDistance
	}
	if r.MinScore <= 0 {
		r.MinScore = DefaultMinScore
	}
	if r.MaxDocuments <= 0 {
		r.MaxDocuments = DefaultMaxDocuments
	}
	if r.FallbackWeight <= 0 {
		r.FallbackWeight = DefaultFallbackWeight
	}
	if r.Concurrency <= 0 {
		r.Concurrency = DefaultConcurrency
	}

	a := &cfg.Assembler
	if a.WindowRadius <= 0 {
		a.WindowRadius = DefaultWindowRadius
	}
	if a.PreviewLines <= 0 {
		a.PreviewLines = DefaultPreviewLines
	}

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
}

// validateEngineConfig checks all values for consistency.
func validateEngineConfig(cfg *EngineConfig) error {
	r := cfg.Resolver
	if r.SemanticK > r.CandidatePool {
		return fmt.Errorf("resolver: semantic_k (%d) must not exceed candidate_pool (%d)", r.SemanticK, r.CandidatePool)
	}
	if r.MaxDistance > 4 {
		return fmt.Errorf("resolver: max_distance (%g) exceeds the distance range [0, 4]", r.MaxDistance)
	}
	if r.MinScore >= 1 {
		return fmt.Errorf("resolver: min_score (%g) must be below 1 (every match would be dropped)", r.MinScore)
	}
	if r.FallbackWeight > 1 {
		return fmt.Errorf("resolver: fallback_weight (%g) must not exceed 1", r.FallbackWeight)
	}
	if r.Concurrency > 64 {
		return fmt.Errorf("resolver: concurrency (%d) is unreasonably high", r.Concurrency)
	}
	return nil
}
