// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sonar starts the Aleutian Sonar API server.
//
// Aleutian Sonar resolves production stack traces against an embedded
// index of the codebase that produced them:
//   - Clones a repository over SSH and embeds its files into a vector index
//   - Extracts file references from Python, Go, and JavaScript tracebacks
//   - Assembles token-bounded code context around the failing lines
//   - Optionally asks an LLM for a structured analysis and posts the result
//     as a comment on a tracker issue
//
// Usage:
//
//	go run ./cmd/sonar
//	go run ./cmd/sonar -port 9090 -debug -watch
//
// With an embedding service (required for indexing):
//
//	EMBEDDING_SERVICE_URL=http://localhost:11434/api/embed \
//	EMBEDDING_MODEL=nomic-embed-text-v2-moe go run ./cmd/sonar
//
// With LLM analysis (enables /resolve):
//
//	OPENROUTER_API_KEY=sk-... go run ./cmd/sonar
//
// Optional environment:
//
//	SONAR_SNAPSHOT_DIR  - index snapshot root (default ~/.aleutian/sonar/snapshots)
//	SONAR_CLONE_ROOT    - clone target root (default system temp)
//	SONAR_ENGINE_CONFIG - path to a YAML engine tuning file
//	EMBED_CACHE_DIR     - embedding cache path (default ~/.aleutian/cache/embeddings)
//	OTEL_EXPORTER_OTLP_ENDPOINT - OTLP/gRPC collector for traces
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/sonar/health
//
//	# Clone and index a repository (required before resolving)
//	curl -X POST http://localhost:8080/v1/sonar/clone \
//	  -H "Content-Type: application/json" \
//	  -d '{"ssh_url": "git@github.com:owner/repo.git"}'
//
//	# Resolve a stack trace against the index
//	curl -X POST http://localhost:8080/v1/sonar/resolve \
//	  -H "Content-Type: application/json" \
//	  -d '{"stacktrace": "Traceback (most recent call last): ..."}'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianSonar/services/llm"
	"github.com/AleutianAI/AleutianSonar/services/sonar"
	"github.com/AleutianAI/AleutianSonar/services/sonar/analytics"
	"github.com/AleutianAI/AleutianSonar/services/sonar/config"
	badgerstore "github.com/AleutianAI/AleutianSonar/services/sonar/storage/badger"
	"github.com/AleutianAI/AleutianSonar/services/sonar/tracker"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	watch := flag.Bool("watch", false, "Watch cloned working trees and refresh the index on change")
	flag.Parse()

	// Values already exported in the environment win over .env entries.
	_ = godotenv.Load()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	telemetryShutdown, err := setupTelemetry(ctx, *debug)
	if err != nil {
		slog.Error("Failed to set up telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Embedding cache BadgerDB. Graceful degradation: if unavailable, the
	// embedder still works but recomputes every vector on each index build.
	var embedCache *vecstore.EmbeddingCache
	var cacheDB *badgerstore.DB
	cacheDir := os.Getenv("EMBED_CACHE_DIR")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cacheDir = filepath.Join(home, ".aleutian", "cache", "embeddings")
		}
	}
	if cacheDir != "" {
		cfg := badgerstore.DefaultConfig()
		cfg.Path = cacheDir
		db, err := badgerstore.OpenDB(cfg)
		if err != nil {
			slog.Warn("Embedding cache unavailable, continuing without persistence",
				slog.String("path", cacheDir),
				slog.String("error", err.Error()),
			)
		} else {
			cacheDB = db
			embedCache = vecstore.NewEmbeddingCache(db, 0, slog.Default())
			slog.Info("Embedding cache opened", slog.String("path", cacheDir))
		}
	}

	embedder := vecstore.NewOllamaEmbedder(vecstore.WithEmbedCache(embedCache))

	llmClient, err := llm.NewFromEnv()
	if err != nil {
		slog.Warn("LLM provider misconfigured, trace analysis disabled",
			slog.String("error", err.Error()))
	}
	if llmClient == nil {
		slog.Info("No LLM provider configured; /resolve is disabled, /context still works")
	}

	trackerClient, err := tracker.FromEnv()
	if err != nil {
		slog.Warn("Tracker misconfigured, issue comments disabled",
			slog.String("error", err.Error()))
	}

	snapshotDir := envOr("SONAR_SNAPSHOT_DIR", defaultDataDir("snapshots"))

	svc := sonar.NewService(sonar.ServiceConfig{
		Embedder:     embedder,
		LLM:          llmClient,
		EngineConfig: loadEngineConfig(ctx),
		Tracker:      trackerClient,
		Analytics:    analytics.FromEnv(slog.Default()),
		EmbedCache:   embedCache,
		SnapshotDir:  snapshotDir,
		CloneRoot:    os.Getenv("SONAR_CLONE_ROOT"),
		Watch:        *watch,
		Logger:       slog.Default(),
	})

	// Warm start from the last saved snapshot, if any.
	if snapshotDir != "" {
		if err := svc.LoadSnapshot(ctx); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Info("No index snapshot yet; clone a repository to build one")
			} else {
				slog.Warn("Index snapshot load failed, starting empty",
					slog.String("error", err.Error()))
			}
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-sonar"))
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	sonar.RegisterRoutes(v1, sonar.NewHandlers(svc))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	printBanner(*port, llmClient != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down Aleutian Sonar server")
		svc.Close()
		if cacheDB != nil {
			if err := cacheDB.Close(); err != nil {
				slog.Warn("Failed to close embedding cache",
					slog.String("error", err.Error()))
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Starting Aleutian Sonar server", slog.String("address", addr))
	if err := router.Run(addr); err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadEngineConfig reads the optional engine tuning file named by
// SONAR_ENGINE_CONFIG. Nil means engine defaults.
func loadEngineConfig(ctx context.Context) *config.EngineConfig {
	path := os.Getenv("SONAR_ENGINE_CONFIG")
	if path == "" {
		return nil
	}
	cfg, err := config.LoadEngineConfigFile(ctx, path)
	if err != nil {
		slog.Warn("Engine config unusable, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return nil
	}
	slog.Info("Engine config loaded", slog.String("path", path))
	return cfg
}

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// defaultDataDir returns ~/.aleutian/sonar/<sub>, or "" when the home
// directory cannot be determined.
func defaultDataDir(sub string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aleutian", "sonar", sub)
}

// printBanner dumps startup hints so the server is usable without docs.
func printBanner(port int, llmEnabled bool) {
	llmStatus := "DISABLED (set OPENROUTER_API_KEY or ANTHROPIC_API_KEY)"
	if llmEnabled {
		llmStatus = "ENABLED"
	}

	banner := `
╔════════════════════════════════════════════════════════════════════╗
║                       ALEUTIAN SONAR SERVER                        ║
╠════════════════════════════════════════════════════════════════════╣
║                                                                    ║
║  Stack trace resolution over an embedded codebase index.           ║
║                                                                    ║
║  LLM Analysis: %-51s ║
║  Listening on: http://localhost:%-35d ║
║                                                                    ║
║  Quick Start:                                                      ║
║  ┌──────────────────────────────────────────────────────────────┐  ║
║  │ # Clone and index a repository (required first!)             │  ║
║  │ curl -X POST localhost:%-5d/v1/sonar/clone \                │  ║
║  │   -H "Content-Type: application/json" \                      │  ║
║  │   -d '{"ssh_url": "git@github.com:owner/repo.git"}'          │  ║
║  │                                                              │  ║
║  │ # Resolve a stack trace                                      │  ║
║  │ curl -X POST localhost:%-5d/v1/sonar/resolve \              │  ║
║  │   -H "Content-Type: application/json" \                      │  ║
║  │   -d '{"stacktrace": "Traceback (most recent call last)..."}'│  ║
║  └──────────────────────────────────────────────────────────────┘  ║
║                                                                    ║
║  Endpoints:                                                        ║
║  ├── Core:  /v1/sonar/{resolve,context,clone,health}               ║
║  ├── Index: /v1/sonar/index/{stats,refresh,events}                 ║
║  ├── Debug: /v1/sonar/debug/{cache,snapshot,snapshots}             ║
║  └── Ops:   /metrics (Prometheus)                                  ║
║                                                                    ║
║  Press Ctrl+C to stop                                              ║
╚════════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, llmStatus, port, port, port)
}
