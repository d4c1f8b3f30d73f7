// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sonar is the HTTP-facing stack trace resolution service.
//
// It owns the live vector index and the engine built over it, and
// orchestrates the operations the handlers expose: cloning and indexing a
// repository, warm-starting from an on-disk snapshot, incremental refresh
// (manual or file-watcher driven), and streaming index events over
// websockets. The index and engine are swapped atomically, so requests in
// flight keep the store they started with.
package sonar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianSonar/services/llm"
	"github.com/AleutianAI/AleutianSonar/services/sonar/analytics"
	"github.com/AleutianAI/AleutianSonar/services/sonar/config"
	"github.com/AleutianAI/AleutianSonar/services/sonar/engine"
	"github.com/AleutianAI/AleutianSonar/services/sonar/gitrepo"
	"github.com/AleutianAI/AleutianSonar/services/sonar/indexer"
	"github.com/AleutianAI/AleutianSonar/services/sonar/tracker"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// defaultSnapshotName is the snapshot directory the service maintains for
// warm starts, relative to the snapshot root. Named snapshots created
// through the debug endpoints live beside it.
const defaultSnapshotName = "current"

var (
	// ErrCloneInProgress is returned when a clone request arrives while
	// another one is still running. Clones rebuild the whole index; running
	// two at once would waste the embedding work of whichever loses.
	ErrCloneInProgress = errors.New("sonar: another clone is already in progress")

	// ErrNoIndexableFiles is returned when a cloned repository contains no
	// files the indexer accepts. The clone itself succeeded.
	ErrNoIndexableFiles = errors.New("sonar: repository contains no indexable files")

	// ErrNoIndex is returned by operations that need a loaded vector index
	// when none has been loaded yet.
	ErrNoIndex = errors.New("sonar: no vector index loaded")

	// ErrNoRepo is returned by Refresh when the current index was restored
	// from a snapshot and has no local working tree to diff against.
	ErrNoRepo = errors.New("sonar: index has no local repository to refresh from")
)

var serviceTracer = otel.Tracer("aleutian.sonar.service")

// ServiceConfig carries the dependencies and knobs for NewService. Only
// Embedder is required; every optional dependency degrades to a reduced
// feature set rather than an error.
type ServiceConfig struct {
	// Embedder produces document and query vectors. Required.
	Embedder vecstore.Embedder

	// LLM analyzes traces. Nil disables /resolve analysis; context
	// assembly still works.
	LLM llm.LLMClient

	// EngineConfig tunes resolver and assembler. Nil uses engine defaults.
	EngineConfig *config.EngineConfig

	// Tracker posts resolution comments to ticket issues. Nil disables
	// the issue_key feature.
	Tracker *tracker.Client

	// Analytics records per-resolution points. Nil drops them.
	Analytics *analytics.Recorder

	// EmbedCache is the embedding cache backing the embedder, exposed
	// read-only through the debug endpoints. Nil hides them.
	EmbedCache *vecstore.EmbeddingCache

	// SnapshotDir is the root directory for index snapshots. Empty
	// disables snapshot persistence and the snapshot debug endpoints.
	SnapshotDir string

	// CloneRoot is where clones land when a request names no target
	// directory. Empty uses gitrepo.DefaultCloneRoot.
	CloneRoot string

	// Watch starts a filesystem watcher on the cloned working tree after
	// each successful clone, refreshing the index when files change.
	Watch bool

	// WatchDebounce is the quiet period before a watcher-triggered
	// refresh. Non-positive uses indexer.DefaultDebounce.
	WatchDebounce time.Duration

	// IndexerOptions tune the walk/chunk/embed pipeline.
	IndexerOptions []indexer.Option

	// Logger receives service logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// indexState is one immutable generation of the loaded store: the index,
// the engine built over it, and where it came from. Swapped wholesale.
type indexState struct {
	engine     *engine.Engine
	index      *vecstore.MemoryIndex
	repoURL    string
	repoPath   string
	branch     string
	headCommit string
	indexedAt  time.Time
}

// Service coordinates the index lifecycle behind the HTTP handlers.
//
// Thread Safety: all exported methods are safe for concurrent use. Clone
// and refresh operations serialize among themselves; reads never block on
// them.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger
	hub    *EventHub

	state   atomic.Pointer[indexState]
	loading atomic.Bool

	cloneMu   sync.Mutex
	refreshMu sync.Mutex

	watchMu sync.Mutex
	watcher *indexer.Watcher
}

// NewService builds a Service from its configuration.
//
// Inputs:
//   - cfg: dependencies and knobs. Panics if cfg.Embedder is nil; a
//     service without an embedder cannot index or search anything.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Embedder == nil {
		panic("sonar.NewService: embedder must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		cfg:    cfg,
		logger: cfg.Logger,
		hub:    newEventHub(cfg.Logger),
	}
	go s.hub.run()
	return s
}

// CloneResult summarizes a completed clone-and-index run.
type CloneResult struct {
	// RepoPath is the absolute path of the working tree.
	RepoPath string

	// Branch is the branch the working tree is on.
	Branch string

	// HeadCommit is the HEAD hash after the clone, empty if it could not
	// be read.
	HeadCommit string

	// Files and Documents count what the index run produced; Skipped
	// counts files seen but not indexed.
	Files     int
	Documents int
	Skipped   int

	// SnapshotPath is where the index was persisted, empty when snapshot
	// persistence is disabled or the save failed.
	SnapshotPath string

	// Duration is the wall time of clone plus index.
	Duration time.Duration
}

// CloneAndIndex acquires a repository, builds a fresh index from it, and
// swaps it in as the live store.
//
// # Description
//
// The pipeline is gitrepo.CloneOrPull, indexer.IndexRepo, an optional
// snapshot save, then an atomic state swap. The snapshot save is
// best-effort: a failed save is logged and the swap proceeds, since the
// in-memory index is already good. When the repository yields no documents
// the live store is left untouched and ErrNoIndexableFiles is returned
// alongside a partial result carrying the clone path.
//
// # Inputs
//
//   - ctx: cancels git and embedding work.
//   - sshURL: repository URL. Required.
//   - branch: branch to clone or update. Empty means gitrepo.DefaultBranch.
//   - targetDir: clone destination. Empty derives one from the URL under
//     the configured clone root.
//
// # Outputs
//
//   - *CloneResult: clone and index counts. Non-nil with ErrNoIndexableFiles.
//   - error: ErrCloneInProgress, ErrNoIndexableFiles, or a wrapped
//     clone/index failure.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent callers beyond the first fail fast
// with ErrCloneInProgress.
func (s *Service) CloneAndIndex(ctx context.Context, sshURL, branch, targetDir string) (*CloneResult, error) {
	if !s.cloneMu.TryLock() {
		return nil, ErrCloneInProgress
	}
	defer s.cloneMu.Unlock()

	s.loading.Store(true)
	defer s.loading.Store(false)

	ctx, span := serviceTracer.Start(ctx, "sonar.CloneAndIndex")
	defer span.End()
	span.SetAttributes(attribute.String("git.branch", branch))
	start := time.Now()

	if targetDir == "" && s.cfg.CloneRoot != "" {
		targetDir = filepath.Join(s.cfg.CloneRoot, gitrepo.RepoName(sshURL))
	}

	repo, err := gitrepo.CloneOrPull(ctx, sshURL, branch, targetDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clone failed")
		recordClone(time.Since(start), err)
		return nil, fmt.Errorf("sonar: acquiring repository: %w", err)
	}

	ix := indexer.New(s.cfg.Embedder, s.logger,
		append([]indexer.Option{indexer.WithProgress(s.publishProgress)}, s.cfg.IndexerOptions...)...)
	idx, res, err := ix.IndexRepo(ctx, repo.Path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "index failed")
		recordClone(time.Since(start), err)
		return nil, fmt.Errorf("sonar: indexing %s: %w", repo.Path, err)
	}

	out := &CloneResult{
		RepoPath:  repo.Path,
		Branch:    repo.Branch,
		Files:     res.Files,
		Documents: res.Documents,
		Skipped:   res.Skipped,
		Duration:  time.Since(start),
	}
	if res.Documents == 0 {
		s.logger.WarnContext(ctx, "Repository produced no indexable files",
			slog.String("path", repo.Path))
		recordClone(time.Since(start), ErrNoIndexableFiles)
		return out, ErrNoIndexableFiles
	}

	head, err := gitrepo.HeadCommit(ctx, repo.Path)
	if err != nil {
		// Refresh needs the commit to diff against; without it the index
		// still serves, only incremental refresh is off the table.
		s.logger.WarnContext(ctx, "Could not read HEAD after clone",
			slog.String("path", repo.Path), slog.String("error", err.Error()))
		head = ""
	}
	out.HeadCommit = head

	out.SnapshotPath = s.saveSnapshot(ctx, idx)

	s.swap(&indexState{
		engine:     s.buildEngine(idx),
		index:      idx,
		repoURL:    sshURL,
		repoPath:   repo.Path,
		branch:     repo.Branch,
		headCommit: head,
		indexedAt:  time.Now(),
	})
	if s.cfg.Watch {
		s.startWatcher(repo.Path)
	}

	out.Duration = time.Since(start)
	recordClone(out.Duration, nil)
	span.SetAttributes(
		attribute.Int("index.files", out.Files),
		attribute.Int("index.documents", out.Documents),
	)
	s.logger.InfoContext(ctx, "Repository cloned and indexed",
		slog.String("path", repo.Path),
		slog.String("branch", repo.Branch),
		slog.Int("files", out.Files),
		slog.Int("documents", out.Documents),
		slog.Duration("duration", out.Duration))
	return out, nil
}

// LoadSnapshot warm-starts the service from the maintained snapshot under
// the snapshot root. The restored index has no working tree, so refresh
// stays unavailable until a clone replaces it.
//
// Outputs:
//   - error: wrapped load failure; errors.Is(err, fs.ErrNotExist) means no
//     snapshot has been saved yet.
func (s *Service) LoadSnapshot(ctx context.Context) error {
	if s.cfg.SnapshotDir == "" {
		return errors.New("sonar: snapshot directory not configured")
	}
	return s.loadSnapshotDir(ctx, filepath.Join(s.cfg.SnapshotDir, defaultSnapshotName))
}

// loadSnapshotDir restores the snapshot in dir and swaps it in.
func (s *Service) loadSnapshotDir(ctx context.Context, dir string) error {
	s.loading.Store(true)
	defer s.loading.Store(false)

	ctx, span := serviceTracer.Start(ctx, "sonar.LoadSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("snapshot.dir", dir))

	idx, err := vecstore.LoadSnapshot(dir, s.cfg.Embedder)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		recordSnapshotOp(snapshotOpLoad, err)
		return fmt.Errorf("sonar: loading snapshot: %w", err)
	}
	recordSnapshotOp(snapshotOpLoad, nil)

	s.swap(&indexState{
		engine:    s.buildEngine(idx),
		index:     idx,
		indexedAt: time.Now(),
	})
	s.logger.InfoContext(ctx, "Index restored from snapshot",
		slog.String("dir", dir),
		slog.Int("documents", idx.Len()))
	return nil
}

// Refresh re-indexes the files changed in the current working tree since
// the last indexed commit.
//
// # Description
//
// Delegates to indexer.Refresh, which diffs the working tree against the
// recorded HEAD, so uncommitted edits are picked up too. On success the
// recorded HEAD advances to the current one and the maintained snapshot is
// rewritten. Refreshes serialize among themselves; the engine keeps
// serving throughout because the index mutates in place under its own
// locks.
//
// # Outputs
//
//   - *indexer.RefreshResult: change counts. Nil on error.
//   - error: ErrNoIndex, ErrNoRepo, or a wrapped diff/embed failure.
func (s *Service) Refresh(ctx context.Context) (*indexer.RefreshResult, error) {
	return s.refresh(ctx, triggerManual)
}

func (s *Service) refresh(ctx context.Context, trigger string) (*indexer.RefreshResult, error) {
	st := s.state.Load()
	if st == nil {
		return nil, ErrNoIndex
	}
	if st.repoPath == "" || st.headCommit == "" {
		return nil, ErrNoRepo
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	ctx, span := serviceTracer.Start(ctx, "sonar.Refresh")
	defer span.End()
	span.SetAttributes(attribute.String("refresh.trigger", trigger))

	ix := indexer.New(s.cfg.Embedder, s.logger,
		append([]indexer.Option{indexer.WithProgress(s.publishProgress)}, s.cfg.IndexerOptions...)...)
	res, err := ix.Refresh(ctx, st.index, st.repoPath, st.headCommit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		recordRefresh(trigger, err)
		return nil, fmt.Errorf("sonar: refreshing index: %w", err)
	}

	head, headErr := gitrepo.HeadCommit(ctx, st.repoPath)
	if headErr != nil {
		head = st.headCommit
	}

	next := *st
	next.headCommit = head
	next.indexedAt = time.Now()
	s.swap(&next)

	if res.ChangedFiles > 0 {
		s.saveSnapshot(ctx, st.index)
		s.hub.Publish(EventTypeRefresh, refreshEvent{
			Trigger:          trigger,
			ChangedFiles:     res.ChangedFiles,
			RemovedDocuments: res.RemovedDocuments,
			AddedDocuments:   res.AddedDocuments,
		})
	}
	recordRefresh(trigger, nil)
	s.logger.InfoContext(ctx, "Index refresh complete",
		slog.String("trigger", trigger),
		slog.Int("changed_files", res.ChangedFiles),
		slog.Int("added_documents", res.AddedDocuments),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// Close stops the watcher and the event hub. In-flight requests complete
// against the state they loaded.
func (s *Service) Close() {
	s.stopWatcher()
	s.hub.close()
}

// =============================================================================
// State access
// =============================================================================

// current returns the live state, nil before the first load.
func (s *Service) current() *indexState {
	return s.state.Load()
}

// Loaded reports whether a vector index is serving.
func (s *Service) Loaded() bool {
	return s.state.Load() != nil
}

// Loading reports whether a clone or snapshot load is underway.
func (s *Service) Loading() bool {
	return s.loading.Load()
}

// Documents returns the live index size, 0 when nothing is loaded.
func (s *Service) Documents() int {
	if st := s.state.Load(); st != nil {
		return st.index.Len()
	}
	return 0
}

// Events exposes the hub for the websocket handler.
func (s *Service) Events() *EventHub {
	return s.hub
}

// swap installs st as the live state and announces it.
func (s *Service) swap(st *indexState) {
	s.state.Store(st)
	stats := st.index.Stats()
	setDocumentsLoaded(stats.Documents)
	s.hub.Publish(EventTypeIndexSwapped, swapEvent{
		Documents: stats.Documents,
		Files:     stats.Files,
		RepoPath:  st.repoPath,
		Branch:    st.branch,
	})
}

// buildEngine constructs the engine for a freshly loaded index.
func (s *Service) buildEngine(idx *vecstore.MemoryIndex) *engine.Engine {
	return engine.NewFromConfig(idx, s.cfg.EngineConfig,
		engine.WithLLM(s.cfg.LLM),
		engine.WithLogger(s.logger))
}

// publishProgress forwards indexer progress to the event hub. Publish is
// non-blocking, which the ProgressFunc contract requires.
func (s *Service) publishProgress(p indexer.Progress) {
	s.hub.Publish(EventTypeProgress, p)
}

// saveSnapshot persists idx under the maintained snapshot directory.
// Best-effort: returns the snapshot path, or "" when persistence is
// disabled or the save failed.
func (s *Service) saveSnapshot(ctx context.Context, idx *vecstore.MemoryIndex) string {
	if s.cfg.SnapshotDir == "" {
		return ""
	}
	dir := filepath.Join(s.cfg.SnapshotDir, defaultSnapshotName)
	if err := vecstore.SaveSnapshot(idx, dir); err != nil {
		s.logger.WarnContext(ctx, "Snapshot save failed",
			slog.String("dir", dir), slog.String("error", err.Error()))
		recordSnapshotOp(snapshotOpSave, err)
		return ""
	}
	recordSnapshotOp(snapshotOpSave, nil)
	return dir
}

// =============================================================================
// Watcher
// =============================================================================

// startWatcher replaces the current watcher with one on repoPath.
func (s *Service) startWatcher(repoPath string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
	w, err := indexer.NewWatcher(repoPath, s.cfg.WatchDebounce, s.logger, s.onRepoChange)
	if err != nil {
		s.logger.Warn("Could not start repository watcher",
			slog.String("path", repoPath), slog.String("error", err.Error()))
		return
	}
	s.watcher = w
}

// stopWatcher stops the current watcher if one is running.
func (s *Service) stopWatcher() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

// onRepoChange is the debounced watcher callback. The refresh runs on a
// background context: the watcher's trigger has no request to inherit
// from, and closing the watcher must not cancel a refresh mid-embed.
func (s *Service) onRepoChange() {
	res, err := s.refresh(context.Background(), triggerWatcher)
	if err != nil {
		s.logger.Warn("Watcher refresh failed", slog.String("error", err.Error()))
		return
	}
	if res.ChangedFiles > 0 {
		s.logger.Info("Watcher refresh applied",
			slog.Int("changed_files", res.ChangedFiles),
			slog.Int("added_documents", res.AddedDocuments))
	}
}

// =============================================================================
// Event payloads
// =============================================================================

// swapEvent announces a new live index generation.
type swapEvent struct {
	Documents int    `json:"documents"`
	Files     int    `json:"files"`
	RepoPath  string `json:"repo_path,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// refreshEvent announces an applied incremental refresh.
type refreshEvent struct {
	Trigger          string `json:"trigger"`
	ChangedFiles     int    `json:"changed_files"`
	RemovedDocuments int    `json:"removed_documents"`
	AddedDocuments   int    `json:"added_documents"`
}
