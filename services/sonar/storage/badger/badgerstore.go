// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerstore wraps BadgerDB behind a small transactional API.
//
// The wrapper exists so callers never touch badger.Open options or forget
// to respect context cancellation inside transactions. Stores built on top
// (embedding cache, index metadata) share one *DB per path and compose
// their own key layouts.
package badgerstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// gcInterval is how often the value-log garbage collector runs for DBs
// opened with StartGC. Hourly is frequent enough for caches whose entries
// expire on TTLs measured in days.
const gcInterval = time.Hour

// gcDiscardRatio controls how aggressively value-log files are rewritten.
// 0.5 rewrites a file when at least half of it is stale, the value the
// BadgerDB documentation recommends for general workloads.
const gcDiscardRatio = 0.5

// Config holds the options for opening a DB.
type Config struct {
	// Path is the on-disk directory for the database. Ignored when
	// InMemory is set.
	Path string

	// InMemory opens an ephemeral database with no files. Used by tests.
	InMemory bool

	// SyncWrites forces fsync on every commit. Off by default: the data
	// stored here is reconstructible cache state, and the write path is
	// hot during indexing.
	SyncWrites bool

	// Logger receives BadgerDB's internal diagnostics. Nil means
	// slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the standard on-disk configuration. The caller sets
// Path before passing it to OpenDB.
func DefaultConfig() Config {
	return Config{}
}

// InMemoryConfig returns a configuration for an ephemeral database.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is an opened BadgerDB instance.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB serializes commits internally;
// transactions must not be shared across goroutines.
type DB struct {
	db     *badger.DB
	stopGC chan struct{}
}

// OpenDB opens a BadgerDB instance with the given configuration.
//
// # Description
//
// On-disk databases are created at cfg.Path if absent. BadgerDB's internal
// log output is routed through slog at debug/info/warn/error levels so it
// participates in the service's structured logging instead of writing to
// stderr.
//
// # Inputs
//
//   - cfg: Open options. Path must be non-empty unless InMemory is set.
//
// # Outputs
//
//   - *DB: Opened database. Never nil on success.
//   - error: Non-nil when the directory cannot be created or locked.
//
// # Thread Safety
//
// The returned DB is safe for concurrent use.
func OpenDB(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badgerstore: config needs a path or InMemory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(&slogAdapter{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open %q: %w", cfg.Path, err)
	}
	return &DB{db: db}, nil
}

// Close stops the GC loop (if running) and closes the database.
func (d *DB) Close() error {
	if d.stopGC != nil {
		close(d.stopGC)
		d.stopGC = nil
	}
	return d.db.Close()
}

// WithTxn runs fn inside a read-write transaction and commits it when fn
// returns nil.
//
// # Description
//
// Context cancellation is checked before the transaction starts; BadgerDB
// transactions themselves are short-lived and not interruptible. A non-nil
// error from fn aborts the transaction.
//
// # Thread Safety
//
// Safe for concurrent use; each call gets its own transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
//
// # Thread Safety
//
// Safe for concurrent use; each call gets its own transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// DropAll deletes every key in the database. Used when an index snapshot is
// rebuilt from scratch and the cached state would otherwise go stale.
func (d *DB) DropAll() error {
	return d.db.DropAll()
}

// StartGC launches the hourly value-log garbage collection loop. In-memory
// databases have no value log, so the call is a no-op for them. Call at most
// once per DB.
func (d *DB) StartGC() {
	if d.db.Opts().InMemory || d.stopGC != nil {
		return
	}
	d.stopGC = make(chan struct{})
	go func(stop chan struct{}) {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// RunValueLogGC returns ErrNoRewrite when there is
				// nothing to collect; that is not a failure.
				for {
					if err := d.db.RunValueLogGC(gcDiscardRatio); err != nil {
						break
					}
				}
			}
		}
	}(d.stopGC)
}

// =============================================================================
// BadgerDB log adapter
// =============================================================================

// slogAdapter satisfies badger.Logger by forwarding to slog. BadgerDB's
// messages carry their own trailing newlines, which slog does not want.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(trimNewline(fmt.Sprintf(format, args...)), slog.String("source", "badger"))
}

func (a *slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(trimNewline(fmt.Sprintf(format, args...)), slog.String("source", "badger"))
}

func (a *slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(trimNewline(fmt.Sprintf(format, args...)), slog.String("source", "badger"))
}

func (a *slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(trimNewline(fmt.Sprintf(format, args...)), slog.String("source", "badger"))
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
