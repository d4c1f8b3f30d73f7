// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vecstore

// =============================================================================
// EmbeddingCache — Vector Persistence
// =============================================================================
//
// Embedding a full repository costs minutes of Ollama time, and most
// re-index runs touch only a handful of changed files. The cache persists
// one vector per (model, text) pair in BadgerDB so unchanged chunks never
// hit Ollama again — across incremental reindexes AND service restarts.
//
// Design choices:
//
//	1. Content-addressed keys: SHA256(model + "\x00" + text). Editing a
//	   chunk or switching models changes the key, so stale vectors are
//	   simply never read again; no invalidation API exists.
//
//	2. BadgerDB native TTL: 30-day expiry is enforced by BadgerDB's GC.
//	   Orphaned entries (from edited chunks) age out on their own.
//
//	3. gob values: a 768-dim float32 vector is ~3KB, encode/decode is
//	   single-digit microseconds.
//
// Storage layout:
//
//	sonar/emb/v1/{sha256}  →  gob-encoded []float32
//	                          TTL: 30 days

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/AleutianSonar/services/sonar/storage/badger"
)

// embedCacheDefaultTTL is the default lifetime of a cached vector. Entries
// for unchanged chunks are rewritten (TTL refreshed) on every reindex, so
// only vectors for deleted or edited text actually expire.
const embedCacheDefaultTTL = 30 * 24 * time.Hour

// embedCacheKeyPrefix is prepended to the content hash to form the BadgerDB
// key. Versioned (v1) to allow future format changes without collision.
const embedCacheKeyPrefix = "sonar/emb/v1/"

// errCacheMiss distinguishes "key not found" from a genuine storage error
// inside Get.
var errCacheMiss = errors.New("cache miss")

// EmbeddingCache persists embedding vectors in BadgerDB.
//
// # Description
//
// Keys are content hashes of (model, text); values are gob-encoded vectors.
// A nil *EmbeddingCache is valid and behaves as an always-miss cache, so
// callers without a cache directory skip the wiring entirely.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are per-call.
type EmbeddingCache struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewEmbeddingCache creates a cache backed by the given DB.
//
// # Description
//
// The DB is owned by the caller (typically opened in main and shared); the
// cache never closes it. Pass ttl 0 for the 30-day default.
//
// # Inputs
//
//   - db: Opened BadgerDB wrapper. Must not be nil.
//   - ttl: Entry lifetime. 0 means the default.
//   - logger: Diagnostics logger. Nil means slog.Default.
//
// # Outputs
//
//   - *EmbeddingCache: Ready-to-use cache. Never nil.
//
// # Thread Safety
//
// The returned cache is safe for concurrent use.
func NewEmbeddingCache(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *EmbeddingCache {
	if db == nil {
		panic("NewEmbeddingCache: db must not be nil")
	}
	if ttl <= 0 {
		ttl = embedCacheDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingCache{db: db, ttl: ttl, logger: logger}
}

// Get retrieves the cached vector for (model, text).
//
// Returns (nil, nil) on miss — absent key or expired TTL. Returns a non-nil
// error only on storage or decode failure. Nil receiver always misses.
func (c *EmbeddingCache) Get(ctx context.Context, model, text string) ([]float32, error) {
	if c == nil {
		return nil, nil
	}
	key := embedCacheKey(model, text)

	var raw []byte
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})

	if errors.Is(err, errCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedding cache load: %w", err)
	}

	var vec []float32
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
		return nil, fmt.Errorf("embedding cache decode: %w", err)
	}
	return vec, nil
}

// Put stores the vector for (model, text) with the configured TTL. A nil
// receiver is a no-op.
func (c *EmbeddingCache) Put(ctx context.Context, model, text string, vec []float32) error {
	if c == nil || len(vec) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vec); err != nil {
		return fmt.Errorf("embedding cache encode: %w", err)
	}

	key := embedCacheKey(model, text)
	err := c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, buf.Bytes()).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("embedding cache save: %w", err)
	}
	return nil
}

// Entry describes one cached vector for inspection tooling.
type Entry struct {
	// Hash is the hex content hash portion of the key.
	Hash string

	// Dimensions is the vector width.
	Dimensions int

	// ExpiresAt is the Unix timestamp when the entry's TTL lapses,
	// 0 when the entry never expires.
	ExpiresAt uint64
}

// ForEach visits every cached entry in key order. Used by the cache dump
// tool; fn returning an error stops the walk.
func (c *EmbeddingCache) ForEach(ctx context.Context, fn func(e Entry) error) error {
	if c == nil {
		return nil
	}
	prefix := []byte(embedCacheKeyPrefix)
	return c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value: %w", err)
			}
			var vec []float32
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
				return fmt.Errorf("decode entry %q: %w", item.Key(), err)
			}
			e := Entry{
				Hash:       strings.TrimPrefix(string(item.Key()), embedCacheKeyPrefix),
				Dimensions: len(vec),
				ExpiresAt:  item.ExpiresAt(),
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// embedCacheKey builds the BadgerDB key for (model, text). The NUL separator
// keeps ("ab","c") and ("a","bc") distinct.
func embedCacheKey(model, text string) []byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return []byte(embedCacheKeyPrefix + hex.EncodeToString(h.Sum(nil)))
}
