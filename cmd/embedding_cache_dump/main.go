// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// embedding_cache_dump inspects the Sonar embedding cache.
//
// The cache persists one embedding vector per (model, text) chunk in
// BadgerDB so unchanged chunks survive reindexes and service restarts.
// This tool opens the cache read-only and prints a human-readable
// summary: content hashes, TTL remaining, vector dimensions, a short
// sample of each vector, and a dimensions histogram across the whole
// cache.
//
// Usage:
//
//	embedding_cache_dump [--path /path/to/cache] [--limit 20]
//
// If --path is not given, reads EMBED_CACHE_DIR from the environment,
// falling back to ~/.aleutian/cache/embeddings/.
//
// Exit codes:
//
//	0 — success (including "empty cache" which prints a message and exits 0)
//	1 — error opening or reading the database
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// embedCacheKeyPrefix must match badger_cache.go exactly.
const embedCacheKeyPrefix = "sonar/emb/v1/"

func main() {
	pathFlag := flag.String("path", "", "Path to embedding cache BadgerDB directory (overrides EMBED_CACHE_DIR env var)")
	limitFlag := flag.Int("limit", 20, "Maximum entries to print in detail, 0 for all")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("EMBED_CACHE_DIR")
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatalf("cannot resolve home directory: %v", err)
		}
		dbPath = filepath.Join(home, ".aleutian", "cache", "embeddings")
	}

	fmt.Printf("Embedding cache path: %s\n", dbPath)

	// Check existence before trying to open — gives a cleaner error message
	// than BadgerDB's "no such file or directory" buried in a long error.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. No repository has been indexed yet.")
		fmt.Println("Start the Sonar server and clone a repository to populate the cache.")
		os.Exit(0)
	}

	// Open read-only so a running server keeps exclusive write access.
	opts := dgbadger.DefaultOptions(dbPath).
		WithLogger(nil). // suppress BadgerDB internal logs
		WithReadOnly(true)

	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	type entry struct {
		hash      string
		expiresAt time.Time
		hasExpiry bool
		vector    []float32
		rawSize   int
		decodeErr error
	}

	var (
		entries    []entry
		totalBytes int
		byDims     = map[int]int{}
	)

	err = db.View(func(txn *dgbadger.Txn) error {
		iterOpts := dgbadger.DefaultIteratorOptions
		iterOpts.PrefetchValues = true
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		prefix := []byte(embedCacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var e entry
			e.hash = strings.TrimPrefix(string(item.Key()), embedCacheKeyPrefix)

			// TTL: item.ExpiresAt() returns Unix seconds, 0 = no expiry.
			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				e.hasExpiry = true
				e.expiresAt = time.Unix(int64(expiresAt), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)
			totalBytes += len(raw)

			var vec []float32
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vec); err != nil {
				e.decodeErr = fmt.Errorf("gob decode: %w", err)
			} else {
				e.vector = vec
				byDims[len(vec)]++
			}

			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}

	if len(entries) == 0 {
		fmt.Println("\nNo embedding cache entries found.")
		fmt.Println("The server has opened the cache but no index build has completed yet,")
		fmt.Println("or the embedding service was unavailable during indexing.")
		os.Exit(0)
	}

	limit := *limitFlag
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}

	fmt.Printf("\nFound %d cached vector%s, showing %d:\n",
		len(entries), plural(len(entries), "", "s"), limit)
	fmt.Println(strings.Repeat("─", 80))

	fmt.Printf("\n%-16s  %5s  %7s  %9s  %-14s  %s\n",
		"Hash (prefix)", "Dims", "L2Norm", "Raw", "TTL", "Sample (first 4 values)")
	fmt.Printf("%s  %s  %s  %s  %s  %s\n",
		strings.Repeat("─", 16),
		strings.Repeat("─", 5),
		strings.Repeat("─", 7),
		strings.Repeat("─", 9),
		strings.Repeat("─", 14),
		strings.Repeat("─", 32),
	)

	for _, e := range entries[:limit] {
		if e.decodeErr != nil {
			fmt.Printf("%-16.16s  DECODE ERROR: %v\n", e.hash, e.decodeErr)
			continue
		}
		fmt.Printf("%-16.16s  %5d  %7.4f  %9s  %-14s  %s\n",
			e.hash,
			len(e.vector),
			l2Norm(e.vector),
			formatBytes(e.rawSize),
			formatTTL(e.hasExpiry, e.expiresAt),
			formatSample(e.vector, 4),
		)
	}
	if limit < len(entries) {
		fmt.Printf("... and %d more (rerun with --limit 0 to print all)\n", len(entries)-limit)
	}

	// Histogram of vector widths. More than one bucket means the cache
	// holds vectors from more than one embedding model.
	dims := make([]int, 0, len(byDims))
	for d := range byDims {
		dims = append(dims, d)
	}
	sort.Ints(dims)

	fmt.Printf("\n%s\n", strings.Repeat("─", 80))
	fmt.Println("Dimensions histogram:")
	for _, d := range dims {
		fmt.Printf("  %5d dims: %d vector%s\n", d, byDims[d], plural(byDims[d], "", "s"))
	}
	fmt.Printf("Summary: %d entr%s, %s total, cache path: %s\n",
		len(entries), plural(len(entries), "y", "ies"), formatBytes(totalBytes), dbPath)
}

// l2Norm computes the L2 norm of a float32 vector.
// Unit-normalized vectors will show ≈1.0000.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// formatTTL renders time-to-expiry compactly for the table column.
func formatTTL(hasExpiry bool, expiresAt time.Time) string {
	if !hasExpiry {
		return "none"
	}
	remaining := time.Until(expiresAt)
	if remaining < 0 {
		return "EXPIRED"
	}
	return remaining.Round(time.Minute).String()
}

// formatSample returns the first n values of a vector as a bracketed string.
func formatSample(v []float32, n int) string {
	if len(v) == 0 {
		return "[]"
	}
	if n > len(v) {
		n = len(v)
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/1024/1024)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "embedding_cache_dump: "+format+"\n", args...)
	os.Exit(1)
}
