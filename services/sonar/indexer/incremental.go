// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	godiff "github.com/sourcegraph/go-diff/diff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianSonar/services/sonar/gitrepo"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// RefreshResult summarizes one incremental refresh.
type RefreshResult struct {
	// ChangedFiles is the number of distinct paths the diff touched.
	ChangedFiles int

	// RemovedDocuments counts documents dropped from the index (stale
	// versions of changed files plus deleted files).
	RemovedDocuments int

	// AddedDocuments counts freshly embedded documents.
	AddedDocuments int

	// Duration is the wall time of the refresh, embedding included.
	Duration time.Duration
}

// Refresh applies working-tree changes since a commit to an existing index.
//
// # Description
//
//	Runs `git diff -U0 <sinceCommit>` against the working tree, so both
//	committed and uncommitted edits count. Every touched path has its
//	stale documents dropped by file path; paths that still exist and
//	still pass the indexing rules are re-extracted and embedded. Renames
//	drop the old path too. Searches against idx stay consistent
//	throughout: removal and batch insert are both under the index lock.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - idx: Live index to update. Must not be nil.
//   - root: Repository root the index was built from.
//   - sinceCommit: Commit the index currently reflects.
//
// # Outputs
//
//   - *RefreshResult: Refresh summary. Nil on error.
//   - error: Non-nil when the diff cannot be produced or parsed, or any
//     embedding call fails.
//
// # Thread Safety
//
// Safe for concurrent use with searches. Concurrent Refresh calls on the
// same index will race each other's removals; serialize them.
func (ix *Indexer) Refresh(ctx context.Context, idx *vecstore.MemoryIndex, root, sinceCommit string) (*RefreshResult, error) {
	ctx, span := indexerTracer.Start(ctx, "indexer.Refresh",
		trace.WithAttributes(
			attribute.String("root", root),
			attribute.String("since_commit", sinceCommit),
		))
	defer span.End()

	start := time.Now()

	diffText, err := gitrepo.DiffSince(ctx, root, sinceCommit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "diff failed")
		recordIndexRun(modeRefresh, time.Since(start), err)
		return nil, fmt.Errorf("indexer: diff since %s: %w", sinceCommit, err)
	}
	if strings.TrimSpace(diffText) == "" {
		recordIndexRun(modeRefresh, time.Since(start), nil)
		return &RefreshResult{Duration: time.Since(start)}, nil
	}

	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "diff parse failed")
		recordIndexRun(modeRefresh, time.Since(start), err)
		return nil, fmt.Errorf("indexer: parsing diff: %w", err)
	}

	res := &RefreshResult{}
	seen := make(map[string]bool, len(fileDiffs))
	var docs []vecstore.Document

	for _, fd := range fileDiffs {
		orig := cleanDiffPath(fd.OrigName)
		next := cleanDiffPath(fd.NewName)

		// A rename leaves documents filed under the old path; a delete
		// leaves the whole file stale.
		if orig != "" && orig != next {
			res.RemovedDocuments += idx.RemoveFile(orig)
			if next == "" {
				res.ChangedFiles++
				continue
			}
		}
		if next == "" || seen[next] {
			continue
		}
		seen[next] = true
		res.ChangedFiles++

		res.RemovedDocuments += idx.RemoveFile(next)

		abs := filepath.Join(root, filepath.FromSlash(next))
		fileDocs, err := ix.extractFile(ctx, abs, next)
		if err != nil {
			// Deleted between diff and read: the removal above already
			// did the right thing.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			recordFileSkipped(skipReadError)
			ix.logger.WarnContext(ctx, "skipping unreadable changed file",
				slog.String("path", next),
				slog.Any("error", err))
			continue
		}
		docs = append(docs, fileDocs...)
	}

	if err := ix.embedInto(ctx, idx, docs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		recordIndexRun(modeRefresh, time.Since(start), err)
		return nil, err
	}
	res.AddedDocuments = len(docs)
	res.Duration = time.Since(start)

	recordIndexRun(modeRefresh, res.Duration, nil)
	span.SetAttributes(
		attribute.Int("changed_files", res.ChangedFiles),
		attribute.Int("removed_documents", res.RemovedDocuments),
		attribute.Int("added_documents", res.AddedDocuments),
	)
	ix.logger.InfoContext(ctx, "index refreshed",
		slog.String("root", root),
		slog.Int("changed_files", res.ChangedFiles),
		slog.Int("removed_documents", res.RemovedDocuments),
		slog.Int("added_documents", res.AddedDocuments),
		slog.Duration("duration", res.Duration))

	return res, nil
}

// cleanDiffPath strips the a/ and b/ prefixes git puts on diff paths and
// maps /dev/null (the missing side of adds and deletes) to "".
func cleanDiffPath(name string) string {
	if name == "" || name == "/dev/null" {
		return ""
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}
