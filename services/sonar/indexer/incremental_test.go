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
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/AleutianSonar/services/sonar/gitrepo"
	"github.com/AleutianAI/AleutianSonar/services/sonar/vecstore"
)

// =============================================================================
// Git helpers
// =============================================================================

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// gitRun executes git with a throwaway identity inside dir.
func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	full := append([]string{
		"-c", "user.email=test@example.com",
		"-c", "user.name=test",
	}, args...)
	cmd := exec.Command("git", full...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// initRepo creates a git repository with main.py and beta.py committed.
func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	gitRun(t, root, "init")
	gitRun(t, root, "checkout", "-b", "main")
	writeFile(t, root, "main.py", []byte("def alpha():\n    return 1\n"))
	writeFile(t, root, "beta.py", []byte("def beta():\n    return 2\n"))
	gitRun(t, root, "add", "-A")
	gitRun(t, root, "commit", "-m", "initial")
	return root
}

func commitAll(t *testing.T, root, message string) {
	t.Helper()
	gitRun(t, root, "add", "-A")
	gitRun(t, root, "commit", "-m", message)
}

// =============================================================================
// Refresh Tests
// =============================================================================

func TestRefresh_AppliesDiff(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	ctx := context.Background()

	ix := testIndexer(t)
	idx, res, err := ix.IndexRepo(ctx, root)
	if err != nil {
		t.Fatalf("IndexRepo: %v", err)
	}
	if res.Files != 2 {
		t.Fatalf("initial Files = %d, want 2", res.Files)
	}

	first, err := gitrepo.HeadCommit(ctx, root)
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}

	// Modify one file, delete one, add one.
	writeFile(t, root, "main.py", []byte("def alpha():\n    return 100\n"))
	if err := os.Remove(filepath.Join(root, "beta.py")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	writeFile(t, root, "gamma.py", []byte("def gamma():\n    return 3\n"))
	commitAll(t, root, "rework")

	ref, err := ix.Refresh(ctx, idx, root, first)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ref.ChangedFiles != 3 {
		t.Errorf("ChangedFiles = %d, want 3", ref.ChangedFiles)
	}
	if ref.RemovedDocuments != 2 {
		t.Errorf("RemovedDocuments = %d, want 2", ref.RemovedDocuments)
	}
	if ref.AddedDocuments != 2 {
		t.Errorf("AddedDocuments = %d, want 2", ref.AddedDocuments)
	}

	stats := idx.Stats()
	if stats.Files != 2 {
		t.Errorf("Stats.Files = %d, want 2 (main.py, gamma.py)", stats.Files)
	}

	// The updated content must be what searches now return.
	found := false
	docs, err := idx.SimilaritySearch(ctx, "alpha", idx.Len())
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	for _, doc := range docs {
		switch vecstore.RelativePath(doc) {
		case "main.py":
			found = true
			if doc.PageContent != "def alpha():\n    return 100\n" {
				t.Errorf("main.py content is stale: %q", doc.PageContent)
			}
		case "beta.py":
			t.Error("beta.py still indexed after deletion")
		}
	}
	if !found {
		t.Error("main.py missing after refresh")
	}
}

func TestRefresh_NoChanges(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	ctx := context.Background()

	ix := testIndexer(t)
	idx, _, err := ix.IndexRepo(ctx, root)
	if err != nil {
		t.Fatalf("IndexRepo: %v", err)
	}
	head, err := gitrepo.HeadCommit(ctx, root)
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}

	ref, err := ix.Refresh(ctx, idx, root, head)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ref.ChangedFiles != 0 || ref.RemovedDocuments != 0 || ref.AddedDocuments != 0 {
		t.Errorf("clean tree refreshed: %+v", ref)
	}
}

func TestRefresh_UncommittedEdits(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	ctx := context.Background()

	ix := testIndexer(t)
	idx, _, err := ix.IndexRepo(ctx, root)
	if err != nil {
		t.Fatalf("IndexRepo: %v", err)
	}
	head, err := gitrepo.HeadCommit(ctx, root)
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}

	// Working-tree edit without a commit still counts.
	writeFile(t, root, "main.py", []byte("def alpha():\n    return -1\n"))

	ref, err := ix.Refresh(ctx, idx, root, head)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if ref.ChangedFiles != 1 {
		t.Errorf("ChangedFiles = %d, want 1", ref.ChangedFiles)
	}
	if ref.AddedDocuments != 1 {
		t.Errorf("AddedDocuments = %d, want 1", ref.AddedDocuments)
	}
}

func TestRefresh_RenameDropsOldPath(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	ctx := context.Background()

	ix := testIndexer(t)
	idx, _, err := ix.IndexRepo(ctx, root)
	if err != nil {
		t.Fatalf("IndexRepo: %v", err)
	}
	head, err := gitrepo.HeadCommit(ctx, root)
	if err != nil {
		t.Fatalf("HeadCommit: %v", err)
	}

	gitRun(t, root, "mv", "beta.py", "delta.py")
	commitAll(t, root, "rename beta to delta")

	if _, err := ix.Refresh(ctx, idx, root, head); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	docs, err := idx.SimilaritySearch(ctx, "beta", idx.Len())
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	sawDelta := false
	for _, doc := range docs {
		switch vecstore.RelativePath(doc) {
		case "beta.py":
			t.Error("beta.py still indexed after rename")
		case "delta.py":
			sawDelta = true
		}
	}
	if !sawDelta {
		t.Error("delta.py missing after rename")
	}
}

func TestRefresh_BadCommit(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	ctx := context.Background()

	ix := testIndexer(t)
	idx, _, err := ix.IndexRepo(ctx, root)
	if err != nil {
		t.Fatalf("IndexRepo: %v", err)
	}

	if _, err := ix.Refresh(ctx, idx, root, "0000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected error for unknown commit")
	}
}

// =============================================================================
// Diff Path Tests
// =============================================================================

func TestCleanDiffPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/services/app.py", "services/app.py"},
		{"b/services/app.py", "services/app.py"},
		{"/dev/null", ""},
		{"", ""},
		{"plain.py", "plain.py"},
		{"a/b/c.py", "b/c.py"},
	}
	for _, tt := range tests {
		if got := cleanDiffPath(tt.in); got != tt.want {
			t.Errorf("cleanDiffPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
