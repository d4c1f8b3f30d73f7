// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gitrepo acquires the repository the indexer walks: clone when the
// target directory is missing, checkout + pull when a clone already exists.
//
// Everything shells out to the system git binary. SSH agents, credential
// helpers, and proxy configuration keep working exactly as they do on the
// operator's command line, which a reimplementation on a Go git library
// would have to replicate.
package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultBranch is used when the caller passes an empty branch name.
const DefaultBranch = "main"

// DefaultCloneRoot is the directory clones land in when the caller gives no
// explicit target, relative to the working directory of the service.
const DefaultCloneRoot = "cloned_repos"

var (
	// ErrEmptyURL is returned when the repository URL is blank.
	ErrEmptyURL = errors.New("gitrepo: repository url is empty")

	// ErrNotARepo is returned when the target directory exists but does not
	// contain a git repository. The caller has to remove it or pick another
	// path; silently reusing a foreign directory would be worse.
	ErrNotARepo = errors.New("gitrepo: target directory exists but is not a git repository")
)

var tracer = otel.Tracer("aleutian.sonar.gitrepo")

// Repo describes an acquired local clone.
type Repo struct {
	// Path is the absolute path of the working tree.
	Path string

	// Branch is the branch the working tree was left on.
	Branch string
}

// CloneOrPull ensures a local clone of sshURL exists at targetDir and is
// current on the requested branch.
//
// # Description
//
// When targetDir is missing, the repository is cloned with `git clone
// --branch`. When it exists it must already be a git repository; the branch
// is checked out if the working tree is on a different one (or detached) and
// `git pull` brings it up to date. Parent directories are created as needed.
//
// # Inputs
//
//   - ctx: cancels the underlying git processes.
//   - sshURL: repository URL, typically git@host:owner/repo.git.
//   - branch: branch to clone or update. Empty means DefaultBranch.
//   - targetDir: local path for the working tree. Empty means
//     DefaultCloneRoot/<repo-name>.
//
// # Outputs
//
//   - *Repo: the absolute clone path and branch. Nil on error.
//   - error: ErrEmptyURL, ErrNotARepo, or a wrapped git failure. No retries;
//     acquisition either works or the caller hears why.
func CloneOrPull(ctx context.Context, sshURL, branch, targetDir string) (*Repo, error) {
	sshURL = strings.TrimSpace(sshURL)
	if sshURL == "" {
		return nil, ErrEmptyURL
	}
	if branch == "" {
		branch = DefaultBranch
	}
	if targetDir == "" {
		targetDir = filepath.Join(DefaultCloneRoot, RepoName(sshURL))
	}

	abs, err := filepath.Abs(targetDir)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: resolving %q: %w", targetDir, err)
	}

	ctx, span := tracer.Start(ctx, "gitrepo.CloneOrPull")
	defer span.End()
	span.SetAttributes(
		attribute.String("git.branch", branch),
		attribute.String("git.target", abs),
	)
	start := time.Now()

	info, statErr := os.Stat(abs)
	switch {
	case statErr == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("gitrepo: %q exists and is not a directory", abs)
		}
		if err := pull(ctx, abs, branch); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "pull failed")
			return nil, err
		}
		slog.InfoContext(ctx, "Repository updated",
			slog.String("path", abs),
			slog.String("branch", branch),
			slog.Duration("duration", time.Since(start)))

	case os.IsNotExist(statErr):
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("gitrepo: creating parent of %q: %w", abs, err)
		}
		slog.InfoContext(ctx, "Cloning repository",
			slog.String("url", sshURL),
			slog.String("branch", branch),
			slog.String("target", abs))
		if _, err := runGit(ctx, "", "clone", "--branch", branch, sshURL, abs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "clone failed")
			return nil, err
		}
		slog.InfoContext(ctx, "Repository cloned",
			slog.String("path", abs),
			slog.Duration("duration", time.Since(start)))

	default:
		return nil, fmt.Errorf("gitrepo: stat %q: %w", abs, statErr)
	}

	return &Repo{Path: abs, Branch: branch}, nil
}

// pull updates an existing working tree to the requested branch.
func pull(ctx context.Context, dir, branch string) error {
	// The directory must be a repository itself, not merely live inside
	// one. Without the root check, a stray cloned_repos/<name> directory
	// under a developer checkout would pull the checkout instead.
	if !isWorkTreeRoot(ctx, dir) {
		return fmt.Errorf("%w: %s", ErrNotARepo, dir)
	}

	// A detached HEAD reports "HEAD" here, which never equals a branch
	// name, so the checkout below also repairs detached trees.
	current, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return err
	}
	if current != branch {
		if _, err := runGit(ctx, dir, "checkout", branch); err != nil {
			return err
		}
	}
	if _, err := runGit(ctx, dir, "pull"); err != nil {
		return err
	}
	return nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(ctx context.Context, dir string) bool {
	_, err := runGit(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

// isWorkTreeRoot reports whether dir is the top level of a working tree.
// Symlinks are resolved before comparing because temp directories on some
// platforms reach the same tree through different names.
func isWorkTreeRoot(ctx context.Context, dir string) bool {
	top, err := runGit(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return false
	}
	resolvedTop, errTop := filepath.EvalSymlinks(top)
	resolvedDir, errDir := filepath.EvalSymlinks(dir)
	if errTop != nil || errDir != nil {
		return top == dir
	}
	return resolvedTop == resolvedDir
}

// HeadCommit returns the full hash of the current HEAD commit. The indexer
// records it so incremental refreshes know what state the index reflects.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	return HeadCommit(ctx, r.Path)
}

// HeadCommit returns the full HEAD hash of the repository at dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	return runGit(ctx, dir, "rev-parse", "HEAD")
}

// DiffSince returns the unified zero-context diff between the given commit
// and the current working tree. Uncommitted edits are included, so a refresh
// triggered by a filesystem event sees them before they land in a commit.
func DiffSince(ctx context.Context, dir, commit string) (string, error) {
	if strings.TrimSpace(commit) == "" {
		return "", fmt.Errorf("gitrepo: diff needs a base commit")
	}
	out, err := runGitRaw(ctx, dir, "diff", "--no-color", "-U0", commit)
	if err != nil {
		return "", err
	}
	return out, nil
}

// RepoName derives the repository name from its URL: the final path segment
// with any .git suffix removed. Handles both scp-like (git@host:owner/repo)
// and URL forms (ssh://git@host/owner/repo).
func RepoName(url string) string {
	name := strings.TrimSuffix(strings.TrimSpace(url), "/")
	name = strings.TrimSuffix(name, ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "repo"
	}
	return name
}

// runGit executes git with the given arguments and returns trimmed stdout.
// dir may be empty for commands like clone that take explicit paths.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := runGitRaw(ctx, dir, args...)
	return strings.TrimSpace(out), err
}

// runGitRaw is runGit without output trimming, for diff output where
// trailing newlines are part of the format.
func runGitRaw(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("gitrepo: git %s: %s: %w", args[0], detail, err)
	}
	return string(out), nil
}
