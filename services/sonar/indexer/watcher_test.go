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
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// startWatcher runs a Watcher with a short debounce and a buffered trigger
// channel, closed down with the test.
func startWatcher(t *testing.T, root string, debounce time.Duration) (*Watcher, chan struct{}) {
	t.Helper()
	fired := make(chan struct{}, 16)
	w, err := NewWatcher(root, debounce, testLogger(), func() {
		fired <- struct{}{}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w, fired
}

func waitFired(t *testing.T, fired chan struct{}, within time.Duration) bool {
	t.Helper()
	select {
	case <-fired:
		return true
	case <-time.After(within):
		return false
	}
}

func TestWatcher_FiresAfterChange(t *testing.T) {
	root := t.TempDir()
	_, fired := startWatcher(t, root, 50*time.Millisecond)

	writeFile(t, root, "main.py", []byte("x = 1\n"))

	if !waitFired(t, fired, 3*time.Second) {
		t.Fatal("watcher did not fire after a file change")
	}
}

func TestWatcher_IgnoredDirectoryDoesNotFire(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	_, fired := startWatcher(t, root, 50*time.Millisecond)

	writeFile(t, root, ".git/index.lock", []byte("lock\n"))
	if waitFired(t, fired, 400*time.Millisecond) {
		t.Fatal("watcher fired for a change inside .git")
	}

	// The watcher is still alive for real changes.
	writeFile(t, root, "main.py", []byte("x = 1\n"))
	if !waitFired(t, fired, 3*time.Second) {
		t.Fatal("watcher did not fire after a real change")
	}
}

func TestWatcher_NewDirectoryJoinsWatch(t *testing.T) {
	root := t.TempDir()
	_, fired := startWatcher(t, root, 50*time.Millisecond)

	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// Give the event loop a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, root, "pkg/module.py", []byte("y = 2\n"))
	if !waitFired(t, fired, 3*time.Second) {
		t.Fatal("watcher did not fire for a file in a new directory")
	}
}

func TestWatcher_BurstCollapses(t *testing.T) {
	root := t.TempDir()

	var fires atomic.Int64
	w, err := NewWatcher(root, 200*time.Millisecond, testLogger(), func() {
		fires.Add(1)
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	for i := 0; i < 5; i++ {
		writeFile(t, root, "main.py", []byte("x = 1\n"))
	}

	// The burst settles into at most a couple of callbacks, never five.
	time.Sleep(time.Second)
	got := fires.Load()
	if got < 1 || got > 2 {
		t.Errorf("callback fired %d times for a 5-write burst", got)
	}

	// Quiet tree, quiet callback.
	time.Sleep(500 * time.Millisecond)
	if after := fires.Load(); after != got {
		t.Errorf("callback kept firing without changes: %d -> %d", got, after)
	}
}

func TestWatcher_NilCallback(t *testing.T) {
	if _, err := NewWatcher(t.TempDir(), time.Second, testLogger(), nil); err == nil {
		t.Fatal("expected error for nil callback")
	}
}

func TestWatcher_MissingRoot(t *testing.T) {
	if _, err := NewWatcher("/does/not/exist", time.Second, testLogger(), func() {}); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestWatcher_CloseStopsEventLoop(t *testing.T) {
	root := t.TempDir()
	w, fired := startWatcher(t, root, 50*time.Millisecond)

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	writeFile(t, root, "late.py", []byte("z = 3\n"))
	if waitFired(t, fired, 300*time.Millisecond) {
		t.Fatal("watcher fired after Close")
	}
}
