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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianSonar/services/sonar/fileclass"
)

// DefaultDebounce is the quiet period a change burst must hold before the
// watcher fires. Checkouts and saves touch many files in quick succession;
// one refresh at the end beats one per file.
const DefaultDebounce = 2 * time.Second

// Watcher fires a callback after filesystem changes inside a repository
// tree settle.
//
// # Description
//
//	Watches the root and every non-ignored subdirectory recursively
//	(fsnotify watches are per-directory). Events under ignored
//	directories and bare chmods never count; directories created while
//	watching join the watch. Each counted event restarts the debounce
//	timer, so the callback fires once per burst.
//
// # Thread Safety
//
// Safe for concurrent use. The callback runs on a timer goroutine; it must
// be safe to call from there and should hand off long work.
type Watcher struct {
	root     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	fw   *fsnotify.Watcher
	done chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher starts watching root.
//
// # Inputs
//
//   - root: Repository root directory to watch.
//   - debounce: Quiet period before the callback fires. Non-positive means
//     DefaultDebounce.
//   - logger: Diagnostics logger. Nil means slog.Default.
//   - onChange: Fired once per settled change burst. Must not be nil.
//
// # Outputs
//
//   - *Watcher: Running watcher. Nil on error.
//   - error: Non-nil when the callback is missing or the tree cannot be
//     registered.
func NewWatcher(root string, debounce time.Duration, logger *slog.Logger, onChange func()) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("indexer: watcher requires a change callback")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("indexer: creating watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		fw:       fw,
		done:     make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	go w.loop()

	logger.Info("watching repository for changes",
		slog.String("root", root),
		slog.Duration("debounce", debounce))
	return w, nil
}

// addTree registers dir and every non-ignored directory beneath it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && fileclass.ShouldIgnoreDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(p); err != nil {
			return fmt.Errorf("indexer: watching %s: %w", p, err)
		}
		return nil
	})
}

// loop drains fsnotify until Close. Exits when the event channel closes.
func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", slog.Any("error", err))
		}
	}
}

// handle filters one event and restarts the debounce timer when it counts.
func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	if fileclass.ShouldIgnorePath(filepath.ToSlash(rel)) {
		return
	}

	// New directories must join the watch or edits beneath them go unseen.
	if ev.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if !fileclass.ShouldIgnoreDir(info.Name()) {
				if addErr := w.addTree(ev.Name); addErr != nil {
					w.logger.Warn("watching new directory failed",
						slog.String("path", ev.Name),
						slog.Any("error", addErr))
				}
			}
			// The mkdir itself is not a content change.
			return
		}
	}

	// Bare permission changes do not alter content.
	if ev.Op == fsnotify.Chmod {
		return
	}

	recordWatcherEvent()
	w.bump()
}

// bump restarts the debounce timer.
func (w *Watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

// fire runs the callback once a burst has settled.
func (w *Watcher) fire() {
	recordWatcherTrigger()
	w.onChange()
}

// Close stops watching and waits for the event loop to exit. A callback
// already started by the timer may still be running when Close returns.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	err := w.fw.Close()
	<-w.done
	return err
}
