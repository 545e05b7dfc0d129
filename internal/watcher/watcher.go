// Package watcher re-runs deployments when the source tree changes
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/lo"

	"github.com/poltergeist/deployer/pkg/logger"
)

// DefaultSettlingDelay is how long the tree must stay quiet before a run
const DefaultSettlingDelay = 500 * time.Millisecond

// Options describes the watched tree
type Options struct {
	Root        string
	Recursive   bool
	ExcludeDirs []string
	// Filter keeps a source-relative path; nil keeps everything
	Filter   func(rel string) bool
	Settling time.Duration
}

// SettledFunc receives the sorted relative paths changed since the last call
type SettledFunc func(ctx context.Context, changed []string)

// Watcher collects fsnotify events for a source tree and reports them in
// batches once the tree has settled
type Watcher struct {
	opts     Options
	excluded map[string]bool
	logger   logger.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]fsnotify.Op
}

// New creates a watcher for opts.Root
func New(opts Options, log logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Discard()
	}
	if opts.Settling <= 0 {
		opts.Settling = DefaultSettlingDelay
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", opts.Root, err)
	}
	opts.Root = root

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		opts: opts,
		excluded: lo.SliceToMap(opts.ExcludeDirs, func(d string) (string, bool) {
			return strings.Trim(filepath.ToSlash(d), "/"), true
		}),
		logger:  log,
		fsw:     fsw,
		pending: make(map[string]fsnotify.Op),
	}, nil
}

// Run watches until ctx is cancelled. onSettled runs on the calling
// goroutine, so events arriving during a run are batched into the next call.
func (w *Watcher) Run(ctx context.Context, onSettled SettledFunc) error {
	defer w.fsw.Close()

	if _, err := w.addTree(w.opts.Root); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.opts.Root, err)
	}
	w.logger.Info("Watching source tree",
		logger.WithField("root", w.opts.Root),
		logger.WithField("directories", len(w.fsw.WatchList())))

	timer := time.NewTimer(w.opts.Settling)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.handle(event) {
				timer.Reset(w.opts.Settling)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Watcher error", logger.WithError(err))

		case <-timer.C:
			changed := w.drain()
			if len(changed) == 0 {
				continue
			}
			w.logger.Debug("Source tree settled", logger.WithField("changed", len(changed)))
			onSettled(ctx, changed)
		}
	}
}

// handle records a relevant event and reports whether it was kept
func (w *Watcher) handle(event fsnotify.Event) bool {
	rel, ok := w.relative(event.Name)
	if !ok || w.isExcluded(rel) {
		return false
	}

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.opts.Recursive {
				return false
			}
			files, err := w.addTree(event.Name)
			if err != nil {
				w.logger.Warn("Failed to watch new directory",
					logger.WithField("path", rel), logger.WithError(err))
			}
			// Files already inside a created or moved-in directory are not
			// evented on their own
			w.mu.Lock()
			w.pending[rel] |= event.Op
			for _, f := range files {
				w.pending[f] |= fsnotify.Create
			}
			w.mu.Unlock()
			return true
		}
	}
	if event.Op == fsnotify.Chmod {
		return false
	}
	if w.opts.Filter != nil && !w.opts.Filter(rel) {
		// A removed or renamed directory shows up as a single event
		if !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
			return false
		}
	}

	w.mu.Lock()
	w.pending[rel] |= event.Op
	w.mu.Unlock()
	return true
}

// drain returns the pending paths in order and resets the batch
func (w *Watcher) drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := lo.Keys(w.pending)
	sort.Strings(changed)
	w.pending = make(map[string]fsnotify.Op)
	return changed
}

func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// isExcluded matches excluded directories by relative path or by name
// anywhere in the tree
func (w *Watcher) isExcluded(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := range parts {
		if w.excluded[parts[i]] || w.excluded[strings.Join(parts[:i+1], "/")] {
			return true
		}
	}
	return false
}

// addTree watches dir and the directories below it. It returns the tracked
// files found below dir, relative to the root.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, ok := w.relative(path)
		if !d.IsDir() {
			if ok && !w.isExcluded(rel) && (w.opts.Filter == nil || w.opts.Filter(rel)) {
				files = append(files, rel)
			}
			return nil
		}
		if ok && (!w.opts.Recursive || w.isExcluded(rel)) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory",
				logger.WithField("path", path), logger.WithError(err))
		}
		return nil
	})
	return files, err
}
