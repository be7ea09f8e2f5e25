// Package watcher provides file system watching with debouncing for the
// workflow spool directory. Workflow JSON files dropped into the spool are
// reported once writes have settled, so half-copied files are not picked up.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the spool directory and sends paths of changed workflow
// files.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	debounce  time.Duration
	files     chan string
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	// Dir is the spool directory to watch.
	Dir string
	// DebounceDur coalesces rapid writes to the same file.
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:         dir,
		DebounceDur: 500 * time.Millisecond,
	}
}

// New creates a new spool watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	debounce := cfg.DebounceDur
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &Watcher{
		fsWatcher: fsw,
		dir:       cfg.Dir,
		debounce:  debounce,
		files:     make(chan string, 64),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the spool directory. Workflow files already present
// are reported immediately, then the channel receives the path of each
// workflow file after its writes settle.
func (w *Watcher) Start() (<-chan string, error) {
	if err := w.fsWatcher.Add(w.dir); err != nil {
		return nil, fmt.Errorf("watching directory %s: %w", w.dir, err)
	}

	existing, err := w.scanExisting()
	if err != nil {
		return nil, err
	}

	go w.loop(existing)

	return w.files, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// scanExisting lists workflow files already sitting in the spool.
func (w *Watcher) scanExisting() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isWorkflowFile(entry.Name()) {
			paths = append(paths, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// loop processes file system events with debouncing. Paths accumulate in
// pending until the timer fires, then flush in sorted order.
func (w *Watcher) loop(existing []string) {
	for _, path := range existing {
		select {
		case w.files <- path:
		case <-w.done:
			return
		}
	}

	var timer *time.Timer
	pending := make(map[string]struct{})

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if !w.isRelevantEvent(event) {
				continue
			}
			pending[event.Name] = struct{}{}

			// Reset or start debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			for _, path := range paths {
				// Non-blocking send - drop if channel full
				select {
				case w.files <- path:
				default:
				}
			}
			pending = make(map[string]struct{})

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Keep watching. Callers can wrap the watcher if they need
			// error visibility.

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event names a workflow file worth reporting.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return isWorkflowFile(filepath.Base(event.Name))
}

// isWorkflowFile reports whether the name looks like a spooled workflow.
// Hidden files and editor temp files are skipped.
func isWorkflowFile(name string) bool {
	if name == "" || name[0] == '.' {
		return false
	}
	return filepath.Ext(name) == ".json"
}
