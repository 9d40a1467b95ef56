// Package watcher turns fsnotify notifications for the notes directory into
// note-level change events.
package watcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/kbnotes/internal/notepath"
)

// Kind is the type of change observed on a note file.
type Kind int

const (
	Created Kind = iota
	Modified
	Removed
	// Renamed carries the old path in Path and, when the file stayed inside
	// the notes directory, the new one in NewPath.
	Renamed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Event is a change to a note file. Paths are absolute.
type Event struct {
	Kind    Kind
	Path    string
	NewPath string
}

// renameWindow is how long a Rename waits for the matching Create.
const renameWindow = 50 * time.Millisecond

// Watcher watches a single notes directory. Only *.md files directly inside
// it are reported; hidden files (including atomic-write temp files) and
// subdirectories are ignored.
type Watcher struct {
	fs     *fsnotify.Watcher
	root   string
	logger *slog.Logger

	events chan Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
}

// New creates a watcher for root. Call Start to begin receiving events.
func New(root string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: resolve root: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fs:     fw,
		root:   filepath.Clean(abs),
		logger: logger,
		events: make(chan Event, 256),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
	}, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string { return w.root }

// Start adds the notes directory to the underlying watcher and starts the
// event loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher: closed")
	}
	if w.running {
		return fmt.Errorf("watcher: already running")
	}
	if err := w.fs.Add(w.root); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", w.root, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("watcher: started", slog.String("root", w.root))
	return nil
}

// Close stops the event loop and closes the Events and Errors channels.
// It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	running := w.running
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	if running {
		w.wg.Wait()
	}
	close(w.events)
	close(w.errors)
	w.logger.Info("watcher: stopped")
	if err != nil {
		return fmt.Errorf("watcher: close: %w", err)
	}
	return nil
}

// Events returns the channel of note change events. It is closed by Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Errors returns the channel of watcher errors. It is closed by Close.
func (w *Watcher) Errors() <-chan error { return w.errors }

func (w *Watcher) loop() {
	defer w.wg.Done()

	var (
		pendingRename string
		renameTimer   *time.Timer
		renameCh      <-chan time.Time
	)
	flushRename := func(newPath string) bool {
		if pendingRename == "" {
			return true
		}
		ev := Event{Kind: Renamed, Path: pendingRename, NewPath: newPath}
		pendingRename = ""
		if renameTimer != nil {
			renameTimer.Stop()
			renameCh = nil
		}
		return w.emit(ev)
	}

	for {
		select {
		case <-w.done:
			return

		case <-renameCh:
			renameCh = nil
			if !flushRename("") {
				return
			}

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.isNote(ev.Name) {
				continue
			}
			path := filepath.Clean(ev.Name)

			switch {
			case ev.Has(fsnotify.Create):
				if pendingRename != "" {
					if !flushRename(path) {
						return
					}
					continue
				}
				if !w.emit(Event{Kind: Created, Path: path}) {
					return
				}

			case ev.Has(fsnotify.Write):
				if !flushRename("") || !w.emit(Event{Kind: Modified, Path: path}) {
					return
				}

			case ev.Has(fsnotify.Remove):
				if !flushRename("") || !w.emit(Event{Kind: Removed, Path: path}) {
					return
				}

			case ev.Has(fsnotify.Rename):
				if !flushRename("") {
					return
				}
				pendingRename = path
				if renameTimer == nil {
					renameTimer = time.NewTimer(renameWindow)
				} else {
					renameTimer.Reset(renameWindow)
				}
				renameCh = renameTimer.C
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher: error", slog.String("error", err.Error()))
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) emit(ev Event) bool {
	w.logger.Debug("watcher: event",
		slog.String("kind", ev.Kind.String()),
		slog.String("path", ev.Path),
		slog.String("new_path", ev.NewPath))
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	}
}

// isNote reports whether path names a note file directly in the root.
func (w *Watcher) isNote(path string) bool {
	if filepath.Dir(filepath.Clean(path)) != w.root {
		return false
	}
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.HasSuffix(name, notepath.Ext)
}
