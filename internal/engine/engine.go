// Package engine keeps the in-memory note index consistent with the note
// files on disk.
//
// Every mutation of a note (user edits, watcher events, flushes, deletes) runs
// as a job on that note's lane: a FIFO queue drained by a single goroutine, so
// jobs for one identifier apply in submission order while different
// identifiers proceed in parallel. Full rescans take the coarse gate
// exclusively and therefore never interleave with lane jobs.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/notepath"
	"github.com/starford/kbnotes/internal/retry"
	"github.com/starford/kbnotes/internal/search"
	"github.com/starford/kbnotes/internal/storage"
)

// EventKind names a notification emitted by the engine.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventSaved     EventKind = "saved"
	EventDeleted   EventKind = "deleted"
	EventConflict  EventKind = "conflict"
	EventError     EventKind = "error"
	EventRescanned EventKind = "rescanned"
)

// Event describes a change applied by the engine.
type Event struct {
	Kind EventKind
	ID   string
	Path string
	Err  error
	At   time.Time
}

// Listener receives engine events. It is called synchronously from the job
// that caused the event and must not call back into the engine's mutating
// methods.
type Listener func(Event)

// Projection mirrors the on-disk state of notes somewhere else, such as the
// SQLite catalog. Errors are logged and never fail the triggering operation.
type Projection interface {
	Put(n models.Note, meta models.NoteMetadata) error
	Remove(id string) error
	// Prune removes every entry whose identifier is not in keep.
	Prune(keep map[string]struct{}) error
}

// Cached is a projected note together with the file attributes it was read at.
type Cached struct {
	Note    models.Note
	Size    int64
	ModTime time.Time
}

// Preloader is implemented by projections that can seed the initial load.
// Entries are keyed by relative path.
type Preloader interface {
	Cached() (map[string]Cached, error)
}

// Debouncer schedules delayed flushes. Touch returns false when the debouncer
// no longer accepts work, in which case the engine flushes immediately.
type Debouncer interface {
	Touch(id string) bool
	Cancel(id string)
}

// History keeps the content a note file had before the engine overwrote or
// deleted it.
type History interface {
	SaveVersion(id string, prev []byte) error
}

// Options configures an Engine.
type Options struct {
	Logger     *slog.Logger
	Retry      retry.Policy
	Workers    int
	Projection Projection
	Now        func() time.Time
	// ReconcileDelay is the quiet period after a rename before a light
	// reconcile pass runs. Defaults to 200ms.
	ReconcileDelay time.Duration
}

// Engine is the note synchronization and index engine.
type Engine struct {
	store      storage.Provider
	mapper     *notepath.Mapper
	index      *search.Index
	logger     *slog.Logger
	retry      retry.Policy
	projection Projection
	now        func() time.Time
	workers    int

	// gate is read-held by every lane job and write-held by full rescans.
	gate sync.RWMutex

	mu    sync.RWMutex
	notes map[string]*models.Note
	tags  map[string]map[string]struct{}

	lanesMu sync.Mutex
	lanes   map[string]*lane
	sem     *semaphore.Weighted
	active  sync.WaitGroup

	hooksMu   sync.RWMutex
	listeners []Listener
	debouncer Debouncer
	history   History

	reconcileMu    sync.Mutex
	reconcileDelay time.Duration
	reconcileTimer *time.Timer
	closed         bool
}

// New creates an engine over store. Call Load before serving requests.
func New(store storage.Provider, opts Options) (*Engine, error) {
	mapper, err := notepath.New(store.Root())
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ReconcileDelay <= 0 {
		opts.ReconcileDelay = 200 * time.Millisecond
	}
	return &Engine{
		store:          store,
		mapper:         mapper,
		index:          search.New(),
		logger:         opts.Logger,
		retry:          opts.Retry,
		projection:     opts.Projection,
		now:            opts.Now,
		workers:        opts.Workers,
		notes:          make(map[string]*models.Note),
		tags:           make(map[string]map[string]struct{}),
		lanes:          make(map[string]*lane),
		sem:            semaphore.NewWeighted(int64(opts.Workers)),
		reconcileDelay: opts.ReconcileDelay,
	}, nil
}

// Root returns the absolute notes directory.
func (e *Engine) Root() string { return e.mapper.Root() }

// Mapper returns the engine's path mapper.
func (e *Engine) Mapper() *notepath.Mapper { return e.mapper }

// Subscribe registers l for every subsequent event.
func (e *Engine) Subscribe(l Listener) {
	e.hooksMu.Lock()
	e.listeners = append(e.listeners, l)
	e.hooksMu.Unlock()
}

// SetDebouncer installs the auto-save scheduler. With no debouncer every
// edit is flushed before Edit returns.
func (e *Engine) SetDebouncer(d Debouncer) {
	e.hooksMu.Lock()
	e.debouncer = d
	e.hooksMu.Unlock()
}

// SetHistory installs where previous file versions are kept. A nil history
// turns versioning off.
func (e *Engine) SetHistory(h History) {
	e.hooksMu.Lock()
	e.history = h
	e.hooksMu.Unlock()
}

// Close stops the pending reconcile timer and waits for queued lane jobs and
// a reconcile pass already under way. Dirty notes are not flushed; stop the
// scheduler first.
func (e *Engine) Close() {
	e.reconcileMu.Lock()
	e.closed = true
	if e.reconcileTimer != nil {
		e.reconcileTimer.Stop()
	}
	e.reconcileMu.Unlock()
	e.active.Wait()
}

func (e *Engine) emit(kind EventKind, id, path string, err error) {
	ev := Event{Kind: kind, ID: id, Path: path, Err: err, At: e.now()}
	e.hooksMu.RLock()
	ls := e.listeners
	e.hooksMu.RUnlock()
	for _, l := range ls {
		l(ev)
	}
}

func (e *Engine) touch(id string) bool {
	e.hooksMu.RLock()
	d := e.debouncer
	e.hooksMu.RUnlock()
	return d != nil && d.Touch(id)
}

func (e *Engine) cancelPending(id string) {
	e.hooksMu.RLock()
	d := e.debouncer
	e.hooksMu.RUnlock()
	if d != nil {
		d.Cancel(id)
	}
}

func (e *Engine) project(fn func(Projection) error, id string) {
	if e.projection == nil {
		return
	}
	if err := fn(e.projection); err != nil {
		e.logger.Warn("engine: projection failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// install replaces (or inserts) the canonical entry for n.ID and keeps the
// tag map and search index in lockstep. Callers hold no engine locks.
func (e *Engine) install(n *models.Note) {
	e.mu.Lock()
	var oldTags []string
	if old, ok := e.notes[n.ID]; ok {
		oldTags = old.Tags
	}
	e.notes[n.ID] = n
	e.relinkTagsLocked(n.ID, oldTags, n.Tags)
	e.index.Index(*n)
	e.mu.Unlock()
}

// drop removes id from the note map, tag map and search index. It returns the
// removed entry, or nil.
func (e *Engine) drop(id string) *models.Note {
	e.mu.Lock()
	old, ok := e.notes[id]
	if ok {
		delete(e.notes, id)
		e.relinkTagsLocked(id, old.Tags, nil)
	}
	e.index.Remove(id)
	e.mu.Unlock()
	return old
}

func (e *Engine) relinkTagsLocked(id string, oldTags, newTags []string) {
	for _, t := range oldTags {
		if set, ok := e.tags[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(e.tags, t)
			}
		}
	}
	for _, t := range newTags {
		set, ok := e.tags[t]
		if !ok {
			set = make(map[string]struct{})
			e.tags[t] = set
		}
		set[id] = struct{}{}
	}
}

func (e *Engine) lookup(id string) (*models.Note, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.notes[id]
	return n, ok
}

// laterOf returns the later of a and b.
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
