package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/notepath"
	"github.com/starford/kbnotes/internal/retry"
	"github.com/starford/kbnotes/internal/watcher"
)

// ScanResult summarizes a full scan of the notes directory.
type ScanResult struct {
	Files   int `json:"files"`
	Read    int `json:"read"`
	Cached  int `json:"cached"`
	Removed int `json:"removed"`
	Failed  int `json:"failed"`
}

// Load performs the initial scan. Files whose size and modification time
// match the projection's cache are taken from it instead of being read.
func (e *Engine) Load(ctx context.Context) (ScanResult, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	return e.scanLocked(ctx, true)
}

// Rescan re-reads every note file, reconciles the note map with the result
// and rebuilds the search index. No lane job runs while it is in progress.
func (e *Engine) Rescan(ctx context.Context) (ScanResult, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	return e.scanLocked(ctx, false)
}

// Exclusive runs fn while no lane job can run, then rescans. It is used to
// replace files underneath the engine, as a restore does.
func (e *Engine) Exclusive(ctx context.Context, fn func() error) (ScanResult, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	fnErr := fn()
	res, err := e.scanLocked(context.WithoutCancel(ctx), false)
	return res, errors.Join(fnErr, err)
}

// Freeze calls fn with a point-in-time copy of every note while no lane job
// can run, so the note files match the copy for the duration of fn.
func (e *Engine) Freeze(ctx context.Context, fn func(notes []models.Note) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.gate.Lock()
	defer e.gate.Unlock()
	return fn(e.Snapshot())
}

type scanItem struct {
	id     string
	meta   models.NoteMetadata
	note   *models.Note
	cached bool
	err    error
}

func (e *Engine) scanLocked(ctx context.Context, warm bool) (ScanResult, error) {
	start := time.Now()
	metas, err := retry.Get(ctx, e.retry, func() ([]models.NoteMetadata, error) {
		return e.store.List()
	})
	if err != nil {
		return ScanResult{}, apperr.New(apperr.ErrIO, "scan", "", e.Root(), err)
	}

	var cache map[string]Cached
	if pl, ok := e.projection.(Preloader); warm && ok {
		if cache, err = pl.Cached(); err != nil {
			e.logger.Warn("engine: catalog unavailable, reading all files", slog.String("error", err.Error()))
			cache = nil
		}
	}

	items := make([]scanItem, 0, len(metas))
	for _, m := range metas {
		id, ok := e.mapper.IdentifierFor(m.Path)
		if !ok {
			e.logger.Debug("engine: skipping file", slog.String("path", m.Path))
			continue
		}
		items = append(items, scanItem{id: id, meta: m})
	}

	res := ScanResult{Files: len(items)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range items {
		it := &items[i]
		if c, ok := cache[it.meta.Path]; ok && c.Size == it.meta.Size && c.ModTime.Equal(it.meta.ModTime) {
			n := c.Note.Clone()
			n.ID, n.Path, n.State, n.Dirty = it.id, it.meta.Path, models.StateClean, false
			n.DiskChecksum = n.Checksum
			it.note, it.cached = &n, true
			res.Cached++
			continue
		}
		g.Go(func() error {
			st, err := e.readFile(gctx, it.id, it.meta.Path)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				it.err = err
				return nil
			}
			it.note = decode(it.id, st)
			it.meta = st.meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("engine: scan: %w", err)
	}

	type outcome struct {
		kind EventKind
		id   string
		path string
		err  error
	}
	var events []outcome
	seen := make(map[string]struct{}, len(items))

	e.mu.Lock()
	for i := range items {
		it := &items[i]
		seen[it.id] = struct{}{}
		old := e.notes[it.id]

		if it.err != nil {
			res.Failed++
			e.setLocked(errorNote(it.id, it.meta.Path, old, it.err))
			events = append(events, outcome{EventError, it.id, it.meta.Path, it.err})
			continue
		}
		if !it.cached {
			res.Read++
		}
		if old == nil {
			e.setLocked(it.note)
			if !warm {
				events = append(events, outcome{EventCreated, it.id, it.meta.Path, nil})
			}
			continue
		}
		if old.DiskChecksum == it.note.DiskChecksum && old.State != models.StateError {
			continue
		}
		e.setLocked(replaceFromDisk(old, it.note, it.meta))
		if old.Dirty {
			e.cancelPending(it.id)
			events = append(events, outcome{EventConflict, it.id, it.meta.Path, conflictErr(it.id, it.meta.Path)})
		}
		events = append(events, outcome{EventUpdated, it.id, it.meta.Path, nil})
	}
	for id, old := range e.notes {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(e.notes, id)
		e.relinkTagsLocked(id, old.Tags, nil)
		e.cancelPending(id)
		res.Removed++
		events = append(events, outcome{EventDeleted, id, old.Path, nil})
	}
	e.rebuildIndexLocked()
	e.mu.Unlock()

	if e.projection != nil {
		keep := make(map[string]struct{}, len(items))
		for i := range items {
			it := &items[i]
			if it.note == nil {
				continue
			}
			keep[it.id] = struct{}{}
			if !it.cached {
				e.project(func(p Projection) error { return p.Put(*it.note, it.meta) }, it.id)
			}
		}
		e.project(func(p Projection) error { return p.Prune(keep) }, "")
	}

	for _, ev := range events {
		e.emit(ev.kind, ev.id, ev.path, ev.err)
	}
	e.emit(EventRescanned, "", e.Root(), nil)
	e.logger.Info("engine: scan complete",
		slog.Int("files", res.Files),
		slog.Int("read", res.Read),
		slog.Int("cached", res.Cached),
		slog.Int("removed", res.Removed),
		slog.Int("failed", res.Failed),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// setLocked stores n and relinks its tags. e.mu must be held; the search
// index is not touched.
func (e *Engine) setLocked(n *models.Note) {
	var oldTags []string
	if old, ok := e.notes[n.ID]; ok {
		oldTags = old.Tags
	}
	e.notes[n.ID] = n
	e.relinkTagsLocked(n.ID, oldTags, n.Tags)
}

// replaceFromDisk builds the entry that replaces old after the file changed
// underneath it. Timestamps never move backwards.
func replaceFromDisk(old, disk *models.Note, meta models.NoteMetadata) *models.Note {
	next := disk.Clone()
	next.UpdatedAt = laterOf(laterOf(next.UpdatedAt, meta.ModTime.UTC()), old.UpdatedAt)
	if next.CreatedAt.IsZero() || (!old.CreatedAt.IsZero() && old.CreatedAt.Before(next.CreatedAt)) {
		next.CreatedAt = old.CreatedAt
	}
	return &next
}

// errorNote flags id as unreadable, keeping the previous content if any.
func errorNote(id, rel string, old *models.Note, err error) *models.Note {
	var n models.Note
	if old != nil {
		n = old.Clone()
	} else {
		n = models.Note{ID: id, Path: rel, Tags: []string{}}
	}
	n.State = models.StateError
	n.LastError = err.Error()
	return &n
}

func conflictErr(id, rel string) error {
	return apperr.New(apperr.ErrConflictDetected, "sync", id, rel, errors.New("file changed on disk while local edits were pending; disk version kept"))
}

// syncJob brings id's entry in line with its file. It runs on id's lane.
func (e *Engine) syncJob(ctx context.Context, id, rel string) error {
	st, err := e.readFile(ctx, id, rel)
	if errors.Is(err, apperr.ErrNotFound) {
		return e.removeIfGoneJob(ctx, id, rel)
	}
	old, exists := e.lookup(id)
	if err != nil {
		failed := errorNote(id, rel, old, err)
		e.install(failed)
		e.logger.Warn("engine: read failed", slog.String("id", id), slog.String("error", err.Error()))
		e.emit(EventError, id, rel, err)
		return err
	}

	disk := decode(id, st)
	if exists && old.DiskChecksum == disk.DiskChecksum && old.State != models.StateError {
		return nil
	}

	next := disk
	if exists {
		next = replaceFromDisk(old, disk, st.meta)
		if old.Dirty {
			e.cancelPending(id)
			cerr := conflictErr(id, rel)
			e.logger.Warn("engine: conflict, disk version wins", slog.String("id", id))
			e.emit(EventConflict, id, rel, cerr)
		}
	}
	e.install(next)
	e.project(func(p Projection) error { return p.Put(*next, st.meta) }, id)
	if exists {
		e.emit(EventUpdated, id, rel, nil)
	} else {
		e.emit(EventCreated, id, rel, nil)
	}
	return nil
}

// resyncUnreadable re-reads a note flagged as unreadable before it is changed
// or written. While the file still cannot be read it fails with apperr.ErrIO,
// so the placeholder entry is never written over the file.
func (e *Engine) resyncUnreadable(ctx context.Context, op string, cur *models.Note) (*models.Note, error) {
	if cur.State != models.StateError {
		return cur, nil
	}
	if err := e.syncJob(ctx, cur.ID, cur.Path); err != nil {
		return nil, apperr.New(apperr.ErrIO, op, cur.ID, cur.Path, fmt.Errorf("note file is unreadable: %w", err))
	}
	next, ok := e.lookup(cur.ID)
	if !ok {
		return nil, apperr.New(apperr.ErrNotFound, op, cur.ID, cur.Path, nil)
	}
	return next, nil
}

// removeIfGoneJob drops id's entry when its file no longer exists. If the file
// is present after all, the entry is re-synced from it instead.
func (e *Engine) removeIfGoneJob(ctx context.Context, id, rel string) error {
	if _, err := e.store.Stat(rel); err == nil {
		return e.syncJob(ctx, id, rel)
	}
	old := e.drop(id)
	if old == nil {
		return nil
	}
	e.cancelPending(id)
	if old.Dirty {
		e.emit(EventConflict, id, rel, conflictErr(id, rel))
	}
	e.project(func(p Projection) error { return p.Remove(id) }, id)
	e.logger.Info("engine: note removed on disk", slog.String("id", id))
	e.emit(EventDeleted, id, rel, nil)
	return nil
}

// HandleEvent applies one watcher event and waits until it has been applied.
func (e *Engine) HandleEvent(ctx context.Context, ev watcher.Event) error {
	jobs := e.jobsFor(ev)
	var errs []error
	for _, j := range jobs {
		jctx := context.WithoutCancel(ctx)
		if err := e.submit(ctx, j.id, func() error { return j.run(jctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch dispatches events to their lanes until ctx is done or events is
// closed. Events for different notes never wait on each other.
func (e *Engine) Watch(ctx context.Context, events <-chan watcher.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			for _, j := range e.jobsFor(ev) {
				e.enqueue(j.id, func() {
					if err := j.run(context.Background()); err != nil {
						e.logger.Debug("engine: event job failed",
							slog.String("id", j.id), slog.String("error", err.Error()))
					}
				})
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Warn("engine: watcher error", slog.String("error", err.Error()))
		}
	}
}

type eventJob struct {
	id  string
	run func(context.Context) error
}

func (e *Engine) jobsFor(ev watcher.Event) []eventJob {
	var jobs []eventJob
	add := func(path string, gone bool) {
		id, ok := e.mapper.IdentifierFor(path)
		if !ok {
			return
		}
		rel := id + notepath.Ext
		if gone {
			jobs = append(jobs, eventJob{id, func(ctx context.Context) error { return e.removeIfGoneJob(ctx, id, rel) }})
		} else {
			jobs = append(jobs, eventJob{id, func(ctx context.Context) error { return e.syncJob(ctx, id, rel) }})
		}
	}
	switch ev.Kind {
	case watcher.Created, watcher.Modified:
		add(ev.Path, false)
	case watcher.Removed:
		add(ev.Path, true)
	case watcher.Renamed:
		add(ev.Path, true)
		if ev.NewPath != "" {
			add(ev.NewPath, false)
		}
		e.scheduleReconcile()
	}
	return jobs
}

// scheduleReconcile debounces a light reconcile pass after renames.
func (e *Engine) scheduleReconcile() {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()
	if e.closed {
		return
	}
	if e.reconcileTimer != nil {
		e.reconcileTimer.Reset(e.reconcileDelay)
		return
	}
	e.reconcileTimer = time.AfterFunc(e.reconcileDelay, func() {
		// Registered under reconcileMu so Close either sees this pass in
		// active or prevents it from starting.
		e.reconcileMu.Lock()
		if e.closed {
			e.reconcileMu.Unlock()
			return
		}
		e.active.Add(1)
		e.reconcileMu.Unlock()
		defer e.active.Done()

		if err := e.Reconcile(context.Background()); err != nil {
			e.logger.Warn("engine: reconcile failed", slog.String("error", err.Error()))
		}
	})
}

// Reconcile removes entries whose file is gone and ingests files the engine
// does not know, without blocking other lanes.
func (e *Engine) Reconcile(ctx context.Context) error {
	metas, err := retry.Get(ctx, e.retry, func() ([]models.NoteMetadata, error) {
		return e.store.List()
	})
	if err != nil {
		return apperr.New(apperr.ErrIO, "reconcile", "", e.Root(), err)
	}

	onDisk := make(map[string]string, len(metas))
	for _, m := range metas {
		if id, ok := e.mapper.IdentifierFor(m.Path); ok {
			onDisk[id] = m.Path
		}
	}

	e.mu.RLock()
	var stale, fresh []string
	for id := range e.notes {
		if _, ok := onDisk[id]; !ok {
			stale = append(stale, id)
		}
	}
	for id := range onDisk {
		if _, ok := e.notes[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	e.mu.RUnlock()
	slices.Sort(stale)
	slices.Sort(fresh)

	jctx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range stale {
		rel := id + notepath.Ext
		g.Go(func() error {
			return e.submit(gctx, id, func() error { return e.removeIfGoneJob(jctx, id, rel) })
		})
	}
	for _, id := range fresh {
		rel := onDisk[id]
		g.Go(func() error {
			err := e.submit(gctx, id, func() error { return e.syncJob(jctx, id, rel) })
			if errors.Is(err, apperr.ErrIO) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(stale)+len(fresh) > 0 {
		e.logger.Debug("engine: reconciled", slog.Int("removed", len(stale)), slog.Int("added", len(fresh)))
	}
	return nil
}
