package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/checksum"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/notepath"
	"github.com/starford/kbnotes/internal/parser"
)

// Draft is the input of Create. ID is optional; when empty one is derived
// from the title.
type Draft struct {
	ID    string
	Title string
	Body  string
	Tags  []string
}

// Patch is the input of Edit. Nil fields are left unchanged. AddTags and
// RemoveTags apply after Tags.
type Patch struct {
	Title      *string
	Body       *string
	Tags       *[]string
	AddTags    []string
	RemoveTags []string
	// IfMatch, when set, must equal the note's current checksum.
	IfMatch string
}

const maxCreateAttempts = 4

// Create adds a new note and writes it to disk before returning.
func (e *Engine) Create(ctx context.Context, d Draft) (models.Note, error) {
	if d.ID != "" {
		if err := notepath.Validate(d.ID); err != nil {
			return models.Note{}, err
		}
		return e.createAs(ctx, d.ID, d)
	}

	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = parser.HeadingTitle(d.Body)
	}
	slug := notepath.Slugify(title)

	for attempt := range maxCreateAttempts {
		id := candidateID(slug, attempt)
		n, err := e.createAs(ctx, id, d)
		if errors.Is(err, apperr.ErrAlreadyExists) {
			continue
		}
		return n, err
	}
	return models.Note{}, apperr.New(apperr.ErrAlreadyExists, "create", slug, "", fmt.Errorf("no free identifier after %d attempts", maxCreateAttempts))
}

func candidateID(slug string, attempt int) string {
	switch {
	case slug == "":
		return uuid.NewString()
	case attempt == 0:
		return slug
	default:
		return slug + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	}
}

func (e *Engine) createAs(ctx context.Context, id string, d Draft) (models.Note, error) {
	rel, err := notepath.RelPathFor(id)
	if err != nil {
		return models.Note{}, err
	}

	jctx := context.WithoutCancel(ctx)
	var out models.Note
	err = e.submit(ctx, id, func() error {
		if _, ok := e.lookup(id); ok {
			return apperr.New(apperr.ErrAlreadyExists, "create", id, rel, nil)
		}
		if _, err := e.store.Stat(rel); err == nil {
			return apperr.New(apperr.ErrAlreadyExists, "create", id, rel, fmt.Errorf("file exists on disk"))
		}

		now := e.now()
		n := &models.Note{
			ID:        id,
			Title:     d.Title,
			Body:      d.Body,
			Tags:      d.Tags,
			CreatedAt: now,
			UpdatedAt: now,
			Path:      rel,
			State:     models.StateClean,
		}
		parser.Normalize(n)
		data, err := parser.Render(n)
		if err != nil {
			return err
		}
		meta, err := e.writeFile(jctx, id, rel, data)
		if err != nil {
			return err
		}
		n.Checksum = checksum.Sum(data)
		n.DiskChecksum = n.Checksum

		e.install(n)
		e.project(func(p Projection) error { return p.Put(*n, meta) }, id)
		e.logger.Info("engine: note created", slog.String("id", id))
		e.emit(EventCreated, id, rel, nil)
		out = n.Clone()
		return nil
	})
	return out, err
}

// Edit applies p to the note. Unchanged content is a no-op. A changed note
// becomes dirty and is handed to the debouncer, or flushed immediately when
// no debouncer accepts it.
func (e *Engine) Edit(ctx context.Context, id string, p Patch) (models.Note, error) {
	if err := notepath.Validate(id); err != nil {
		return models.Note{}, err
	}
	jctx := context.WithoutCancel(ctx)
	var out models.Note
	err := e.submit(ctx, id, func() error {
		cur, ok := e.lookup(id)
		if !ok {
			return apperr.New(apperr.ErrNotFound, "edit", id, "", nil)
		}
		cur, err := e.resyncUnreadable(jctx, "edit", cur)
		if err != nil {
			return err
		}
		if p.IfMatch != "" && p.IfMatch != cur.Checksum {
			return apperr.New(apperr.ErrVersionMismatch, "edit", id, cur.Path,
				fmt.Errorf("have %s, caller expected %s", checksum.Short(cur.Checksum), checksum.Short(p.IfMatch)))
		}

		next := cur.Clone()
		applyPatch(&next, p)
		parser.Normalize(&next)
		if next.SameContent(cur) {
			out = cur.Clone()
			return nil
		}

		next.UpdatedAt = laterOf(e.now(), cur.UpdatedAt)
		data, err := parser.Render(&next)
		if err != nil {
			return err
		}
		next.Checksum = checksum.Sum(data)
		next.Dirty = next.Checksum != next.DiskChecksum
		next.State = models.StateClean
		if next.Dirty {
			next.State = models.StateDirty
		}
		next.LastError = ""
		e.install(&next)
		e.emit(EventUpdated, id, next.Path, nil)

		if next.Dirty && !e.touch(id) {
			if err := e.flushJob(jctx, id); err != nil {
				out = next.Clone()
				return err
			}
		}
		cur, _ = e.lookup(id)
		out = cur.Clone()
		return nil
	})
	return out, err
}

func applyPatch(n *models.Note, p Patch) {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Body != nil {
		n.Body = *p.Body
	}
	tags := n.Tags
	if p.Tags != nil {
		tags = *p.Tags
	}
	tags = models.NormalizeTags(append(slices.Clone(tags), p.AddTags...))
	if len(p.RemoveTags) > 0 {
		drop := models.NormalizeTags(p.RemoveTags)
		tags = slices.DeleteFunc(tags, func(t string) bool {
			_, found := slices.BinarySearch(drop, t)
			return found
		})
	}
	// Normalize merges inline body #tags back in.
	n.Tags = tags
}

// Flush writes the note to disk if it is dirty.
func (e *Engine) Flush(ctx context.Context, id string) error {
	if err := notepath.Validate(id); err != nil {
		return err
	}
	jctx := context.WithoutCancel(ctx)
	return e.submit(ctx, id, func() error { return e.flushJob(jctx, id) })
}

// FlushAll flushes every dirty note. Failures for one note do not stop the
// others; all errors are returned joined.
func (e *Engine) FlushAll(ctx context.Context) error {
	var ids []string
	e.mu.RLock()
	for id, n := range e.notes {
		if n.Dirty {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	slices.Sort(ids)

	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func() { errs <- e.Flush(ctx, id) }()
	}
	var all []error
	for range ids {
		if err := <-errs; err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}

// flushJob runs on id's lane.
func (e *Engine) flushJob(ctx context.Context, id string) error {
	cur, ok := e.lookup(id)
	if !ok || !cur.Dirty {
		return nil
	}
	cur, err := e.resyncUnreadable(ctx, "flush", cur)
	if err != nil || !cur.Dirty {
		return err
	}
	data, err := parser.Render(cur)
	if err != nil {
		return err
	}
	e.keepVersion(ctx, id, cur.Path)
	meta, err := e.writeFile(ctx, id, cur.Path, data)
	if err != nil {
		failed := cur.Clone()
		failed.LastError = err.Error()
		e.install(&failed)
		e.logger.Error("engine: flush failed", slog.String("id", id), slog.String("error", err.Error()))
		e.emit(EventError, id, cur.Path, err)
		return err
	}

	saved := cur.Clone()
	saved.Checksum = checksum.Sum(data)
	saved.DiskChecksum = saved.Checksum
	saved.Dirty = false
	saved.State = models.StateClean
	saved.LastError = ""
	e.install(&saved)
	e.project(func(p Projection) error { return p.Put(saved, meta) }, id)
	e.logger.Debug("engine: note saved", slog.String("id", id))
	e.emit(EventSaved, id, saved.Path, nil)
	return nil
}

// Delete removes the note's file and entry. Deleting an absent note is a
// no-op.
func (e *Engine) Delete(ctx context.Context, id string) error {
	rel, err := notepath.RelPathFor(id)
	if err != nil {
		return err
	}
	jctx := context.WithoutCancel(ctx)
	return e.submit(ctx, id, func() error {
		e.cancelPending(id)
		e.keepVersion(jctx, id, rel)
		removed, err := e.removeFile(jctx, id, rel)
		if err != nil {
			return err
		}
		old := e.drop(id)
		if old == nil && !removed {
			return nil
		}
		e.project(func(p Projection) error { return p.Remove(id) }, id)
		e.logger.Info("engine: note deleted", slog.String("id", id))
		e.emit(EventDeleted, id, rel, nil)
		return nil
	})
}

// RestoreVersion replaces id's file with data, a version kept earlier, and
// re-reads it. Pending edits are discarded. The file being replaced is kept
// as a version too, so restoring again undoes the restore. A note that was
// deleted comes back.
func (e *Engine) RestoreVersion(ctx context.Context, id string, data []byte) (models.Note, error) {
	rel, err := notepath.RelPathFor(id)
	if err != nil {
		return models.Note{}, err
	}
	jctx := context.WithoutCancel(ctx)
	var out models.Note
	err = e.submit(ctx, id, func() error {
		e.cancelPending(id)
		e.keepVersion(jctx, id, rel)
		meta, err := e.writeFile(jctx, id, rel, data)
		if err != nil {
			return err
		}

		next := decode(id, fileState{data: data, meta: meta})
		old, exists := e.lookup(id)
		if exists {
			next = replaceFromDisk(old, next, meta)
		}
		e.install(next)
		e.project(func(p Projection) error { return p.Put(*next, meta) }, id)
		e.logger.Info("engine: note restored from version", slog.String("id", id))
		if exists {
			e.emit(EventUpdated, id, rel, nil)
		} else {
			e.emit(EventCreated, id, rel, nil)
		}
		out = next.Clone()
		return nil
	})
	return out, err
}

// keepVersion hands the file about to be replaced to the history. It runs on
// id's lane; failures are logged and never stop the write.
func (e *Engine) keepVersion(ctx context.Context, id, rel string) {
	e.hooksMu.RLock()
	h := e.history
	e.hooksMu.RUnlock()
	if h == nil {
		return
	}
	st, err := e.readFile(ctx, id, rel)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			e.logger.Warn("engine: previous version unreadable", slog.String("id", id), slog.String("error", err.Error()))
		}
		return
	}
	if err := h.SaveVersion(id, st.data); err != nil {
		e.logger.Warn("engine: keep version failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}
