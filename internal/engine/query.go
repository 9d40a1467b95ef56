package engine

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/notepath"
)

// TagCount is a tag together with the number of notes carrying it.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

// Result is a search hit resolved to its note.
type Result struct {
	Note  models.Note `json:"note"`
	Score float64     `json:"score"`
}

// Stats describes the engine's current contents.
type Stats struct {
	Notes int `json:"notes"`
	Dirty int `json:"dirty"`
	Error int `json:"error"`
	Tags  int `json:"tags"`
}

// Get returns a copy of the note.
func (e *Engine) Get(id string) (models.Note, error) {
	if err := notepath.Validate(id); err != nil {
		return models.Note{}, err
	}
	n, ok := e.lookup(id)
	if !ok {
		return models.Note{}, apperr.New(apperr.ErrNotFound, "get", id, "", nil)
	}
	return n.Clone(), nil
}

// List returns copies of all notes, or of the notes carrying tag, most
// recently modified first.
func (e *Engine) List(tag string) []models.Note {
	tag = models.NormalizeTag(tag)
	e.mu.RLock()
	var out []models.Note
	if tag == "" {
		out = make([]models.Note, 0, len(e.notes))
		for _, n := range e.notes {
			out = append(out, n.Clone())
		}
	} else {
		for id := range e.tags[tag] {
			out = append(out, e.notes[id].Clone())
		}
	}
	e.mu.RUnlock()

	slices.SortFunc(out, byRecency)
	return out
}

// Snapshot returns a copy of every note ordered by identifier.
func (e *Engine) Snapshot() []models.Note {
	e.mu.RLock()
	out := make([]models.Note, 0, len(e.notes))
	for _, n := range e.notes {
		out = append(out, n.Clone())
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Note) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Tags returns every tag in use with its note count, ordered by tag.
func (e *Engine) Tags() []TagCount {
	e.mu.RLock()
	out := make([]TagCount, 0, len(e.tags))
	for t, ids := range e.tags {
		out = append(out, TagCount{Tag: t, Count: len(ids)})
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b TagCount) int { return strings.Compare(a.Tag, b.Tag) })
	return out
}

// Search runs a fuzzy query over all notes. See search.Index.Search for the
// ranking rules.
func (e *Engine) Search(query string, tags []string, limit int) []Result {
	e.checkDrift()
	hits := e.index.Search(query, tags, limit)

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		n, ok := e.notes[h.ID]
		if !ok {
			continue
		}
		out = append(out, Result{Note: n.Clone(), Score: h.Score})
	}
	return out
}

// Stats reports counts over the note map.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{Notes: len(e.notes), Tags: len(e.tags)}
	for _, n := range e.notes {
		switch {
		case n.State == models.StateError:
			s.Error++
		case n.Dirty:
			s.Dirty++
		}
	}
	return s
}

// checkDrift rebuilds the search index when its size no longer matches the
// note map.
func (e *Engine) checkDrift() {
	e.mu.RLock()
	ok := e.index.Len() == len(e.notes)
	e.mu.RUnlock()
	if ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.index.Len() == len(e.notes) {
		return
	}
	e.logger.Warn("engine: search index drift, rebuilding",
		slog.Int("index", e.index.Len()), slog.Int("notes", len(e.notes)))
	e.rebuildIndexLocked()
}

func (e *Engine) rebuildIndexLocked() {
	all := make([]models.Note, 0, len(e.notes))
	for _, n := range e.notes {
		all = append(all, *n)
	}
	e.index.Rebuild(all)
}

func byRecency(a, b models.Note) int {
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
