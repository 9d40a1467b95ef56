// Package noteservice is the note facade shared by the CLI, the HTTP API and
// the MCP server.
package noteservice

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/starford/kbnotes/internal/backup"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/parser"
	"github.com/starford/kbnotes/internal/scheduler"
	"github.com/starford/kbnotes/internal/search"
)

const snippetRadius = 60

// NoteDetail is the full representation of a note.
type NoteDetail struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Body      string       `json:"body"`
	Tags      []string     `json:"tags"`
	Path      string       `json:"path"`
	Checksum  string       `json:"checksum"`
	Dirty     bool         `json:"dirty"`
	State     models.State `json:"state"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NoteListItem is a lightweight item in a list response.
type NoteListItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	Checksum  string    `json:"checksum"`
	Dirty     bool      `json:"dirty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchHit is one ranked search result.
type SearchHit struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tags      []string  `json:"tags"`
	Score     float64   `json:"score"`
	Snippet   string    `json:"snippet"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateInput describes a new note.
type CreateInput struct {
	ID    string   `json:"id,omitempty"`
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
}

// UpdateInput describes a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Title      *string   `json:"title,omitempty"`
	Body       *string   `json:"body,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	AddTags    []string  `json:"add_tags,omitempty"`
	RemoveTags []string  `json:"remove_tags,omitempty"`
	IfMatch    string    `json:"-"`
}

// Status summarizes the running store.
type Status struct {
	Root      string            `json:"root"`
	Notes     engine.Stats      `json:"notes"`
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
}

// Service coordinates the engine, the backup manager and the scheduler.
type Service struct {
	eng     *engine.Engine
	backups *backup.Manager
	sched   *scheduler.Scheduler
	logger  *slog.Logger
}

// NewService creates a new note service. backups and sched may be nil.
func NewService(eng *engine.Engine, backups *backup.Manager, sched *scheduler.Scheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{eng: eng, backups: backups, sched: sched, logger: logger}
}

// GetNote returns a single note.
func (s *Service) GetNote(_ context.Context, id string) (*NoteDetail, error) {
	n, err := s.eng.Get(id)
	if err != nil {
		return nil, err
	}
	return toDetail(n), nil
}

// CreateNote adds a note and persists it.
func (s *Service) CreateNote(ctx context.Context, in CreateInput) (*NoteDetail, error) {
	n, err := s.eng.Create(ctx, engine.Draft{ID: in.ID, Title: in.Title, Body: in.Body, Tags: in.Tags})
	if err != nil {
		return nil, err
	}
	return toDetail(n), nil
}

// UpdateNote applies a partial update with optional optimistic concurrency.
func (s *Service) UpdateNote(ctx context.Context, id string, in UpdateInput) (*NoteDetail, error) {
	n, err := s.eng.Edit(ctx, id, engine.Patch{
		Title:      in.Title,
		Body:       in.Body,
		Tags:       in.Tags,
		AddTags:    in.AddTags,
		RemoveTags: in.RemoveTags,
		IfMatch:    in.IfMatch,
	})
	if err != nil {
		return nil, err
	}
	return toDetail(n), nil
}

// DeleteNote removes a note. Deleting an absent note succeeds.
func (s *Service) DeleteNote(ctx context.Context, id string) error {
	return s.eng.Delete(ctx, id)
}

// RenderNote returns the note in its on-disk file format.
func (s *Service) RenderNote(_ context.Context, id string) ([]byte, error) {
	n, err := s.eng.Get(id)
	if err != nil {
		return nil, err
	}
	return parser.Render(&n)
}

// ListNotes returns a page of notes with an optional tag filter. sort is
// "updated_at" (default, newest first), "title" or "id".
func (s *Service) ListNotes(_ context.Context, limit, offset int, tag, sort string) ([]NoteListItem, int, error) {
	notes := s.eng.List(tag)
	switch sort {
	case "title":
		slices.SortStableFunc(notes, func(a, b models.Note) int {
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		})
	case "id", "path":
		slices.SortFunc(notes, func(a, b models.Note) int { return strings.Compare(a.ID, b.ID) })
	}

	total := len(notes)
	offset = max(offset, 0)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 {
		end = min(offset+limit, total)
	}

	items := make([]NoteListItem, 0, end-offset)
	for _, n := range notes[offset:end] {
		items = append(items, NoteListItem{
			ID:        n.ID,
			Title:     n.Title,
			Tags:      nonNilSlice(n.Tags),
			Checksum:  n.Checksum,
			Dirty:     n.Dirty,
			UpdatedAt: n.UpdatedAt,
		})
	}
	return items, total, nil
}

// Search runs a fuzzy query restricted to notes carrying every tag in tags.
func (s *Service) Search(_ context.Context, query string, tags []string, limit int) ([]SearchHit, error) {
	results := s.eng.Search(query, tags, limit)
	terms := search.Tokenize(query)
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			ID:        r.Note.ID,
			Title:     r.Note.Title,
			Tags:      nonNilSlice(r.Note.Tags),
			Score:     r.Score,
			Snippet:   snippet(r.Note.Body, terms),
			UpdatedAt: r.Note.UpdatedAt,
		})
	}
	return hits, nil
}

// Tags returns every tag in use with its note count.
func (s *Service) Tags(_ context.Context) []engine.TagCount {
	return s.eng.Tags()
}

// Flush writes every dirty note to disk now.
func (s *Service) Flush(ctx context.Context) error {
	return s.eng.FlushAll(ctx)
}

// Backup writes an archive to dest. With an empty dest an automatic backup
// is taken into the backup directory, through the scheduler when it runs.
func (s *Service) Backup(ctx context.Context, dest string) (*backup.Result, error) {
	if s.backups == nil {
		return nil, errors.New("noteservice: backups are not configured")
	}
	if dest != "" {
		return s.backups.Backup(ctx, dest)
	}
	if s.sched == nil || !s.sched.Status().Running {
		return s.backups.AutoBackup(ctx)
	}

	path, err := s.sched.BackupNow(ctx)
	if errors.Is(err, scheduler.ErrNotRunning) || errors.Is(err, scheduler.ErrBackupDisabled) {
		return s.backups.AutoBackup(ctx)
	}
	if path == "" {
		return nil, err
	}
	res := &backup.Result{Path: path, CreatedAt: time.Now().UTC()}
	if info, statErr := os.Stat(path); statErr == nil {
		res.Bytes = info.Size()
		res.CreatedAt = info.ModTime().UTC()
	}
	return res, err
}

// Backups lists the automatic backups, newest first.
func (s *Service) Backups(_ context.Context) ([]backup.Archive, error) {
	if s.backups == nil {
		return nil, nil
	}
	return s.backups.List()
}

// Restore extracts archive into target. An empty target restores into the
// notes directory. A bare archive name that does not exist as given is looked
// up in the backup directory.
func (s *Service) Restore(ctx context.Context, archive, target string, keepExisting bool) (*backup.RestoreSummary, error) {
	if s.backups == nil {
		return nil, errors.New("noteservice: backups are not configured")
	}
	if target == "" {
		target = s.eng.Root()
	}
	return s.backups.Restore(ctx, s.resolveArchive(archive), target, backup.RestoreOptions{KeepExisting: keepExisting})
}

func (s *Service) resolveArchive(archive string) string {
	if _, err := os.Stat(archive); !errors.Is(err, fs.ErrNotExist) {
		return archive
	}
	if dir := s.backups.Dir(); dir != "" && filepath.Base(archive) == archive {
		candidate := filepath.Join(dir, archive)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return archive
}

// NoteVersions lists the kept versions of a note, newest first.
func (s *Service) NoteVersions(_ context.Context, id string) ([]backup.Version, error) {
	if s.backups == nil {
		return nil, errors.New("noteservice: backups are not configured")
	}
	return s.backups.Versions(id)
}

// RestoreNote puts back a kept version of a note, the newest one when
// version is empty. Unsaved edits to the note are discarded.
func (s *Service) RestoreNote(ctx context.Context, id, version string) (*NoteDetail, error) {
	if s.backups == nil {
		return nil, errors.New("noteservice: backups are not configured")
	}
	v, data, err := s.backups.ReadVersion(id, version)
	if err != nil {
		return nil, err
	}
	n, err := s.eng.RestoreVersion(ctx, id, data)
	if err != nil {
		return nil, err
	}
	s.logger.Info("note restored", slog.String("id", id), slog.String("version", v.Name))
	return toDetail(n), nil
}

// Status reports engine and scheduler state.
func (s *Service) Status(_ context.Context) Status {
	st := Status{Root: s.eng.Root(), Notes: s.eng.Stats()}
	if s.sched != nil {
		ss := s.sched.Status()
		st.Scheduler = &ss
	}
	return st
}

func toDetail(n models.Note) *NoteDetail {
	return &NoteDetail{
		ID:        n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Tags:      nonNilSlice(n.Tags),
		Path:      n.Path,
		Checksum:  n.Checksum,
		Dirty:     n.Dirty,
		State:     n.State,
		LastError: n.LastError,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

// snippet returns the part of body around the first query term it contains,
// or the start of the body.
func snippet(body string, terms []string) string {
	body = strings.Join(strings.Fields(body), " ")
	if body == "" {
		return ""
	}
	lower := strings.ToLower(body)
	at := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	start := 0
	if at > snippetRadius {
		start = at - snippetRadius
	}
	end := min(len(body), start+2*snippetRadius)
	start, end = runeStart(body, start), runeStart(body, end)

	out := body[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(body) {
		out += "..."
	}
	return out
}

// runeStart moves i back to the first byte of a UTF-8 sequence.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
