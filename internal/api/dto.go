package api

import (
	"github.com/starford/kbnotes/internal/backup"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/noteservice"
)

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	ID    string   `json:"id,omitempty" example:"shopping"`
	Title string   `json:"title" example:"Shopping"`
	Body  string   `json:"body" example:"milk, eggs"`
	Tags  []string `json:"tags,omitempty" example:"home"`
}

// UpdateNoteRequest is the request body for a partial note update.
type UpdateNoteRequest = noteservice.UpdateInput

// NoteDetail is the full note response type (aliased from the domain layer).
type NoteDetail = noteservice.NoteDetail

// NoteListItem is a lightweight item in a list response (aliased from the domain layer).
type NoteListItem = noteservice.NoteListItem

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []NoteListItem `json:"notes" validate:"required"`
	Total int            `json:"total" example:"42" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []noteservice.SearchHit `json:"results" validate:"required"`
}

// TagsResponse wraps the tag listing.
type TagsResponse struct {
	Tags []engine.TagCount `json:"tags" validate:"required"`
}

// BackupRequest is the optional body of POST /backup. An empty path takes an
// automatic backup into the backup directory.
type BackupRequest struct {
	Path string `json:"path,omitempty" example:"/tmp/notes.zip"`
}

// BackupResponse reports a written archive. Warning is set for partial backups.
type BackupResponse struct {
	*backup.Result
	Warning string `json:"warning,omitempty"`
}

// BackupsResponse lists automatic backups.
type BackupsResponse struct {
	Backups []backup.Archive `json:"backups" validate:"required"`
}

// RestoreRequest is the request body of POST /restore. An empty target
// restores into the notes directory.
type RestoreRequest struct {
	Archive      string `json:"archive" example:"kbnotes_backup_20240301_120000.zip" validate:"required"`
	Target       string `json:"target,omitempty"`
	KeepExisting bool   `json:"keep_existing,omitempty"`
}

// VersionsResponse lists the kept versions of one note.
type VersionsResponse struct {
	Versions []backup.Version `json:"versions" validate:"required"`
}

// RestoreNoteRequest is the optional body of POST /notes/{id}/restore. An
// empty version restores the newest one.
type RestoreNoteRequest struct {
	Version string `json:"version,omitempty" example:"plan_20240301_120000_000000000.md"`
}
