package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/noteservice"
)

const maxBodyBytes = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service) *Handler {
	return &Handler{svc: svc}
}

func setETag(w http.ResponseWriter, checksum string) {
	if checksum != "" {
		w.Header().Set("ETag", strconv.Quote(checksum))
	}
}

// decodeBody reads an optional JSON body into v. An empty body leaves v as is.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ListNotes handles GET /api/notes.
//
//	@Summary		List notes with optional pagination and filtering
//	@Tags			notes
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			tag		query		string	false	"Filter by tag"
//	@Param			sort	query		string	false	"Sort field"	Enums(updated_at, title, id)
//	@Success		200		{object}	NoteListResponse
//	@Router			/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.ListNotes(r.Context(), limit, offset, q.Get("tag"), q.Get("sort"))
	if err != nil {
		writeError(w, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: total})
}

// GetNote handles GET /api/notes/{id}.
//
//	@Summary		Get a single note by identifier
//	@Tags			notes
//	@Produce		json
//	@Param			id	path		string	true	"Note identifier"
//	@Success		200	{object}	NoteDetail
//	@Failure		404	{object}	errResponse
//	@Router			/notes/{id} [get]
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	note, err := h.svc.GetNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	setETag(w, note.Checksum)
	writeJSON(w, http.StatusOK, note)
}

// RawNote handles GET /api/notes/{id}/raw and returns the note file contents.
func (h *Handler) RawNote(w http.ResponseWriter, r *http.Request) {
	data, err := h.svc.RenderNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "render note", err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// CreateNote handles POST /api/notes.
//
//	@Summary		Create a new note
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateNoteRequest	true	"Note to create"
//	@Success		201		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Router			/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req CreateNoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Body) == "" && req.ID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("title, body or id is required"))
		return
	}
	note, err := h.svc.CreateNote(r.Context(), noteservice.CreateInput{
		ID:    req.ID,
		Title: req.Title,
		Body:  req.Body,
		Tags:  req.Tags,
	})
	if err != nil {
		writeError(w, "create note", err)
		return
	}
	setETag(w, note.Checksum)
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PATCH /api/notes/{id}.
//
//	@Summary		Update a note with optimistic concurrency
//	@Tags			notes
//	@Accept			json
//	@Produce		json
//	@Param			id			path	string				true	"Note identifier"
//	@Param			If-Match	header	string				false	"Checksum for optimistic concurrency"
//	@Param			body		body	UpdateNoteRequest	true	"Fields to change"
//	@Success		200		{object}	NoteDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		412		{object}	errResponse
//	@Router			/notes/{id} [patch]
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req UpdateNoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	// Strip surrounding quotes if present (standard ETag format).
	req.IfMatch = strings.Trim(r.Header.Get("If-Match"), `"`)

	note, err := h.svc.UpdateNote(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "update note", err)
		return
	}
	setETag(w, note.Checksum)
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
//
//	@Summary		Delete a note
//	@Tags			notes
//	@Param			id	path	string	true	"Note identifier"
//	@Success		204	"Note deleted"
//	@Router			/notes/{id} [delete]
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
//
//	@Summary		Fuzzy search across notes
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	false	"Search query"
//	@Param			tag		query		string	false	"Required tag (repeatable or comma separated)"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	var tags []string
	for _, v := range q["tag"] {
		tags = append(tags, models.ParseTagList(v)...)
	}
	if strings.TrimSpace(query) == "" && len(tags) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' or 'tag' is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	results, err := h.svc.Search(r.Context(), query, tags, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// Tags handles GET /api/tags.
//
//	@Summary		List tags with note counts
//	@Tags			tags
//	@Produce		json
//	@Success		200	{object}	TagsResponse
//	@Router			/tags [get]
func (h *Handler) Tags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TagsResponse{Tags: h.svc.Tags(r.Context())})
}

// Backup handles POST /api/backup.
//
//	@Summary		Write a backup archive
//	@Tags			backup
//	@Accept			json
//	@Produce		json
//	@Param			body	body		BackupRequest	false	"Destination"
//	@Success		201		{object}	BackupResponse
//	@Router			/backup [post]
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	var req BackupRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	res, err := h.svc.Backup(r.Context(), req.Path)
	if res == nil {
		writeError(w, "backup", err)
		return
	}
	resp := BackupResponse{Result: res}
	if errors.Is(err, apperr.ErrPartialBackup) {
		resp.Warning = err.Error()
	} else if err != nil {
		writeError(w, "backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Backups handles GET /api/backups.
func (h *Handler) Backups(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Backups(r.Context())
	if err != nil {
		writeError(w, "list backups", err)
		return
	}
	writeJSON(w, http.StatusOK, BackupsResponse{Backups: nonNil(list)})
}

// Restore handles POST /api/restore.
//
//	@Summary		Restore notes from an archive
//	@Tags			backup
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RestoreRequest	true	"Archive and target"
//	@Success		200		{object}	backup.RestoreSummary
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Router			/restore [post]
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Archive == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("archive is required"))
		return
	}
	sum, err := h.svc.Restore(r.Context(), req.Archive, req.Target, req.KeepExisting)
	if err != nil {
		writeError(w, "restore", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// NoteVersions handles GET /api/notes/{id}/versions.
func (h *Handler) NoteVersions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.NoteVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "list versions", err)
		return
	}
	writeJSON(w, http.StatusOK, VersionsResponse{Versions: nonNil(list)})
}

// RestoreNote handles POST /api/notes/{id}/restore.
//
//	@Summary		Restore a note from a kept version
//	@Tags			backup
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string				true	"Note identifier"
//	@Param			body	body		RestoreNoteRequest	false	"Version, newest when empty"
//	@Success		200		{object}	NoteDetail
//	@Failure		404		{object}	errResponse
//	@Router			/notes/{id}/restore [post]
func (h *Handler) RestoreNote(w http.ResponseWriter, r *http.Request) {
	var req RestoreNoteRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	note, err := h.svc.RestoreNote(r.Context(), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		writeError(w, "restore note", err)
		return
	}
	setETag(w, note.Checksum)
	writeJSON(w, http.StatusOK, note)
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
