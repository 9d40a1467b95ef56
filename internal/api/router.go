// Package api implements the kbnotes local REST API using chi.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kbnotes/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted.
// sseHandler, if non-nil, is mounted at GET /events.
func NewRouter(svc *noteservice.Service, sseHandler http.Handler, logger *slog.Logger) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Get("/notes/{id}/raw", h.RawNote)
	r.Patch("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)
	r.Get("/notes/{id}/versions", h.NoteVersions)
	r.Post("/notes/{id}/restore", h.RestoreNote)

	// Search and tags.
	r.Get("/search", h.Search)
	r.Get("/tags", h.Tags)

	// Backups.
	r.Post("/backup", h.Backup)
	r.Get("/backups", h.Backups)
	r.Post("/restore", h.Restore)

	r.Get("/status", h.Status)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
