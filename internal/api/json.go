package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/starford/kbnotes/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error" validate:"required"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// errorStatus maps an error kind to its HTTP status and a client message.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrInvalidIdentifier):
		return http.StatusBadRequest, "invalid identifier"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, apperr.ErrAlreadyExists):
		return http.StatusConflict, "note already exists"
	case errors.Is(err, apperr.ErrVersionMismatch):
		return http.StatusPreconditionFailed, "checksum mismatch"
	case errors.Is(err, apperr.ErrPathTraversal):
		return http.StatusBadRequest, "archive entry escapes the target directory"
	case errors.Is(err, apperr.ErrCorruptArchive):
		return http.StatusUnprocessableEntity, "corrupt archive"
	case errors.Is(err, apperr.ErrIO), errors.Is(err, apperr.ErrBackupIO):
		return http.StatusServiceUnavailable, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeError writes the mapped status for err and logs server-side failures.
func writeError(w http.ResponseWriter, op string, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody(msg))
}
