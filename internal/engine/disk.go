package engine

import (
	"context"
	"errors"
	"io/fs"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/checksum"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/parser"
	"github.com/starford/kbnotes/internal/retry"
)

// fileState is one read of a note file.
type fileState struct {
	data []byte
	meta models.NoteMetadata
}

// readFile reads rel with retries. A missing file is reported as
// apperr.ErrNotFound without retrying; other failures as apperr.ErrIO.
func (e *Engine) readFile(ctx context.Context, id, rel string) (fileState, error) {
	st, err := retry.Get(ctx, e.retry, func() (fileState, error) {
		meta, err := e.store.Stat(rel)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fileState{}, retry.Permanent(err)
			}
			return fileState{}, err
		}
		data, err := e.store.Read(rel)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fileState{}, retry.Permanent(err)
			}
			return fileState{}, err
		}
		return fileState{data: data, meta: meta}, nil
	})
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, fs.ErrNotExist):
		return fileState{}, apperr.New(apperr.ErrNotFound, "read", id, rel, err)
	case errors.Is(err, apperr.ErrPathTraversal), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fileState{}, err
	default:
		return fileState{}, apperr.New(apperr.ErrIO, "read", id, rel, err)
	}
}

// writeFile atomically writes data to rel with retries and returns the
// resulting file metadata.
func (e *Engine) writeFile(ctx context.Context, id, rel string, data []byte) (models.NoteMetadata, error) {
	meta, err := retry.Get(ctx, e.retry, func() (models.NoteMetadata, error) {
		if err := e.store.Write(rel, data); err != nil {
			if errors.Is(err, apperr.ErrPathTraversal) {
				return models.NoteMetadata{}, retry.Permanent(err)
			}
			return models.NoteMetadata{}, err
		}
		return e.store.Stat(rel)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrPathTraversal) {
			return models.NoteMetadata{}, err
		}
		return models.NoteMetadata{}, apperr.New(apperr.ErrIO, "write", id, rel, err)
	}
	return meta, nil
}

// removeFile deletes rel with retries. It reports whether a file was removed.
func (e *Engine) removeFile(ctx context.Context, id, rel string) (bool, error) {
	err := retry.Do(ctx, e.retry, func() error {
		err := e.store.Delete(rel)
		if errors.Is(err, fs.ErrNotExist) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, apperr.New(apperr.ErrIO, "delete", id, rel, err)
	}
}

// decode builds a clean note from the bytes of its file.
func decode(id string, st fileState) *models.Note {
	r, err := parser.Parse(st.data)
	if err != nil {
		r = &parser.Result{Body: string(st.data)}
	}
	sum := checksum.Sum(st.data)
	n := &models.Note{
		ID:           id,
		Title:        r.Title,
		Body:         r.Body,
		Tags:         r.Tags,
		CreatedAt:    r.Created,
		UpdatedAt:    r.Updated,
		Path:         st.meta.Path,
		Checksum:     sum,
		DiskChecksum: sum,
		State:        models.StateClean,
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = st.meta.ModTime.UTC()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = n.UpdatedAt
	}
	return n
}
