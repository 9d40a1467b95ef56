// Package apperr defines the error kinds shared by every kbnotes layer.
package apperr

import (
	"errors"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrVersionMismatch   = errors.New("version mismatch")

	// ErrIO marks transient disk failures; callers may retry.
	ErrIO = errors.New("i/o error")

	// ErrConflictDetected reports that an external edit replaced an unflushed local edit.
	ErrConflictDetected = errors.New("conflict detected")

	// ErrPartialBackup is a warning: the archive was written without some notes.
	ErrPartialBackup = errors.New("partial backup")

	ErrBackupIO       = errors.New("backup i/o error")
	ErrCorruptArchive = errors.New("corrupt archive")
	ErrPathTraversal  = errors.New("path traversal")
)

// Error attaches operation context to one of the kinds above.
type Error struct {
	Kind error
	Op   string
	ID   string
	Path string
	Err  error
}

// New builds an *Error. Any of op, id, path and cause may be empty.
func New(kind error, op, id, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Path: path, Err: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.ID != "" {
		b.WriteString(" id=")
		b.WriteString(e.ID)
	}
	if e.Path != "" {
		b.WriteString(" path=")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
