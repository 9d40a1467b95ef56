// Package storage defines the notes-directory file-system abstraction.
package storage

import "github.com/starford/kbnotes/internal/models"

// Provider is the interface for note file operations. All paths are relative
// to the provider root.
type Provider interface {
	// Root returns the absolute directory the provider operates on.
	Root() string
	// List returns metadata for every note file directly under the root.
	List() ([]models.NoteMetadata, error)
	// Stat returns metadata for a single file.
	Stat(path string) (models.NoteMetadata, error)
	// Read returns the raw bytes of the file at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the file at path.
	Delete(path string) error
}
