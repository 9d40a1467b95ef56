// Package testutil provides shared test helpers for setting up note
// directories, engines and catalogs.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/kbnotes/internal/catalog"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/parser"
	"github.com/starford/kbnotes/internal/storage"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestCatalog creates a temporary SQLite catalog that is automatically closed.
func TestCatalog(t *testing.T) *catalog.DB {
	t.Helper()
	db, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestNotesDir creates a temporary notes directory with a storage.Provider.
func TestNotesDir(t *testing.T) (string, storage.Provider) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return store.Root(), store
}

// TestEngine creates and loads an engine over a fresh notes directory.
func TestEngine(t *testing.T, opts engine.Options) (*engine.Engine, storage.Provider) {
	t.Helper()
	_, store := TestNotesDir(t)
	if opts.Logger == nil {
		opts.Logger = Logger()
	}
	e, err := engine.New(store, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	if _, err := e.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, store
}

// WriteNote writes a note file directly, bypassing any engine.
func WriteNote(t *testing.T, dir, id, title, body string, tags ...string) {
	t.Helper()
	data, err := parser.Render(&models.Note{Title: title, Body: body, Tags: models.NormalizeTags(tags)})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".md"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}
