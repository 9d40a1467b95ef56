package backup

import (
	"bytes"
	"context"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/parser"
	"github.com/starford/kbnotes/internal/storage"
)

type holdDebouncer struct{}

func (holdDebouncer) Touch(string) bool { return true }
func (holdDebouncer) Cancel(string)     {}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestManager(t *testing.T, opts Options) (*Manager, *engine.Engine) {
	t.Helper()
	store, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	e, err := engine.New(store, engine.Options{Logger: discard()})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	_, err = e.Load(context.Background())
	require.NoError(t, err)

	opts.Logger = discard()
	return New(e, store, opts), e
}

func ptr[T any](v T) *T { return &v }

func writeZip(t *testing.T, path string, method uint16, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	m, e := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := e.Create(ctx, engine.Draft{ID: "shopping", Title: "Shopping", Tags: []string{"home"}})
	require.NoError(t, err)
	_, err = e.Create(ctx, engine.Draft{ID: "recipes", Title: "Recipes", Body: "pancakes need milk too", Tags: []string{"kitchen"}})
	require.NoError(t, err)
	_, err = e.Edit(ctx, "shopping", engine.Patch{Body: ptr("milk, eggs")})
	require.NoError(t, err)

	hits := e.Search("milk", []string{"home"}, 0)
	require.NotEmpty(t, hits)
	assert.Equal(t, "shopping", hits[0].Note.ID)

	archive := filepath.Join(t.TempDir(), "b.zip")
	res, err := m.Backup(ctx, archive)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Notes)
	assert.Positive(t, res.Bytes)
	assert.Empty(t, res.Missing)

	fresh := filepath.Join(t.TempDir(), "restored")
	sum, err := m.Restore(ctx, archive, fresh, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Restored)
	assert.Equal(t, 3, sum.Total) // two notes plus the manifest
	assert.False(t, sum.Rescanned)

	data, err := os.ReadFile(filepath.Join(fresh, "shopping.md"))
	require.NoError(t, err)
	r, err := parser.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "Shopping", r.Title)
	assert.Equal(t, "milk, eggs", r.Body)
	assert.Equal(t, []string{"home"}, r.Tags)
}

func TestBackup_DirtyNoteRenderedFromMemory(t *testing.T) {
	m, e := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := e.Create(ctx, engine.Draft{ID: "draft", Title: "Draft"})
	require.NoError(t, err)
	e.SetDebouncer(holdDebouncer{})
	n, err := e.Edit(ctx, "draft", engine.Patch{Body: ptr("unsaved words")})
	require.NoError(t, err)
	require.True(t, n.Dirty)
	require.NoError(t, os.Remove(filepath.Join(e.Root(), "draft.md")))

	archive := filepath.Join(t.TempDir(), "dirty.zip")
	res, err := m.Backup(ctx, archive)
	require.NoError(t, err)
	assert.Equal(t, []string{"draft"}, res.Rendered)

	out := t.TempDir()
	_, err = m.Restore(ctx, archive, out, RestoreOptions{})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(out, "draft.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "unsaved words")
}

func TestBackup_PartialWhenCleanNoteUnreadable(t *testing.T) {
	m, e := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := e.Create(ctx, engine.Draft{ID: "kept", Title: "Kept"})
	require.NoError(t, err)
	_, err = e.Create(ctx, engine.Draft{ID: "lost", Title: "Lost"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(e.Root(), "lost.md")))

	archive := filepath.Join(t.TempDir(), "partial.zip")
	res, err := m.Backup(ctx, archive)
	require.ErrorIs(t, err, apperr.ErrPartialBackup)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Notes)
	assert.Equal(t, []string{"lost"}, res.Missing)
	assert.FileExists(t, archive)
}

func TestBackup_ArchiveWriteDoesNotHoldOffEdits(t *testing.T) {
	m, e := newTestManager(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := e.Create(ctx, engine.Draft{ID: id, Title: id, Body: "before"})
		require.NoError(t, err)
	}

	var editErr error
	m.afterCollect = func() {
		ectx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, editErr = e.Edit(ectx, "a", engine.Patch{Body: ptr("edited during backup")})
	}

	archive := filepath.Join(t.TempDir(), "live.zip")
	res, err := m.Backup(ctx, archive)
	require.NoError(t, err)
	require.NoError(t, editErr, "edit must not wait for the archive write")
	assert.Equal(t, 3, res.Notes)

	// The archive holds the notes as they were when they were read.
	out := t.TempDir()
	_, err = m.Restore(ctx, archive, out, RestoreOptions{})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(out, "a.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "before")
	assert.NotContains(t, string(data), "edited during backup")
}

func TestBackup_UnwritableDestination(t *testing.T) {
	m, e := newTestManager(t, Options{})
	ctx := context.Background()
	_, err := e.Create(ctx, engine.Draft{ID: "a", Title: "A"})
	require.NoError(t, err)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err = m.Backup(ctx, filepath.Join(blocker, "out.zip"))
	require.ErrorIs(t, err, apperr.ErrBackupIO)
}

func TestRestore_PathTraversalWritesNothing(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	base := t.TempDir()
	target := filepath.Join(base, "a", "b", "target")

	archive := filepath.Join(t.TempDir(), "evil.zip")
	writeZip(t, archive, zip.Deflate, map[string]string{
		"ok.md":            "# fine\n",
		"../../etc/passwd": "root:x:0:0\n",
	})

	_, err := m.Restore(context.Background(), archive, target, RestoreOptions{})
	require.ErrorIs(t, err, apperr.ErrPathTraversal)

	assert.NoDirExists(t, target)
	assert.NoFileExists(t, filepath.Join(base, "a", "etc", "passwd"))
}

func TestRestore_RejectsAbsoluteEntries(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	archive := filepath.Join(t.TempDir(), "abs.zip")
	writeZip(t, archive, zip.Deflate, map[string]string{"/tmp/x.md": "x"})

	_, err := m.Restore(context.Background(), archive, t.TempDir(), RestoreOptions{})
	require.ErrorIs(t, err, apperr.ErrPathTraversal)
}

func TestRestore_CorruptArchive(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	garbage := filepath.Join(t.TempDir(), "garbage.zip")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a zip file"), 0o644))
	_, err := m.Restore(ctx, garbage, t.TempDir(), RestoreOptions{})
	require.ErrorIs(t, err, apperr.ErrCorruptArchive)

	_, err = m.Restore(ctx, filepath.Join(t.TempDir(), "missing.zip"), t.TempDir(), RestoreOptions{})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRestore_EntryLargerThanHeaderClaims(t *testing.T) {
	defer func(prev int64) { maxEntrySize = prev }(maxEntrySize)
	maxEntrySize = 8

	m, _ := newTestManager(t, Options{})
	body := []byte("far more than eight bytes of note text")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateRaw(&zip.FileHeader{
		Name:               "big.md",
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(body),
		CompressedSize64:   uint64(len(body)),
		UncompressedSize64: 4,
	})
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	archive := filepath.Join(t.TempDir(), "understated.zip")
	require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o644))

	target := t.TempDir()
	_, err = m.Restore(context.Background(), archive, target, RestoreOptions{})
	require.ErrorIs(t, err, apperr.ErrCorruptArchive)
	assert.Contains(t, err.Error(), "too large")
	assert.NoFileExists(t, filepath.Join(target, "big.md"))
}

func TestRestore_ChecksumMismatch(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	archive := filepath.Join(t.TempDir(), "crc.zip")
	writeZip(t, archive, zip.Store, map[string]string{"note.md": "# Note\n\nintact content\n"})

	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	i := bytes.Index(data, []byte("intact"))
	require.GreaterOrEqual(t, i, 0)
	data[i] = 'I'
	require.NoError(t, os.WriteFile(archive, data, 0o644))

	target := filepath.Join(t.TempDir(), "out")
	_, err = m.Restore(context.Background(), archive, target, RestoreOptions{})
	require.ErrorIs(t, err, apperr.ErrCorruptArchive)
	assert.NoDirExists(t, target)
}

func TestRestore_KeepExisting(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	archive := filepath.Join(t.TempDir(), "keep.zip")
	writeZip(t, archive, zip.Deflate, map[string]string{
		"one.md":    "# One\n\nfrom archive\n",
		"two.md":    "# Two\n\nfrom archive\n",
		"notes.txt": "ignored",
	})

	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "one.md"), []byte("# One\n\nlocal\n"), 0o644))

	sum, err := m.Restore(ctx, archive, target, RestoreOptions{KeepExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Restored)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 3, sum.Total)

	data, err := os.ReadFile(filepath.Join(target, "one.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "local")
	assert.NoFileExists(t, filepath.Join(target, "notes.txt"))

	sum, err = m.Restore(ctx, archive, target, RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Restored)
	data, err = os.ReadFile(filepath.Join(target, "one.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "from archive")
}

func TestRestore_IntoEngineRootRescans(t *testing.T) {
	m, e := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := e.Create(ctx, engine.Draft{ID: "alpha", Title: "Alpha", Body: "first"})
	require.NoError(t, err)
	archive := filepath.Join(t.TempDir(), "root.zip")
	_, err = m.Backup(ctx, archive)
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, "alpha"))
	_, err = e.Get("alpha")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	sum, err := m.Restore(ctx, archive, e.Root(), RestoreOptions{})
	require.NoError(t, err)
	assert.True(t, sum.Rescanned)

	n, err := e.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "first", n.Body)
}

func TestAutoBackup_PrunesOldest(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, e := newTestManager(t, Options{Dir: dir, MaxBackups: 2})
	m.now = func() time.Time { return clock }
	ctx := context.Background()
	_, err := e.Create(ctx, engine.Draft{ID: "n", Title: "N"})
	require.NoError(t, err)

	var paths []string
	for range 3 {
		res, err := m.AutoBackup(ctx)
		require.NoError(t, err)
		paths = append(paths, res.Path)
		clock = clock.Add(time.Minute)
	}

	archives, err := m.List()
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "kbnotes_backup_20240301_120200.zip", archives[0].Name)
	assert.Equal(t, "kbnotes_backup_20240301_120100.zip", archives[1].Name)
	assert.NoFileExists(t, paths[0])
}

func TestAutoBackup_SameSecondGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Options{Dir: dir})
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	ctx := context.Background()

	a, err := m.AutoBackup(ctx)
	require.NoError(t, err)
	b, err := m.AutoBackup(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, b.Path)
	assert.Equal(t, "kbnotes_backup_20240301_120000_1.zip", filepath.Base(b.Path))
}

func TestAutoBackup_NoDirectory(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	_, err := m.AutoBackup(context.Background())
	require.ErrorIs(t, err, apperr.ErrBackupIO)

	archives, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, archives)
}
