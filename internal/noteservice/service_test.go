package noteservice

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/backup"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/scheduler"
	"github.com/starford/kbnotes/internal/storage"
)

func newTestService(t *testing.T) (*Service, *engine.Engine, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	eng, err := engine.New(store, engine.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	_, err = eng.Load(context.Background())
	require.NoError(t, err)

	backupDir := t.TempDir()
	mgr := backup.New(eng, store, backup.Options{Dir: backupDir, Logger: logger})
	return NewService(eng, mgr, nil, logger), eng, backupDir
}

func ptr[T any](v T) *T { return &v }

func TestService_CRUD(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateNote(ctx, CreateInput{Title: "Groceries", Body: "buy #food", Tags: []string{"Home"}})
	require.NoError(t, err)
	assert.Equal(t, "groceries", created.ID)
	assert.Equal(t, []string{"food", "home"}, created.Tags)

	got, err := svc.GetNote(ctx, "groceries")
	require.NoError(t, err)
	assert.Equal(t, created.Checksum, got.Checksum)

	_, err = svc.UpdateNote(ctx, "groceries", UpdateInput{Body: ptr("buy bread"), IfMatch: "stale"})
	require.ErrorIs(t, err, apperr.ErrVersionMismatch)

	updated, err := svc.UpdateNote(ctx, "groceries", UpdateInput{Body: ptr("buy bread"), IfMatch: got.Checksum, RemoveTags: []string{"food"}})
	require.NoError(t, err)
	assert.Equal(t, "buy bread", updated.Body)
	assert.Equal(t, []string{"home"}, updated.Tags)

	raw, err := svc.RenderNote(ctx, "groceries")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "title: Groceries")

	require.NoError(t, svc.DeleteNote(ctx, "groceries"))
	_, err = svc.GetNote(ctx, "groceries")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.NoError(t, svc.DeleteNote(ctx, "groceries"))
}

func TestService_ListPagingAndSort(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, title := range []string{"Bravo", "alpha", "Charlie"} {
		_, err := svc.CreateNote(ctx, CreateInput{Title: title, Tags: []string{"x"}})
		require.NoError(t, err)
	}

	items, total, err := svc.ListNotes(ctx, 2, 0, "", "title")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].ID)
	assert.Equal(t, "bravo", items[1].ID)

	items, _, err = svc.ListNotes(ctx, 2, 2, "x", "id")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "charlie", items[0].ID)

	items, total, err = svc.ListNotes(ctx, 10, 50, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Empty(t, items)
}

func TestService_SearchSnippet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateNote(ctx, CreateInput{ID: "shopping", Title: "Shopping", Body: "milk, eggs", Tags: []string{"home"}})
	require.NoError(t, err)
	_, err = svc.CreateNote(ctx, CreateInput{ID: "work", Title: "Work", Body: "quarterly milk report"})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "milk", []string{"home"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "shopping", hits[0].ID)
	assert.Equal(t, "milk, eggs", hits[0].Snippet)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "", snippet("", []string{"x"}))
	assert.Equal(t, "short body", snippet("short\n body", nil))

	long := ""
	for range 40 {
		long += "filler "
	}
	s := snippet(long+"needle tail", []string{"needle"})
	assert.Contains(t, s, "needle")
	assert.True(t, len(s) < len(long))
	assert.Equal(t, "...", s[:3])
}

func TestService_BackupAndRestoreByName(t *testing.T) {
	svc, eng, backupDir := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateNote(ctx, CreateInput{ID: "keep", Title: "Keep", Body: "safe"})
	require.NoError(t, err)

	res, err := svc.Backup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, backupDir, filepath.Dir(res.Path))

	archives, err := svc.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, archives, 1)

	require.NoError(t, svc.DeleteNote(ctx, "keep"))
	sum, err := svc.Restore(ctx, archives[0].Name, "", false)
	require.NoError(t, err)
	assert.True(t, sum.Rescanned)
	assert.Equal(t, 1, sum.Restored)

	n, err := eng.Get("keep")
	require.NoError(t, err)
	assert.Equal(t, "safe", n.Body)
}

func TestService_BackupThroughScheduler(t *testing.T) {
	svc, eng, _ := newTestService(t)
	ctx := context.Background()

	sched := scheduler.New(eng, scheduler.Options{
		Debounce: time.Hour,
		Backup: func(ctx context.Context) (string, error) {
			res, err := svc.backups.AutoBackup(ctx)
			if res == nil {
				return "", err
			}
			return res.Path, err
		},
	})
	svc.sched = sched
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	res, err := svc.Backup(ctx, "")
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	assert.Positive(t, res.Bytes)
	assert.Equal(t, res.Path, sched.Status().LastBackupPath)

	st := svc.Status(ctx)
	require.NotNil(t, st.Scheduler)
	assert.True(t, st.Scheduler.Running)
}

func TestService_RestoreMissingArchive(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Restore(context.Background(), filepath.Join(os.TempDir(), "kbnotes-none.zip"), t.TempDir(), false)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
