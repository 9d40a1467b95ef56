package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingFlusher struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *countingFlusher) Flush(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[id]++
	return f.err
}

func (f *countingFlusher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, timeout time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error(msg)
}

func TestTouch_CoalescesEditsIntoOneFlush(t *testing.T) {
	f := &countingFlusher{}
	s := New(f, Options{Debounce: 80 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	for range 10 {
		require.True(t, s.Touch("note"))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, f.count("note"))
	assert.Len(t, s.Pending(), 1)

	eventually(t, 2*time.Second, func() bool { return f.count("note") == 1 }, "expected one debounced flush")
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.count("note"))
	assert.Empty(t, s.Pending())
	assert.EqualValues(t, 1, s.Status().Flushes)
}

func TestTouch_IndependentPerID(t *testing.T) {
	f := &countingFlusher{}
	s := New(f, Options{Debounce: 20 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.Touch("a")
	s.Touch("b")
	eventually(t, 2*time.Second, func() bool { return f.count("a") == 1 && f.count("b") == 1 }, "both notes should flush")
}

func TestCancel_DropsPendingWrite(t *testing.T) {
	f := &countingFlusher{}
	s := New(f, Options{Debounce: 30 * time.Millisecond, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	s.Touch("x")
	s.Cancel("x")
	s.Cancel("never")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.count("x"))
}

func TestStop_DrainsPendingWrites(t *testing.T) {
	f := &countingFlusher{}
	s := New(f, Options{Debounce: time.Hour, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))

	s.Touch("a")
	s.Touch("b")
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, f.count("a"))
	assert.Equal(t, 1, f.count("b"))
	assert.False(t, s.Status().Running)

	assert.False(t, s.Touch("a"), "touch after stop must be refused")
	require.NoError(t, s.Stop(context.Background()))
}

func TestStop_ReportsFlushErrors(t *testing.T) {
	boom := errors.New("disk full")
	f := &countingFlusher{err: boom}
	s := New(f, Options{Debounce: time.Hour, Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	s.Touch("a")
	assert.ErrorIs(t, s.Stop(context.Background()), boom)
	assert.EqualValues(t, 1, s.Status().FlushErrors)
}

func TestTouchBeforeStartIsRefused(t *testing.T) {
	s := New(&countingFlusher{}, Options{Logger: quietLogger()})
	assert.False(t, s.Touch("a"))
	_, err := s.BackupNow(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestBackupTimerAndBackupNow(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	backup := func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return "/backups/latest.zip", nil
	}
	s := New(&countingFlusher{}, Options{
		BackupInterval: 30 * time.Millisecond,
		Backup:         backup,
		Logger:         quietLogger(),
	})
	require.NoError(t, s.Start(context.Background()))

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, "expected the backup timer to fire")

	path, err := s.BackupNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/backups/latest.zip", path)

	st := s.Status()
	assert.Equal(t, "/backups/latest.zip", st.LastBackupPath)
	assert.False(t, st.LastBackupAt.IsZero())
	assert.Empty(t, st.LastBackupError)

	require.NoError(t, s.Stop(context.Background()))
	_, err = s.BackupNow(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestBackupNowDisabled(t *testing.T) {
	s := New(&countingFlusher{}, Options{Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	_, err := s.BackupNow(context.Background())
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	s := New(&countingFlusher{}, Options{Logger: quietLogger()})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	assert.Error(t, s.Start(context.Background()))
}
