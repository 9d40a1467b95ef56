// Package scheduler owns the auto-save debounce timers and the periodic
// backup timer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNotRunning is returned by operations that need a started scheduler.
	ErrNotRunning = errors.New("scheduler: not running")
	// ErrBackupDisabled is returned by BackupNow when no BackupFunc is set.
	ErrBackupDisabled = errors.New("scheduler: backups are disabled")
)

// Flusher writes one dirty note to disk.
type Flusher interface {
	Flush(ctx context.Context, id string) error
}

// BackupFunc takes one automatic backup and returns the archive path.
type BackupFunc func(ctx context.Context) (string, error)

// Options configures a Scheduler.
type Options struct {
	// Debounce is the quiet period after the last edit of a note before it
	// is flushed.
	Debounce time.Duration
	// BackupInterval is the period of automatic backups. Zero disables the
	// timer; BackupNow still works when Backup is set.
	BackupInterval time.Duration
	Backup         BackupFunc
	// FlushTimeout bounds a single debounced flush.
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// PendingWrite is a flush waiting for its debounce period to end.
type PendingWrite struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running         bool      `json:"running"`
	Pending         int       `json:"pending"`
	Flushes         int64     `json:"flushes"`
	FlushErrors     int64     `json:"flush_errors"`
	BackupInterval  string    `json:"backup_interval,omitempty"`
	LastBackupAt    time.Time `json:"last_backup_at,omitzero"`
	LastBackupPath  string    `json:"last_backup_path,omitempty"`
	LastBackupError string    `json:"last_backup_error,omitempty"`
}

type pending struct {
	timer       *time.Timer
	gen         uint64
	scheduledAt time.Time
}

type backupRequest struct {
	ctx   context.Context
	reply chan backupReply
}

type backupReply struct {
	path string
	err  error
}

// Scheduler coalesces edits into debounced flushes and runs backups on a
// timer. It has an explicit Start/Stop lifecycle; Touch is refused outside it.
type Scheduler struct {
	flusher Flusher
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	running  bool
	pending  map[string]*pending
	inflight sync.WaitGroup
	requests chan backupRequest
	done     chan struct{}
	loopDone chan struct{}

	flushes     int64
	flushErrors int64
	lastBackup  time.Time
	lastPath    string
	lastErr     error
}

// New creates a stopped scheduler.
func New(f Flusher, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		flusher: f,
		opts:    opts,
		logger:  opts.Logger,
		pending: make(map[string]*pending),
	}
}

// Start begins accepting Touch calls and starts the backup loop. The loop
// ends when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler: already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.requests = make(chan backupRequest)
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.done, s.requests, s.loopDone)
	s.logger.Info("scheduler: started",
		slog.Duration("debounce", s.opts.Debounce),
		slog.Duration("backup_interval", s.opts.BackupInterval))
	return nil
}

// Touch (re)starts the debounce timer for id. It returns false when the
// scheduler is not running; the caller must then flush by itself.
func (s *Scheduler) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	p, ok := s.pending[id]
	if ok {
		p.timer.Stop()
		p.gen++
	} else {
		p = &pending{}
		s.pending[id] = p
	}
	gen := p.gen
	p.scheduledAt = time.Now().Add(s.opts.Debounce)
	p.timer = time.AfterFunc(s.opts.Debounce, func() { s.fire(id, gen) })
	return true
}

// Cancel drops the pending write for id, if any.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok {
		p.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.FlushTimeout)
	defer cancel()
	s.flush(ctx, id)
}

func (s *Scheduler) flush(ctx context.Context, id string) error {
	err := s.flusher.Flush(ctx, id)
	s.mu.Lock()
	s.flushes++
	if err != nil {
		s.flushErrors++
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("scheduler: flush failed", slog.String("id", id), slog.String("error", err.Error()))
		return err
	}
	s.logger.Debug("scheduler: flushed", slog.String("id", id))
	return nil
}

// Stop refuses further work, flushes every pending write immediately, waits
// for in-flight flushes and stops the backup loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	ids := make([]string, 0, len(s.pending))
	for id, p := range s.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}
	clear(s.pending)
	loopDone := s.loopDone
	s.mu.Unlock()

	slices.Sort(ids)
	var errs []error
	for _, id := range ids {
		if err := s.flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.inflight.Wait()
	<-loopDone
	s.logger.Info("scheduler: stopped", slog.Int("drained", len(ids)))
	return errors.Join(errs...)
}

// BackupNow runs one backup through the backup loop and waits for it.
func (s *Scheduler) BackupNow(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if s.opts.Backup == nil {
		s.mu.Unlock()
		return "", ErrBackupDisabled
	}
	requests, done, loopDone := s.requests, s.done, s.loopDone
	s.mu.Unlock()

	req := backupRequest{ctx: ctx, reply: make(chan backupReply, 1)}
	select {
	case requests <- req:
	case <-done:
		return "", ErrNotRunning
	case <-loopDone:
		return "", ErrNotRunning
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.path, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, done <-chan struct{}, requests <-chan backupRequest, loopDone chan<- struct{}) {
	defer close(loopDone)

	var tick <-chan time.Time
	if s.opts.Backup != nil && s.opts.BackupInterval > 0 {
		t := time.NewTicker(s.opts.BackupInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-tick:
			s.runBackup(ctx)
		case req := <-requests:
			path, err := s.runBackup(req.ctx)
			req.reply <- backupReply{path: path, err: err}
		}
	}
}

func (s *Scheduler) runBackup(ctx context.Context) (string, error) {
	if s.opts.Backup == nil {
		return "", ErrBackupDisabled
	}
	path, err := s.opts.Backup(ctx)
	s.mu.Lock()
	s.lastBackup = time.Now()
	s.lastPath = path
	s.lastErr = err
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("scheduler: backup failed", slog.String("error", err.Error()))
	} else {
		s.logger.Info("scheduler: backup written", slog.String("path", path))
	}
	return path, err
}

// Status reports the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:        s.running,
		Pending:        len(s.pending),
		Flushes:        s.flushes,
		FlushErrors:    s.flushErrors,
		LastBackupAt:   s.lastBackup,
		LastBackupPath: s.lastPath,
	}
	if s.opts.BackupInterval > 0 {
		st.BackupInterval = s.opts.BackupInterval.String()
	}
	if s.lastErr != nil {
		st.LastBackupError = s.lastErr.Error()
	}
	return st
}

// Pending lists the writes waiting for their debounce period, soonest first.
func (s *Scheduler) Pending() []PendingWrite {
	s.mu.Lock()
	out := make([]PendingWrite, 0, len(s.pending))
	for id, p := range s.pending {
		out = append(out, PendingWrite{ID: id, ScheduledAt: p.scheduledAt})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b PendingWrite) int { return a.ScheduledAt.Compare(b.ScheduledAt) })
	return out
}
