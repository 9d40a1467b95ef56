package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/kbnotes/internal/backup"
	"github.com/starford/kbnotes/internal/catalog"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/noteservice"
	"github.com/starford/kbnotes/internal/scheduler"
	"github.com/starford/kbnotes/internal/storage"
)

var errConfigRequired = errors.New("config is required")

// Workspace is an opened notes directory with every component wired to it.
type Workspace struct {
	Config    *Config
	Logger    *slog.Logger
	Store     storage.Provider
	Catalog   *catalog.DB
	Engine    *engine.Engine
	Backups   *backup.Manager
	Scheduler *scheduler.Scheduler
	Service   *noteservice.Service

	autosave bool
}

// Open creates the notes directory if needed, loads every note into memory
// and wires the backup manager, scheduler and note service. The scheduler
// is not started; see StartAutosave.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger) (*Workspace, error) {
	if cfg == nil {
		return nil, errConfigRequired
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Notes.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create notes dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Notes.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	ws := &Workspace{Config: cfg, Logger: logger, Store: store}

	opts := engine.Options{
		Logger:  logger,
		Retry:   cfg.Notes.RetryPolicy(),
		Workers: cfg.Notes.Workers,
	}
	if cfg.Catalog.Path != "" {
		db, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			return nil, fmt.Errorf("init catalog: %w", err)
		}
		ws.Catalog = db
		opts.Projection = db
	}

	eng, err := engine.New(store, opts)
	if err != nil {
		ws.closeCatalog()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	ws.Engine = eng

	res, err := eng.Load(ctx)
	if err != nil {
		eng.Close()
		ws.closeCatalog()
		return nil, fmt.Errorf("load notes: %w", err)
	}
	logger.Info("notes loaded",
		slog.String("path", store.Root()),
		slog.Int("files", res.Files),
		slog.Int("read", res.Read),
		slog.Int("cached", res.Cached),
		slog.Int("failed", res.Failed))

	ws.Backups = backup.New(eng, store, backup.Options{
		Dir:         cfg.Backup.Dir,
		MaxBackups:  cfg.Backup.MaxBackups,
		MaxVersions: cfg.Backup.MaxNoteVersions,
		Logger:      logger,
	})
	if cfg.Backup.NoteHistory {
		eng.SetHistory(ws.Backups)
	}

	schedOpts := scheduler.Options{
		Debounce:     cfg.AutoSave.Debounce,
		FlushTimeout: cfg.Notes.IOTimeout,
		Logger:       logger,
	}
	if cfg.Backup.Enabled {
		schedOpts.BackupInterval = cfg.Backup.Interval
		schedOpts.Backup = ws.autoBackup
	}
	ws.Scheduler = scheduler.New(eng, schedOpts)
	ws.Service = noteservice.NewService(eng, ws.Backups, ws.Scheduler, logger)
	return ws, nil
}

func (ws *Workspace) autoBackup(ctx context.Context) (string, error) {
	res, err := ws.Backups.AutoBackup(ctx)
	if res == nil {
		return "", err
	}
	return res.Path, err
}

// StartAutosave starts the scheduler and, when auto-save is enabled, routes
// edits through its debounce timers. Without it every edit is written
// through immediately.
func (ws *Workspace) StartAutosave(ctx context.Context) error {
	if !ws.Config.AutoSave.Enabled && !ws.Config.Backup.Enabled {
		return nil
	}
	if err := ws.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if ws.Config.AutoSave.Enabled {
		ws.Engine.SetDebouncer(ws.Scheduler)
		ws.autosave = true
	}
	return nil
}

// Close drains pending writes and releases every resource.
func (ws *Workspace) Close(ctx context.Context) error {
	var errs []error
	if ws.autosave {
		ws.Engine.SetDebouncer(nil)
	}
	if err := ws.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if err := ws.Engine.FlushAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush notes: %w", err))
	}
	ws.Engine.Close()
	if err := ws.closeCatalog(); err != nil {
		errs = append(errs, fmt.Errorf("close catalog: %w", err))
	}
	return errors.Join(errs...)
}

func (ws *Workspace) closeCatalog() error {
	if ws.Catalog == nil {
		return nil
	}
	return ws.Catalog.Close()
}
