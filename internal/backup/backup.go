// Package backup writes zip archives of the notes directory and restores
// them.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/parser"
	"github.com/starford/kbnotes/internal/storage"
)

const (
	// FilePrefix and FileExt frame automatic backup names:
	// kbnotes_backup_YYYYMMDD_HHMMSS.zip.
	FilePrefix = "kbnotes_backup_"
	FileExt    = ".zip"

	manifestName = "manifest.json"
	stampLayout  = "20060102_150405"

	collectReaders = 8
)

// Source is the engine surface a backup needs.
type Source interface {
	Root() string
	Freeze(ctx context.Context, fn func(notes []models.Note) error) error
	Exclusive(ctx context.Context, fn func() error) (engine.ScanResult, error)
}

// Options configures a Manager.
type Options struct {
	// Dir receives automatic backups.
	Dir string
	// MaxBackups is the number of automatic backups kept; 0 keeps all.
	MaxBackups int
	// MaxVersions is the number of versions kept per note; 0 keeps all.
	MaxVersions int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Manager creates, lists and restores backups.
type Manager struct {
	src         Source
	store       storage.Provider
	dir         string
	max         int
	maxVersions int
	logger      *slog.Logger
	now         func() time.Time

	// afterCollect runs between reading the notes and writing the archive.
	afterCollect func()
}

// Result describes a written archive.
type Result struct {
	Path      string    `json:"path"`
	Notes     int       `json:"notes"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
	// Rendered lists dirty notes whose file could not be read and were
	// archived from memory instead.
	Rendered []string `json:"rendered,omitempty"`
	// Missing lists notes left out of the archive.
	Missing []string `json:"missing,omitempty"`
}

// Archive is an existing automatic backup.
type Archive struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type manifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Notes     []string  `json:"notes"`
}

// New creates a Manager reading note files through store.
func New(src Source, store storage.Provider, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		src:         src,
		store:       store,
		dir:         opts.Dir,
		max:         opts.MaxBackups,
		maxVersions: opts.MaxVersions,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// Dir returns the automatic backup directory.
func (m *Manager) Dir() string { return m.dir }

// Backup writes an archive of a consistent snapshot of every note to dest.
// Note jobs are held off only while the note files are read; compression and
// the archive write happen afterwards. When some notes could not be read the
// archive is still written and the returned error wraps
// apperr.ErrPartialBackup alongside a non-nil Result.
func (m *Manager) Backup(ctx context.Context, dest string) (*Result, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, apperr.New(apperr.ErrBackupIO, "backup", "", dest, err)
	}
	res := &Result{Path: dest, CreatedAt: m.now().UTC()}

	var files []archiveFile
	err = m.src.Freeze(ctx, func(notes []models.Note) error {
		var err error
		files, err = m.collect(ctx, notes, res)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m.afterCollect != nil {
		m.afterCollect()
	}
	if err := m.writeArchive(ctx, dest, files, res); err != nil {
		return nil, err
	}

	m.logger.Info("backup: archive written",
		slog.String("path", dest),
		slog.Int("notes", res.Notes),
		slog.Int64("bytes", res.Bytes),
		slog.Int("missing", len(res.Missing)))
	if len(res.Missing) > 0 {
		return res, apperr.New(apperr.ErrPartialBackup, "backup", "", dest,
			fmt.Errorf("%d note(s) left out: %s", len(res.Missing), strings.Join(res.Missing, ", ")))
	}
	return res, nil
}

// archiveFile is one note as it goes into the archive.
type archiveFile struct {
	id       string
	name     string
	modified time.Time
	data     []byte
}

// collect reads the file of every note in parallel. A dirty note whose file
// cannot be read is rendered from memory; an unreadable clean note is left
// out and recorded in res.Missing.
func (m *Manager) collect(ctx context.Context, notes []models.Note, res *Result) ([]archiveFile, error) {
	data := make([][]byte, len(notes))
	readErr := make([]error, len(notes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(collectReaders)
	for i := range notes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data[i], readErr[i] = m.store.Read(notes[i].Path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	files := make([]archiveFile, 0, len(notes))
	for i := range notes {
		n := &notes[i]
		body := data[i]
		if err := readErr[i]; err != nil {
			if !n.Dirty {
				m.logger.Warn("backup: note unreadable, skipped", slog.String("id", n.ID), slog.String("error", err.Error()))
				res.Missing = append(res.Missing, n.ID)
				continue
			}
			if body, err = parser.Render(n); err != nil {
				res.Missing = append(res.Missing, n.ID)
				continue
			}
			res.Rendered = append(res.Rendered, n.ID)
		}
		files = append(files, archiveFile{
			id:       n.ID,
			name:     filepath.ToSlash(n.Path),
			modified: n.UpdatedAt,
			data:     body,
		})
	}
	return files, nil
}

func (m *Manager) writeArchive(ctx context.Context, dest string, files []archiveFile, res *Result) error {
	ioErr := func(err error) error { return apperr.New(apperr.ErrBackupIO, "backup", "", dest, err) }

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ioErr(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".kbnotes-backup-*"+FileExt)
	if err != nil {
		return ioErr(err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	zw := zip.NewWriter(tmp)
	included := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.name,
			Method:   zip.Deflate,
			Modified: f.modified,
		})
		if err != nil {
			return ioErr(err)
		}
		if _, err := w.Write(f.data); err != nil {
			return ioErr(err)
		}
		included = append(included, f.id)
	}

	mf, err := json.MarshalIndent(manifest{Version: 1, CreatedAt: res.CreatedAt, Notes: included}, "", "  ")
	if err != nil {
		return ioErr(err)
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: manifestName, Method: zip.Deflate, Modified: res.CreatedAt})
	if err != nil {
		return ioErr(err)
	}
	if _, err := w.Write(mf); err != nil {
		return ioErr(err)
	}
	if err := zw.Close(); err != nil {
		return ioErr(err)
	}
	if err := tmp.Sync(); err != nil {
		return ioErr(err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return ioErr(err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr(err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return ioErr(err)
	}
	success = true
	res.Notes = len(included)
	res.Bytes = info.Size()
	return nil
}

// AutoBackup writes a timestamped archive into the backup directory and
// prunes the oldest archives beyond the configured maximum.
func (m *Manager) AutoBackup(ctx context.Context) (*Result, error) {
	if m.dir == "" {
		return nil, apperr.New(apperr.ErrBackupIO, "auto-backup", "", "", errors.New("no backup directory configured"))
	}
	stamp := m.now().UTC().Format(stampLayout)
	name := FilePrefix + stamp + FileExt
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(m.dir, name)); errors.Is(err, fs.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s%s_%d%s", FilePrefix, stamp, i, FileExt)
	}

	res, err := m.Backup(ctx, filepath.Join(m.dir, name))
	if res == nil {
		return nil, err
	}
	if pruneErr := m.Prune(); pruneErr != nil {
		m.logger.Warn("backup: prune failed", slog.String("error", pruneErr.Error()))
	}
	return res, err
}

// Prune deletes the oldest automatic backups beyond the configured maximum.
func (m *Manager) Prune() error {
	if m.max <= 0 {
		return nil
	}
	archives, err := m.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range archives[min(m.max, len(archives)):] {
		if err := os.Remove(a.Path); err != nil {
			errs = append(errs, apperr.New(apperr.ErrBackupIO, "prune", "", a.Path, err))
			continue
		}
		m.logger.Info("backup: pruned", slog.String("path", a.Path))
	}
	return errors.Join(errs...)
}

// List returns the automatic backups in the backup directory, newest first.
func (m *Manager) List() ([]Archive, error) {
	if m.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.New(apperr.ErrBackupIO, "list", "", m.dir, err)
	}
	var out []Archive
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Archive{
			Name:    name,
			Path:    filepath.Join(m.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(out, func(a, b Archive) int {
		if c := strings.Compare(b.Name, a.Name); c != 0 {
			return c
		}
		return b.ModTime.Compare(a.ModTime)
	})
	return out, nil
}
