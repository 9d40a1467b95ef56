package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/notepath"
	"github.com/starford/kbnotes/internal/storage"
)

// historyDir is the subdirectory of the backup directory that holds per-note
// versions, one directory per note: notes/<id>/<id>_YYYYMMDD_HHMMSS_NNNNNNNNN.md.
const historyDir = "notes"

// Version is one kept copy of a note file.
type Version struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	SavedAt time.Time `json:"saved_at"`
}

// SaveVersion stores prev as the newest version of note id and prunes the
// oldest versions beyond the configured maximum.
func (m *Manager) SaveVersion(id string, prev []byte) error {
	dir, err := m.versionDir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.New(apperr.ErrBackupIO, "save-version", id, dir, err)
	}
	store, err := storage.NewFS(dir)
	if err != nil {
		return apperr.New(apperr.ErrBackupIO, "save-version", id, dir, err)
	}

	now := m.now().UTC()
	stamp := fmt.Sprintf("%s_%09d", now.Format(stampLayout), now.Nanosecond())
	name := id + "_" + stamp + notepath.Ext
	for i := 1; ; i++ {
		if _, err := store.Stat(name); errors.Is(err, fs.ErrNotExist) {
			break
		}
		name = fmt.Sprintf("%s_%s_%d%s", id, stamp, i, notepath.Ext)
	}
	if err := store.Write(name, prev); err != nil {
		return apperr.New(apperr.ErrBackupIO, "save-version", id, filepath.Join(dir, name), err)
	}
	m.logger.Debug("backup: note version kept", slog.String("id", id), slog.String("name", name))

	if m.maxVersions <= 0 {
		return nil
	}
	versions, err := m.Versions(id)
	if err != nil {
		return err
	}
	var errs []error
	for _, v := range versions[min(m.maxVersions, len(versions)):] {
		if err := store.Delete(v.Name); err != nil {
			errs = append(errs, apperr.New(apperr.ErrBackupIO, "prune-versions", id, v.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Versions lists the kept versions of note id, newest first.
func (m *Manager) Versions(id string) ([]Version, error) {
	dir, err := m.versionDir(id)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewFS(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.New(apperr.ErrBackupIO, "versions", id, dir, err)
	}
	files, err := store.List()
	if err != nil {
		return nil, apperr.New(apperr.ErrBackupIO, "versions", id, dir, err)
	}

	prefix := id + "_"
	out := make([]Version, 0, len(files))
	for _, f := range files {
		if !strings.HasPrefix(f.Path, prefix) {
			continue
		}
		out = append(out, Version{
			ID:      id,
			Name:    f.Path,
			Path:    filepath.Join(dir, f.Path),
			Size:    f.Size,
			SavedAt: f.ModTime,
		})
	}
	slices.SortFunc(out, func(a, b Version) int { return strings.Compare(b.Name, a.Name) })
	return out, nil
}

// ReadVersion returns the kept version of note id called name and its
// content. An empty name selects the newest version.
func (m *Manager) ReadVersion(id, name string) (Version, []byte, error) {
	versions, err := m.Versions(id)
	if err != nil {
		return Version{}, nil, err
	}
	i := 0
	if name != "" {
		i = slices.IndexFunc(versions, func(v Version) bool { return v.Name == name })
	}
	if i < 0 || len(versions) == 0 {
		return Version{}, nil, apperr.New(apperr.ErrNotFound, "read-version", id, name, errors.New("no such version kept"))
	}
	v := versions[i]
	data, err := os.ReadFile(v.Path)
	if err != nil {
		return Version{}, nil, apperr.New(apperr.ErrBackupIO, "read-version", id, v.Path, err)
	}
	return v, data, nil
}

func (m *Manager) versionDir(id string) (string, error) {
	if m.dir == "" {
		return "", apperr.New(apperr.ErrBackupIO, "versions", id, "", errors.New("no backup directory configured"))
	}
	if err := notepath.Validate(id); err != nil {
		return "", err
	}
	return filepath.Join(m.dir, historyDir, id), nil
}
