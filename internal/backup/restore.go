package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/starford/kbnotes/internal/apperr"
	"github.com/starford/kbnotes/internal/notepath"
	"github.com/starford/kbnotes/internal/storage"
)

// maxEntrySize bounds a single decompressed note.
var maxEntrySize int64 = 64 << 20

// RestoreOptions tunes Restore.
type RestoreOptions struct {
	// KeepExisting leaves notes that already exist in the target untouched.
	KeepExisting bool
}

// RestoreSummary reports what a restore did.
type RestoreSummary struct {
	Archive   string   `json:"archive"`
	Target    string   `json:"target"`
	Total     int      `json:"total"`
	Restored  int      `json:"restored"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
	Rescanned bool     `json:"rescanned"`
}

type entry struct {
	name string
	data []byte
}

// Restore extracts the notes in archive into target. Every entry is
// validated and read before anything is written: an entry that would land
// outside target fails the whole restore with apperr.ErrPathTraversal, and an
// unreadable container or entry with apperr.ErrCorruptArchive. Entries that
// are not note files are skipped. Restoring into the engine's own notes
// directory blocks all note jobs for the duration and rescans afterwards.
func (m *Manager) Restore(ctx context.Context, archive, target string, opts RestoreOptions) (*RestoreSummary, error) {
	target, err := filepath.Abs(target)
	if err != nil {
		return nil, apperr.New(apperr.ErrBackupIO, "restore", "", target, err)
	}

	entries, total, err := readArchive(archive)
	if err != nil {
		return nil, err
	}
	sum := &RestoreSummary{Archive: archive, Target: target, Total: total}

	write := func() error {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return apperr.New(apperr.ErrBackupIO, "restore", "", target, err)
		}
		dst, err := storage.NewFS(target)
		if err != nil {
			return apperr.New(apperr.ErrBackupIO, "restore", "", target, err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if opts.KeepExisting {
				if _, err := dst.Stat(e.name); err == nil {
					sum.Skipped++
					continue
				}
			}
			if err := dst.Write(e.name, e.data); err != nil {
				sum.Failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", e.name, err))
				m.logger.Warn("restore: write failed", slog.String("entry", e.name), slog.String("error", err.Error()))
				continue
			}
			sum.Restored++
		}
		return nil
	}

	if m.src != nil && samePath(target, m.src.Root()) {
		_, err = m.src.Exclusive(ctx, write)
		sum.Rescanned = true
	} else {
		err = write()
	}

	m.logger.Info("restore: finished",
		slog.String("archive", archive),
		slog.String("target", target),
		slog.Int("total", sum.Total),
		slog.Int("restored", sum.Restored),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed))
	return sum, err
}

// readArchive validates and reads every note entry. total counts all
// non-directory entries; the rest are skipped later.
func readArchive(archive string) ([]entry, int, error) {
	zr, err := zip.OpenReader(archive)
	// An archive with insecure entry names still comes with a usable reader;
	// checkEntryName below decides about those names.
	if zr == nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, apperr.New(apperr.ErrNotFound, "restore", "", archive, err)
		}
		return nil, 0, apperr.New(apperr.ErrCorruptArchive, "restore", "", archive, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return nil, 0, apperr.New(apperr.ErrPathTraversal, "restore", "", archive, err)
		}
	}

	var (
		entries []entry
		total   int
	)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		total++
		if !isNoteEntry(f.Name) {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, 0, apperr.New(apperr.ErrCorruptArchive, "restore", "", archive, fmt.Errorf("%s: %w", f.Name, err))
		}
		entries = append(entries, entry{name: f.Name, data: data})
	}
	return entries, total, nil
}

// readEntry decompresses f. The header size is only a hint, so the limit is
// enforced on the bytes actually read as well.
func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > uint64(maxEntrySize) {
		return nil, fmt.Errorf("entry too large (%d bytes)", f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxEntrySize {
		return nil, fmt.Errorf("entry too large (more than %d bytes, header claims %d)", maxEntrySize, f.UncompressedSize64)
	}
	return data, nil
}

// checkEntryName rejects names that are absolute or climb out of the
// extraction directory.
func checkEntryName(name string) error {
	if name == "" {
		return errors.New("empty entry name")
	}
	if strings.Contains(name, `\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("entry %q has an illegal character", name)
	}
	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return fmt.Errorf("entry %q is absolute", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("entry %q escapes the target directory", name)
		}
	}
	return nil
}

// isNoteEntry reports whether name is a note file at the archive root.
func isNoteEntry(name string) bool {
	if strings.Contains(name, "/") || !strings.HasSuffix(name, notepath.Ext) {
		return false
	}
	return notepath.Validate(strings.TrimSuffix(name, notepath.Ext)) == nil
}

func samePath(a, b string) bool {
	return resolve(a) == resolve(b)
}

func resolve(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}
