package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/models"
)

// Verify *DB satisfies the engine hooks at compile time.
var (
	_ engine.Projection = (*DB)(nil)
	_ engine.Preloader  = (*DB)(nil)
)

// Put records n as it was written to or read from disk.
func (db *DB) Put(n models.Note, meta models.NoteMetadata) error {
	tagsJSON, err := json.Marshal(n.Tags)
	if err != nil {
		return fmt.Errorf("catalog: encode tags: %w", err)
	}
	_, err = db.conn.Exec(`
		INSERT INTO notes (id, path, title, tags, body, checksum, size, mtime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path       = excluded.path,
			title      = excluded.title,
			tags       = excluded.tags,
			body       = excluded.body,
			checksum   = excluded.checksum,
			size       = excluded.size,
			mtime      = excluded.mtime,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, n.ID, n.Path, n.Title, string(tagsJSON), n.Body, n.DiskChecksum,
		meta.Size, meta.ModTime.UnixNano(),
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("catalog: put %s: %w", n.ID, err)
	}
	return nil
}

// Remove deletes the row for id.
func (db *DB) Remove(id string) error {
	if _, err := db.conn.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("catalog: remove %s: %w", id, err)
	}
	return nil
}

// Prune deletes every row whose id is not in keep.
func (db *DB) Prune(keep map[string]struct{}) error {
	ids, err := db.ids()
	if err != nil {
		return err
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.Prepare(`DELETE FROM notes WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("catalog: prepare prune: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("catalog: prune %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Cached returns every row keyed by relative path.
func (db *DB) Cached() (map[string]engine.Cached, error) {
	rows, err := db.conn.Query(`
		SELECT id, path, title, tags, body, checksum, size, mtime, created_at, updated_at
		FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("catalog: load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]engine.Cached)
	for rows.Next() {
		var (
			n                models.Note
			tagsJSON         string
			size, mtime      int64
			created, updated string
		)
		if err := rows.Scan(&n.ID, &n.Path, &n.Title, &tagsJSON, &n.Body, &n.Checksum,
			&size, &mtime, &created, &updated); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
			continue
		}
		if n.Tags == nil {
			n.Tags = []string{}
		}
		n.DiskChecksum = n.Checksum
		n.State = models.StateClean
		n.CreatedAt = parseTime(created)
		n.UpdatedAt = parseTime(updated)
		out[n.Path] = engine.Cached{Note: n, Size: size, ModTime: time.Unix(0, mtime)}
	}
	return out, rows.Err()
}

// Checksum returns the stored checksum for id, or "" if there is no row.
func (db *DB) Checksum(id string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM notes WHERE id = ?`, id).Scan(&cs)
	if err != nil {
		return "", nil // not found is fine
	}
	return cs, nil
}

// Count returns the number of rows.
func (db *DB) Count() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT count(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("catalog: count: %w", err)
	}
	return n, nil
}

func (db *DB) ids() ([]string, error) {
	rows, err := db.conn.Query(`SELECT id FROM notes`)
	if err != nil {
		return nil, fmt.Errorf("catalog: ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
