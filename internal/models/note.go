// Package models defines the domain types for kbnotes.
package models

import (
	"slices"
	"strings"
	"time"
)

// State is the synchronization state of a note held in memory.
type State string

const (
	StateClean State = "clean"
	StateDirty State = "dirty"
	// StateError marks a note whose file could not be read; the entry is kept.
	StateError State = "error"
)

// Note is the canonical in-memory record of one note file.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Path is relative to the notes directory.
	Path string `json:"path"`
	// Checksum hashes the current in-memory content.
	Checksum string `json:"checksum"`
	// DiskChecksum is the hash last confirmed written to or read from disk.
	DiskChecksum string `json:"disk_checksum"`
	Dirty        bool   `json:"dirty"`
	State        State  `json:"state"`
	LastError    string `json:"last_error,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with n.
func (n *Note) Clone() Note {
	c := *n
	c.Tags = slices.Clone(n.Tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return c
}

// HasTag reports whether the normalized tag is attached to the note.
func (n *Note) HasTag(tag string) bool {
	_, found := slices.BinarySearch(n.Tags, NormalizeTag(tag))
	return found
}

// SameContent reports whether two notes carry the same title, body and tags.
func (n *Note) SameContent(o *Note) bool {
	return n.Title == o.Title && n.Body == o.Body && slices.Equal(n.Tags, o.Tags)
}

// NormalizeTag lower-cases and trims a tag and strips a leading '#'.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimLeft(tag, "#")
	return strings.ToLower(strings.TrimSpace(tag))
}

// NormalizeTags returns the sorted set of non-empty normalized tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = NormalizeTag(t); t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ParseTagList splits a comma separated tag list as typed on the command line.
func ParseTagList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return NormalizeTags(strings.Split(s, ","))
}

// NoteMetadata describes a note file on disk without reading it.
type NoteMetadata struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}
