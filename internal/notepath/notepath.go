// Package notepath maps note identifiers to files in the notes directory and back.
//
// Every note lives at <root>/<id>.md. Identifiers are validated before they
// are joined with the root, so an identifier can never address a file outside
// the notes directory.
package notepath

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/starford/kbnotes/internal/apperr"
)

// Ext is the file extension of note files.
const Ext = ".md"

// TempPrefix is the prefix of in-flight atomic write files.
const TempPrefix = ".kbnotes-tmp-"

const (
	maxIDLen   = 200
	maxSlugLen = 64
)

// Mapper resolves identifiers against a fixed notes directory.
type Mapper struct {
	root string
}

// New returns a Mapper rooted at dir (made absolute).
func New(dir string) (*Mapper, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("notepath: resolve root: %w", err)
	}
	return &Mapper{root: filepath.Clean(abs)}, nil
}

// Root returns the absolute notes directory.
func (m *Mapper) Root() string { return m.root }

// PathFor returns the absolute path of the note file for id.
func (m *Mapper) PathFor(id string) (string, error) {
	rel, err := RelPathFor(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.root, rel), nil
}

// RelPathFor returns the path of id's file relative to the notes directory.
func RelPathFor(id string) (string, error) {
	if err := Validate(id); err != nil {
		return "", err
	}
	return id + Ext, nil
}

// IdentifierFor maps a note file path (absolute, or relative to the root) to
// its identifier. It returns false for anything that is not a note file
// directly inside the notes directory.
func (m *Mapper) IdentifierFor(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(m.root, filepath.Clean(path))
		if err != nil {
			return "", false
		}
		rel = r
	}
	rel = filepath.Clean(rel)
	if strings.ContainsRune(rel, filepath.Separator) || strings.Contains(rel, "/") {
		return "", false
	}
	if !strings.HasSuffix(rel, Ext) {
		return "", false
	}
	id := strings.TrimSuffix(rel, Ext)
	if Validate(id) != nil {
		return "", false
	}
	return id, true
}

// Validate rejects identifiers that are empty, hidden, too long, or contain
// path separators, traversal sequences, or control characters.
func Validate(id string) error {
	invalid := func(reason string) error {
		return apperr.New(apperr.ErrInvalidIdentifier, "", id, "", fmt.Errorf("%s", reason))
	}
	switch {
	case id == "":
		return invalid("empty")
	case len(id) > maxIDLen:
		return invalid("too long")
	case !utf8.ValidString(id):
		return invalid("not valid UTF-8")
	case strings.HasPrefix(id, "."):
		return invalid("leading dot")
	case strings.Contains(id, ".."):
		return invalid("contains '..'")
	case strings.ContainsAny(id, `/\`):
		return invalid("contains a path separator")
	}
	for _, r := range id {
		if unicode.IsControl(r) || r == ':' {
			return invalid("contains a reserved character")
		}
	}
	return nil
}

// Slugify derives an identifier candidate from a title. It returns "" when
// the title has no letters or digits.
func Slugify(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if b.Len()+utf8.RuneLen(r) > maxSlugLen {
				break
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		if b.Len() > 0 && !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
