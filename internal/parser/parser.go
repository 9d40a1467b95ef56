// Package parser converts between note files (YAML frontmatter + Markdown
// body) and note fields.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/starford/kbnotes/internal/models"
)

var tagRe = regexp.MustCompile(`(?:^|\s)#([\p{L}][\p{L}\p{N}_/-]*)`)

// Result holds the output of parsing a note file.
type Result struct {
	Frontmatter map[string]interface{}
	Title       string
	Body        string
	Tags        []string
	Created     time.Time
	Updated     time.Time
}

// Parse extracts frontmatter fields, body and tags from raw note bytes.
// Malformed frontmatter is not an error: the whole file is treated as body.
func Parse(data []byte) (*Result, error) {
	fm, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	return &Result{
		Frontmatter: fm,
		Title:       deriveTitle(fm, body),
		Body:        body,
		Tags:        extractTags(body, fm),
		Created:     timeField(fm, "created"),
		Updated:     timeField(fm, "updated"),
	}, nil
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the Markdown body. If no frontmatter is found the entire content is body.
func splitFrontmatter(data []byte) (map[string]interface{}, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), nil
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return nil, string(data), nil
	}

	return fm, body, nil
}

// extractTags collects tags from the frontmatter "tags" field (a YAML list or
// a comma separated string) and #tags in the body.
func extractTags(body string, fm map[string]interface{}) []string {
	var raw []string

	if fm != nil {
		switch v := fm["tags"].(type) {
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					raw = append(raw, s)
				}
			}
		case string:
			raw = append(raw, strings.Split(v, ",")...)
		}
	}

	raw = append(raw, InlineTags(body)...)
	return models.NormalizeTags(raw)
}

// InlineTags returns the #tags written in body, unnormalized.
func InlineTags(body string) []string {
	var out []string
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

// deriveTitle returns the frontmatter "title" if present, otherwise the first
// H1 heading, otherwise empty string.
func deriveTitle(fm map[string]interface{}, body string) string {
	if fm != nil {
		if s, ok := fm["title"].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return HeadingTitle(body)
}

// HeadingTitle returns the text of the first H1 heading in body.
func HeadingTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

func timeField(fm map[string]interface{}, key string) time.Time {
	if fm == nil {
		return time.Time{}
	}
	switch v := fm[key].(type) {
	case time.Time:
		return v.UTC()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.DateTime, time.DateOnly} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// frontmatter is the serialized header of a note file.
type frontmatter struct {
	Title   string   `yaml:"title,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	Created string   `yaml:"created,omitempty"`
	Updated string   `yaml:"updated,omitempty"`
}

// Render serializes a note to its on-disk form.
func Render(n *models.Note) ([]byte, error) {
	fm := frontmatter{
		Title: n.Title,
		Tags:  n.Tags,
	}
	if !n.CreatedAt.IsZero() {
		fm.Created = n.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !n.UpdatedAt.IsZero() {
		fm.Updated = n.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	header, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("parser: render frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(n.Body) + 8)
	buf.WriteString("---\n")
	if string(header) != "{}\n" {
		buf.Write(header)
	}
	buf.WriteString("---\n")
	buf.WriteString(n.Body)
	return buf.Bytes(), nil
}

// Normalize brings user supplied note fields into the form Parse would
// produce after a Render round trip: tags include inline #tags, the body has
// no leading blank lines, and an empty title falls back to the first heading.
func Normalize(n *models.Note) {
	n.Body = strings.TrimLeft(n.Body, "\n\r")
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		n.Title = HeadingTitle(n.Body)
	}
	n.Tags = models.NormalizeTags(append(append([]string{}, n.Tags...), InlineTags(n.Body)...))
}
