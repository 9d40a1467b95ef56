package mcpserver

// NoteFormatContract describes the note file format and the identifier
// rules that LLM consumers should follow when creating or editing notes.
const NoteFormatContract = `# kbnotes Note Format Contract

Every note is one Markdown file ` + "`" + `<id>.md` + "`" + ` directly inside the notes directory.

## Structure

` + "```" + `markdown
---
title: Human-readable title        # OPTIONAL – falls back to the first heading
tags:                               # OPTIONAL – YAML list
  - tag-one
  - tag-two
created: 2025-01-15T09:30:00Z       # managed by kbnotes
updated: 2025-01-16T18:02:11Z       # managed by kbnotes
---
Body text in standard Markdown. Inline #tags count as tags too.
` + "```" + `

## Rules

1. **Identifiers** are the file name without ` + "`" + `.md` + "`" + `. They must not be empty,
   start with a dot, contain ` + "`" + `..` + "`" + `, path separators, ` + "`" + `:` + "`" + ` or control characters.
   When omitted on create, the identifier is derived from the title
   (` + "`" + `Shopping List` + "`" + ` → ` + "`" + `shopping-list` + "`" + `) and a short random suffix is appended on
   collision.
2. **Tags** are case-insensitive and stored lowercase without the leading ` + "`" + `#` + "`" + `.
   A tag may be given in the frontmatter list or inline in the body.
3. **created/updated** are written by kbnotes; do not edit them by hand.
4. **Edits are debounced.** ` + "`" + `edit_note` + "`" + ` returns immediately; the file is written
   after a short quiet period. The returned ` + "`" + `checksum` + "`" + ` can be passed back as
   ` + "`" + `if_match` + "`" + ` to reject an edit when the note changed in between.
5. **External edits win.** If the file is changed on disk while an edit is still
   pending, the disk version replaces the pending edit.
6. **Encoding** is UTF-8.

## Example

` + "```" + `markdown
---
title: Weekly standup
tags:
  - meeting-notes
---
Attendees: Alice, Bob. Follow up on #project-x.
` + "```" + `
`
