package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/starford/kbnotes/internal/backup"
	"github.com/starford/kbnotes/internal/engine"
	"github.com/starford/kbnotes/internal/noteservice"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	tagStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return tagStyle.Render("#" + strings.Join(tags, " #"))
}

func printNote(n *noteservice.NoteDetail) {
	fmt.Println(titleStyle.Render(n.Title))
	meta := []string{idStyle.Render(n.ID), "updated " + humanize.Time(n.UpdatedAt)}
	if n.Dirty {
		meta = append(meta, warnStyle.Render("unsaved"))
	}
	if n.LastError != "" {
		meta = append(meta, warnStyle.Render("error: "+n.LastError))
	}
	fmt.Println(dimStyle.Render(strings.Join(meta, "  ")))
	if tags := renderTags(n.Tags); tags != "" {
		fmt.Println(tags)
	}
	fmt.Println()
	fmt.Println(n.Body)
}

func printNoteList(items []noteservice.NoteListItem, total int) {
	if len(items) == 0 {
		fmt.Println(dimStyle.Render("no notes"))
		return
	}
	for _, it := range items {
		line := idStyle.Render(it.ID)
		if it.Title != "" {
			line += "  " + titleStyle.Render(it.Title)
		}
		if tags := renderTags(it.Tags); tags != "" {
			line += "  " + tags
		}
		line += "  " + dimStyle.Render(humanize.Time(it.UpdatedAt))
		fmt.Println(line)
	}
	if total > len(items) {
		fmt.Println(dimStyle.Render(fmt.Sprintf("%d of %d notes", len(items), total)))
	}
}

func printTags(tags []engine.TagCount) {
	if len(tags) == 0 {
		fmt.Println(dimStyle.Render("no tags"))
		return
	}
	for _, t := range tags {
		fmt.Printf("%s %s\n", tagStyle.Render("#"+t.Tag), dimStyle.Render(humanize.Comma(int64(t.Count))))
	}
}

func printHits(hits []noteservice.SearchHit) {
	if len(hits) == 0 {
		fmt.Println(dimStyle.Render("no matches"))
		return
	}
	for _, h := range hits {
		line := idStyle.Render(h.ID)
		if h.Title != "" {
			line += "  " + titleStyle.Render(h.Title)
		}
		if tags := renderTags(h.Tags); tags != "" {
			line += "  " + tags
		}
		fmt.Println(line)
		if h.Snippet != "" {
			fmt.Println("    " + dimStyle.Render(h.Snippet))
		}
	}
}

func printBackup(res *backup.Result) {
	fmt.Printf("%s %s (%s notes, %s)\n", okStyle.Render("backup"), res.Path,
		humanize.Comma(int64(res.Notes)), humanize.Bytes(uint64(res.Bytes)))
	if len(res.Rendered) > 0 {
		fmt.Printf("%s written from memory: %s\n", warnStyle.Render("note"), strings.Join(res.Rendered, ", "))
	}
	if len(res.Missing) > 0 {
		fmt.Printf("%s missing: %s\n", warnStyle.Render("partial"), strings.Join(res.Missing, ", "))
	}
}

func printArchives(list []backup.Archive) {
	if len(list) == 0 {
		fmt.Println(dimStyle.Render("no backups"))
		return
	}
	for _, a := range list {
		fmt.Printf("%s  %s  %s\n", a.Name, dimStyle.Render(humanize.Bytes(uint64(a.Size))), dimStyle.Render(humanize.Time(a.ModTime)))
	}
}

func printRestore(sum *backup.RestoreSummary) {
	fmt.Printf("%s %s into %s: %d restored, %d skipped, %d failed\n", okStyle.Render("restore"),
		sum.Archive, sum.Target, sum.Restored, sum.Skipped, sum.Failed)
	for _, e := range sum.Errors {
		fmt.Println("  " + warnStyle.Render(e))
	}
}

func printStatus(st noteservice.Status) {
	fmt.Println(titleStyle.Render(st.Root))
	fmt.Printf("notes %s  unsaved %d  errors %d  tags %d\n",
		humanize.Comma(int64(st.Notes.Notes)), st.Notes.Dirty, st.Notes.Error, st.Notes.Tags)
	if st.Scheduler != nil && !st.Scheduler.LastBackupAt.IsZero() {
		fmt.Printf("last backup %s %s\n", st.Scheduler.LastBackupPath, dimStyle.Render(humanize.Time(st.Scheduler.LastBackupAt)))
	}
}

func printVersions(list []backup.Version) {
	if len(list) == 0 {
		fmt.Println(dimStyle.Render("no versions kept"))
		return
	}
	for _, v := range list {
		fmt.Printf("%s  %s  %s\n", v.Name, dimStyle.Render(humanize.Bytes(uint64(v.Size))), dimStyle.Render(humanize.Time(v.SavedAt)))
	}
}
