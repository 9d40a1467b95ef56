package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/starford/kbnotes/internal"
	"github.com/starford/kbnotes/internal/models"
	"github.com/starford/kbnotes/internal/noteservice"
)

// withWorkspace opens the notes directory for a single command. Edits are
// written through since no scheduler runs.
func withWorkspace(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, svc *noteservice.Service) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer := internal.NewLogger(cfg.App, os.Stderr)
	defer closer.Close()

	ws, err := internal.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ws.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, ws.Service)
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	v := strings.TrimSpace(cmd.Args().First())
	if v == "" {
		return "", fmt.Errorf("missing argument: %s", name)
	}
	return v, nil
}

// readBody returns the body flag, or the contents of body-file ("-" reads
// stdin).
func readBody(cmd *cli.Command) (*string, error) {
	if cmd.IsSet("body") {
		s := cmd.String("body")
		return &s, nil
	}
	path := cmd.String("body-file")
	if path == "" {
		return nil, nil
	}
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func tagsFlag(cmd *cli.Command, name string) []string {
	var out []string
	for _, v := range cmd.StringSlice(name) {
		out = append(out, models.ParseTagList(v)...)
	}
	return out
}

// Flags keep parse state, so every command gets its own instances.
func bodyFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "body", Aliases: []string{"b"}, Usage: "Markdown body"},
		&cli.StringFlag{Name: "body-file", Aliases: []string{"f"}, Usage: "Read the body from a file, - for stdin"},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "Print JSON"}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:      "new",
		Usage:     "Create a note",
		ArgsUsage: "TITLE",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Explicit identifier instead of one derived from the title"},
			&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Tag to attach, repeatable"},
			jsonFlag(),
		}, bodyFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			body, err := readBody(cmd)
			if err != nil {
				return err
			}
			in := noteservice.CreateInput{
				ID:    cmd.String("id"),
				Title: strings.Join(cmd.Args().Slice(), " "),
				Tags:  tagsFlag(cmd, "tag"),
			}
			if body != nil {
				in.Body = *body
			}
			if in.ID == "" && strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Body) == "" {
				return errors.New("a title, a body or --id is required")
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				note, err := svc.CreateNote(ctx, in)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(note)
				}
				fmt.Printf("%s %s\n", okStyle.Render("created"), note.ID)
				return nil
			})
		},
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print a note",
		ArgsUsage: "ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "raw", Usage: "Print the note file as stored"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "ID")
			if err != nil {
				return err
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				if cmd.Bool("raw") {
					raw, err := svc.RenderNote(ctx, id)
					if err != nil {
						return err
					}
					_, err = os.Stdout.Write(raw)
					return err
				}
				note, err := svc.GetNote(ctx, id)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(note)
				}
				printNote(note)
				return nil
			})
		},
	}
}

func editCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Change a note's title, body or tags",
		ArgsUsage: "ID",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "title", Usage: "New title"},
			&cli.StringSliceFlag{Name: "tags", Usage: "Replace the tag set"},
			&cli.StringSliceFlag{Name: "add-tag", Usage: "Tag to add, repeatable"},
			&cli.StringSliceFlag{Name: "remove-tag", Usage: "Tag to remove, repeatable"},
			&cli.StringFlag{Name: "if-match", Usage: "Fail unless the note still has this checksum"},
		}, bodyFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "ID")
			if err != nil {
				return err
			}
			var in noteservice.UpdateInput
			if cmd.IsSet("title") {
				title := cmd.String("title")
				in.Title = &title
			}
			if in.Body, err = readBody(cmd); err != nil {
				return err
			}
			if cmd.IsSet("tags") {
				tags := tagsFlag(cmd, "tags")
				in.Tags = &tags
			}
			in.AddTags = tagsFlag(cmd, "add-tag")
			in.RemoveTags = tagsFlag(cmd, "remove-tag")
			in.IfMatch = cmd.String("if-match")

			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				note, err := svc.UpdateNote(ctx, id, in)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %s\n", okStyle.Render("updated"), note.ID, dimStyle.Render(note.Checksum))
				return nil
			})
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm"},
		Usage:     "Delete a note",
		ArgsUsage: "ID",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "ID")
			if err != nil {
				return err
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				if err := svc.DeleteNote(ctx, id); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", okStyle.Render("deleted"), id)
				return nil
			})
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List notes, most recently modified first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Only notes carrying this tag"},
			&cli.StringFlag{Name: "sort", Usage: "updated, title or id", Value: "updated"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of notes, 0 for all"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				items, total, err := svc.ListNotes(ctx, int(cmd.Int("limit")), 0, cmd.String("tag"), cmd.String("sort"))
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(items)
				}
				printNoteList(items, total)
				return nil
			})
		},
	}
}

func tagsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tags",
		Usage: "List tags with their note counts",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				tags := svc.Tags(ctx)
				if cmd.Bool("json") {
					return printJSON(tags)
				}
				printTags(tags)
				return nil
			})
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Fuzzy search over titles, tags and bodies",
		ArgsUsage: "QUERY",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "tag", Aliases: []string{"t"}, Usage: "Only notes carrying every given tag"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of results", Value: 20},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			query := strings.Join(cmd.Args().Slice(), " ")
			tags := tagsFlag(cmd, "tag")
			if strings.TrimSpace(query) == "" && len(tags) == 0 {
				return errors.New("a query or --tag is required")
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				hits, err := svc.Search(ctx, query, tags, int(cmd.Int("limit")))
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(hits)
				}
				printHits(hits)
				return nil
			})
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Write a zip archive of every note",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Archive path; defaults to a timestamped file in backup.dir"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				res, err := svc.Backup(ctx, cmd.String("out"))
				if res == nil {
					return err
				}
				if cmd.Bool("json") {
					if jerr := printJSON(res); jerr != nil {
						return jerr
					}
				} else {
					printBackup(res)
				}
				return err
			})
		},
	}
}

func backupsCommand() *cli.Command {
	return &cli.Command{
		Name:  "backups",
		Usage: "List automatic backups, newest first",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				list, err := svc.Backups(ctx)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(list)
				}
				printArchives(list)
				return nil
			})
		},
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore",
		Usage:     "Restore notes from a zip archive",
		ArgsUsage: "ARCHIVE",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "target", Usage: "Directory to restore into; defaults to the notes directory"},
			&cli.BoolFlag{Name: "keep-existing", Usage: "Do not overwrite notes that already exist"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			archive, err := requireArg(cmd, "ARCHIVE")
			if err != nil {
				return err
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				sum, err := svc.Restore(ctx, archive, cmd.String("target"), cmd.Bool("keep-existing"))
				if sum == nil {
					return err
				}
				if cmd.Bool("json") {
					if jerr := printJSON(sum); jerr != nil {
						return jerr
					}
				} else {
					printRestore(sum)
				}
				return err
			})
		},
	}
}

func versionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "versions",
		Usage:     "List the kept versions of a note, newest first",
		ArgsUsage: "ID",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "ID")
			if err != nil {
				return err
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				list, err := svc.NoteVersions(ctx, id)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(list)
				}
				printVersions(list)
				return nil
			})
		},
	}
}

func restoreNoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "restore-note",
		Usage:     "Put back a kept version of a note",
		ArgsUsage: "ID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "version", Usage: "Version name from the versions command; defaults to the newest"},
			jsonFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := requireArg(cmd, "ID")
			if err != nil {
				return err
			}
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				note, err := svc.RestoreNote(ctx, id, cmd.String("version"))
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printJSON(note)
				}
				fmt.Printf("%s %s %s\n", okStyle.Render("restored"), note.ID, dimStyle.Render(note.Checksum))
				return nil
			})
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show note counts and backup state",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withWorkspace(ctx, cmd, func(ctx context.Context, svc *noteservice.Service) error {
				st := svc.Status(ctx)
				if cmd.Bool("json") {
					return printJSON(st)
				}
				printStatus(st)
				return nil
			})
		},
	}
}
