package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/kbnotes/internal"
	pkgconfig "github.com/starford/kbnotes/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	load := pkgconfig.Load[internal.Config]
	if !cmd.IsSet("config") {
		// A missing file at the default location keeps the built-in defaults.
		load = func(path string, target *internal.Config) error {
			return pkgconfig.LoadWithDefaults(path, "", target)
		}
	}
	if err := load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if dir := cmd.String("notes"); dir != "" {
		cfg.Notes.Path = dir
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to config file",
			DefaultText: "config/config.yaml",
			Value:       "config/config.yaml",
			Sources:     cli.EnvVars("APP_CONFIG_FILE"),
		},
		&cli.StringFlag{
			Name:    "notes",
			Usage:   "Notes directory, overrides notes.path",
			Sources: cli.EnvVars("KBNOTES_DIR"),
		},
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "kbnotes",
		Usage:   "Personal knowledge store of Markdown notes with fuzzy search, tags and zip backups",
		Version: version,
		Flags:   rootFlags(),
		Commands: []*cli.Command{
			newCommand(),
			showCommand(),
			editCommand(),
			deleteCommand(),
			listCommand(),
			tagsCommand(),
			searchCommand(),
			backupCommand(),
			backupsCommand(),
			restoreCommand(),
			versionsCommand(),
			restoreNoteCommand(),
			statusCommand(),
			{
				Name:   "serve",
				Usage:  "Run the HTTP API with live file watching and auto-save",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve the MCP tools over stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
