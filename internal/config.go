package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/kbnotes/internal/retry"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Notes    NotesConfig       `yaml:"notes"`
	Catalog  CatalogConfig     `yaml:"catalog"`
	AutoSave AutoSaveConfig    `yaml:"autosave"`
	Backup   BackupConfig      `yaml:"backup"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Notes.Validate(); err != nil {
		return fmt.Errorf("notes: %w", err)
	}
	if err := c.AutoSave.Validate(); err != nil {
		return fmt.Errorf("autosave: %w", err)
	}
	if err := c.Backup.Validate(); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	// LogFile, when set, receives the logs with size based rotation.
	LogFile       string     `yaml:"log_file"`
	LogMaxSizeMB  int        `yaml:"log_max_size_mb"`
	LogMaxBackups int        `yaml:"log_max_backups"`
	HTTP          HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.LogMaxSizeMB, validation.Min(0)),
		validation.Field(&c.LogMaxBackups, validation.Min(0)),
	); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// NotesConfig holds the notes directory and its I/O settings.
type NotesConfig struct {
	Path          string        `yaml:"path"`
	IOTimeout     time.Duration `yaml:"io_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	Workers       int           `yaml:"workers"`
}

// Validate validates the notes configuration.
func (c *NotesConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.IOTimeout, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.RetryAttempts, validation.Required, validation.Min(1), validation.Max(10)),
		validation.Field(&c.RetryBackoff, validation.Min(time.Duration(0))),
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(64)),
	)
}

// RetryPolicy returns the disk retry policy.
func (c *NotesConfig) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: c.RetryAttempts, Backoff: c.RetryBackoff, Timeout: c.IOTimeout}
}

// CatalogConfig holds the SQLite warm-start catalog location. An empty path
// disables the catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// AutoSaveConfig holds the edit debounce settings.
type AutoSaveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Validate validates the auto-save configuration.
func (c *AutoSaveConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.When(c.Enabled,
			validation.Required, validation.Min(10*time.Millisecond), validation.Max(time.Hour))),
	)
}

// BackupConfig holds the automatic backup settings.
type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// Interval is the period between automatic backups.
	Interval time.Duration `yaml:"interval"`
	// MaxBackups is the number of automatic backups kept; 0 keeps all.
	MaxBackups int `yaml:"max_backups"`
	// NoteHistory keeps the previous file of a note under Dir/notes/<id>/
	// each time it is overwritten or deleted.
	NoteHistory bool `yaml:"note_history"`
	// MaxNoteVersions is the number of versions kept per note; 0 keeps all.
	MaxNoteVersions int `yaml:"max_note_versions"`
}

// Validate validates the backup configuration.
func (c *BackupConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.When(c.Enabled || c.NoteHistory, validation.Required)),
		validation.Field(&c.Interval, validation.When(c.Enabled, validation.Required, validation.Min(time.Second))),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxNoteVersions, validation.Min(0)),
	)
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel:      slog.LevelInfo,
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			HTTP: HTTPConfig{
				Host: "127.0.0.1",
				Port: 8080,
			},
		},
		Notes: NotesConfig{
			Path:          "./notes",
			IOTimeout:     5 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  50 * time.Millisecond,
			Workers:       4,
		},
		Catalog: CatalogConfig{
			Path: "./kbnotes.db",
		},
		AutoSave: AutoSaveConfig{
			Enabled:  true,
			Debounce: 2 * time.Second,
		},
		Backup: BackupConfig{
			Enabled:         true,
			Dir:             "./backups",
			Interval:        time.Hour,
			MaxBackups:      10,
			MaxNoteVersions: 20,
		},
	}
}
