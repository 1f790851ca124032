package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clarvis/internal/session"
)

// Config is the server configuration. Values are resolved from defaults,
// then the YAML file, then CLARVIS_* environment variables; command-line
// flags are applied on top by the caller.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ProjectsRoot string `yaml:"projects_root"`

	DefaultModel          string        `yaml:"default_model"`
	DefaultPermissionMode string        `yaml:"default_permission_mode"`
	PermissionTimeout     time.Duration `yaml:"permission_timeout"`

	// ArchiveAfter is the inactivity threshold for auto-archiving. Zero
	// disables it.
	ArchiveAfter    time.Duration `yaml:"archive_after"`
	ArchiveSchedule string        `yaml:"archive_schedule,omitempty"`

	ClaudeCommand string `yaml:"claude_command"`
	ClaudeArgs    string `yaml:"claude_args,omitempty"`

	ActivityLog bool `yaml:"activity_log"`
	// Actor names whoever runs the server in activity log entries. Empty
	// means detect it from git or the OS account.
	Actor string `yaml:"actor,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                  "127.0.0.1",
		Port:                  3000,
		ProjectsRoot:          "~/projects",
		DefaultModel:          "sonnet",
		DefaultPermissionMode: session.PermissionModeDefault,
		PermissionTimeout:     5 * time.Minute,
		ClaudeCommand:         "claude",
		ActivityLog:           true,
	}
}

// ConfigDir returns the clarvis configuration directory (~/.clarvis/).
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".clarvis")
	}
	return filepath.Join(home, ".clarvis")
}

// DefaultPath returns ~/.clarvis/config.yaml.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ActivityLogPath returns the activity log location.
func ActivityLogPath() string {
	return filepath.Join(ConfigDir(), "logs", "activity.jsonl")
}

// Load resolves the configuration from the file at path and the
// environment. A missing file is not an error. getenv is usually
// os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if getenv != nil {
		if err := cfg.applyEnv(getenv); err != nil {
			return nil, err
		}
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("CLARVIS_HOST", &c.Host)
	str("CLARVIS_PROJECTS_ROOT", &c.ProjectsRoot)
	str("CLARVIS_DEFAULT_MODEL", &c.DefaultModel)
	str("CLARVIS_ARCHIVE_SCHEDULE", &c.ArchiveSchedule)
	str("CLARVIS_CLAUDE_COMMAND", &c.ClaudeCommand)
	str("CLARVIS_CLAUDE_ARGS", &c.ClaudeArgs)
	str("CLARVIS_ACTOR", &c.Actor)

	if v := strings.TrimSpace(getenv("CLARVIS_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CLARVIS_PORT: %w", err)
		}
		c.Port = port
	}
	if err := dur("CLARVIS_PERMISSION_TIMEOUT", &c.PermissionTimeout); err != nil {
		return err
	}
	if err := dur("CLARVIS_ARCHIVE_AFTER", &c.ArchiveAfter); err != nil {
		return err
	}
	if v := strings.TrimSpace(getenv("CLARVIS_ACTIVITY_LOG")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLARVIS_ACTIVITY_LOG: %w", err)
		}
		c.ActivityLog = b
	}
	return nil
}

// Finalize expands paths and validates the result. Callers that modify
// the config after Load (e.g. from flags) should call it again.
func (c *Config) Finalize() error {
	c.ProjectsRoot = ExpandHome(c.ProjectsRoot)
	return c.validate()
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.PermissionTimeout < 0 {
		return errors.New("permission_timeout must not be negative")
	}
	if c.ArchiveAfter < 0 {
		return errors.New("archive_after must not be negative")
	}
	if c.DefaultPermissionMode != "" && !session.ValidPermissionMode(c.DefaultPermissionMode) {
		return fmt.Errorf("default_permission_mode: unknown mode %q", c.DefaultPermissionMode)
	}
	if strings.TrimSpace(c.ClaudeCommand) == "" {
		return errors.New("claude_command must not be empty")
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// WriteDefault writes the default configuration to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
