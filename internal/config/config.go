package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-directory config file looked up from the working directory upwards
const LocalConfigName = ".playbook-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Runner        RunnerConfig        `toml:"runner"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectsRoot       string `toml:"projects_root"`
	HistoryBackend     string `toml:"history_backend"`
	HistoryPath        string `toml:"history_path"`
	HistoryLimit       int    `toml:"history_limit"`
	OutputPreviewChars int    `toml:"output_preview_chars"`
	MaxParallelJobs    int    `toml:"max_parallel_jobs"`
	MaxRetainedJobs    int    `toml:"max_retained_jobs"`
	SchedulePath       string `toml:"schedule_path"`
}

// RunnerConfig describes how a playbook run is turned into a process
type RunnerConfig struct {
	// Command is the executable to launch. When empty the runnable itself is executed.
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Timeout string            `toml:"timeout"`
	Debug   bool              `toml:"debug"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			ProjectsRoot:       filepath.Join(home, "ansible"),
			HistoryBackend:     "file",
			HistoryPath:        filepath.Join(home, ".playbook-orchestrator", "history.json"),
			HistoryLimit:       100,
			OutputPreviewChars: 500,
			MaxParallelJobs:    4,
			SchedulePath:       filepath.Join(home, ".config", "playbook-orchestrator", "schedule.toml"),
		},
		Runner: RunnerConfig{
			Command: "ansible-playbook",
			Args:    []string{"-i", "{inventory}", "{runnable}"},
			Env:     map[string]string{"ANSIBLE_FORCE_COLOR": "true"},
		},
		Web: WebConfig{
			Port: 8000,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectsRoot = ExpandPath(cfg.General.ProjectsRoot)
	cfg.General.HistoryPath = ExpandPath(cfg.General.HistoryPath)
	cfg.General.SchedulePath = ExpandPath(cfg.General.SchedulePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	switch c.General.HistoryBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown history_backend %q (expected file or sqlite)", c.General.HistoryBackend)
	}
	if c.General.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive, got %d", c.General.HistoryLimit)
	}
	if c.General.MaxParallelJobs < 0 {
		return fmt.Errorf("max_parallel_jobs must not be negative")
	}
	if _, err := c.Runner.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// TimeoutDuration parses the optional run timeout. Zero means no deadline.
func (r RunnerConfig) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid runner timeout %q: %w", r.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("runner timeout must not be negative")
	}
	return d, nil
}

// Addr returns the listen address of the web API
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "playbook-orchestrator", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName.
// Returns an empty string when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a local
// config found upwards from the working directory, otherwise the global one.
func LoadWithLocalFallback(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
