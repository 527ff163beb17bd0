// Package batch runs playbooks on cron schedules.
package batch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Entry is one scheduled playbook run
type Entry struct {
	Name      string         `toml:"name"`
	Cron      string         `toml:"cron"`
	Project   string         `toml:"folder"`
	Playbook  string         `toml:"playbook"`
	Inventory string         `toml:"inventory"`
	Variables map[string]any `toml:"variables"`
	Disabled  bool           `toml:"disabled"`
}

// ScheduleConfig holds all scheduled runs
type ScheduleConfig struct {
	Entries []Entry `toml:"run"`
}

// Validate checks if the entry is valid
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if e.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if e.Project == "" || e.Playbook == "" {
		return fmt.Errorf("folder and playbook are required")
	}
	if e.Inventory == "" {
		e.Inventory = "inventory.ini"
	}
	return nil
}

// LoadScheduleConfig loads scheduled runs from a TOML file. A missing file
// yields an empty schedule.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for i := range cfg.Entries {
		if err := cfg.Entries[i].Validate(); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
		if seen[cfg.Entries[i].Name] {
			return nil, fmt.Errorf("run %d: duplicate name %q", i, cfg.Entries[i].Name)
		}
		seen[cfg.Entries[i].Name] = true
	}

	return &cfg, nil
}
