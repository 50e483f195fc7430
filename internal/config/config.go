package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Retry         RetryConfig         `toml:"retry"`
	Workspace     WorkspaceConfig     `toml:"workspace"`
	Agent         AgentConfig         `toml:"agent"`
	Validation    ValidationConfig    `toml:"validation"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	RepoDir      string `toml:"repo_dir"`
	DatabasePath string `toml:"database_path"`
	PlansDir     string `toml:"plans_dir"`
	MaxWorkers   int    `toml:"max_workers"`
}

// RetryConfig controls per-task retry behavior
type RetryConfig struct {
	MaxAttempts  int   `toml:"max_attempts"`
	DelaySeconds []int `toml:"delay_seconds"`
}

// Delays converts the configured schedule to durations.
func (r RetryConfig) Delays() []time.Duration {
	delays := make([]time.Duration, len(r.DelaySeconds))
	for i, s := range r.DelaySeconds {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}

// WorkspaceConfig holds workspace lifecycle settings
type WorkspaceConfig struct {
	Dir               string `toml:"dir"`
	KeepAfterSuccess  bool   `toml:"keep_after_success"`
	StaleAfterDays    int    `toml:"stale_after_days"`
	CleanupCron       string `toml:"cleanup_cron"`
	DeleteStaleBranch bool   `toml:"delete_stale_branch"`
}

// AgentConfig holds settings for the external agent CLI
type AgentConfig struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	TimeoutMinutes int      `toml:"timeout_minutes"`
}

// ValidationConfig controls validation rounds
type ValidationConfig struct {
	MaxRounds int `toml:"max_rounds"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			RepoDir:      "",
			DatabasePath: filepath.Join(home, ".taskmill", "taskmill.db"),
			PlansDir:     filepath.Join(home, ".taskmill", "plans"),
			MaxWorkers:   3,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			DelaySeconds: []int{1, 2},
		},
		Workspace: WorkspaceConfig{
			Dir:               filepath.Join(home, ".taskmill", "workspaces"),
			StaleAfterDays:    7,
			CleanupCron:       "0 3 * * *",
			DeleteStaleBranch: true,
		},
		Agent: AgentConfig{
			Command:        "taskmill-agent",
			TimeoutMinutes: 30,
		},
		Validation: ValidationConfig{
			MaxRounds: 3,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
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
		return nil, err
	}

	// Expand paths
	cfg.General.RepoDir = ExpandPath(cfg.General.RepoDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.PlansDir = ExpandPath(cfg.General.PlansDir)
	cfg.Workspace.Dir = ExpandPath(cfg.Workspace.Dir)

	if cfg.General.MaxWorkers < 1 {
		return nil, fmt.Errorf("general.max_workers must be at least 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry.max_attempts must be at least 1")
	}

	return cfg, nil
}

// Save writes the config as TOML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
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
	return filepath.Join(home, ".config", "taskmill", "config.toml")
}
