// Package config provides configuration management for Automaker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Automaker.
type Config struct {
	Project   ProjectConfig   `mapstructure:"project"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ProjectConfig identifies the repository whose features are orchestrated.
type ProjectConfig struct {
	// Root is the path to the project repository. Default: current directory.
	Root string `mapstructure:"root"`
}

// DatabaseConfig holds SQLite database configuration.
type DatabaseConfig struct {
	// Path is the SQLite database file location.
	// Default: ~/.automaker/automaker.db
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// WorkspaceConfig holds Git worktree configuration for isolated feature
// workspaces.
type WorkspaceConfig struct {
	// BasePath is the base directory for workspace checkouts.
	// Supports ~ expansion. Default: ~/.automaker/workspaces
	BasePath string `mapstructure:"basePath"`

	// BranchPrefix is prepended to feature ids to form branch names.
	// Default: automaker/
	BranchPrefix string `mapstructure:"branchPrefix"`

	// DefaultBranch is the base branch workspaces are created from when the
	// repository head cannot be resolved. Default: main
	DefaultBranch string `mapstructure:"defaultBranch"`

	// MaxActive caps the number of concurrently allocated workspaces.
	// Default: 10
	MaxActive int `mapstructure:"maxActive"`
}

// SchedulerConfig holds feature scheduler configuration.
type SchedulerConfig struct {
	// AutoStart enables the background loop that starts ready features.
	AutoStart bool `mapstructure:"autoStart"`

	// ProcessIntervalSeconds is how often the scheduler scans for ready work.
	ProcessIntervalSeconds int `mapstructure:"processIntervalSeconds"`

	// MaxConcurrent caps concurrently running agent sessions.
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

// ProcessInterval returns the scan interval as a time.Duration.
func (s *SchedulerConfig) ProcessInterval() time.Duration {
	return time.Duration(s.ProcessIntervalSeconds) * time.Second
}

// AgentConfig holds agent runner configuration.
type AgentConfig struct {
	// Command is the agent CLI binary launched per session.
	Command string `mapstructure:"command"`

	// Model is an optional model override passed to the agent.
	Model string `mapstructure:"model"`
}

// detectDefaultLogFormat returns json for production-looking environments and
// a human-readable console format otherwise.
func detectDefaultLogFormat() string {
	if env := os.Getenv("AUTOMAKER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("project.root", ".")

	v.SetDefault("database.path", "~/.automaker/automaker.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "automaker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("workspace.basePath", "~/.automaker/workspaces")
	v.SetDefault("workspace.branchPrefix", "automaker/")
	v.SetDefault("workspace.defaultBranch", "main")
	v.SetDefault("workspace.maxActive", 10)

	v.SetDefault("scheduler.autoStart", false)
	v.SetDefault("scheduler.processIntervalSeconds", 5)
	v.SetDefault("scheduler.maxConcurrent", 3)

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.model", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AUTOMAKER_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AUTOMAKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.automaker")
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.maxConcurrent must be positive, got %d", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.ProcessIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.processIntervalSeconds must be positive, got %d", cfg.Scheduler.ProcessIntervalSeconds)
	}
	if cfg.Workspace.MaxActive <= 0 {
		return fmt.Errorf("workspace.maxActive must be positive, got %d", cfg.Workspace.MaxActive)
	}
	if cfg.Workspace.BranchPrefix == "" {
		return fmt.Errorf("workspace.branchPrefix must not be empty")
	}
	return nil
}
