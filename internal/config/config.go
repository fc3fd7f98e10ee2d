// Package config loads the cerebro TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Queue        QueueConfig        `toml:"queue"`
	Maestro      MaestroConfig      `toml:"maestro"`
	Review       ReviewConfig       `toml:"review"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Matrix       MatrixConfig       `toml:"matrix"`
	Notify       NotifyConfig       `toml:"notify"`
	Path         string             `toml:"-"`
}

type QueueConfig struct {
	DBPath string `toml:"db_path"`
}

type MaestroConfig struct {
	Binary           string   `toml:"binary"`
	Workdir          string   `toml:"workdir"`
	InstructionsFile string   `toml:"instructions_file"`
	TimeoutSeconds   int      `toml:"timeout_seconds"`
	PlanningChain    []string `toml:"planning_chain"`
	ExecutionChain   []string `toml:"execution_chain"`
}

type ReviewConfig struct {
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	LogPath string `toml:"log_path"`
	// APIKey is normally supplied via OPENROUTER_API_KEY instead.
	APIKey string `toml:"api_key"`
}

type OrchestratorConfig struct {
	MaxRetries          int    `toml:"max_retries"`
	RetryDelaySeconds   int    `toml:"retry_delay_seconds"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	AgentFilter         string `toml:"agent_filter"`
}

type MatrixConfig struct {
	Root       string `toml:"root"`
	MatrixDir  string `toml:"matrix_dir"`
	MaxRetries int    `toml:"max_retries"`
}

type NotifyConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

// Load reads the config at path, falling back to ~/.cerebro/config.toml.
// A missing file at the default location yields a zero Config so every
// component falls back to its own defaults.
func Load(path string) (Config, error) {
	usedDefault := path == ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	raw, err := os.ReadFile(resolved)
	if err != nil {
		if usedDefault && os.IsNotExist(err) {
			return Config{Path: resolved}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cerebro/config.toml"
	}
	return filepath.Join(home, ".cerebro", "config.toml")
}
