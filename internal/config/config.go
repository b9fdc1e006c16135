package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Dir         = ".beesto"
	ConfigFile  = "config.yaml"
	StoreFile   = "history.db"
	LogDir      = "logs"
	WorktreeDir = "worktrees"
)

// Defaults applied when the corresponding config field is empty.
const (
	DefaultReadyTimeout = 60 * time.Second
	DefaultOutputLimit  = 500
	DefaultModel        = "llama-3.3-70b"
	DefaultTemperature  = 0.7
	DefaultHistory      = 10
	DefaultEndpoint     = "http://localhost:3000/api/ai/chat"
)

type Config struct {
	Version   string    `yaml:"version"`
	Project   string    `yaml:"project"`
	Language  string    `yaml:"language"`
	Image     Image     `yaml:"image"`
	Defaults  Defaults  `yaml:"defaults"`
	Sandbox   Sandbox   `yaml:"sandbox"`
	LLM       LLM       `yaml:"llm"`
	Store     Store     `yaml:"store,omitempty"`
	Telemetry Telemetry `yaml:"telemetry,omitempty"`
}

type Image struct {
	Base       string   `yaml:"base"`
	Dockerfile string   `yaml:"dockerfile"`
	Packages   []string `yaml:"packages"`
}

type Defaults struct {
	Ports  []int             `yaml:"ports"`
	Env    map[string]string `yaml:"env"`
	Mounts []string          `yaml:"mounts"`
}

// Sandbox configures the session lifecycle commands run inside the container.
type Sandbox struct {
	Install      string        `yaml:"install"`
	Dev          string        `yaml:"dev"`
	ReadyTimeout time.Duration `yaml:"ready_timeout,omitempty"`
	OutputLimit  int           `yaml:"output_limit,omitempty"`
	Ignore       []string      `yaml:"ignore,omitempty"`
	Worktree     *bool         `yaml:"worktree,omitempty"`
}

// LLM configures the completion endpoint used for chat and planning.
type LLM struct {
	Endpoint    string  `yaml:"endpoint"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	APIKeyEnv   string  `yaml:"api_key_env,omitempty"`
	History     int     `yaml:"history,omitempty"`
}

type Store struct {
	Path string `yaml:"path,omitempty"`
}

type Telemetry struct {
	APIKey   string `yaml:"api_key,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// UseWorktree reports whether the sandbox tree should live in a git worktree.
func (s Sandbox) UseWorktree() bool { return s.Worktree == nil || *s.Worktree }

// IgnoreDirs returns the directory names skipped when reading the sandbox tree.
func (s Sandbox) IgnoreDirs() []string {
	if len(s.Ignore) > 0 {
		return s.Ignore
	}
	return []string{"node_modules", ".git"}
}

// APIKey resolves the LLM API key from the configured environment variable.
func (l LLM) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// ApplyDefaults fills empty fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.Sandbox.ReadyTimeout <= 0 {
		c.Sandbox.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Sandbox.OutputLimit <= 0 {
		c.Sandbox.OutputLimit = DefaultOutputLimit
	}
	if c.LLM.Endpoint == "" {
		c.LLM.Endpoint = DefaultEndpoint
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = DefaultTemperature
	}
	if c.LLM.History <= 0 {
		c.LLM.History = DefaultHistory
	}
}

// StorePath returns the history database path for projectDir.
func (c *Config) StorePath(projectDir string) string {
	if c.Store.Path != "" {
		if filepath.IsAbs(c.Store.Path) {
			return c.Store.Path
		}
		return filepath.Join(projectDir, c.Store.Path)
	}
	return filepath.Join(projectDir, Dir, StoreFile)
}

// Load reads config from .beesto/config.yaml relative to projectDir.
func Load(projectDir string) (*Config, error) {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes config to .beesto/config.yaml relative to projectDir.
func Save(projectDir string, cfg *Config) error {
	dir := filepath.Join(projectDir, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	path := filepath.Join(dir, ConfigFile)
	return os.WriteFile(path, data, 0o644)
}

// ConfigPath returns the path to the config directory.
func ConfigPath(projectDir string) string {
	return filepath.Join(projectDir, Dir)
}

// Exists returns true if .beesto/config.yaml exists.
func Exists(projectDir string) bool {
	path := filepath.Join(projectDir, Dir, ConfigFile)
	_, err := os.Stat(path)
	return err == nil
}
