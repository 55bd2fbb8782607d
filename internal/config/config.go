package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all aura configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Kernel tick loop and snapshot key
	Kernel KernelConfig `yaml:"kernel"`

	// Resonance tracker constants
	Resonance ResonanceConfig `yaml:"resonance"`

	// Snapshot migration policy
	Migration MigrationConfig `yaml:"migration"`

	// Durable key-value store
	Store StoreConfig `yaml:"store"`

	// Background computation bridge
	Bridge BridgeConfig `yaml:"bridge"`

	// LLM backend used by the bridge worker
	LLM LLMConfig `yaml:"llm"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// KernelConfig configures the kernel runtime.
type KernelConfig struct {
	TickInterval string `yaml:"tick_interval"` // Wall-clock period of one logical tick
	StateKey     string `yaml:"state_key"`     // KV key the settled tree is saved under
}

// ResonanceConfig configures the frequency resonance tracker.
type ResonanceConfig struct {
	Increment float64 `yaml:"increment"` // Added per in-namespace command
	Max       float64 `yaml:"max"`       // Score clamp
	Decay     float64 `yaml:"decay"`     // Multiplier applied every tick, in (0,1)
	Threshold float64 `yaml:"threshold"` // Entries below this are removed
}

// MigrationConfig configures the snapshot migration chain.
type MigrationConfig struct {
	// Strict turns a missing intermediate step into a hard failure.
	// When false the step is skipped with a warning.
	Strict bool `yaml:"strict"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // sqlite, badger, memory
	Path       string `yaml:"path"`    // File (sqlite) or directory (badger), relative to workspace
	SyncWrites bool   `yaml:"sync_writes"`
}

// BridgeConfig configures the async computation bridge.
type BridgeConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"` // 0 = unlimited
	Burst         int     `yaml:"burst"`
	Timeout       string  `yaml:"timeout"`
	Workers       int     `yaml:"workers"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ValidBackends lists all supported store backends.
var ValidBackends = []string{"sqlite", "badger", "memory"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "aura",
		Version: "1.0.0",

		Kernel: KernelConfig{
			TickInterval: "1s",
			StateKey:     "aura/state",
		},

		Resonance: ResonanceConfig{
			Increment: 1.0,
			Max:       10.0,
			Decay:     0.9,
			Threshold: 0.01,
		},

		Migration: MigrationConfig{
			Strict: true,
		},

		Store: StoreConfig{
			Backend:    "sqlite",
			Path:       ".aura/state.db",
			SyncWrites: true,
		},

		Bridge: BridgeConfig{
			RatePerSecond: 2,
			Burst:         1,
			Timeout:       "120s",
			Workers:       1,
		},

		LLM: LLMConfig{
			Provider: "echo",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   ".aura/logs/aura.log",
		},
	}
}

// DefaultPath returns the config file location for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".aura", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// envOverrides lists the environment variables that win over the file.
type envOverrides struct {
	StoreBackend string  `env:"AURA_STORE_BACKEND"`
	StorePath    string  `env:"AURA_STORE_PATH"`
	LogLevel     string  `env:"AURA_LOG_LEVEL"`
	Debug        *bool   `env:"AURA_DEBUG"`
	TickInterval string  `env:"AURA_TICK_INTERVAL"`
	GeminiAPIKey string  `env:"GEMINI_API_KEY"`
	LLMModel     string  `env:"AURA_LLM_MODEL"`
	MetricsAddr  string  `env:"AURA_METRICS_ADDR"`
	BridgeRate   float64 `env:"AURA_BRIDGE_RATE"`
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	if o.StoreBackend != "" {
		c.Store.Backend = o.StoreBackend
	}
	if o.StorePath != "" {
		c.Store.Path = o.StorePath
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.Debug != nil {
		c.Logging.DebugMode = *o.Debug
	}
	if o.TickInterval != "" {
		c.Kernel.TickInterval = o.TickInterval
	}

	// A Gemini key switches the bridge worker to the real model
	if o.GeminiAPIKey != "" {
		c.LLM.APIKey = o.GeminiAPIKey
		c.LLM.Provider = "genai"
	}
	if o.LLMModel != "" {
		c.LLM.Model = o.LLMModel
	}

	if o.MetricsAddr != "" {
		c.Metrics.Addr = o.MetricsAddr
		c.Metrics.Enabled = true
	}
	if o.BridgeRate > 0 {
		c.Bridge.RatePerSecond = o.BridgeRate
	}
	return nil
}

// ResolvePaths makes workspace-relative paths absolute.
func (c *Config) ResolvePaths(workspace string) {
	if c.Store.Path != "" && !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(workspace, c.Store.Path)
	}
	if c.Logging.File != "" && !filepath.IsAbs(c.Logging.File) {
		c.Logging.File = filepath.Join(workspace, c.Logging.File)
	}
}

// GetTickInterval returns the tick interval as a duration.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.Kernel.TickInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// GetBridgeTimeout returns the bridge invocation timeout as a duration.
func (c *Config) GetBridgeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Bridge.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validBackend := false
	for _, b := range ValidBackends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store path required for backend %s", c.Store.Backend)
	}

	r := c.Resonance
	if r.Increment <= 0 {
		return fmt.Errorf("resonance increment must be positive, got %v", r.Increment)
	}
	if r.Max < r.Increment {
		return fmt.Errorf("resonance max (%v) must be >= increment (%v)", r.Max, r.Increment)
	}
	if r.Decay <= 0 || r.Decay >= 1 {
		return fmt.Errorf("resonance decay must be in (0,1), got %v", r.Decay)
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("resonance threshold must be positive, got %v", r.Threshold)
	}

	if _, err := time.ParseDuration(c.Kernel.TickInterval); err != nil {
		return fmt.Errorf("invalid tick interval %q: %w", c.Kernel.TickInterval, err)
	}
	if c.Kernel.StateKey == "" {
		return fmt.Errorf("kernel state key must not be empty")
	}

	return c.LLM.Validate()
}
