package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "aura", cfg.Name)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.True(t, cfg.Migration.Strict)
	assert.Equal(t, time.Second, cfg.GetTickInterval())
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Store.Backend = "badger"
	cfg.Resonance.Decay = 0.5
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", loaded.Store.Backend)
	assert.Equal(t, 0.5, loaded.Resonance.Decay)
	assert.Equal(t, cfg.Kernel.StateKey, loaded.Kernel.StateKey)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store, cfg.Store)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernel: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("store and logging", func(t *testing.T) {
		t.Setenv("AURA_STORE_BACKEND", "memory")
		t.Setenv("AURA_LOG_LEVEL", "debug")
		t.Setenv("AURA_DEBUG", "true")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, "memory", cfg.Store.Backend)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Logging.DebugMode)
	})

	t.Run("gemini key switches provider", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "g-key")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.Equal(t, "genai", cfg.LLM.Provider)
		assert.Equal(t, "g-key", cfg.LLM.APIKey)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("metrics address enables metrics", func(t *testing.T) {
		t.Setenv("AURA_METRICS_ADDR", ":9999")

		cfg := DefaultConfig()
		require.NoError(t, cfg.applyEnvOverrides())
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, ":9999", cfg.Metrics.Addr)
	})

	t.Run("bad bool is an error", func(t *testing.T) {
		t.Setenv("AURA_DEBUG", "maybe")
		cfg := DefaultConfig()
		assert.Error(t, cfg.applyEnvOverrides())
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"missing path", func(c *Config) { c.Store.Path = "" }},
		{"decay of one", func(c *Config) { c.Resonance.Decay = 1 }},
		{"zero increment", func(c *Config) { c.Resonance.Increment = 0 }},
		{"max below increment", func(c *Config) { c.Resonance.Max = 0.5 }},
		{"zero threshold", func(c *Config) { c.Resonance.Threshold = 0 }},
		{"negative threshold", func(c *Config) { c.Resonance.Threshold = -0.1 }},
		{"bad tick interval", func(c *Config) { c.Kernel.TickInterval = "soon" }},
		{"genai without key", func(c *Config) { c.LLM.Provider = "genai"; c.LLM.APIKey = "" }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "oracle" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	mem := DefaultConfig()
	mem.Store.Backend = "memory"
	mem.Store.Path = ""
	assert.NoError(t, mem.Validate())
}

func TestResolvePaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResolvePaths("/work")
	assert.Equal(t, filepath.Join("/work", ".aura", "state.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join("/work", ".aura", "logs", "aura.log"), cfg.Logging.File)

	cfg.ResolvePaths("/elsewhere")
	assert.Equal(t, filepath.Join("/work", ".aura", "state.db"), cfg.Store.Path, "absolute paths are kept")
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	w, err := Watch(ctx, path, func(c *Config) { changes <- c })
	require.NoError(t, err)
	defer w.Close()

	updated := DefaultConfig()
	updated.Logging.Level = "warn"
	require.NoError(t, updated.Save(path))

	select {
	case c := <-changes:
		assert.Equal(t, "warn", c.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("expected reload after write")
	}
}
