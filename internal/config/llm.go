package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the model behind the bridge worker.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai, echo
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"genai", "echo"}

// Validate checks the provider and its credentials.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "echo":
		return nil
	case "genai":
		if c.APIKey == "" {
			return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY)")
		}
		return nil
	default:
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.Provider, ValidProviders)
	}
}

// GetTimeout returns the LLM timeout as a duration.
func (c *LLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}
