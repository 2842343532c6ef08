// Package config provides the configuration types, defaults and file loading
// for the assistant daemon. Files are YAML, resolved through viper with
// environment variable overrides (prefix ASSISTANT, dots become underscores).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all daemon configuration.
type Config struct {
	Provider      ProviderConfig      `mapstructure:"provider"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Enrichments   EnrichmentsConfig   `mapstructure:"enrichments"`
	Log           LogConfig           `mapstructure:"log"`
}

// ProviderConfig selects and tunes the AI providers.
type ProviderConfig struct {
	// Default names the provider used when a session does not pick one.
	// Valid values: "anthropic", "openai".
	Default string `mapstructure:"default"`

	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
}

// AnthropicConfig tunes the Anthropic adapter. The API key comes from the
// environment, never from the file.
type AnthropicConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
}

// OpenAIConfig tunes the OpenAI adapter.
type OpenAIConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	Model               string  `mapstructure:"model"`
	Temperature         float64 `mapstructure:"temperature"`
	MaxCompletionTokens int64   `mapstructure:"max_completion_tokens"`
}

// OrchestrationConfig holds the machine bounds and scheduler tuning.
type OrchestrationConfig struct {
	RetryCeiling      int           `mapstructure:"retry_ceiling"`
	ClosureDelay      time.Duration `mapstructure:"closure_delay"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`

	// CompletionTimeout auto-confirms a pending completion condition. Zero
	// keeps the session waiting for an explicit confirmation.
	CompletionTimeout time.Duration `mapstructure:"completion_timeout"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver"`

	// Path is the sqlite database file. Ignored for the memory driver.
	Path string `mapstructure:"path"`
}

// EnrichmentsConfig locates the enrichment definition directory.
type EnrichmentsConfig struct {
	Dir      string        `mapstructure:"dir"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// LogConfig tunes structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Provider: ProviderConfig{
			Default: "anthropic",
			Anthropic: AnthropicConfig{
				Enabled:     true,
				Model:       "claude-3-5-haiku-latest",
				Temperature: 0.7,
				MaxTokens:   4096,
			},
			OpenAI: OpenAIConfig{
				Model:               "gpt-4o-mini",
				Temperature:         0.7,
				MaxCompletionTokens: 4096,
			},
		},
		Orchestration: OrchestrationConfig{
			RetryCeiling:      3,
			ClosureDelay:      5 * time.Second,
			RetryBackoff:      2 * time.Second,
			InactivityTimeout: 10 * time.Minute,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "assistant.db",
		},
		Enrichments: EnrichmentsConfig{
			Dir:      "enrichments",
			CacheTTL: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from file (optional) and environment. An empty
// file path searches ./assistant.yaml and ~/.config/assistant/config.yaml.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("assistant")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/assistant")
	}

	v.SetEnvPrefix("ASSISTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite or memory, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	switch c.Provider.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.default must be anthropic or openai, got %q", c.Provider.Default)
	}
	if c.Orchestration.RetryCeiling < 0 {
		return fmt.Errorf("orchestration.retry_ceiling must be >= 0")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("provider.default", d.Provider.Default)
	v.SetDefault("provider.anthropic.enabled", d.Provider.Anthropic.Enabled)
	v.SetDefault("provider.anthropic.model", d.Provider.Anthropic.Model)
	v.SetDefault("provider.anthropic.temperature", d.Provider.Anthropic.Temperature)
	v.SetDefault("provider.anthropic.max_tokens", d.Provider.Anthropic.MaxTokens)
	v.SetDefault("provider.openai.enabled", d.Provider.OpenAI.Enabled)
	v.SetDefault("provider.openai.model", d.Provider.OpenAI.Model)
	v.SetDefault("provider.openai.temperature", d.Provider.OpenAI.Temperature)
	v.SetDefault("provider.openai.max_completion_tokens", d.Provider.OpenAI.MaxCompletionTokens)
	v.SetDefault("orchestration.retry_ceiling", d.Orchestration.RetryCeiling)
	v.SetDefault("orchestration.closure_delay", d.Orchestration.ClosureDelay)
	v.SetDefault("orchestration.retry_backoff", d.Orchestration.RetryBackoff)
	v.SetDefault("orchestration.inactivity_timeout", d.Orchestration.InactivityTimeout)
	v.SetDefault("orchestration.completion_timeout", d.Orchestration.CompletionTimeout)
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("enrichments.dir", d.Enrichments.Dir)
	v.SetDefault("enrichments.cache_ttl", d.Enrichments.CacheTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
