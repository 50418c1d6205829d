package kaizen

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process configuration. Provider settings stay free-form
// maps; they are validated and decoded into typed structs by the engine.
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	Telephony   ProviderConfig `mapstructure:"telephony"`
	Speech      ProviderConfig `mapstructure:"speech"`
}

type ProviderConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("telephony.provider", "twilio")
	v.SetDefault("speech.provider", "openai_realtime")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg.Telephony.Settings = expandSettings(cfg.Telephony.Settings)
	cfg.Speech.Settings = expandSettings(cfg.Speech.Settings)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telephony.Provider) == "" {
		return fmt.Errorf("telephony.provider is required")
	}
	if strings.TrimSpace(c.Speech.Provider) == "" {
		return fmt.Errorf("speech.provider is required")
	}
	return nil
}

// expandSettings resolves ${VAR} references so credentials can live in the
// environment rather than the config file.
func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		if s, ok := v.(string); ok {
			out[k] = os.ExpandEnv(s)
			continue
		}
		out[k] = v
	}
	return out
}
