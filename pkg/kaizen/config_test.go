package kaizen

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnvExpansion(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := writeConfig(t, `
speech:
  settings:
    api_key: ${TEST_OPENAI_KEY}
telephony:
  settings:
    public_url: https://example.com
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Telephony.Provider != "twilio" {
		t.Fatalf("expected default telephony provider, got %q", cfg.Telephony.Provider)
	}
	if cfg.Speech.Provider != "openai_realtime" {
		t.Fatalf("expected default speech provider, got %q", cfg.Speech.Provider)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("expected logging defaults, got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if got := cfg.Speech.Settings["api_key"]; got != "sk-test" {
		t.Fatalf("expected env-expanded api key, got %v", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
