package config_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/kotoba/internal/kotoba/config"
)

// clearEnv blanks every variable the loader reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MATRIX_HOMESERVER", "MATRIX_ACCESS_TOKEN", "MATRIX_USER_ID",
		"LLM_API_KEY", "LLM_BASE_URL", "LLM_MODEL", "LLM_MAX_TOKENS", "LLM_TEMPERATURE", "LLM_TIMEOUT",
		"KOTOBA_DB_PATH", "KOTOBA_WINDOW_SIZE", "KOTOBA_MAX_CONCURRENT_TURNS", "KOTOBA_FALLBACK_MESSAGE",
		"KOTOBA_HEALTH_ADDR", "KOTOBA_SHUTDOWN_TIMEOUT",
		"LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kotoba.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.WindowSize != 10 {
		t.Errorf("expected window size 10, got %d", cfg.Relay.WindowSize)
	}
	if cfg.LLM.MaxTokens != 2048 || cfg.LLM.Temperature != 1 || cfg.LLM.Model != "gpt-3.5-turbo" {
		t.Errorf("unexpected LLM defaults: %+v", cfg.LLM)
	}
	if cfg.Relay.FallbackMessage != "The server is busy, please try again later." {
		t.Errorf("unexpected fallback message %q", cfg.Relay.FallbackMessage)
	}
	if cfg.Relay.HealthAddr != "" {
		t.Errorf("expected health server disabled by default, got %q", cfg.Relay.HealthAddr)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
matrix:
  homeserver: https://file.example
  access_token: file-token
relay:
  window_size: 6
  shutdown_timeout: 5s
llm:
  model: file-model
log:
  level: debug
`)
	t.Setenv("MATRIX_HOMESERVER", "https://env.example")
	t.Setenv("KOTOBA_WINDOW_SIZE", "3")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matrix.Homeserver != "https://env.example" {
		t.Errorf("env should win over file, got %q", cfg.Matrix.Homeserver)
	}
	if cfg.Matrix.AccessToken != "file-token" {
		t.Errorf("file value should survive when env is unset, got %q", cfg.Matrix.AccessToken)
	}
	if cfg.Relay.WindowSize != 3 {
		t.Errorf("expected window size 3, got %d", cfg.Relay.WindowSize)
	}
	if cfg.Relay.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s shutdown timeout, got %s", cfg.Relay.ShutdownTimeout)
	}
	if cfg.LLM.Model != "file-model" || cfg.Log.Level != "debug" {
		t.Errorf("file values not applied: %+v %+v", cfg.LLM, cfg.Log)
	}
	// Keys absent from the file keep their defaults.
	if cfg.LLM.MaxTokens != 2048 {
		t.Errorf("expected default max tokens, got %d", cfg.LLM.MaxTokens)
	}
}

func TestLoad_EnvDurationAndFloat(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_TIMEOUT", "45s")
	t.Setenv("LLM_TEMPERATURE", "0.2")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Timeout != 45*time.Second || cfg.LLM.Temperature != 0.2 {
		t.Fatalf("unexpected LLM config: %+v", cfg.LLM)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("KOTOBA_WINDOW_SIZE", "ten")
	if _, err := config.Load(""); err == nil {
		t.Fatal("expected error for non-numeric window size")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyYAML_SchemaRejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top-level key", "matrics:\n  homeserver: https://x\n"},
		{"unknown nested key", "relay:\n  window: 4\n"},
		{"window below one", "relay:\n  window_size: 0\n"},
		{"window above maximum", "relay:\n  window_size: 1001\n"},
		{"window near max int", "relay:\n  window_size: 9223372036854775807\n"},
		{"temperature out of range", "llm:\n  temperature: 3\n"},
		{"bad duration", "llm:\n  timeout: soon\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"homeserver without scheme", "matrix:\n  homeserver: matrix.example\n"},
		{"not a mapping", "- a\n- b\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			before := *cfg
			if err := cfg.ApplyYAML([]byte(tt.doc)); err == nil {
				t.Fatalf("expected schema error for %q", tt.doc)
			}
			if *cfg != before {
				t.Errorf("config modified by rejected document: %+v", cfg)
			}
		})
	}
}

func TestApplyYAML_EmptyDocument(t *testing.T) {
	cfg := config.Default()
	if err := cfg.ApplyYAML([]byte("# nothing here\n")); err != nil {
		t.Fatalf("ApplyYAML: %v", err)
	}
	if *cfg != *config.Default() {
		t.Fatalf("empty document changed config: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg := config.Default()
		cfg.Matrix.Homeserver = "https://matrix.example"
		cfg.Matrix.AccessToken = "syt_token"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing homeserver", func(c *config.Config) { c.Matrix.Homeserver = "" }, "MATRIX_HOMESERVER"},
		{"missing token", func(c *config.Config) { c.Matrix.AccessToken = "" }, "MATRIX_ACCESS_TOKEN"},
		{"zero window", func(c *config.Config) { c.Relay.WindowSize = 0 }, "KOTOBA_WINDOW_SIZE"},
		{"window above maximum", func(c *config.Config) { c.Relay.WindowSize = config.MaxWindowSize + 1 }, "KOTOBA_WINDOW_SIZE"},
		{"window max int", func(c *config.Config) { c.Relay.WindowSize = math.MaxInt }, "KOTOBA_WINDOW_SIZE"},
		{"zero concurrency", func(c *config.Config) { c.Relay.MaxConcurrentTurns = 0 }, "KOTOBA_MAX_CONCURRENT_TURNS"},
		{"blank fallback", func(c *config.Config) { c.Relay.FallbackMessage = "  " }, "KOTOBA_FALLBACK_MESSAGE"},
		{"negative temperature", func(c *config.Config) { c.LLM.Temperature = -1 }, "LLM_TEMPERATURE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
