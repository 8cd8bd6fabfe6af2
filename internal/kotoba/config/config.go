// Package config loads the relay configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. The YAML file is checked against an embedded JSON
// Schema before it is applied, so a typo in a key fails loudly instead of
// being ignored.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "kotoba://config.schema.json"

// DefaultFallbackMessage is relayed to the room when the AI backend fails.
const DefaultFallbackMessage = "The server is busy, please try again later."

// MaxWindowSize bounds KOTOBA_WINDOW_SIZE. Keep schema.json in step.
const MaxWindowSize = 1000

// Config is the complete relay configuration.
type Config struct {
	Matrix MatrixConfig `yaml:"matrix"`
	LLM    LLMConfig    `yaml:"llm"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
}

// MatrixConfig holds the chat session credentials.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" env:"MATRIX_HOMESERVER"`
	AccessToken string `yaml:"access_token" env:"MATRIX_ACCESS_TOKEN"`
	// UserID is the bot's own Matrix id. When empty it is resolved with
	// whoami at startup.
	UserID string `yaml:"user_id" env:"MATRIX_USER_ID"`
}

// LLMConfig configures the AI completion backend.
type LLMConfig struct {
	APIKey      string        `yaml:"api_key" env:"LLM_API_KEY"`
	BaseURL     string        `yaml:"base_url" env:"LLM_BASE_URL"`
	Model       string        `yaml:"model" env:"LLM_MODEL"`
	MaxTokens   int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS"`
	Temperature float64       `yaml:"temperature" env:"LLM_TEMPERATURE"`
	Timeout     time.Duration `yaml:"timeout" env:"LLM_TIMEOUT"`
}

// RelayConfig configures the relay itself.
type RelayConfig struct {
	// DBPath is the SQLite file holding the message log and sync state.
	DBPath string `yaml:"db_path" env:"KOTOBA_DB_PATH"`
	// WindowSize is how many recent messages form the context window.
	WindowSize int `yaml:"window_size" env:"KOTOBA_WINDOW_SIZE"`
	// MaxConcurrentTurns bounds in-flight AI calls across rooms.
	MaxConcurrentTurns int `yaml:"max_concurrent_turns" env:"KOTOBA_MAX_CONCURRENT_TURNS"`
	// FallbackMessage is sent when the backend call fails.
	FallbackMessage string `yaml:"fallback_message" env:"KOTOBA_FALLBACK_MESSAGE"`
	// HealthAddr enables the /health and /status server when non-empty.
	HealthAddr      string        `yaml:"health_addr" env:"KOTOBA_HEALTH_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"KOTOBA_SHUTDOWN_TIMEOUT"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:       "gpt-3.5-turbo",
			MaxTokens:   2048,
			Temperature: 1,
			Timeout:     120 * time.Second,
		},
		Relay: RelayConfig{
			DBPath:             "./data/kotoba.db",
			WindowSize:         10,
			MaxConcurrentTurns: 4,
			FallbackMessage:    DefaultFallbackMessage,
			ShutdownTimeout:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is non-empty) and the environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.ApplyYAML(data); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// ApplyYAML validates data against the configuration schema and overlays the
// keys it sets onto cfg. cfg is left untouched when validation fails.
func (cfg *Config) ApplyYAML(data []byte) error {
	if err := validateDocument(data); err != nil {
		return err
	}
	next := *cfg
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	*cfg = next
	return nil
}

// Validate reports every missing or out-of-range value needed by `run`.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("MATRIX_HOMESERVER is required"))
	}
	if cfg.Matrix.AccessToken == "" {
		errs = append(errs, errors.New("MATRIX_ACCESS_TOKEN is required"))
	}
	if cfg.Relay.DBPath == "" {
		errs = append(errs, errors.New("KOTOBA_DB_PATH must not be empty"))
	}
	if cfg.Relay.WindowSize < 1 || cfg.Relay.WindowSize > MaxWindowSize {
		errs = append(errs, fmt.Errorf("KOTOBA_WINDOW_SIZE must be between 1 and %d, got %d", MaxWindowSize, cfg.Relay.WindowSize))
	}
	if cfg.Relay.MaxConcurrentTurns < 1 {
		errs = append(errs, fmt.Errorf("KOTOBA_MAX_CONCURRENT_TURNS must be at least 1, got %d", cfg.Relay.MaxConcurrentTurns))
	}
	if strings.TrimSpace(cfg.Relay.FallbackMessage) == "" {
		errs = append(errs, errors.New("KOTOBA_FALLBACK_MESSAGE must not be blank"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("LLM_MODEL must not be empty"))
	}
	if cfg.LLM.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must be at least 1, got %d", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be within [0, 2], got %g", cfg.LLM.Temperature))
	}
	return errors.Join(errs...)
}

// validateDocument checks a YAML document against the embedded schema.
func validateDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	// The schema validator expects encoding/json value types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config must be a mapping with string keys: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("normalise yaml: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load config schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return schema, nil
}
