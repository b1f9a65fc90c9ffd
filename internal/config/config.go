// Package config loads transbook settings from an optional TOML file with
// environment overrides for credentials.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Env holds settings that only make sense as environment variables.
type Env struct {
	APIKey  string `envconfig:"OPENAI_API_KEY"`
	BaseURL string `envconfig:"OPENAI_BASE_URL"`
}

// Config is the full runtime configuration.
type Config struct {
	Model           string  `toml:"model"`
	OutDir          string  `toml:"out_dir"`
	StatePath       string  `toml:"state_path"`
	ChunkChars      int     `toml:"chunk_chars"`
	Workers         int     `toml:"workers"`
	MaxRetries      int     `toml:"max_retries"`
	RequestsPerSec  float64 `toml:"requests_per_sec"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	TargetLanguage  string  `toml:"target_language"`
	TerminologyPath string  `toml:"terminology_path"`
	BaseDomain      string  `toml:"base_domain"`
	TranslatorName  string  `toml:"translator_name"`
	ExportMarkdown  bool    `toml:"export_markdown"`

	Env Env `toml:"-"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Model:          "gpt-5.2",
		OutDir:         "out",
		StatePath:      "out/transbook.db",
		ChunkChars:     8000,
		Workers:        4,
		MaxRetries:     5,
		RequestsPerSec: 1.0,
		TimeoutSeconds: 120,
		TargetLanguage: "Simplified Chinese",
		TranslatorName: "transbook",
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist and path was not explicitly requested. Environment values
// are applied afterwards.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// defaults only
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process("", &cfg.Env); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.Env.APIKey = strings.TrimSpace(cfg.Env.APIKey)
	cfg.Env.BaseURL = strings.TrimSpace(cfg.Env.BaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks numeric bounds and required fields.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("model must not be empty")
	}
	if c.ChunkChars <= 0 {
		return errors.New("chunk_chars must be positive")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("max_retries must be 0 or greater")
	}
	if c.RequestsPerSec <= 0 {
		return errors.New("requests_per_sec must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return errors.New("timeout_seconds must be positive")
	}
	return nil
}

// Timeout returns the HTTP timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WriteSample writes the embedded sample config to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config %s: %w", path, err)
	}
	return nil
}
