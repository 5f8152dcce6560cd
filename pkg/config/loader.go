package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	sharedconfig "github.com/ideamans/authsession/pkg/shared/config"
)

// Loader is an interface for loading configuration
type Loader interface {
	Load() (*Config, error)
}

// FileLoader loads configuration from a YAML or JSON file. ${VAR} references
// in the file are expanded, then AUTHSESSION_* variables override fields.
type FileLoader struct {
	path    string
	missing []string
}

// NewFileLoader creates a new FileLoader
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Path returns the file the loader reads.
func (l *FileLoader) Path() string { return l.path }

// MissingEnvVars lists ${VAR} references without a default that were unset
// during the last Load.
func (l *FileLoader) MissingEnvVars() []string { return l.missing }

// Load reads, expands, parses, overrides, defaults and validates the file.
func (l *FileLoader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, l.path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	l.missing = sharedconfig.MissingEnvVars(string(data))
	cfg, err := Parse(sharedconfig.ExpandEnvBytes(data), filepath.Ext(l.path))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext, applies environment
// overrides and defaults. It does not validate.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults sets default values for optional fields
func applyDefaults(cfg *Config) {
	cfg.Auth = cfg.Auth.WithDefaults()

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "memory"
	}
	if cfg.Storage.Namespace == "" {
		cfg.Storage.Namespace = "authsession"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Agent.Listen == "" {
		cfg.Agent.Listen = "127.0.0.1:8484"
	}
	if cfg.Agent.CallbackAddr == "" {
		cfg.Agent.CallbackAddr = "127.0.0.1:0"
	}
	if cfg.Agent.RateLimit.Interval == "" {
		cfg.Agent.RateLimit.Interval = "1m"
	}
}
