// Package config loads the file configuration of the authsession CLI and
// agent.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ideamans/authsession/pkg/authsession"
	"github.com/ideamans/authsession/pkg/shared/kvs"
	"github.com/ideamans/authsession/pkg/shared/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTHSESSION_"

// Config represents the application configuration
type Config struct {
	Auth    authsession.Config `yaml:"auth" json:"auth" envPrefix:"AUTH_"`
	Storage kvs.Config         `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	Logging LoggingConfig      `yaml:"logging" json:"logging" envPrefix:"LOGGING_"`
	Agent   AgentConfig        `yaml:"agent" json:"agent" envPrefix:"AGENT_"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level" json:"level" env:"LEVEL"`
	Color bool   `yaml:"color" json:"color" env:"COLOR"`
	// File enables a rotated log file next to stdout.
	File FileLoggingConfig `yaml:"file" json:"file" envPrefix:"FILE_"`
}

// FileLoggingConfig contains log file rotation settings
type FileLoggingConfig struct {
	Path       string `yaml:"path" json:"path" env:"PATH"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" env:"MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" json:"max_age" env:"MAX_AGE"`
	Compress   bool   `yaml:"compress" json:"compress" env:"COMPRESS"`
}

// AgentConfig contains settings of the local token agent
type AgentConfig struct {
	// Listen address. Default: 127.0.0.1:8484.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN"`
	// CallbackAddr is where the loopback callback listener binds.
	// Default: 127.0.0.1:0.
	CallbackAddr string          `yaml:"callback_addr" json:"callback_addr" env:"CALLBACK_ADDR"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" json:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

// RateLimitConfig limits token requests per client address
type RateLimitConfig struct {
	// Requests allowed per Interval. Zero disables limiting.
	Requests int `yaml:"requests" json:"requests" env:"REQUESTS"`
	// Interval such as "1m". Default: 1m.
	Interval string `yaml:"interval" json:"interval" env:"INTERVAL"`
}

// GetInterval returns the rate limit window
func (r RateLimitConfig) GetInterval() (time.Duration, error) {
	if r.Interval == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(r.Interval)
}

// NewLogger builds the root logger described by the logging section
func (l LoggingConfig) NewLogger(module string) (*logging.SimpleLogger, error) {
	var file *logging.FileRotationConfig
	if l.File.Path != "" {
		file = &logging.FileRotationConfig{
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAge:     l.File.MaxAge,
			Compress:   l.File.Compress,
		}
	}
	return logging.NewLoggerWithFile(module, logging.ParseLevel(l.Level), l.Color, file)
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "fatal": true}

// Validate checks the whole configuration and reports every problem found
func (c *Config) Validate() error {
	verr := NewValidationError()

	if err := c.Auth.Validate(); err != nil {
		verr.Add(fmt.Errorf("%w: %v", ErrInvalidAuth, err))
	}

	switch c.Storage.Type {
	case "", "memory", "leveldb":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			verr.Add(ErrRedisAddrRequired)
		}
	default:
		verr.Add(fmt.Errorf("%w: %q", ErrInvalidStorageType, c.Storage.Type))
	}
	if c.Auth.CacheLocation == authsession.CachePersistent && (c.Storage.Type == "" || c.Storage.Type == "memory") {
		verr.Add(ErrPersistentCacheNeedsStorage)
	}

	if c.Logging.Level != "" && !logLevels[strings.ToLower(c.Logging.Level)] {
		verr.Add(fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level))
	}

	if _, _, err := net.SplitHostPort(c.Agent.Listen); c.Agent.Listen != "" && err != nil {
		verr.Add(fmt.Errorf("%w: %v", ErrInvalidListenAddr, err))
	}
	if c.Agent.RateLimit.Requests < 0 {
		verr.Add(ErrInvalidRateLimit)
	}
	if _, err := c.Agent.RateLimit.GetInterval(); err != nil {
		verr.Add(fmt.Errorf("%w: %v", ErrInvalidRateLimit, err))
	}

	return verr.ErrorOrNil()
}

// IdentityChanged reports whether other differs in settings that require a
// new AuthSession.
func (c *Config) IdentityChanged(other *Config) bool {
	return !c.Auth.WithDefaults().Equal(other.Auth.WithDefaults()) ||
		c.Storage.Type != other.Storage.Type ||
		c.Storage.Namespace != other.Storage.Namespace ||
		c.Storage.LevelDB != other.Storage.LevelDB ||
		c.Storage.Redis != other.Storage.Redis
}
