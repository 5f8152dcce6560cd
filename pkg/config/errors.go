package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigFileNotFound is returned when config file is not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrUnsupportedFormat is returned for file extensions other than yaml, yml and json
	ErrUnsupportedFormat = errors.New("unsupported config file format (supported: .yaml, .yml, .json)")

	// ErrInvalidAuth wraps problems in the auth section
	ErrInvalidAuth = errors.New("invalid auth section")

	// ErrInvalidStorageType is returned for unknown storage backends
	ErrInvalidStorageType = errors.New("storage type must be memory, leveldb or redis")

	// ErrRedisAddrRequired is returned when the redis backend has no address
	ErrRedisAddrRequired = errors.New("storage.redis.addr is required for the redis backend")

	// ErrPersistentCacheNeedsStorage is returned when tokens should persist in a volatile store
	ErrPersistentCacheNeedsStorage = errors.New("cache_location persistent requires leveldb or redis storage")

	// ErrInvalidLogLevel is returned for unknown log levels
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidListenAddr is returned when the agent listen address is not host:port
	ErrInvalidListenAddr = errors.New("invalid agent listen address")

	// ErrInvalidRateLimit is returned for negative or unparsable rate limits
	ErrInvalidRateLimit = errors.New("invalid agent rate limit")
)

// ValidationError represents multiple validation errors
type ValidationError struct {
	Errors []error
}

// NewValidationError creates a new ValidationError
func NewValidationError() *ValidationError {
	return &ValidationError{Errors: make([]error, 0)}
}

// Add adds an error to the validation error list
func (v *ValidationError) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// HasErrors returns true if there are any validation errors
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "found %d validation errors:\n", len(v.Errors))
	for i, err := range v.Errors {
		fmt.Fprintf(&sb, "  %d. %v\n", i+1, err)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// Unwrap exposes every collected error to errors.Is and errors.As.
func (v *ValidationError) Unwrap() []error {
	return v.Errors
}

// ErrorOrNil returns the error if there are any validation errors, otherwise nil
func (v *ValidationError) ErrorOrNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}
