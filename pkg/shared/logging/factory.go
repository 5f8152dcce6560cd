package logging

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileRotationConfig contains file logging rotation settings
type FileRotationConfig struct {
	Path       string // Log file path (required)
	MaxSizeMB  int    // Rotate after this many megabytes (default: 100)
	MaxBackups int    // Rotated files to keep (default: 3)
	MaxAge     int    // Days to keep rotated files (default: 28)
	Compress   bool   // Gzip rotated files
}

// NewLoggerWithFile creates a logger that writes to stderr and, when
// fileConfig names a path, to a rotated log file as well. Colors are
// dropped once a file is involved so the file stays free of ANSI codes.
func NewLoggerWithFile(module string, level Level, useColors bool, fileConfig *FileRotationConfig) (*SimpleLogger, error) {
	return newLoggerWithFile(module, level, useColors, os.Stderr, fileConfig)
}

func newLoggerWithFile(module string, level Level, useColors bool, console io.Writer, fileConfig *FileRotationConfig) (*SimpleLogger, error) {
	if fileConfig == nil || fileConfig.Path == "" {
		return newLogger(module, level, useColors && isTerminal(console), console), nil
	}

	maxSizeMB := fileConfig.MaxSizeMB
	if maxSizeMB == 0 {
		maxSizeMB = 100
	}
	maxBackups := fileConfig.MaxBackups
	if maxBackups == 0 {
		maxBackups = 3
	}
	maxAge := fileConfig.MaxAge
	if maxAge == 0 {
		maxAge = 28
	}

	rotated := &lumberjack.Logger{
		Filename:   fileConfig.Path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   fileConfig.Compress,
	}
	return newLogger(module, level, false, io.MultiWriter(console, rotated)), nil
}
