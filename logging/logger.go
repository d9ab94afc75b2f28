// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	// Level is a zerolog level name. Empty means "info".
	Level string
	// File enables rotated file output instead of stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
	// Console writes human-readable lines to stderr instead of JSON.
	Console bool
	Version string
}

// New builds a JSON logger from opts. An unusable log file falls back to
// stdout with a warning rather than failing.
func New(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		parsed, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	output, outErr := buildOutput(opts)
	if opts.Console {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).Level(level).With().Timestamp()
	if opts.Version != "" {
		ctx = ctx.Str("version", opts.Version)
	}
	logger := ctx.Logger()

	if outErr != nil {
		logger.Warn().Err(outErr).Str("path", opts.File).Msg("logger fallback to stdout")
	}

	return logger, nil
}

// buildOutput creates the log writer; on failure it falls back to stdout and
// returns the error.
func buildOutput(opts Options) (io.Writer, error) {
	if opts.File == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(opts.File)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}

	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
		LocalTime:  true,
	}, nil
}
