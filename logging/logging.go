// Package logging builds the process logger from configuration
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/najoast/abnet/config"
)

// ParseLevel converts a configured level to a zerolog level
func ParseLevel(level config.LogLevel) (zerolog.Level, error) {
	if !level.IsValid() {
		return zerolog.NoLevel, fmt.Errorf("%w: %q", config.ErrInvalidLogLevel, level)
	}
	return zerolog.ParseLevel(string(level))
}

// New creates a logger from cfg. The returned closer releases the output
// file, if one was opened.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	out, closer, err := openOutput(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	var w io.Writer = out
	switch strings.ToLower(cfg.Format) {
	case "", "console", "text":
		w = zerolog.ConsoleWriter{Out: out, NoColor: !cfg.Color, TimeFormat: time.RFC3339}
	case "json":
	default:
		closer.Close()
		return zerolog.Nop(), nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	for k, v := range cfg.Fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger(), closer, nil
}

// Setup creates a logger from cfg and installs it as the global logger.
// The level is applied globally so that SetLevel can later lower it.
func Setup(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	logger, closer, err := New(cfg)
	if err != nil {
		return logger, nil, err
	}
	zerolog.SetGlobalLevel(logger.GetLevel())
	logger = logger.Level(zerolog.TraceLevel)
	log.Logger = logger
	return logger, closer, nil
}

// SetLevel changes the minimum level of the global logger
func SetLevel(level config.LogLevel) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return f, f, nil
}
