// Package logger builds the zerolog logger shared by every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level, format and destination of log output.
type Config struct {
	Level  string // debug | info | warn | error
	Format string // console | json
	Output string // stderr | stdout | path to a file
}

// New returns a logger configured by cfg. Empty fields fall back to info
// level, console format and stderr.
func New(cfg Config) (zerolog.Logger, error) {
	levelName := cfg.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to open log file '%s': %w", cfg.Output, err)
		}
		output = file
	}

	return build(output, cfg.Format, level)
}

// NewWriter returns a logger writing to w, for tests and embedding.
func NewWriter(w io.Writer, format, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	return build(w, format, lvl)
}

func build(output io.Writer, format string, level zerolog.Level) (zerolog.Logger, error) {
	switch strings.ToLower(format) {
	case "", "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: !isTerminal(output)}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format '%s'", format)
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
