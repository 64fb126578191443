// Package logging builds the process *log.Logger, optionally writing to a
// size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log destination.
type Config struct {
	// File enables rotation into this path. Empty writes to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Verbose also copies file output to stderr.
	Verbose bool
}

// Logger is a base logger plus the writer behind it, so component loggers
// can share the rotation.
type Logger struct {
	*log.Logger
	out    io.Writer
	closer io.Closer
}

// New returns a logger for cfg. An unwritable log directory falls back to
// stderr with a warning.
func New(cfg Config) *Logger {
	if cfg.File == "" {
		return &Logger{Logger: log.New(os.Stderr, "", log.LstdFlags), out: os.Stderr}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		l := log.New(os.Stderr, "", log.LstdFlags)
		l.Printf("WARNING: cannot create log directory, logging to stderr: %v", err)
		return &Logger{Logger: l, out: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	var out io.Writer = rotator
	if cfg.Verbose {
		out = io.MultiWriter(rotator, os.Stderr)
	}
	return &Logger{Logger: log.New(out, "", log.LstdFlags), out: out, closer: rotator}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: log.New(io.Discard, "", 0), out: io.Discard}
}

// For returns a logger sharing l's writer with a "[component] " prefix.
func (l *Logger) For(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", l.Flags())
}

// Writer returns the underlying destination.
func (l *Logger) Writer() io.Writer {
	return l.out
}

// Close closes the rotating file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
