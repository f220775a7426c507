package logger

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects log level, format and the optional rotated file output.
type Config struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// New builds the root logger. Console output always goes to stderr; when
// cfg.File is set, records are also written to a lumberjack-rotated file.
// The returned closer must be closed on shutdown.
func New(cfg Config) (*SlogLogger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	return NewSlogLogger(w, LogLevel(cfg.Level), cfg.JSON), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
