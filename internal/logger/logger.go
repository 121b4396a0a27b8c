package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// SlogConfig controls the supervisor's own structured logger.
type SlogConfig struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	Color  bool   // ANSI level colours for text output
}

// FileConfig describes where log files live and how they rotate.
// Dir is the directory holding per-bot logs; Path is the supervisor's own log file.
type FileConfig struct {
	Dir        string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config groups the service logger and file settings.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// BotLogPath returns the per-bot log file for id.
func (f FileConfig) BotLogPath(id string) string {
	return filepath.Join(f.Dir, id+".log")
}

func (f FileConfig) rotator(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewSlogger builds the service logger. Output goes to w (stderr when nil) and,
// when File.Path is set, to a rotated file as well. The returned closer releases
// the file and is never nil.
func (c Config) NewSlogger(w io.Writer) (*slog.Logger, io.Closer) {
	if w == nil {
		w = os.Stderr
	}
	var closer io.Closer = nopCloser{}
	if p := strings.TrimSpace(c.File.Path); p != "" {
		_ = os.MkdirAll(filepath.Dir(p), 0o750)
		rot := c.File.rotator(p)
		w = io.MultiWriter(w, rot)
		closer = rot
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Slog.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Slog.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		if c.Slog.Color {
			h = NewColorTextHandler(w, opts)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
