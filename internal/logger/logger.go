package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config bundles the daemon's own structured logging (Slog) and the rotated
// output files of supervised render servers (File).
type Config struct {
	Slog SlogConfig `mapstructure:"slog"`
	File FileConfig `mapstructure:"file"`
}

// SlogConfig controls the process-wide slog logger.
// Color only applies to text output written to a terminal.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	// Path, when set, sends the daemon log to a rotated file instead of stderr.
	Path string `mapstructure:"path"`
}

// FileConfig describes where render-server stdout/stderr go.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<key>.stdout.log and Dir/<key>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Enabled reports whether any output file would be produced.
func (c FileConfig) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers returns rotating writers for stdout and stderr of the server owned
// by key. A nil writer means that stream is not persisted.
func (c FileConfig) Writers(key string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", SafeFileName(key)))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", SafeFileName(key)))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.rotating(stdout)
	}
	if stderr != "" {
		errW = c.rotating(stderr)
	}
	return outW, errW, nil
}

// ProcessWriters is Writers on the File section.
func (c Config) ProcessWriters(key string) (io.WriteCloser, io.WriteCloser, error) {
	return c.File.Writers(key)
}

func (c FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// NewSlogger builds a logger writing to stderr, or to Slog.Path when set.
// The returned closer releases the log file; it is a no-op for stderr.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	if c.Slog.Path != "" {
		w := c.File.rotating(c.Slog.Path)
		return c.Slog.handlerFor(w, false), w
	}
	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return c.Slog.handlerFor(os.Stderr, tty), nopCloser{}
}

// Setup builds the logger from cfg and installs it as slog's default.
func Setup(cfg Config) (*slog.Logger, io.Closer) {
	l, closer := cfg.NewSlogger()
	slog.SetDefault(l)
	return l, closer
}

// NewWithWriter is NewSlogger against an arbitrary writer; tests use it.
func (s SlogConfig) NewWithWriter(w io.Writer) *slog.Logger {
	return s.handlerFor(w, false)
}

func (s SlogConfig) handlerFor(w io.Writer, tty bool) *slog.Logger {
	lvl := ParseLevel(s.Level)
	if s.Format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       lvl,
			AddSource:   s.Source,
			ReplaceAttr: s.dropTime,
		}))
	}
	if tty {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       lvl,
			AddSource:   s.Source,
			TimeFormat:  time.DateTime,
			NoColor:     !s.Color,
			ReplaceAttr: s.dropTime,
		}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   s.Source,
		ReplaceAttr: s.dropTime,
	}))
}

func (s SlogConfig) dropTime(groups []string, a slog.Attr) slog.Attr {
	if !s.TimeStamps && len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ParseLevel maps a configured level name to slog; unknown names are info.
func ParseLevel(l Level) slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SafeFileName replaces path separators and other awkward characters so an
// owner key can be used as a file name.
func SafeFileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
