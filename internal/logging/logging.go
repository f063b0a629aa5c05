// Package logging provides structured, component-scoped logging for vigil.
// Log files are named by date and pruned after a retention period.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	filePrefix = "vigil-"
	fileSuffix = ".log"
	dateLayout = "2006-01-02"
)

// Logger wraps zerolog with component scoping and dated log files.
type Logger struct {
	zl        zerolog.Logger
	component string
	logDir    string
	file      *os.File
	mu        *sync.Mutex
}

// Config holds logging configuration.
type Config struct {
	Level         string // debug, info, warn, error
	Path          string // log directory; empty logs to stderr
	Format        string // json, text
	RetentionDays int    // days to keep dated log files (default 7)
	Console       bool   // also write to stderr when Path is set
}

// DefaultConfig returns default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		Path:          DefaultPath(),
		Format:        "json",
		RetentionDays: 7,
	}
}

// DefaultPath returns the default log directory.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "vigil", "logs")
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// Init replaces the global logger.
func Init(cfg Config) error {
	logger, err := New(cfg)
	if err != nil {
		return err
	}

	globalMu.Lock()
	prev := globalLogger
	globalLogger = logger
	globalMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	return nil
}

// New creates a Logger.
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	l := &Logger{mu: &sync.Mutex{}}

	var out io.Writer = os.Stderr
	if cfg.Path != "" {
		l.logDir = expandPath(cfg.Path)
		if err := os.MkdirAll(l.logDir, 0755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(FilePath(l.logDir, time.Now()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		l.file = f
		out = f
		if cfg.Console {
			out = io.MultiWriter(f, os.Stderr)
		}
		go l.prune(cfg.RetentionDays)
	}

	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	l.zl = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// NewWriter creates a logger writing JSON lines to w. Used by tests and the TUI.
func NewWriter(w io.Writer, level string) *Logger {
	lv, err := ParseLevel(level)
	if err != nil {
		lv = zerolog.InfoLevel
	}
	return &Logger{
		zl: zerolog.New(w).Level(lv).With().Timestamp().Logger(),
		mu: &sync.Mutex{},
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop(), mu: &sync.Mutex{}}
}

// FilePath returns the log file for the day containing t.
func FilePath(dir string, t time.Time) string {
	return filepath.Join(dir, filePrefix+t.Format(dateLayout)+fileSuffix)
}

// fileDate parses the date out of a log file name.
func fileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return time.Time{}, false
	}
	d, err := time.Parse(dateLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	return d, err == nil
}

// prune removes dated log files older than retentionDays.
func (l *Logger) prune(retentionDays int) {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if d, ok := fileDate(e.Name()); ok && d.Before(cutoff) {
			_ = os.Remove(filepath.Join(l.logDir, e.Name()))
		}
	}
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	c := l.clone()
	c.zl = l.zl.With().Str("component", component).Logger()
	c.component = component
	return c
}

// WithFields returns a child logger carrying fields on every entry.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	c := l.clone()
	c.zl = l.zl.With().Fields(fields).Logger()
	return c
}

func (l *Logger) clone() *Logger {
	return &Logger{
		zl:        l.zl,
		component: l.component,
		logDir:    l.logDir,
		file:      l.file,
		mu:        l.mu,
	}
}

// Component returns the component name, if any.
func (l *Logger) Component() string { return l.component }

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// DebugCtx logs msg with structured fields.
func (l *Logger) DebugCtx(msg string, fields map[string]any) { l.zl.Debug().Fields(fields).Msg(msg) }

// InfoCtx logs msg with structured fields.
func (l *Logger) InfoCtx(msg string, fields map[string]any) { l.zl.Info().Fields(fields).Msg(msg) }

// WarnCtx logs msg with structured fields.
func (l *Logger) WarnCtx(msg string, fields map[string]any) { l.zl.Warn().Fields(fields).Msg(msg) }

// ErrorCtx logs msg with structured fields.
func (l *Logger) ErrorCtx(msg string, fields map[string]any) { l.zl.Error().Fields(fields).Msg(msg) }

// Err starts an error-level event carrying err.
func (l *Logger) Err(err error) *zerolog.Event {
	return l.zl.Error().Err(err)
}

// Close closes the log file. Child loggers share the file; closing any of
// them closes it for all.
func (l *Logger) Close() error {
	if l.mu == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// LogFiles returns dated log files, newest first.
func (l *Logger) LogFiles() ([]string, error) {
	return ListFiles(l.logDir)
}

// ListFiles returns dated log files in dir, newest first.
func ListFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(expandPath(dir))
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if _, ok := fileDate(e.Name()); ok && !e.IsDir() {
			files = append(files, filepath.Join(expandPath(dir), e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// Get returns the global logger, or a stderr logger before Init.
func Get() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return &Logger{
			zl: zerolog.New(os.Stderr).With().Timestamp().Logger(),
			mu: &sync.Mutex{},
		}
	}
	return globalLogger
}

// Component returns a global child logger for the named component.
func Component(name string) *Logger {
	return Get().WithComponent(name)
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
