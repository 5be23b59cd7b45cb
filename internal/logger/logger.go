// Package logger is the process-wide structured logger, a thin façade over
// log/slog with colored text output for terminals and JSON for machines.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level is the minimum severity a record needs to be emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// parseLevel maps a level name to its Level. The second result is false for
// names outside the known set.
func parseLevel(name string) (Level, bool) {
	for i, n := range levelNames {
		if strings.EqualFold(name, n) {
			return Level(i), true
		}
	}
	return 0, false
}

// slog levels are spaced 4 apart starting at -4 for debug.
func (l Level) slogLevel() slog.Level {
	return slog.Level(4*int(l) - 4)
}

// Config selects level, format and destination.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel atomic.Int32
	levelVar     = new(slog.LevelVar)

	mu       sync.RWMutex
	slogger  *slog.Logger
	output   io.Writer = os.Stdout
	format             = "text"
	useColor bool
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	if f, ok := output.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	rebuild()
}

// rebuild swaps in a handler for the current output and format. The level
// travels through levelVar, so SetLevel never needs a rebuild.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = NewColorTextHandler(output, opts, useColor)
	}
	slogger = slog.New(h)
}

// Init applies a configuration. Output may be "stdout", "stderr" or a file
// path; files get plain uncolored text.
func Init(cfg Config) error {
	w, color, err := openOutput(cfg.Output)
	if err != nil {
		return err
	}

	mu.Lock()
	if w != nil {
		output = w
		useColor = color
	}
	mu.Unlock()

	SetLevel(cfg.Level)
	SetFormat(cfg.Format)
	rebuild()
	return nil
}

// openOutput resolves a destination name. A nil writer means "keep the
// current one".
func openOutput(name string) (io.Writer, bool, error) {
	switch strings.ToLower(name) {
	case "":
		return nil, false, nil
	case "stdout":
		return os.Stdout, isTerminal(os.Stdout.Fd()), nil
	case "stderr":
		return os.Stderr, isTerminal(os.Stderr.Fd()), nil
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open log file %q: %w", name, err)
	}
	return f, false, nil
}

// InitWithWriter points the logger at an arbitrary writer, for tests.
func InitWithWriter(w io.Writer, level, fmtName string, enableColor bool) {
	mu.Lock()
	output = w
	useColor = enableColor
	mu.Unlock()

	SetLevel(level)
	SetFormat(fmtName)
	rebuild()
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	l, ok := parseLevel(name)
	if !ok {
		return
	}
	currentLevel.Store(int32(l))
	levelVar.Set(l.slogLevel())
}

// SetFormat selects "text" or "json". Unknown formats are ignored.
func SetFormat(name string) {
	name = strings.ToLower(name)
	if name != "text" && name != "json" {
		return
	}
	mu.Lock()
	changed := format != name
	format = name
	mu.Unlock()
	if changed {
		rebuild()
	}
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return slogger
}

func enabled(l Level) bool {
	return l >= Level(currentLevel.Load())
}

// Debug logs key/value pairs at debug level.
func Debug(msg string, args ...any) {
	if enabled(LevelDebug) {
		getLogger().Debug(msg, args...)
	}
}

// Info logs key/value pairs at info level.
func Info(msg string, args ...any) {
	if enabled(LevelInfo) {
		getLogger().Info(msg, args...)
	}
}

// Warn logs key/value pairs at warn level.
func Warn(msg string, args ...any) {
	if enabled(LevelWarn) {
		getLogger().Warn(msg, args...)
	}
}

// Error logs key/value pairs at error level.
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With returns a child logger with attrs pre-bound.
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}
