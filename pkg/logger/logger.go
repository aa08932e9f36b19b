// Package logger configures the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // auto, console, json
	File   string `json:"file" mapstructure:"file"`     // extra JSON log file, empty means none
}

var (
	globalLogger zerolog.Logger
	logFile      *os.File
	mu           sync.RWMutex
	initialized  bool
)

// parseLevel accepts zerolog level names plus "warning". Unknown or empty
// names fall back to info.
func parseLevel(level string) zerolog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	l, err := zerolog.ParseLevel(name)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// useConsole decides between human-readable and JSON output. "auto" picks
// the console writer only when stderr is a terminal.
func useConsole(format string, tty bool) bool {
	switch strings.ToLower(format) {
	case "console", "text":
		return true
	case "json":
		return false
	default:
		return tty
	}
}

func stderrIsTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// Init configures the global logger. It also replaces zerolog/log.Logger so
// packages logging through it share the same output.
func Init(config LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	zerolog.SetGlobalLevel(parseLevel(config.Level))

	var out io.Writer = os.Stderr
	if useConsole(config.Format, stderrIsTerminal()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if config.File != "" {
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", config.File, err)
		}
		logFile = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	globalLogger = ctx.Logger()
	log.Logger = globalLogger
	initialized = true
	return nil
}

// Get returns the configured logger. Before Init it is zerolog's default
// stderr logger.
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		return &log.Logger
	}
	return &globalLogger
}

// With returns a child of the global logger carrying fields.
func With(fields map[string]any) *zerolog.Logger {
	l := Get().With().Fields(fields).Logger()
	return &l
}

// Close closes the log file if opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Shorthands for events on the global logger.

func Debug() *zerolog.Event { return Get().Debug() }
func Info() *zerolog.Event { return Get().Info() }
func Warn() *zerolog.Event { return Get().Warn() }
func Error() *zerolog.Event { return Get().Error() }
