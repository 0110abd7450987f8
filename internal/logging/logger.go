package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slyt3/strategist/internal/assert"
)

const maxMessageLen = 2048

// Fields captures structured context for JSON log entries.
// Include CycleID and Phase for correlation across a strategist cycle.
type Fields struct {
	CycleID   string
	Phase     string
	Domain    string
	Circuit   string
	TxHash    string
	EntryID   string
	RunID     string
	Status    string
	Detail    string
	Component string
	Error     string
}

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stdout, levelFromEnv())
)

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func levelFromEnv() zerolog.Level {
	return parseLevel(os.Getenv("STRATEGIST_LOG_LEVEL"))
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the minimum level. Unknown names fall back to info.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	logger = logger.Level(parseLevel(level))
}

// SetOutput redirects log output, keeping the current level. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, logger.GetLevel())
}

// Debug logs a debug-level message with structured fields in JSON format.
func Debug(msg string, fields Fields) {
	emit(zerolog.DebugLevel, msg, fields)
}

// Info logs an info-level message with structured fields in JSON format.
// Default level if STRATEGIST_LOG_LEVEL is unset.
func Info(msg string, fields Fields) {
	emit(zerolog.InfoLevel, msg, fields)
}

// Warn logs a warning. Use for recoverable phase failures.
func Warn(msg string, fields Fields) {
	emit(zerolog.WarnLevel, msg, fields)
}

// Error logs an error that requires attention but doesn't stop the engine.
func Error(msg string, fields Fields) {
	emit(zerolog.ErrorLevel, msg, fields)
}

// Critical logs an error that stops the engine. It never exits the process.
func Critical(msg string, fields Fields) {
	if !valid(msg) {
		return
	}
	mu.RLock()
	l := logger
	mu.RUnlock()
	// WithLevel never exits, unlike l.Fatal().
	ev := l.WithLevel(zerolog.FatalLevel)
	if ev == nil {
		return
	}
	ev = ev.Bool("critical", true)
	addFields(ev, fields).Msg(msg)
}

func emit(level zerolog.Level, msg string, fields Fields) {
	if !valid(msg) {
		return
	}
	mu.RLock()
	l := logger
	mu.RUnlock()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	addFields(ev, fields).Msg(msg)
}

func valid(msg string) bool {
	if err := assert.Check(msg != "", "log message must not be empty"); err != nil {
		return false
	}
	if err := assert.Check(len(msg) <= maxMessageLen, "log message too large: %d", len(msg)); err != nil {
		return false
	}
	return true
}

func addFields(ev *zerolog.Event, f Fields) *zerolog.Event {
	add := func(key, val string) {
		if val != "" {
			ev = ev.Str(key, val)
		}
	}
	add("cycle_id", f.CycleID)
	add("phase", f.Phase)
	add("domain", f.Domain)
	add("circuit", f.Circuit)
	add("tx_hash", f.TxHash)
	add("entry_id", f.EntryID)
	add("run_id", f.RunID)
	add("status", f.Status)
	add("detail", f.Detail)
	add("component", f.Component)
	add("error", f.Error)
	return ev
}
