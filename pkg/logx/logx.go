// Package logx provides structured logging with per-component loggers and
// env-controlled debug domains.
package logx

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logger writes timestamped, component-tagged log lines to stderr.
type Logger struct {
	component string
	logger    *log.Logger
}

// Level identifies log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// debugConfig controls debug output. Initialized from the environment:
//
//	DEBUG=1                        enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=engine   enable debug only for listed domains
//	DEBUG=1 DEBUG_FILE=1           also append debug lines to a log file
//	DEBUG_LOG_DIR=/tmp/logs        override the log directory
//
//nolint:gochecknoglobals // process-wide debug switch, set once at startup
var (
	debugMu     sync.RWMutex
	debugOn     bool
	debugFile   bool
	debugLogDir string
	debugScope  map[string]bool // nil = all domains
)

//nolint:gochecknoinits // env var initialization must happen before first log call
func init() {
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debugOn = true
	}
	if v := os.Getenv("DEBUG_FILE"); v == "1" || strings.EqualFold(v, "true") {
		debugFile = true
	}
	debugLogDir = os.Getenv("DEBUG_LOG_DIR")
	if debugLogDir == "" {
		debugLogDir = "logs"
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugScope = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			debugScope[strings.TrimSpace(d)] = true
		}
	}
}

// NewLogger creates a logger tagged with the given component name
// (e.g. "engine", "sandbox", "bridge", "jobs").
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI output
	}
}

// SetDebug overrides the environment-derived debug configuration.
func SetDebug(enabled bool, domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugOn = enabled
	if len(domains) == 0 {
		debugScope = nil
		return
	}
	debugScope = make(map[string]bool, len(domains))
	for _, d := range domains {
		debugScope[strings.TrimSpace(d)] = true
	}
}

// DebugEnabled reports whether debug logging is active for the given domain.
func DebugEnabled(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugOn {
		return false
	}
	if debugScope == nil {
		return true
	}
	return debugScope[domain]
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
	l.logger.Println(line)

	if level == LevelDebug && debugFileEnabled() {
		appendToFile(l.component, line)
	}
}

func debugFileEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugFile
}

// appendToFile writes a debug line to <logDir>/<component>.log. Best effort.
func appendToFile(component, line string) {
	debugMu.RLock()
	dir := debugLogDir
	debugMu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	path := filepath.Join(dir, component+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(line + "\n")
}

// Debug logs a debug message if debug logging is enabled for this component.
func (l *Logger) Debug(format string, args ...any) {
	if !DebugEnabled(l.component) {
		return
	}
	l.log(LevelDebug, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}
