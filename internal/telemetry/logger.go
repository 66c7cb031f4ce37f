// Package telemetry provides a verbose structured logger for runner
// diagnostics, plus thin OpenTelemetry span helpers.
//
// When enabled, every significant runner event (spawn, death, restart,
// watchdog tick, supervisor run) is written to a single .log file under
// the configured data directory, with nanosecond timestamps and
// key=value context fields. When disabled (the default), every LogKV
// call is a no-op with zero allocation.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

// Logger writes structured key=value lines to a file.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startedAt time.Time
}

// Init opens (creating if needed) a log file under dir and installs it as
// the global logger. Returns the log file path.
func Init(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("telemetry: create dir %s: %w", dir, err)
	}

	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("runner_%s.log", now.Format("20060102T150405")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("telemetry: open log %s: %w", path, err)
	}

	l := &Logger{file: f, path: path, startedAt: now}
	fmt.Fprintf(f, "=== runner log ===\nstarted: %s\npid: %d\n===\n\n", now.Format(time.RFC3339Nano), os.Getpid())

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	return path, nil
}

// Close flushes and closes the global logger. Safe to call when unset.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.file.Close()
}

// LogKV writes a structured line: "<RFC3339Nano time> [component] message
// key1=v1 key2=v2 ...", with the pairs sorted by key. Arguments after
// message must be an even-length list of key, value pairs.
func LogKV(component, message string, kv ...any) {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l == nil {
		return
	}
	l.writeKV(component, message, kv)
}

func (l *Logger) writeKV(component, message string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(kv)/2)
	vals := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		keys = append(keys, k)
		vals[k] = kv[i+1]
	}
	sort.Strings(keys)

	line := fmt.Sprintf("%s [%s] %s", time.Now().Format(time.RFC3339Nano), component, message)
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%v", k, vals[k])
	}
	fmt.Fprintln(l.file, line)
}

// Enabled reports whether a global logger is currently installed.
func Enabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger != nil
}

// Path returns the current log file path, or "" when disabled.
func Path() string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return ""
	}
	return logger.path
}
