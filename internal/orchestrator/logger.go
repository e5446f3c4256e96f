package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Files kept in a state log directory.
const (
	DebugLogName = "orchestrator-debug.log"
	JournalName  = "events.jsonl"
)

var (
	pkgLoggerMu sync.RWMutex
	pkgLogger   *DebugLogger
)

func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	defer pkgLoggerMu.Unlock()
	pkgLogger = l
}

// debugLog writes through the logger of the most recently built
// Orchestrator. The scheduler and gate have no Orchestrator reference.
func debugLog(format string, args ...interface{}) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()
	l.Log(format, args...)
}

// DebugLogger writes "[15:04:05.000] message" lines. Its Log method matches
// the SetDebugLog hooks of the bus, hibernate, graph and api packages.
type DebugLogger struct {
	mu  sync.Mutex
	w   io.Writer
	f   *os.File
	now func() time.Time
}

// NewDebugLogger appends to the file at logPath, creating it and its
// directory as needed. An empty path yields a no-op logger.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return NopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := &DebugLogger{w: f, f: f, now: time.Now}
	l.Log("=== spectree run log opened %s (pid %d) ===", l.now().Format(time.RFC3339), os.Getpid())
	return l, nil
}

// NewWriterLogger logs to w, e.g. os.Stderr or a test buffer.
func NewWriterLogger(w io.Writer) *DebugLogger {
	return &DebugLogger{w: w, now: time.Now}
}

// NopLogger discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// OpenLogs opens the debug log and the event journal of a state log
// directory.
func OpenLogs(dir string) (*DebugLogger, *EventJournal, error) {
	logger, err := NewDebugLogger(filepath.Join(dir, DebugLogName))
	if err != nil {
		return nil, nil, err
	}
	journal, err := OpenEventJournal(filepath.Join(dir, JournalName))
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return logger, journal, nil
}

// Log writes one line. Nil and no-op loggers ignore it.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.w == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.w, "[%s] %s\n", l.now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	if l.f != nil {
		l.f.Sync()
	}
}

// Close closes the log file, once. Later calls and writer loggers return nil.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f := l.f
	l.w, l.f = nil, nil
	if f == nil {
		return nil
	}
	return f.Close()
}
