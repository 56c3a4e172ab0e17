// Package eventlog implements the Structured Logger (spec.md §4.11,
// C11): an append-only JSON-lines writer per channel, plus the
// crash/boot/shutdown helpers every long-running component calls into.
// Write failures are swallowed — logging must never crash the caller.
package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one line of a channel's JSON-lines log file.
type Entry struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Log appends structured entries to a single channel file
// (logs/<channel>.log). One Log per channel; safe for concurrent use.
type Log struct {
	path string
	mu   sync.Mutex

	inCrash bool // re-entrancy guard for logCrash

	index Index // optional SQLite sink; nil means disabled
}

// Index is the optional crash/event archive sink (SPEC_FULL.md's
// wiring note for github.com/mattn/go-sqlite3). Implemented by
// *sqliteIndex; nil-safe so callers that never opened one see no
// behavior change.
type Index interface {
	Record(e Entry) error
	Close() error
}

// Open returns a Log writing to path, creating its parent directory if
// needed. index may be nil to skip the optional sqlite mirror.
func Open(path string, index Index) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Log{path: path, index: index}, nil
}

// appendLog is the low-level operation behind AppendLog and the Log*
// helpers: atomic append of one structured entry.
func (l *Log) appendLog(entryType string, fields map[string]interface{}) {
	e := Entry{
		ID:        uuid.NewString(),
		Type:      entryType,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		_, _ = f.Write(data)
		_ = f.Close()
	}
	l.mu.Unlock()

	if l.index != nil {
		_ = l.index.Record(e)
	}
}

// AppendLog is the exported form of appendLog for callers outside this
// package that need a custom entry type.
func (l *Log) AppendLog(entryType string, fields map[string]interface{}) {
	l.appendLog(entryType, fields)
}

// LogBootEvent records a lifecycle action (component start, container
// create, hook step, ...).
func (l *Log) LogBootEvent(action string, details map[string]interface{}) {
	fields := map[string]interface{}{"action": action}
	for k, v := range details {
		fields[k] = v
	}
	l.appendLog("boot", fields)
}

// LogCrash records an unrecoverable error: error text, stack trace,
// memory snapshot, pid and process uptime. Guarded against recursing
// into itself if the write that reports a crash itself fails with
// EPIPE or similar — a crash while logging a crash is dropped, not
// retried.
func (l *Log) LogCrash(errorType string, err error, extra map[string]interface{}) {
	l.mu.Lock()
	if l.inCrash {
		l.mu.Unlock()
		return
	}
	l.inCrash = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.inCrash = false
		l.mu.Unlock()
	}()

	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, false)

	fields := map[string]interface{}{
		"errorType": errorType,
		"stack":     string(buf[:n]),
		"pid":       os.Getpid(),
		"uptime":    time.Since(processStart).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fields["allocBytes"] = m.Alloc
	fields["sysBytes"] = m.Sys
	for k, v := range extra {
		fields[k] = v
	}

	l.appendLog("crash", fields)
}

// LogShutdown records a graceful or forced shutdown.
func (l *Log) LogShutdown(reason string, exitCode int, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"reason":   reason,
		"exitCode": exitCode,
	}
	for k, v := range extra {
		fields[k] = v
	}
	l.appendLog("shutdown", fields)
}

// LogMemoryUsage records a point-in-time memory snapshot, used by
// periodic health reporting in the Watchdog and Container Monitor.
func (l *Log) LogMemoryUsage() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	l.appendLog("memory", map[string]interface{}{
		"allocBytes":   m.Alloc,
		"sysBytes":     m.Sys,
		"heapObjects":  m.HeapObjects,
		"numGoroutine": runtime.NumGoroutine(),
		"gcCycles":     m.NumGC,
	})
}

var processStart = time.Now()
