package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router.log")
	l, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l, path
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal entry: %v", err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestAppendLogWritesOneLinePerEntry(t *testing.T) {
	l, path := openTestLog(t)
	l.AppendLog("custom", map[string]interface{}{"k": "v"})
	l.AppendLog("custom", map[string]interface{}{"k": "v2"})

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Fields["k"] != "v2" {
		t.Errorf("fields[k] = %v, want v2", entries[1].Fields["k"])
	}
}

func TestLogBootEvent(t *testing.T) {
	l, path := openTestLog(t)
	l.LogBootEvent("container-created", map[string]interface{}{"container": "orch_demo_agent_abcd1234"})

	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0].Type != "boot" {
		t.Fatalf("expected one boot entry, got %+v", entries)
	}
	if entries[0].Fields["action"] != "container-created" {
		t.Errorf("action = %v", entries[0].Fields["action"])
	}
}

func TestLogCrashRecordsStackAndError(t *testing.T) {
	l, path := openTestLog(t)
	l.LogCrash("panic", errors.New("boom"), map[string]interface{}{"agent": "demo"})

	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0].Type != "crash" {
		t.Fatalf("expected one crash entry, got %+v", entries)
	}
	if entries[0].Fields["error"] != "boom" {
		t.Errorf("error = %v, want boom", entries[0].Fields["error"])
	}
	if _, ok := entries[0].Fields["stack"]; !ok {
		t.Errorf("expected stack field to be present")
	}
}

func TestLogCrashReentrancyGuardDropsNestedCall(t *testing.T) {
	l, _ := openTestLog(t)
	l.inCrash = true
	l.LogCrash("panic", errors.New("nested"), nil)
	l.mu.Lock()
	stillInCrash := l.inCrash
	l.mu.Unlock()
	if !stillInCrash {
		t.Errorf("reentrant LogCrash call must not clear the guard it did not set")
	}
}

func TestLogShutdown(t *testing.T) {
	l, path := openTestLog(t)
	l.LogShutdown("sigterm", 0, nil)

	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0].Type != "shutdown" {
		t.Fatalf("expected one shutdown entry, got %+v", entries)
	}
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	dir := t.TempDir()
	// Point the log at a path whose parent is actually a file, so
	// every append fails; AppendLog must not panic or return an error.
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	l := &Log{path: filepath.Join(blocker, "router.log")}
	l.AppendLog("boot", map[string]interface{}{"action": "start"})
}

func TestLastReturnsMostRecentLines(t *testing.T) {
	l, path := openTestLog(t)
	for i := 0; i < 5; i++ {
		l.AppendLog("boot", map[string]interface{}{"i": i})
	}

	lines, err := Last(path, 2)
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}
