package watchdog

import (
	"context"
	"testing"
	"time"
)

func TestShouldRestartDecisionTable(t *testing.T) {
	w := New(Config{}, nil, nil)

	cases := []struct {
		name   string
		code   int
		signal string
		want   bool
	}{
		{"clean exit", 0, "", false},
		{"port conflict", 2, "", false},
		{"fatal code", 137, "", false},
		{"terminated", -1, "terminated", false},
		{"interrupted", -1, "interrupt", false},
		{"crash", 1, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := w.shouldRestart(tc.code, tc.signal); got != tc.want {
				t.Errorf("shouldRestart(%d, %q) = %v, want %v", tc.code, tc.signal, got, tc.want)
			}
		})
	}
}

func TestShouldRestartHonorsPendingHealthRestart(t *testing.T) {
	w := New(Config{}, nil, nil)
	w.pendingHealthRestart = true
	if !w.shouldRestart(0, "") {
		t.Errorf("expected pending health restart to force a restart even on clean exit")
	}
}

func TestCircuitBreakerTripsAtLimit(t *testing.T) {
	w := New(Config{}, nil, nil)
	w.startedAt = time.Now()

	for i := 0; i < restartLimit-1; i++ {
		w.mu.Lock()
		w.computeBackoffAndRecord()
		w.mu.Unlock()
		if w.circuitTripped() {
			t.Fatalf("circuit tripped early at restart %d", i+1)
		}
	}

	w.mu.Lock()
	w.computeBackoffAndRecord()
	w.mu.Unlock()
	if !w.circuitTripped() {
		t.Errorf("expected circuit breaker to trip at restart limit")
	}
}

func TestCircuitBreakerPrunesOldRestarts(t *testing.T) {
	w := New(Config{}, nil, nil)
	w.restarts = []time.Time{time.Now().Add(-2 * restartWindow)}
	if w.circuitTripped() {
		t.Errorf("stale restarts outside the window must not count toward the limit")
	}
	if len(w.restarts) != 0 {
		t.Errorf("expected stale restart to be pruned, got %d remaining", len(w.restarts))
	}
}

func TestBackoffGrowsExponentiallyAndCaps(t *testing.T) {
	w := New(Config{}, nil, nil)
	w.startedAt = time.Now()

	w.mu.Lock()
	first := w.computeBackoffAndRecord()
	w.mu.Unlock()
	if first != initialBackoff {
		t.Errorf("first backoff = %v, want %v", first, initialBackoff)
	}

	for i := 0; i < 10; i++ {
		w.mu.Lock()
		w.computeBackoffAndRecord()
		w.mu.Unlock()
	}
	if w.backoff > maxBackoff {
		t.Errorf("backoff = %v, must never exceed %v", w.backoff, maxBackoff)
	}
}

func TestBackoffResetsAfterStableRun(t *testing.T) {
	w := New(Config{}, nil, nil)
	w.backoff = maxBackoff
	w.consecutiveFailures = 3
	w.restarts = []time.Time{time.Now()}
	w.startedAt = time.Now().Add(-2 * stableRunDuration)

	w.mu.Lock()
	d := w.computeBackoffAndRecord()
	w.mu.Unlock()

	if d != initialBackoff {
		t.Errorf("backoff after stable run = %v, want reset to %v", d, initialBackoff)
	}
}

func TestSafeWriterSwallowsWriteErrors(t *testing.T) {
	sw := safeWriter{w: failingWriter{}}
	n, err := sw.Write([]byte("hello"))
	if err != nil {
		t.Errorf("expected write error to be swallowed, got %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5 (len of input)", n)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, context.Canceled
}
