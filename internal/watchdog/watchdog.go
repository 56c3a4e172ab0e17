// Package watchdog implements the Watchdog (spec.md §4.9, C9): a
// single-child-process supervisor with exit-code restart policy,
// exponential backoff, a 60-second-window circuit breaker, and
// periodic HTTP health polling of the supervised Router.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/eventlog"
	"github.com/kandev/orchestrator/internal/logger"
)

// Tunables from spec.md §4.9's pseudocode.
const (
	initialBackoff     = 1 * time.Second
	maxBackoff         = 30 * time.Second
	backoffMultiplier  = 2
	restartWindow      = 60 * time.Second
	restartLimit       = 5
	healthInterval     = 30 * time.Second
	healthTimeout      = 5 * time.Second
	healthFailLimit    = 3
	gracefulKillWindow = 15 * time.Second
	stableRunDuration  = 60 * time.Second

	// TrippedExitCode is the watchdog's own exit code once the circuit
	// breaker trips (spec.md §4.9 "exit parent process with code 100").
	TrippedExitCode = 100
)

// Config configures one supervised child process.
type Config struct {
	Command    string
	Args       []string
	Env        []string
	HealthPort int  // 0 disables health polling
	Healthy    bool // health polling enabled
}

// Watchdog supervises one child process for its entire lifetime.
type Watchdog struct {
	cfg Config
	log *logger.Logger
	el  *eventlog.Log

	mu                   sync.Mutex
	backoff              time.Duration
	restarts             []time.Time
	consecutiveFailures  int
	healthFails          int
	tripped              bool
	shuttingDown         bool
	pendingHealthRestart bool

	cmd       *exec.Cmd
	startedAt time.Time
}

// New constructs a Watchdog. el may be nil to disable structured
// logging of lifecycle events (tests, dry runs).
func New(cfg Config, log *logger.Logger, el *eventlog.Log) *Watchdog {
	if log == nil {
		log = logger.Default()
	}
	return &Watchdog{
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "watchdog")),
		el:      el,
		backoff: initialBackoff,
	}
}

// Run supervises the child until ctx is cancelled or the circuit
// breaker trips, returning the watchdog's own desired exit code.
func (w *Watchdog) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signalNotify(sigCh)
	defer signalStop(sigCh)

	childExit := make(chan error, 1)
	if err := w.spawn(childExit); err != nil {
		w.safeLog("spawn failed", zap.Error(err))
		return 1
	}

	var healthTicker *time.Ticker
	var healthCh <-chan time.Time
	if w.cfg.Healthy && w.cfg.HealthPort != 0 {
		healthTicker = time.NewTicker(healthInterval)
		healthCh = healthTicker.C
		defer healthTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			w.gracefulShutdown("context cancelled")
			return 0

		case sig := <-sigCh:
			w.mu.Lock()
			w.shuttingDown = true
			w.mu.Unlock()
			w.safeLog("received signal, forwarding to child", zap.String("signal", sig.String()))
			w.forwardSignal(sig)
			select {
			case <-childExit:
			case <-time.After(gracefulKillWindow):
				w.safeLog("grace period expired, force-killing child")
				w.killChild()
				<-childExit
			}
			w.logShutdown("signal", 0)
			return 0

		case <-healthCh:
			w.pollHealth()

		case err := <-childExit:
			code, sig := exitDetails(err)
			w.safeLog("child exited", zap.Int("code", code), zap.String("signal", sig))
			if w.el != nil {
				w.el.LogCrash("child-exit", err, map[string]interface{}{"code": code, "signal": sig})
			}

			if w.shouldRestart(code, sig) {
				w.mu.Lock()
				d := w.computeBackoffAndRecord()
				w.mu.Unlock()

				if w.circuitTripped() {
					w.safeLog("circuit breaker tripped, exiting")
					w.logShutdown("circuit-breaker-tripped", TrippedExitCode)
					return TrippedExitCode
				}

				w.safeLog("restarting child", zap.Duration("backoff", d))
				time.Sleep(d)
				if err := w.spawn(childExit); err != nil {
					w.safeLog("respawn failed", zap.Error(err))
					return 1
				}
				continue
			}

			w.logShutdown("child-exit-no-restart", code)
			return 0
		}
	}
}

func (w *Watchdog) spawn(childExit chan<- error) error {
	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	cmd.Env = w.cfg.Env
	cmd.Stdout = safeWriter{os.Stdout}
	cmd.Stderr = safeWriter{os.Stderr}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start child: %w", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.startedAt = time.Now()
	w.pendingHealthRestart = false
	w.mu.Unlock()

	if w.el != nil {
		w.el.LogBootEvent("child-started", map[string]interface{}{"pid": cmd.Process.Pid})
	}

	go func() { childExit <- cmd.Wait() }()
	return nil
}

// shouldRestart implements spec.md §4.9's restart decision table.
func (w *Watchdog) shouldRestart(code int, signal string) bool {
	w.mu.Lock()
	pending := w.pendingHealthRestart
	w.mu.Unlock()

	if pending {
		return true
	}
	if code == 0 {
		return false
	}
	if code == 2 {
		return false
	}
	if code >= 100 {
		return false
	}
	if signal == "terminated" || signal == "interrupt" {
		return false
	}
	return true
}

// computeBackoffAndRecord records the failure timestamp, resets state
// if the child ran stably, and returns the backoff duration to sleep
// before the next respawn. Caller holds w.mu.
func (w *Watchdog) computeBackoffAndRecord() time.Duration {
	if time.Since(w.startedAt) > stableRunDuration {
		w.backoff = initialBackoff
		w.consecutiveFailures = 0
		w.restarts = nil
	}

	now := time.Now()
	w.restarts = append(w.restarts, now)
	w.consecutiveFailures++

	d := w.backoff
	w.backoff *= backoffMultiplier
	if w.backoff > maxBackoff {
		w.backoff = maxBackoff
	}
	return d
}

// circuitTripped prunes stale restart timestamps and reports whether
// the breaker has tripped (spec.md §4.9).
func (w *Watchdog) circuitTripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-restartWindow)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept

	if len(w.restarts) >= restartLimit {
		w.tripped = true
	}
	return w.tripped
}

func (w *Watchdog) pollHealth() {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", w.cfg.HealthPort)
	client := http.Client{Timeout: healthTimeout}
	resp, err := client.Get(url)

	healthy := false
	if err == nil {
		defer resp.Body.Close()
		var body struct {
			Status string `json:"status"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &body) == nil && body.Status == "healthy" {
			healthy = true
		}
	}

	w.mu.Lock()
	if healthy {
		w.healthFails = 0
	} else {
		w.healthFails++
	}
	trigger := !healthy && w.healthFails >= healthFailLimit
	if trigger {
		w.pendingHealthRestart = true
	}
	w.mu.Unlock()

	if trigger {
		w.safeLog("health check threshold exceeded, restarting child")
		w.forwardSignal(syscall.SIGTERM)
	}
}

func (w *Watchdog) forwardSignal(sig os.Signal) {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(sig)
}

func (w *Watchdog) killChild() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func (w *Watchdog) gracefulShutdown(reason string) {
	w.forwardSignal(syscall.SIGTERM)
	w.logShutdown(reason, 0)
}

func (w *Watchdog) logShutdown(reason string, exitCode int) {
	if w.el != nil {
		w.el.LogShutdown(reason, exitCode, nil)
	}
}

// safeLog writes through the structured logger; zap itself never
// panics on a broken stdout, but safeWriter below guards the raw
// stdout/stderr passthrough of the child process.
func (w *Watchdog) safeLog(msg string, fields ...zap.Field) {
	w.log.Info(msg, fields...)
}

// safeWriter wraps an io.Writer so a broken pipe (EPIPE) on the
// watchdog's own stdout/stderr never propagates as a panic or crash —
// only the write is dropped (spec.md §4.9 "EPIPE resilience").
type safeWriter struct {
	w io.Writer
}

func (s safeWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return len(p), nil
	}
	return n, nil
}

func exitDetails(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1, ""
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			switch status.Signal() {
			case syscall.SIGTERM:
				return -1, "terminated"
			case syscall.SIGINT:
				return -1, "interrupt"
			default:
				return -1, status.Signal().String()
			}
		}
		return status.ExitStatus(), ""
	}
	return exitErr.ExitCode(), ""
}
