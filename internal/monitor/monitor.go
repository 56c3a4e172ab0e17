// Package monitor implements the Container Monitor (spec.md §4.10,
// C10): a 5-second reconciliation loop that keeps agent containers
// running, plus per-target liveness/readiness probe workers that exec
// into containers, grounded on the Watchdog's circuit-breaker shape
// (internal/watchdog) generalized to many concurrent targets.
package monitor

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/agentsvc"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/manifest"
	"github.com/kandev/orchestrator/internal/routing"
	"github.com/kandev/orchestrator/internal/workspace"
)

// Tunables from spec.md §4.10.
const (
	TickInterval           = 5 * time.Second
	probeWorkerWaitRunning = 10 * time.Second

	crashLoopBaseDelay  = 10 * time.Second
	crashLoopMaxDelay   = 5 * time.Minute
	crashLoopResetAfter = 10 * time.Minute

	restartWindow = 60 * time.Second
	restartLimit  = 5
	stableAfter   = 60 * time.Second
)

type probeState string

const (
	probePending probeState = "pending"
	probeRunning probeState = "running"
	probeSuccess probeState = "success"
	probeFailed  probeState = "failed"
)

// target is one monitored agent's control-loop state (spec.md §4.10
// "Per-target state").
type target struct {
	name          string
	containerName string
	rec           *workspace.AgentRecord

	mu                sync.Mutex
	restartHistory    []time.Time
	backoff           time.Duration
	tripped           bool
	isRestarting      bool
	lastSeenRunningAt time.Time
	probeState        probeState
	probeStarted      bool

	cancelProbe context.CancelFunc
}

// ManifestLoader resolves an agent record's effective configuration
// and raw manifest (for health probe declarations), grounded on
// internal/manifest's Parse/Resolve.
type ManifestLoader interface {
	Load(rec *workspace.AgentRecord, profile string) (*manifest.Manifest, *manifest.EffectiveConfig, error)
}

// Monitor reconciles the agent registry against running containers
// and supervises per-container health probes.
type Monitor struct {
	paths    *workspace.Paths
	eng      engine.Engine
	agentMgr *agentsvc.Manager
	loader   ManifestLoader
	router   *routing.Writer
	reader   *routing.Reader
	bus      events.Bus
	log      *logger.Logger

	mu      sync.Mutex
	targets map[string]*target
}

// New constructs a Monitor. bus may be nil to skip health-transition
// fan-out.
func New(paths *workspace.Paths, eng engine.Engine, agentMgr *agentsvc.Manager, loader ManifestLoader, router *routing.Writer, reader *routing.Reader, bus events.Bus, log *logger.Logger) *Monitor {
	if log == nil {
		log = logger.Default()
	}
	return &Monitor{
		paths:    paths,
		eng:      eng,
		agentMgr: agentMgr,
		loader:   loader,
		router:   router,
		reader:   reader,
		bus:      bus,
		log:      log.WithFields(zap.String("component", "monitor")),
		targets:  map[string]*target{},
	}
}

// Run ticks every TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick implements spec.md §4.10's per-cycle reconciliation.
func (m *Monitor) tick(ctx context.Context) {
	registry := workspace.NewAgentRegistry(m.paths, m.log)
	records, err := registry.Load()
	if err != nil {
		m.log.Warn("load agent registry", zap.Error(err))
		return
	}
	m.reconcileTargets(records)

	m.mu.Lock()
	targets := make([]*target, 0, len(m.targets))
	for _, t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.tickTarget(ctx, t)
	}
}

// reconcileTargets adds targets for newly enabled agents of type
// "agent" and drops targets for records no longer present (spec.md
// §4.10 step 1).
func (m *Monitor) reconcileTargets(records map[string]*workspace.AgentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	for name, rec := range records {
		if rec.Type != "agent" {
			continue
		}
		seen[name] = true
		if _, ok := m.targets[name]; !ok {
			m.targets[name] = &target{name: name, containerName: rec.ContainerName, rec: rec, backoff: crashLoopBaseDelay, probeState: probePending}
		} else {
			m.targets[name].rec = rec
			m.targets[name].containerName = rec.ContainerName
		}
	}
	for name, t := range m.targets {
		if !seen[name] {
			if t.cancelProbe != nil {
				t.cancelProbe()
			}
			delete(m.targets, name)
		}
	}
}

func (m *Monitor) tickTarget(ctx context.Context, t *target) {
	t.mu.Lock()
	if t.tripped || t.isRestarting {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	info, err := m.eng.Inspect(ctx, t.containerName)
	running := err == nil && info.Running()

	if running {
		t.mu.Lock()
		t.lastSeenRunningAt = time.Now()
		if len(t.restartHistory) > 0 && time.Since(t.restartHistory[len(t.restartHistory)-1]) > stableAfter {
			t.restartHistory = nil
			t.backoff = crashLoopBaseDelay
		}
		started := t.probeStarted
		t.probeStarted = true
		t.mu.Unlock()

		if !started {
			m.startProbeWorker(t)
		}
		return
	}

	m.scheduleRestart(ctx, t)
}

// scheduleRestart applies a per-container circuit breaker identical in
// shape to the Watchdog's (spec.md §4.10, §4.9) before invoking C7 to
// ensure the service is running again.
func (m *Monitor) scheduleRestart(ctx context.Context, t *target) {
	t.mu.Lock()
	cutoff := time.Now().Add(-restartWindow)
	kept := t.restartHistory[:0]
	for _, ts := range t.restartHistory {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.restartHistory = kept

	if len(t.restartHistory) >= restartLimit {
		t.tripped = true
		t.mu.Unlock()
		m.log.Error("container restart circuit breaker tripped", zap.String("target", t.name))
		return
	}

	t.restartHistory = append(t.restartHistory, time.Now())
	delay := t.backoff
	t.backoff *= 2
	if t.backoff > crashLoopMaxDelay {
		t.backoff = crashLoopMaxDelay
	}
	t.isRestarting = true
	rec := t.rec
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			t.isRestarting = false
			t.mu.Unlock()
		}()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		_, eff, err := m.loader.Load(rec, rec.Profile)
		if err != nil {
			m.log.Warn("resolve manifest for restart", zap.String("target", t.name), zap.Error(err))
			return
		}
		if _, err := m.agentMgr.Ensure(ctx, rec, eff, rec.Profile, nil); err != nil {
			m.log.Warn("ensure container failed", zap.String("target", t.name), zap.Error(err))
			return
		}
		m.log.Info("restarted container", zap.String("target", t.name))
	}()
}

// startProbeWorker launches the liveness/readiness control loop for a
// newly-running target (spec.md §4.10 "Probe worker").
func (m *Monitor) startProbeWorker(t *target) {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancelProbe = cancel
	t.mu.Unlock()

	go m.runProbeWorker(ctx, t)
}

func (m *Monitor) runProbeWorker(ctx context.Context, t *target) {
	mf, eff, err := m.loader.Load(t.rec, t.rec.Profile)
	if err != nil {
		m.log.Warn("resolve manifest for probe worker", zap.String("target", t.name), zap.Error(err))
		return
	}
	if mf.Health == nil {
		return
	}

	deadline := time.After(probeWorkerWaitRunning)
	select {
	case <-deadline:
	case <-ctx.Done():
		return
	}

	if mf.Health.Liveness != nil {
		if !m.livenessLoop(ctx, t, mf.Health.Liveness, eff) {
			return
		}
	}
	if mf.Health.Readiness != nil {
		m.readinessLoop(ctx, t, mf.Health.Readiness)
	}
}

// livenessLoop execs the liveness probe repeatedly, restarting the
// container with CrashLoopBackOff-style delay once failures reach the
// threshold. Returns false if the worker should stop entirely (context
// cancelled).
func (m *Monitor) livenessLoop(ctx context.Context, t *target, probe *manifest.ProbeSpec, eff *manifest.EffectiveConfig) bool {
	script, err := validateProbeScript(probe.Script)
	if err != nil {
		m.log.Warn("invalid liveness probe script", zap.String("target", t.name), zap.Error(err))
		return true
	}

	failures := 0
	retries := 0
	lastRestart := time.Now()
	interval := time.Duration(probe.IntervalSec) * time.Second

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}

		ok := m.execProbe(ctx, t, script, probe.TimeoutSec)
		if ok {
			failures = 0
			if time.Since(lastRestart) > crashLoopResetAfter {
				retries = 0
			}
			continue
		}

		failures++
		if failures < probe.FailureThreshold {
			continue
		}

		m.log.Warn("liveness probe failed threshold, restarting container", zap.String("target", t.name))
		info, err := m.eng.Inspect(ctx, t.containerName)
		if err == nil {
			_ = m.eng.Stop(ctx, info.ID, agentsvc.DefaultStopTimeout)
		}
		if _, err := m.agentMgr.Ensure(ctx, t.rec, eff, t.rec.Profile, nil); err != nil {
			m.log.Warn("liveness restart failed", zap.String("target", t.name), zap.Error(err))
		}

		delay := time.Duration(float64(crashLoopBaseDelay) * pow2(retries))
		if delay > crashLoopMaxDelay {
			delay = crashLoopMaxDelay
		}
		retries++
		lastRestart = time.Now()
		failures = 0

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
}

// readinessLoop execs the readiness probe repeatedly. Failure does not
// restart the container — it marks the route unhealthy and logs a
// warning (spec.md §4.10).
func (m *Monitor) readinessLoop(ctx context.Context, t *target, probe *manifest.ProbeSpec) {
	script, err := validateProbeScript(probe.Script)
	if err != nil {
		m.log.Warn("invalid readiness probe script", zap.String("target", t.name), zap.Error(err))
		return
	}

	interval := time.Duration(probe.IntervalSec) * time.Second
	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		ok := m.execProbe(ctx, t, script, probe.TimeoutSec)
		if ok {
			failures = 0
			m.setUnhealthy(t.name, false)
			continue
		}

		failures++
		if failures >= probe.FailureThreshold {
			m.log.Warn("readiness probe failing, marking route unhealthy", zap.String("target", t.name))
			m.setUnhealthy(t.name, true)
		}
	}
}

func (m *Monitor) execProbe(ctx context.Context, t *target, script string, timeoutSec int) bool {
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := m.eng.Inspect(ctx, t.containerName)
	if err != nil {
		return false
	}
	result, err := m.eng.Exec(execCtx, info.ID, []string{"sh", "-c", script}, engine.ExecOptions{WorkDir: "/code"})
	return err == nil && result.ExitCode == 0
}

// setUnhealthy updates a single route's unhealthy flag in the routing
// table and publishes a health-changed event.
func (m *Monitor) setUnhealthy(name string, unhealthy bool) {
	if m.reader == nil || m.router == nil {
		return
	}
	table, err := m.reader.Read()
	if err != nil {
		return
	}
	route, ok := table.Routes[name]
	if !ok || route.Unhealthy == unhealthy {
		return
	}
	route.Unhealthy = unhealthy
	table.Routes[name] = route
	if err := m.router.Write(table); err != nil {
		m.log.Warn("write routing table after health transition", zap.Error(err))
		return
	}

	if m.bus != nil {
		_ = m.bus.Publish(context.Background(), events.SubjectHealthChanged,
			events.NewEvent(events.SubjectHealthChanged, "monitor", map[string]interface{}{"name": name, "unhealthy": unhealthy}))
	}
}

// validateProbeScript rejects names containing a path separator or a
// ".." traversal segment (spec.md §4.10 "path-traversal guard").
func validateProbeScript(name string) (string, error) {
	if strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return "", fmt.Errorf("probe script name must not contain a path separator: %q", name)
	}
	if path.Clean(name) != name || name == ".." {
		return "", fmt.Errorf("probe script name must not traverse directories: %q", name)
	}
	return name, nil
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}
