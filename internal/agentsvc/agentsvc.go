// Package agentsvc implements the Agent Service Manager (spec.md §4.7,
// C7): an idempotent "ensure container" operation that composes image,
// mounts, env, ports, labels, and waits for readiness, grounded on the
// teacher's lifecycle.Manager container-config composition.
package agentsvc

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/manifest"
	"github.com/kandev/orchestrator/internal/secrets"
	"github.com/kandev/orchestrator/internal/workspace"
)

// StandardAgentPort is the conventional agent-side HTTP port that gets
// a random host-side allocation when unmapped (spec.md §4.7).
const StandardAgentPort = 7000

// DefaultStopTimeout is honored before a force-kill (spec.md §4.1).
const DefaultStopTimeout = 10 * time.Second

// ReadinessAttempts and their spacing implement spec.md §4.7's default
// "30 attempts × interval" health wait.
const ReadinessAttempts = 30

// EnsureResult is what Ensure/Create return: the provisioned
// container's identity and its allocated standard-port host binding.
type EnsureResult struct {
	ContainerName string
	ContainerID   string
	HostPort      int
	Healthy       bool
}

// Manager provisions and reconciles agent containers.
type Manager struct {
	paths    *workspace.Paths
	resolver *secrets.Resolver
	eng      engine.Engine
	log      *logger.Logger

	frameworkDir string // host path mounted read-only at /framework
	routerPort   int
}

// New builds a Manager.
func New(paths *workspace.Paths, resolver *secrets.Resolver, eng engine.Engine, frameworkDir string, routerPort int, log *logger.Logger) *Manager {
	return &Manager{paths: paths, resolver: resolver, eng: eng, log: log, frameworkDir: frameworkDir, routerPort: routerPort}
}

// desiredSpec composes the full engine.ContainerSpec for an agent
// record at its resolved effective configuration (spec.md §4.7 step 5).
func (m *Manager) desiredSpec(rec *workspace.AgentRecord, eff *manifest.EffectiveConfig, profile string) (engine.ContainerSpec, error) {
	codeTarget, err := workspace.ResolveRealPath(m.paths.CodeSymlinkPath(rec.Name))
	if err != nil {
		return engine.ContainerSpec{}, err
	}
	agentWorkDir := m.paths.AgentWorkDir(rec.Name)
	realWorkDir, err := workspace.ResolveRealPath(agentWorkDir)
	if err != nil {
		return engine.ContainerSpec{}, err
	}
	realFramework, err := workspace.ResolveRealPath(m.frameworkDir)
	if err != nil {
		return engine.ContainerSpec{}, err
	}

	mounts := []engine.Mount{
		{Source: realFramework, Target: "/framework", ReadOnly: true},
		{Source: codeTarget, Target: "/code", ReadOnly: eff.CodeMountMode == "ro"},
		{Source: realWorkDir, Target: realWorkDir, ReadOnly: false}, // cwd passthrough
		{Source: realWorkDir, Target: "/code/modules", ReadOnly: false},
		{Source: realWorkDir, Target: "/framework/modules", ReadOnly: false},
	}

	skillsPath := m.paths.SkillsSymlinkPath(rec.Name)
	if realSkills, err := workspace.ResolveRealPath(skillsPath); err == nil {
		mounts = append(mounts, engine.Mount{Source: realSkills, Target: "/code/.skills", ReadOnly: eff.SkillsMode == "ro"})
	}

	for hostRel, containerAbs := range eff.Volumes {
		hostAbs := filepath.Join(m.paths.Root, hostRel)
		real, err := workspace.ResolveRealPath(hostAbs)
		if err != nil {
			return engine.ContainerSpec{}, apperr.Wrap(apperr.KindConfigError, "resolve manifest volume "+hostRel, err)
		}
		mounts = append(mounts, engine.Mount{Source: real, Target: containerAbs})
	}

	env := []string{
		"MODULE_PATH=/code/modules",
		fmt.Sprintf("ORCH_ROUTER_PORT=%d", m.routerPort),
	}
	hasStandardPort := false
	var ports []engine.PortBinding
	for _, p := range eff.Ports {
		ports = append(ports, engine.PortBinding{BindIP: p.BindIP, HostPort: p.HostPort, ContainerPort: p.ContainerPort})
		if p.ContainerPort == StandardAgentPort {
			hasStandardPort = true
		}
	}
	if !hasStandardPort {
		hostPort, err := allocateFreePort()
		if err != nil {
			return engine.ContainerSpec{}, apperr.Wrap(apperr.KindContainerLifecycle, "allocate host port", err)
		}
		ports = append(ports, engine.PortBinding{HostPort: hostPort, ContainerPort: StandardAgentPort})
	}

	for _, rec := range eff.Env {
		if rec.Wildcard != "" {
			for _, pair := range m.resolver.WildcardMatches(rec.Wildcard) {
				env = append(env, pair.Name+"="+pair.Value)
			}
			continue
		}
		val := m.resolver.Get(rec.SourceName)
		if val == "" && rec.HasDefault {
			val = rec.DefaultValue
		}
		env = append(env, rec.InsideName+"="+val)
	}

	labels := map[string]string{
		engine.LabelManaged: "true",
		engine.LabelAgent:   rec.AgentName,
		engine.LabelRepo:    rec.RepoName,
		engine.LabelProfile: profile,
	}

	image := eff.Image
	if image == "" {
		image = eff.Container
	}

	return engine.ContainerSpec{
		Name:       rec.ContainerName,
		Image:      image,
		Env:        env,
		WorkingDir: "/code",
		Mounts:     mounts,
		Ports:      ports,
		Labels:     labels,
	}, nil
}

func allocateFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// specsEquivalent reports whether a running container's inspected state
// matches the desired spec closely enough to be reused: the image must
// be equal and every desired label present with the same value. Mounts
// and ports are not compared.
func specsEquivalent(info *engine.ContainerInfo, spec engine.ContainerSpec) bool {
	if info.Image != spec.Image {
		return false
	}
	for k, v := range spec.Labels {
		if info.Labels[k] != v {
			return false
		}
	}
	return true
}

// CreateContainer implements hooks.ContainerProvisioner's delegated
// step 3: compute the desired spec, reuse a matching running container,
// or recreate on drift.
func (m *Manager) CreateContainer(ctx context.Context, rec *workspace.AgentRecord, eff *manifest.EffectiveConfig, profile string) (string, error) {
	spec, err := m.desiredSpec(rec, eff, profile)
	if err != nil {
		return "", err
	}

	if info, err := m.eng.Inspect(ctx, spec.Name); err == nil {
		if info.Running() && specsEquivalent(info, spec) {
			m.log.Info("reusing existing container", zap.String("name", spec.Name))
			return info.ID, nil
		}
		m.log.Info("container exists but differs from desired spec, recreating", zap.String("name", spec.Name))
		_ = m.eng.Stop(ctx, info.ID, DefaultStopTimeout)
		if err := m.eng.Remove(ctx, info.ID, true); err != nil {
			return "", err
		}
	}

	return m.eng.Create(ctx, spec)
}

// StartContainer implements hooks.ContainerProvisioner's delegated
// step 5.
func (m *Manager) StartContainer(ctx context.Context, containerID string) error {
	return m.eng.Start(ctx, containerID)
}

// WaitReady polls a readiness probe (exec'd inside the container) until
// it passes or the default attempt budget is exhausted, returning even
// on timeout with healthy=false so the caller can mark the route
// unhealthy rather than fail provisioning (spec.md §4.7 "Health wait").
func (m *Manager) WaitReady(ctx context.Context, containerID string, probe *manifest.ProbeSpec) bool {
	if probe == nil {
		return true
	}
	interval := time.Duration(probe.IntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	timeout := time.Duration(probe.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for attempt := 0; attempt < ReadinessAttempts; attempt++ {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := m.eng.Exec(execCtx, containerID, []string{"sh", "-c", probe.Script}, engine.ExecOptions{WorkDir: "/code"})
		cancel()
		if err == nil && result.ExitCode == 0 {
			return true
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// Provisioner adapts Manager to hooks.ContainerProvisioner for one
// specific agent/effective-config/profile triple, since the hook
// engine's interface takes no arguments beyond ctx.
type Provisioner struct {
	mgr     *Manager
	rec     *workspace.AgentRecord
	eff     *manifest.EffectiveConfig
	profile string
}

// NewProvisioner binds Manager to one agent's provisioning parameters.
func (m *Manager) NewProvisioner(rec *workspace.AgentRecord, eff *manifest.EffectiveConfig, profile string) *Provisioner {
	return &Provisioner{mgr: m, rec: rec, eff: eff, profile: profile}
}

func (p *Provisioner) CreateContainer(ctx context.Context) (string, error) {
	return p.mgr.CreateContainer(ctx, p.rec, p.eff, p.profile)
}

func (p *Provisioner) StartContainer(ctx context.Context, containerID string) error {
	return p.mgr.StartContainer(ctx, containerID)
}

// Ensure is the idempotent one-shot "create, start, wait-ready"
// operation used outside the 12-step hook sequence — the Container
// Monitor's restart path (spec.md §4.10 "invoke C7 to ensure service")
// calls this directly rather than re-running hooks.
func (m *Manager) Ensure(ctx context.Context, rec *workspace.AgentRecord, eff *manifest.EffectiveConfig, profile string, readiness *manifest.ProbeSpec) (EnsureResult, error) {
	containerID, err := m.CreateContainer(ctx, rec, eff, profile)
	if err != nil {
		return EnsureResult{}, err
	}
	if err := m.StartContainer(ctx, containerID); err != nil {
		return EnsureResult{}, err
	}
	healthy := m.WaitReady(ctx, containerID, readiness)

	hostPort := 0
	if info, err := m.eng.Inspect(ctx, containerID); err == nil {
		hostPort = info.HostPorts[StandardAgentPort]
	}

	return EnsureResult{
		ContainerName: rec.ContainerName,
		ContainerID:   containerID,
		HostPort:      hostPort,
		Healthy:       healthy,
	}, nil
}

// Disable tears down the container for an agent record, per spec.md
// §3.3 "disable must tear down container".
func (m *Manager) Disable(ctx context.Context, containerName string) error {
	info, err := m.eng.Inspect(ctx, containerName)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		return err
	}
	if info.Running() {
		if err := m.eng.Stop(ctx, info.ID, DefaultStopTimeout); err != nil {
			return err
		}
	}
	return m.eng.Remove(ctx, info.ID, true)
}
