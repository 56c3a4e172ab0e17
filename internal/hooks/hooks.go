// Package hooks implements the 12-step ordered lifecycle hook engine
// (spec.md §4.6, C6): every step but container create/start (delegated
// to a ContainerProvisioner implemented by C7) runs here, in order,
// stopping at the first failed step and returning every step result
// recorded up to it.
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/depinstall"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/manifest"
	"github.com/kandev/orchestrator/internal/secrets"
	"github.com/kandev/orchestrator/internal/workspace"
)

// DefaultHookTimeout is the 5-minute default hook execution timeout
// (spec.md §4.6, §5).
const DefaultHookTimeout = 5 * time.Minute

// StepResult is the outcome of one of the twelve ordered steps.
type StepResult struct {
	Step    int
	Name    string
	Success bool
	Error   string
	Output  string
}

// Result aggregates every step's outcome for one lifecycle run.
type Result struct {
	Steps []StepResult
}

// Err returns a single aggregated error if any step failed, nil
// otherwise.
func (r *Result) Err() error {
	var failed []string
	for _, s := range r.Steps {
		if !s.Success {
			failed = append(failed, fmt.Sprintf("step %d (%s): %s", s.Step, s.Name, s.Error))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return apperr.New(apperr.KindContainerLifecycle, strings.Join(failed, "; "))
}

// ContainerProvisioner is the subset of the Agent Service Manager (C7)
// this engine delegates steps 3 and 5 to (spec.md §4.6).
type ContainerProvisioner interface {
	CreateContainer(ctx context.Context) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
}

// Request bundles everything one agent's lifecycle run needs.
type Request struct {
	Agent         *workspace.AgentRecord
	Manifest      *manifest.Manifest
	Effective     *manifest.EffectiveConfig
	Profile       string
	RepoDir       string // repo checkout root, for host hook path validation
	AgentWorkDir  string // ORCH_CWD
	ContainerName string
	Provisioner   ContainerProvisioner
}

// Engine runs the ordered lifecycle for one agent.
type Engine struct {
	paths     *workspace.Paths
	resolver  *secrets.Resolver
	eng       engine.Engine
	installer *depinstall.Installer
	log       *logger.Logger
}

// New builds a hook Engine.
func New(paths *workspace.Paths, resolver *secrets.Resolver, eng engine.Engine, installer *depinstall.Installer, log *logger.Logger) *Engine {
	return &Engine{paths: paths, resolver: resolver, eng: eng, installer: installer, log: log}
}

// hookEnv builds the env injected into every hook (spec.md §4.6 "Hook
// environment"): the fixed ORCH_* identity vars first, then the profile
// env and resolved secrets appended after them.
func (e *Engine) hookEnv(req *Request) []string {
	env := []string{
		"ORCH_PROFILE=" + req.Profile,
		"ORCH_PROFILE_ENV=" + manifest.ProfileEnvName(req.Profile),
		"ORCH_AGENT_NAME=" + req.Agent.AgentName,
		"ORCH_REPO_NAME=" + req.Agent.RepoName,
		"ORCH_CWD=" + req.AgentWorkDir,
		"ORCH_CONTAINER_NAME=" + req.ContainerName,
	}
	for _, rec := range req.Effective.Env {
		if rec.InsideName == "" {
			continue
		}
		val := e.resolver.Get(rec.SourceName)
		if val == "" && rec.HasDefault {
			val = rec.DefaultValue
		}
		env = append(env, rec.InsideName+"="+val)
	}
	return env
}

// Run executes the full 12-step lifecycle, stopping at the first failed
// step (each step's failure is fatal for the agent, spec.md §4.6).
func (e *Engine) Run(ctx context.Context, req *Request) *Result {
	result := &Result{}

	step := func(n int, name string, fn func() (string, error)) bool {
		out, err := fn()
		sr := StepResult{Step: n, Name: name, Output: out}
		if err != nil {
			sr.Error = err.Error()
		} else {
			sr.Success = true
		}
		result.Steps = append(result.Steps, sr)
		return sr.Success
	}

	if !step(1, "workspace init", func() (string, error) {
		return "", os.MkdirAll(req.AgentWorkDir, 0755)
	}) {
		return result
	}

	if !step(2, "symlinks", func() (string, error) {
		return "", e.createSymlinks(req)
	}) {
		return result
	}

	var containerID string
	if !step(3, "container create", func() (string, error) {
		id, err := req.Provisioner.CreateContainer(ctx)
		containerID = id
		return id, err
	}) {
		return result
	}

	if !step(4, "hosthook_aftercreation", func() (string, error) {
		return e.runHostHookIfSet(ctx, req, req.Manifest.HostHookAfterCreation)
	}) {
		return result
	}

	if !step(5, "container start", func() (string, error) {
		return "", req.Provisioner.StartContainer(ctx, containerID)
	}) {
		return result
	}

	// Host-side skip decision (spec.md §4.5): checked before either
	// install step runs, not inside the container.
	skipInstall := depinstall.ShouldSkip(req.AgentWorkDir, !req.Manifest.Start.Empty())

	if !step(6, "core deps install", func() (string, error) {
		if skipInstall {
			return "skipped: no package metadata with a start entrypoint, or modules cache already warm", nil
		}
		return "", e.installer.InstallCore(ctx, containerID, req.AgentWorkDir)
	}) {
		return result
	}

	if !step(7, "agent deps install", func() (string, error) {
		if skipInstall {
			return "skipped: no package metadata with a start entrypoint, or modules cache already warm", nil
		}
		pkgPath := filepath.Join(req.RepoDir, "package.json")
		agentPkg, _ := os.ReadFile(pkgPath)
		return "", e.installer.InstallMerged(ctx, containerID, req.AgentWorkDir, agentPkg)
	}) {
		return result
	}

	// Secret validation precedes any container hook execution
	// (spec.md §4.6).
	if !step(-1, "secret validation", func() (string, error) {
		return "", e.resolver.ValidateRequired(req.Manifest.RequiredSecrets)
	}) {
		return result
	}

	if !step(8, "preinstall hook", func() (string, error) {
		return e.runContainerScript(ctx, containerID, req, req.Effective.Preinstall)
	}) {
		return result
	}

	if !step(9, "install hook", func() (string, error) {
		return e.runContainerScript(ctx, containerID, req, req.Effective.Install)
	}) {
		return result
	}

	if !step(10, "postinstall hook", func() (string, error) {
		return e.runContainerScript(ctx, containerID, req, req.Effective.Postinstall)
	}) {
		return result
	}

	if !step(11, "hosthook_postinstall", func() (string, error) {
		return e.runHostHookIfSet(ctx, req, req.Manifest.HostHookPostinstall)
	}) {
		return result
	}

	step(12, "agent ready", func() (string, error) {
		return "", nil
	})

	return result
}

func (e *Engine) createSymlinks(req *Request) error {
	codeTarget := e.paths.RepoAgentDir(req.Agent.RepoName, req.Agent.AgentName)
	if err := workspace.CreateSymlink(e.log, codeTarget, e.paths.CodeSymlinkPath(req.Agent.Name)); err != nil {
		return err
	}

	skillsSource := filepath.Join(codeTarget, ".skills")
	if _, err := os.Stat(skillsSource); err == nil {
		if err := workspace.CreateSymlink(e.log, skillsSource, e.paths.SkillsSymlinkPath(req.Agent.Name)); err != nil {
			return err
		}
	}
	return nil
}

// runHostHookIfSet locates script under req.RepoDir (rejecting absolute
// or traversal paths), chmods it 755, and spawns it with the hook env,
// per spec.md §4.6 "Host hook execution".
func (e *Engine) runHostHookIfSet(ctx context.Context, req *Request, script string) (string, error) {
	if script == "" {
		return "", nil
	}
	if filepath.IsAbs(script) {
		return "", apperr.New(apperr.KindConfigError, "host hook script must be a relative path: "+script)
	}
	clean := filepath.Clean(script)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", apperr.New(apperr.KindConfigError, "host hook script must not traverse outside the repository: "+script)
	}

	fullPath := filepath.Join(req.RepoDir, clean)
	if _, err := os.Stat(fullPath); err != nil {
		return "", apperr.Wrap(apperr.KindConfigError, "host hook script not found: "+fullPath, err)
	}
	if err := os.Chmod(fullPath, 0755); err != nil {
		return "", apperr.Wrap(apperr.KindConfigError, "chmod host hook script", err)
	}

	hookCtx, cancel := context.WithTimeout(ctx, DefaultHookTimeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, fullPath)
	cmd.Dir = req.RepoDir
	cmd.Env = append(os.Environ(), e.hookEnv(req)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), apperr.Wrap(apperr.KindContainerLifecycle, "host hook failed: "+fullPath, err)
	}
	return out.String(), nil
}

// runContainerScript runs a sequence of shell commands inside the
// container at /code, per spec.md §4.6 "Container hook execution".
func (e *Engine) runContainerScript(ctx context.Context, containerID string, req *Request, commands []string) (string, error) {
	if len(commands) == 0 {
		return "", nil
	}
	script := strings.Join(commands, " && ")

	result, err := e.eng.Exec(ctx, containerID, []string{"sh", "-c", script}, engine.ExecOptions{
		WorkDir: "/code",
		Env:     e.hookEnv(req),
		Timeout: DefaultHookTimeout,
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return result.Stdout + result.Stderr, apperr.New(apperr.KindContainerLifecycle,
			fmt.Sprintf("container hook exited %d: %s", result.ExitCode, result.Stderr))
	}
	return result.Stdout, nil
}
