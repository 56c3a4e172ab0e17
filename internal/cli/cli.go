// Package cli implements the orchestrator CLI's operations (spec.md
// §2 "CLI (external)", §4.12): workspace init, enable/start/stop,
// repository management, secrets, and log access. The interactive
// shell, tab completion, and command suggestion the spec excludes are
// not implemented here — only the operations themselves.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kandev/orchestrator/internal/agentsvc"
	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/config"
	"github.com/kandev/orchestrator/internal/depinstall"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/engine/docker"
	"github.com/kandev/orchestrator/internal/engine/podman"
	"github.com/kandev/orchestrator/internal/eventlog"
	"github.com/kandev/orchestrator/internal/hooks"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/manifest"
	"github.com/kandev/orchestrator/internal/reposvc"
	"github.com/kandev/orchestrator/internal/routing"
	"github.com/kandev/orchestrator/internal/secrets"
	"github.com/kandev/orchestrator/internal/workspace"
	"github.com/kandev/orchestrator/pkg/orchctx"
)

// App bundles every dependency the CLI operations need, built once per
// invocation (spec.md §9 "replace ambient singletons with a Context
// value threaded through call sites").
type App struct {
	Paths    *workspace.Paths
	Cfg      *config.Config
	Log      *logger.Logger
	Resolver *secrets.Resolver
	Engine   engine.Engine
	Repos    *reposvc.Service
	Loader   *manifest.Loader
	Registry *workspace.AgentRegistry
	RoutesW  *routing.Writer
	RoutesR  *routing.Reader
	Ctx      *orchctx.Context
}

// NewApp discovers the workspace root from cwd, loads configuration,
// and wires every collaborator the CLI operations share.
func NewApp() (*App, error) {
	root, err := workspace.DiscoverRoot(".")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfigError, "discover workspace root", err).
			WithRemedy("Run `orch init` first to create a workspace here")
	}
	return newAppAt(root)
}

// NewAppInit initializes a new workspace at dir (or the cwd if dir is
// empty) and returns an App rooted there.
func NewAppInit(dir string) (*App, error) {
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternalInvariant, "getwd", err)
		}
	}
	if _, err := workspace.Init(dir); err != nil {
		return nil, err
	}
	return newAppAt(dir)
}

func newAppAt(root string) (*App, error) {
	paths := workspace.NewPaths(root)
	if err := paths.EnsureSkeleton(); err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfigError, "load configuration", err)
	}

	octx := orchctx.New(root).WithProfile(paths.ActiveProfile())
	octx.Debug = os.Getenv("ORCH_DEBUG") == "1"
	octx.ContainerRuntime = os.Getenv("CONTAINER_RUNTIME")
	if octx.Debug {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternalInvariant, "initialize logger", err)
	}
	logger.SetDefault(log)

	resolver, err := secrets.NewResolver(paths.SecretsFile, root)
	if err != nil {
		return nil, err
	}

	eng, err := buildEngine(cfg, octx, log)
	if err != nil {
		return nil, err
	}

	return &App{
		Paths:    paths,
		Cfg:      cfg,
		Log:      log,
		Resolver: resolver,
		Engine:   eng,
		Repos:    reposvc.New(paths, log),
		Loader:   manifest.NewLoader(paths),
		Registry: workspace.NewAgentRegistry(paths, log),
		RoutesW:  routing.NewWriter(paths, nil),
		RoutesR:  routing.NewReader(paths),
		Ctx:      octx,
	}, nil
}

// buildEngine resolves and constructs the configured container engine
// adapter (spec.md §4.1 "Detection order"). A non-empty ctx.ContainerRuntime
// (CONTAINER_RUNTIME) takes precedence over the configuration file.
func buildEngine(cfg *config.Config, ctx *orchctx.Context, log *logger.Logger) (engine.Engine, error) {
	override := cfg.Docker.Runtime
	if ctx.ContainerRuntime != "" {
		override = ctx.ContainerRuntime
	}
	runtime := engine.Detect(engine.Runtime(override), cfg.Docker.PodmanBin)
	switch runtime {
	case engine.RuntimePodman:
		bin := cfg.Docker.PodmanBin
		if bin == "" {
			bin = "podman"
		}
		return podman.New(bin, log), nil
	default:
		return docker.New(docker.Config{Host: cfg.Docker.Host, APIVersion: cfg.Docker.APIVersion}, log)
	}
}

// ---- enable / disable / start / stop ----

// expandEnable resolves a manifest's enable[] and repos lists into a
// flat ordered list of enable directives, performing a fixed-point
// expansion with a visited set to detect cycles (spec.md §9 "Cyclic
// structures").
func (a *App) expandEnable(ref string, visited map[string]bool) ([]*manifest.EnableDirective, error) {
	if visited[ref] {
		return nil, apperr.New(apperr.KindConfigError, "cycle detected while expanding enable directive "+ref)
	}
	visited[ref] = true

	summary, err := a.Repos.FindAgent(ref)
	if err != nil {
		return nil, err
	}
	m, _, err := a.Loader.Load(&workspace.AgentRecord{RepoName: summary.Repo, AgentName: summary.Name}, "")
	if err != nil {
		return nil, err
	}

	self := &manifest.EnableDirective{Name: summary.Name, Repo: summary.Repo}
	out := []*manifest.EnableDirective{self}

	for _, repoRef := range m.Repos {
		if err := a.Repos.Add(context.Background(), "", repoRef); err != nil {
			return nil, err
		}
	}

	for _, directive := range m.Enable {
		d, err := manifest.ParseEnableDirective(directive)
		if err != nil {
			return nil, err
		}
		depRef := d.Name
		if d.Repo != "" {
			depRef = d.Repo + "/" + d.Name
		}
		deps, err := a.expandEnable(depRef, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, deps...)
	}

	return out, nil
}

// Enable resolves ref (bare agent name or "repo/agent"), expands its
// enable[]/repos closure, and materializes an agent record plus an
// agents/<name> working directory for every agent discovered (spec.md
// §3.4 UNKNOWN → ENABLED). Symlinks are created later, by the lifecycle
// run in Start.
func (a *App) Enable(ref string, mode string) error {
	if mode == "" {
		mode = string(manifest.RunModeIsolated)
	}
	directives, err := a.expandEnable(ref, map[string]bool{})
	if err != nil {
		return err
	}

	records, err := a.Registry.Load()
	if err != nil {
		return err
	}

	for _, d := range directives {
		name := d.ResolvedName()
		if _, exists := records[name]; exists {
			continue
		}
		summary, err := a.Repos.FindAgent(d.Repo + "/" + d.Name)
		if err != nil {
			summary, err = a.Repos.FindAgent(d.Name)
			if err != nil {
				return err
			}
		}
		rec := &workspace.AgentRecord{
			Name:          name,
			RepoName:      summary.Repo,
			AgentName:     summary.Name,
			ContainerName: workspace.ContainerName(summary.Repo, summary.Name, a.Paths.Root),
			RunMode:       mode,
			Type:          "agent",
			CreatedAt:     time.Now(),
		}
		if err := a.Registry.Put(rec); err != nil {
			return err
		}
		if err := os.MkdirAll(a.Paths.AgentWorkDir(name), 0755); err != nil {
			return apperr.Wrap(apperr.KindInternalInvariant, "create agent work dir", err)
		}
	}
	return nil
}

// Disable tears down the container (if any) and removes the agent
// record, per spec.md §3.3 "disable must tear down container".
func (a *App) Disable(ctx context.Context, name string) error {
	rec, err := a.Registry.Get(name)
	if err != nil {
		return err
	}
	agentMgr := agentsvc.New(a.Paths, a.Resolver, a.Engine, a.Paths.CodeDir, a.Cfg.Router.Port, a.Log)
	if err := agentMgr.Disable(ctx, rec.ContainerName); err != nil {
		return err
	}
	return a.Registry.Remove(name)
}

// Start runs the 12-step lifecycle for name, publishes its route at
// routerPort, and ensures a Watchdog-supervised Router is running
// (spec.md §2 data flow: "CLI writes Routing Table and spawns
// Watchdog").
func (a *App) Start(ctx context.Context, name string, routerPort int) error {
	rec, err := a.Registry.Get(name)
	if err != nil {
		return err
	}

	m, eff, err := a.Loader.Load(rec, "")
	if err != nil {
		return err
	}

	agentMgr := agentsvc.New(a.Paths, a.Resolver, a.Engine, a.Paths.CodeDir, routerPort, a.Log)
	installer := depinstall.New(a.Engine, a.Log)
	hookEngine := hooks.New(a.Paths, a.Resolver, a.Engine, installer, a.Log)

	var readiness *manifest.ProbeSpec
	if m.Health != nil {
		readiness = m.Health.Readiness
	}

	req := &hooks.Request{
		Agent:         rec,
		Manifest:      m,
		Effective:     eff,
		Profile:       a.Paths.ActiveProfile(),
		RepoDir:       a.Paths.RepoAgentDir(rec.RepoName, rec.AgentName),
		AgentWorkDir:  a.Paths.AgentWorkDir(rec.Name),
		ContainerName: rec.ContainerName,
		Provisioner:   agentMgr.NewProvisioner(rec, eff, a.Paths.ActiveProfile()),
	}

	result := hookEngine.Run(ctx, req)
	if err := result.Err(); err != nil {
		return err
	}

	info, err := a.Engine.Inspect(ctx, rec.ContainerName)
	if err != nil {
		return err
	}
	healthy := agentMgr.WaitReady(ctx, info.ID, readiness)

	table, err := a.RoutesR.Read()
	if err != nil {
		table = &routing.Table{Routes: map[string]routing.Route{}}
	}
	if table.Routes == nil {
		table.Routes = map[string]routing.Route{}
	}
	table.Port = routerPort
	table.Routes[rec.Name] = routing.Route{
		Container: rec.ContainerName,
		HostPort:  info.HostPorts[agentsvc.StandardAgentPort],
		Repo:      rec.RepoName,
		Agent:     rec.AgentName,
		Unhealthy: !healthy,
	}
	if err := a.RoutesW.Write(table); err != nil {
		return err
	}

	return a.ensureRouterRunning(routerPort)
}

// Stop tears down name's container and removes its routing entry,
// leaving the agent record (and re-enableable state) intact.
func (a *App) Stop(ctx context.Context, name string) error {
	rec, err := a.Registry.Get(name)
	if err != nil {
		return err
	}
	if err := a.Engine.Stop(ctx, rec.ContainerName, agentsvc.DefaultStopTimeout); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}

	table, err := a.RoutesR.Read()
	if err != nil {
		return nil
	}
	delete(table.Routes, name)
	return a.RoutesW.Write(table)
}

// routerIsRunning checks the PID file per spec.md §5 "stale PID
// detected by sending signal 0".
func (a *App) routerIsRunning() (int, bool) {
	data, err := os.ReadFile(a.Paths.RouterPID)
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

// ensureRouterRunning spawns a detached Watchdog process supervising
// the Router child if one is not already alive.
func (a *App) ensureRouterRunning(routerPort int) error {
	if _, ok := a.routerIsRunning(); ok {
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "resolve own executable path", err)
	}

	cmd := exec.Command(self, "__watchdog")
	cmd.Dir = a.Paths.Root
	cmd.Env = append(os.Environ(), fmt.Sprintf("ROUTER_PORT=%d", routerPort))
	cmd.SysProcAttr = detachedSysProcAttr()
	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "spawn watchdog", err).
			WithRemedy("Check that the orch binary is executable and on PATH")
	}
	if err := a.Paths.WriteRouterPID(cmd.Process.Pid); err != nil {
		return err
	}
	return cmd.Process.Release()
}

// Status reports agent and routing counts for the `status` CLI verb.
func (a *App) Status() (map[string]interface{}, error) {
	records, err := a.Registry.Load()
	if err != nil {
		return nil, err
	}
	table, err := a.RoutesR.Read()
	if err != nil {
		table = &routing.Table{}
	}
	_, running := a.routerIsRunning()
	return map[string]interface{}{
		"agentCount": len(records),
		"routeCount": len(table.Routes),
		"routerUp":   running,
		"profile":    a.Paths.ActiveProfile(),
	}, nil
}

// ---- repos ----

func (a *App) RepoAdd(ctx context.Context, name, ref string) error {
	return a.Repos.Add(ctx, name, ref)
}
func (a *App) RepoUpdate(ctx context.Context, name string) error { return a.Repos.Update(ctx, name) }
func (a *App) RepoRemove(ctx context.Context, name string) error { return a.Repos.Remove(ctx, name) }
func (a *App) RepoEnable(name string) error                      { return a.Repos.Enable(name) }
func (a *App) RepoDisable(name string) error                     { return a.Repos.Disable(name) }

func (a *App) RepoList() ([]*reposvc.RepoMeta, error) { return a.Repos.List() }

// ---- secrets ----

// SecretSet writes or replaces KEY in the secrets file (spec.md §5
// "Secrets file: single writer (CLI)").
func (a *App) SecretSet(key, value string) error {
	existing, err := a.secretLines()
	if err != nil {
		return err
	}
	existing[key] = value
	return a.writeSecretLines(existing)
}

// SecretList returns every key currently set, values redacted.
func (a *App) SecretList() ([]string, error) {
	lines, err := a.secretLines()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *App) secretLines() (map[string]string, error) {
	out := map[string]string{}
	data, err := os.ReadFile(a.Paths.SecretsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, apperr.Wrap(apperr.KindInternalInvariant, "read secrets file", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

func (a *App) writeSecretLines(m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte('\n')
	}

	dir := filepath.Dir(a.Paths.SecretsFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "create secrets dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "create secrets tempfile", err)
	}
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternalInvariant, "write secrets tempfile", err)
	}
	tmp.Close()
	return os.Rename(tmp.Name(), a.Paths.SecretsFile)
}

// ---- logs ----

// LogLast returns the last n lines of channel's log file.
func (a *App) LogLast(channel string, n int) ([]string, error) {
	return eventlog.Last(a.logPath(channel), n)
}

// LogTail streams new lines from channel's log file until ctx is done.
func (a *App) LogTail(ctx context.Context, channel string, lines chan<- string) error {
	return eventlog.Tail(ctx, a.logPath(channel), lines)
}

func (a *App) logPath(channel string) string {
	return filepath.Join(a.Paths.LogsDir, channel+".log")
}
