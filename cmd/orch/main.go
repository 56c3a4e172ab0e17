package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/agentsvc"
	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/cli"
	"github.com/kandev/orchestrator/internal/config"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/engine/docker"
	"github.com/kandev/orchestrator/internal/engine/podman"
	"github.com/kandev/orchestrator/internal/eventlog"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/manifest"
	"github.com/kandev/orchestrator/internal/monitor"
	"github.com/kandev/orchestrator/internal/router"
	"github.com/kandev/orchestrator/internal/routing"
	"github.com/kandev/orchestrator/internal/secrets"
	"github.com/kandev/orchestrator/internal/watchdog"
	"github.com/kandev/orchestrator/internal/workspace"
)

// main dispatches to one of the CLI verbs, or to one of two hidden
// process-mode entrypoints ("__watchdog", "__router") used internally
// by `start` to spawn the supervised Router child (spec.md §2 data
// flow: "CLI writes Routing Table and spawns Watchdog. Watchdog spawns
// Router (child process)").
func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "__watchdog":
		os.Exit(runWatchdogMode())
	case "__router":
		os.Exit(runRouterMode())
	default:
		os.Exit(runCLI(os.Args[1:]))
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: orch <command> [args]

commands:
  init [dir]
  enable <repo/agent|agent> [mode]
  disable <name>
  start <name> <routerPort>
  stop <name>
  status
  repo add <ref> [name]
  repo update <name>
  repo remove <name>
  repo enable <name>
  repo disable <name>
  repo list
  secret set <key> <value>
  secret list
  log tail <channel>
  log last <channel> [n]`)
}

// runCLI implements the ordinary (non-daemon) CLI verbs: one-shot
// operations that load an App, perform one action, and exit (spec.md
// §5 "Orchestrator CLI: single-threaded cooperative").
func runCLI(args []string) int {
	verb := args[0]
	rest := args[1:]

	var app *cli.App
	var err error
	if verb == "init" {
		dir := ""
		if len(rest) > 0 {
			dir = rest[0]
		}
		app, err = cli.NewAppInit(dir)
	} else {
		app, err = cli.NewApp()
	}
	if err != nil {
		return fail(err)
	}

	ctx := context.Background()

	switch verb {
	case "init":
		fmt.Println("workspace initialized at", app.Paths.Root)
		return 0

	case "enable":
		if len(rest) < 1 {
			return failUsage("enable <repo/agent|agent> [mode]")
		}
		mode := ""
		if len(rest) > 1 {
			mode = rest[1]
		}
		if err := app.Enable(rest[0], mode); err != nil {
			return fail(err)
		}
		fmt.Println("enabled", rest[0])
		return 0

	case "disable":
		if len(rest) < 1 {
			return failUsage("disable <name>")
		}
		if err := app.Disable(ctx, rest[0]); err != nil {
			return fail(err)
		}
		fmt.Println("disabled", rest[0])
		return 0

	case "start":
		if len(rest) < 2 {
			return failUsage("start <name> <routerPort>")
		}
		port, perr := strconv.Atoi(rest[1])
		if perr != nil {
			return failUsage("routerPort must be an integer")
		}
		if err := app.Start(ctx, rest[0], port); err != nil {
			return fail(err)
		}
		fmt.Println("started", rest[0])
		return 0

	case "stop":
		if len(rest) < 1 {
			return failUsage("stop <name>")
		}
		if err := app.Stop(ctx, rest[0]); err != nil {
			return fail(err)
		}
		fmt.Println("stopped", rest[0])
		return 0

	case "status":
		status, err := app.Status()
		if err != nil {
			return fail(err)
		}
		for k, v := range status {
			fmt.Printf("%s: %v\n", k, v)
		}
		return 0

	case "repo":
		return runRepoCLI(ctx, app, rest)

	case "secret":
		return runSecretCLI(app, rest)

	case "log":
		return runLogCLI(ctx, app, rest)

	default:
		printUsage()
		return 1
	}
}

func runRepoCLI(ctx context.Context, app *cli.App, rest []string) int {
	if len(rest) < 1 {
		return failUsage("repo <add|update|remove|enable|disable|list> ...")
	}
	switch rest[0] {
	case "add":
		if len(rest) < 2 {
			return failUsage("repo add <ref> [name]")
		}
		name := ""
		if len(rest) > 2 {
			name = rest[2]
		}
		if err := app.RepoAdd(ctx, name, rest[1]); err != nil {
			return fail(err)
		}
	case "update":
		if len(rest) < 2 {
			return failUsage("repo update <name>")
		}
		if err := app.RepoUpdate(ctx, rest[1]); err != nil {
			return fail(err)
		}
	case "remove":
		if len(rest) < 2 {
			return failUsage("repo remove <name>")
		}
		if err := app.RepoRemove(ctx, rest[1]); err != nil {
			return fail(err)
		}
	case "enable":
		if len(rest) < 2 {
			return failUsage("repo enable <name>")
		}
		if err := app.RepoEnable(rest[1]); err != nil {
			return fail(err)
		}
	case "disable":
		if len(rest) < 2 {
			return failUsage("repo disable <name>")
		}
		if err := app.RepoDisable(rest[1]); err != nil {
			return fail(err)
		}
	case "list":
		repos, err := app.RepoList()
		if err != nil {
			return fail(err)
		}
		for _, r := range repos {
			fmt.Printf("%s\t%s\n", r.Name, r.URL)
		}
	default:
		return failUsage("repo <add|update|remove|enable|disable|list> ...")
	}
	return 0
}

func runSecretCLI(app *cli.App, rest []string) int {
	if len(rest) < 1 {
		return failUsage("secret <set|list> ...")
	}
	switch rest[0] {
	case "set":
		if len(rest) < 3 {
			return failUsage("secret set <key> <value>")
		}
		if err := app.SecretSet(rest[1], rest[2]); err != nil {
			return fail(err)
		}
	case "list":
		keys, err := app.SecretList()
		if err != nil {
			return fail(err)
		}
		for _, k := range keys {
			fmt.Println(k)
		}
	default:
		return failUsage("secret <set|list> ...")
	}
	return 0
}

func runLogCLI(ctx context.Context, app *cli.App, rest []string) int {
	if len(rest) < 2 {
		return failUsage("log <tail|last> <channel> [n]")
	}
	switch rest[0] {
	case "last":
		n := 20
		if len(rest) > 2 {
			if parsed, err := strconv.Atoi(rest[2]); err == nil {
				n = parsed
			}
		}
		lines, err := app.LogLast(rest[1], n)
		if err != nil {
			return fail(err)
		}
		for _, l := range lines {
			fmt.Println(l)
		}
	case "tail":
		lines := make(chan string, 16)
		sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		go func() {
			for l := range lines {
				fmt.Println(l)
			}
		}()
		if err := app.LogTail(sigCtx, rest[1], lines); err != nil {
			return fail(err)
		}
	default:
		return failUsage("log <tail|last> <channel> [n]")
	}
	return 0
}

func fail(err error) int {
	if ae, ok := err.(*apperr.Error); ok {
		fmt.Fprintln(os.Stderr, ae.CLILine())
		return 1
	}
	fmt.Fprintln(os.Stderr, err.Error())
	return 1
}

func failUsage(msg string) int {
	fmt.Fprintln(os.Stderr, "usage: orch "+msg)
	return 2
}

// runWatchdogMode is the hidden entrypoint `start` spawns to supervise
// the Router child process (spec.md §4.9, C9).
func runWatchdogMode() int {
	root, err := workspace.DiscoverRoot(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "watchdog: no workspace found:", err)
		return 1
	}
	paths := workspace.NewPaths(root)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "watchdog: config:", err)
		return 1
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "watchdog: logger:", err)
		return 1
	}
	defer log.Sync()

	el, err := eventlog.Open(paths.WatchdogLog, nil)
	if err == nil {
		defer el.AppendLog("watchdog_close", nil)
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "watchdog: executable:", err)
		return 1
	}

	wd := watchdog.New(watchdog.Config{
		Command:    self,
		Args:       []string{"__router"},
		Env:        os.Environ(),
		HealthPort: cfg.Router.Port,
		Healthy:    cfg.Router.HealthEnabled,
	}, log, el)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code := wd.Run(ctx)
	_ = paths.RemoveRouterPID()
	return code
}

// runRouterMode runs the Router (plus its embedded Container Monitor)
// in the foreground; this is the process the Watchdog supervises.
func runRouterMode() int {
	root, err := workspace.DiscoverRoot(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "router: no workspace found:", err)
		return 1
	}
	paths := workspace.NewPaths(root)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "router: config:", err)
		return 1
	}
	if port := os.Getenv("ROUTER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Router.Port = p
		}
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintln(os.Stderr, "router: logger:", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	var bus events.Bus
	if cfg.Events.NATSURL != "" {
		bus, err = events.NewNATSBus(cfg.Events.NATSURL, log)
		if err != nil {
			log.Warn("nats unavailable, falling back to in-process bus", zap.Error(err))
			bus = events.NewMemoryBus()
		}
	} else {
		bus = events.NewMemoryBus()
	}
	defer bus.Close()

	eng, err := buildRouterEngine(cfg, log)
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}

	routesReader := routing.NewReader(paths)
	routesWriter := routing.NewWriter(paths, bus)
	registry := workspace.NewAgentRegistry(paths, log)

	rt := router.New(cfg.Router, paths, routesReader, registry, eng, bus, log)

	resolver, err := secrets.NewResolver(paths.SecretsFile, paths.Root)
	if err != nil {
		log.Fatal("secrets resolver init failed", zap.Error(err))
	}
	agentMgr := agentsvc.New(paths, resolver, eng, paths.CodeDir, cfg.Router.Port, log)
	mon := monitor.New(paths, eng, agentMgr, manifest.NewLoader(paths), routesWriter, routesReader, bus, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go mon.Run(ctx)

	if err := rt.Run(ctx); err != nil {
		log.Error("router exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func buildRouterEngine(cfg *config.Config, log *logger.Logger) (engine.Engine, error) {
	override := cfg.Docker.Runtime
	if v := os.Getenv("CONTAINER_RUNTIME"); v != "" {
		override = v
	}
	rt := engine.Detect(engine.Runtime(override), cfg.Docker.PodmanBin)
	if rt == engine.RuntimePodman {
		bin := cfg.Docker.PodmanBin
		if bin == "" {
			bin = "podman"
		}
		return podman.New(bin, log), nil
	}
	return docker.New(docker.Config{Host: cfg.Docker.Host, APIVersion: cfg.Docker.APIVersion}, log)
}
