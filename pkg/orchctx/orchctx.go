// Package orchctx carries the orchestrator's process-wide configuration as
// a single threaded value instead of ambient globals (spec.md §9, "Global
// mutable state"). Exactly one Context is built per process, in main, and
// passed down through constructors.
package orchctx

// Context holds the values the CLI, Router, Watchdog, and Monitor all
// need but that the source material keeps as package-level singletons
// (debug flag, workspace root, active profile).
type Context struct {
	// WorkspaceRoot is the discovered root directory W (spec.md §3.1).
	WorkspaceRoot string

	// Debug boosts log verbosity (ORCH_DEBUG).
	Debug bool

	// Profile is the active profile name (dev|qa|prod), read from
	// .meta/profile and overridable per agent record.
	Profile string

	// ContainerRuntime overrides engine detection (engine-A|engine-B),
	// mirroring CONTAINER_RUNTIME.
	ContainerRuntime string
}

// New builds a Context with the dev profile default.
func New(workspaceRoot string) *Context {
	return &Context{
		WorkspaceRoot: workspaceRoot,
		Profile:       "dev",
	}
}

// WithProfile returns a shallow copy of c with Profile overridden. Agent
// records may carry a profile override distinct from the process-wide
// active profile; this avoids mutating the shared Context for that case.
func (c *Context) WithProfile(profile string) *Context {
	cp := *c
	cp.Profile = profile
	return &cp
}
