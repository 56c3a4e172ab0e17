// Package engine defines the uniform container-engine abstraction
// (spec.md §4.1, C1) implemented by the docker and podman sub-packages.
package engine

import (
	"context"
	"io"
	"time"
)

// Label keys the orchestrator attaches to every container it creates
// (spec.md §4.1 "all containers created by the orchestrator carry...").
const (
	LabelManaged = "orch"
	LabelAgent   = "orch.agent"
	LabelRepo    = "orch.repo"
	LabelProfile = "orch.profile"
)

// Mount is one bind mount composing a container's filesystem.
type Mount struct {
	Source   string // host path, already resolved through symlinks
	Target   string // container path
	ReadOnly bool
}

// PortBinding is one resolved port mapping.
type PortBinding struct {
	BindIP        string
	HostPort      int // 0 means "allocate"
	ContainerPort int
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []Mount
	Ports      []PortBinding
	Labels     map[string]string
	AutoRemove bool
}

// ContainerInfo is the subset of `inspect` output the orchestrator needs.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	State      string // created|running|paused|restarting|removing|exited|dead
	Status     string
	ExitCode   int
	Health     string
	StartedAt  time.Time
	FinishedAt time.Time
	Labels     map[string]string
	HostPorts  map[int]int // containerPort -> hostPort
}

// Running reports whether the container's state is "running".
func (i ContainerInfo) Running() bool { return i.State == "running" }

// ExecResult is the outcome of a captured exec (spec.md §4.1 "captured"
// exec mode).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecOptions configures one Exec call.
type ExecOptions struct {
	WorkDir string
	Env     []string
	// Interactive is carried on the options but neither the docker nor
	// the podman adapter reads it: Exec always captures output.
	Interactive bool
	// Stdin is piped to the process when set (used for stdin-piped
	// `cat > path` style writes, spec.md §4.1 "File writes...").
	Stdin io.Reader
	// Timeout bounds the call; zero means no explicit timeout beyond ctx.
	Timeout time.Duration
}

// Engine is the uniform contract over a container-engine CLI/SDK,
// identical whether backed by the Docker API or the Podman CLI
// (spec.md §4.1, §2 C1).
type Engine interface {
	// Name reports which concrete engine this is ("docker" or "podman"),
	// for logging and label purposes.
	Name() string

	// Create is synchronous and returns the container id. A name
	// conflict, port conflict, invalid mount or failed image pull fails
	// with apperr kind ContainerLifecycle; other engine failures carry
	// EngineUnavailable or EngineTransient.
	Create(ctx context.Context, spec ContainerSpec) (id string, err error)

	Start(ctx context.Context, id string) error

	// Stop honors timeout, falling back to force-kill past it.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	Remove(ctx context.Context, id string, force bool) error

	Inspect(ctx context.Context, id string) (*ContainerInfo, error)

	// List returns containers carrying every given label (AND semantics),
	// used to filter on orch=true (spec.md §4.1).
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)

	// Exec runs cmd inside id in captured mode, returning exit code,
	// stdout and stderr. There is no interactive or streamed exec mode;
	// AttachTTY is the only way to get a live session.
	Exec(ctx context.Context, id string, cmd []string, opts ExecOptions) (*ExecResult, error)

	// CopyTo writes content into path inside id using a stdin-piped
	// `sh -c "cat > path"`, per spec.md §4.1.
	CopyTo(ctx context.Context, id, path string, content io.Reader) error

	Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error)

	Ping(ctx context.Context) error

	Close() error

	// AttachTTY starts cmd inside id with a pseudo-terminal attached and
	// returns a bidirectional byte stream plus a resize control, used by
	// the Router's webtty bridge (spec.md §4.8 "bridges a PTY inside
	// container <-> socket").
	AttachTTY(ctx context.Context, id string, cmd []string, env []string) (TTYSession, error)
}

// TTYSession is a live PTY session inside a container: reads are PTY
// output, writes are PTY input, and Resize propagates a terminal size
// change.
type TTYSession interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	Close() error
}
