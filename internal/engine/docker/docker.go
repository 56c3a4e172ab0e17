// Package docker implements engine.Engine over the Docker SDK
// (github.com/docker/docker/client), adapted from the orchestrator's
// original single-purpose Docker wrapper into the uniform Engine
// contract shared with the podman adapter.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/logger"
)

// Config selects how the SDK client connects to the daemon.
type Config struct {
	Host       string
	APIVersion string
}

// Client adapts the Docker SDK to engine.Engine.
type Client struct {
	cli *dockerclient.Client
	log *logger.Logger
}

// New dials the Docker daemon and negotiates an API version.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, dockerclient.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, dockerclient.WithVersion(cfg.APIVersion))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineUnavailable, "create docker client", err)
	}

	log.Info("docker engine client created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))
	return &Client{cli: cli, log: log}, nil
}

func (c *Client) Name() string { return "docker" }

func (c *Client) Close() error {
	c.log.Debug("closing docker engine client")
	return c.cli.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "docker ping failed", err)
	}
	return nil
}

func classifyCreateError(err error) *apperr.Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already in use"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "container name conflict", err)
	case strings.Contains(msg, "port is already allocated"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "port conflict", err)
	case strings.Contains(msg, "invalid mount config") || strings.Contains(msg, "bind source path does not exist"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "invalid mount", err)
	case strings.Contains(msg, "No such image") || strings.Contains(msg, "pull access denied"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "image pull failed", err)
	default:
		return apperr.Wrap(apperr.KindEngineTransient, "docker engine error", err)
	}
}

func toDockerMounts(mounts []engine.Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

func toPortMaps(ports []engine.PortBinding) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		hostPort := ""
		if p.HostPort != 0 {
			hostPort = fmt.Sprintf("%d", p.HostPort)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{HostIP: p.BindIP, HostPort: hostPort})
	}
	return exposed, bindings
}

func (c *Client) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	c.log.Info("creating container", zap.String("name", spec.Name), zap.String("image", spec.Image))

	containerCfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	exposed, portBindings := toPortMaps(spec.Ports)
	containerCfg.ExposedPorts = exposed

	hostCfg := &container.HostConfig{
		Mounts:       toDockerMounts(spec.Mounts),
		AutoRemove:   spec.AutoRemove,
		PortBindings: portBindings,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		c.log.Error("container create failed", zap.String("name", spec.Name), zap.Error(err))
		return "", classifyCreateError(err)
	}

	c.log.Info("container created", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

func (c *Client) Start(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "start container "+id, err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "stop container "+id, err)
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "remove container "+id, err)
	}
	return nil
}

func (c *Client) Inspect(ctx context.Context, id string) (*engine.ContainerInfo, error) {
	inspect, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, apperr.Wrap(apperr.KindNotFound, "container not found: "+id, err)
		}
		return nil, apperr.Wrap(apperr.KindEngineTransient, "inspect container "+id, err)
	}

	info := &engine.ContainerInfo{
		ID:        inspect.ID,
		Name:      strings.TrimPrefix(inspect.Name, "/"),
		Image:     inspect.Config.Image,
		State:     inspect.State.Status,
		Status:    inspect.State.Status,
		ExitCode:  inspect.State.ExitCode,
		Labels:    inspect.Config.Labels,
		HostPorts: map[int]int{},
	}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	if inspect.State.Health != nil {
		info.Health = inspect.State.Health.Status
	}
	for portProto, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		var containerPort int
		fmt.Sscanf(string(portProto), "%d", &containerPort)
		var hostPort int
		fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort)
		info.HostPorts[containerPort] = hostPort
	}
	return info, nil
}

func (c *Client) List(ctx context.Context, labels map[string]string) ([]engine.ContainerInfo, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "list containers", err)
	}

	out := make([]engine.ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		out = append(out, engine.ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Status: ctr.Status,
			Labels: ctr.Labels,
		})
	}
	return out, nil
}

func (c *Client) Exec(ctx context.Context, id string, cmd []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := c.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "exec create on "+id, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "exec attach on "+id, err)
	}
	defer attach.Close()

	if opts.Stdin != nil {
		go func() {
			io.Copy(attach.Conn, opts.Stdin)
			attach.CloseWrite()
		}()
	}

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "read exec output on "+id, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "exec inspect on "+id, err)
	}

	return &engine.ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// dockerTTY adapts a Docker SDK hijacked exec connection to
// engine.TTYSession.
type dockerTTY struct {
	cli    *dockerclient.Client
	execID string
	conn   dockerclient.HijackedResponse
}

func (t *dockerTTY) Read(p []byte) (int, error)  { return t.conn.Reader.Read(p) }
func (t *dockerTTY) Write(p []byte) (int, error) { return t.conn.Conn.Write(p) }
func (t *dockerTTY) Close() error                { t.conn.Close(); return nil }

func (t *dockerTTY) Resize(cols, rows int) error {
	return t.cli.ContainerExecResize(context.Background(), t.execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

// AttachTTY starts cmd with a pseudo-terminal via ContainerExecCreate
// (Tty: true) and hijacks the resulting connection for raw bidirectional
// I/O (spec.md §4.8 webtty).
func (c *Client) AttachTTY(ctx context.Context, id string, cmd []string, env []string) (engine.TTYSession, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := c.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "tty exec create on "+id, err)
	}

	conn, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "tty exec attach on "+id, err)
	}

	return &dockerTTY{cli: c.cli, execID: created.ID, conn: conn}, nil
}

// CopyTo writes content into path inside id using the same stdin-piped
// `cat > path` approach spec.md §4.1 mandates, instead of the Docker
// tar-archive CopyToContainer API, so docker and podman share identical
// write semantics.
func (c *Client) CopyTo(ctx context.Context, id, path string, content io.Reader) error {
	_, err := c.Exec(ctx, id, []string{"sh", "-c", "cat > " + shellQuote(path)}, engine.ExecOptions{Stdin: content})
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *Client) Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: follow, Tail: tail})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "get logs for "+id, err)
	}
	return reader, nil
}

// PullImage pulls an image, draining the progress stream (spec.md §4.1,
// "Fails with ... ImagePullFailed").
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "pull image "+imageName, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "read image pull output for "+imageName, err)
	}
	return nil
}

var _ engine.Engine = (*Client)(nil)
