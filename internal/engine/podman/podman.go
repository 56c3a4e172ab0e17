// Package podman implements engine.Engine by shelling out to the podman
// CLI (spec.md §4.1 "engine-B"), grounded on the teacher's pattern of
// wrapping an external binary's subcommands with os/exec and mapping
// errors to the orchestrator's apperr taxonomy.
package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/logger"
	"go.uber.org/zap"
)

// Client shells out to the podman binary for every engine.Engine
// operation.
type Client struct {
	bin string
	log *logger.Logger
}

// New returns a Client invoking the given podman binary (default
// "podman" when bin is empty).
func New(bin string, log *logger.Logger) *Client {
	if bin == "" {
		bin = "podman"
	}
	return &Client{bin: bin, log: log}
}

func (c *Client) Name() string { return "podman" }

func (c *Client) Close() error { return nil }

func (c *Client) run(ctx context.Context, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

func (c *Client) Ping(ctx context.Context) error {
	if _, stderr, err := c.run(ctx, "version", "--format", "{{.Client.Version}}"); err != nil {
		return apperr.Wrap(apperr.KindEngineUnavailable, "podman unavailable: "+strings.TrimSpace(stderr), err)
	}
	return nil
}

func classifyRunError(stderr string, err error) *apperr.Error {
	switch {
	case strings.Contains(stderr, "already in use"), strings.Contains(stderr, "name is already in use"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "container name conflict", err)
	case strings.Contains(stderr, "port is already allocated") || strings.Contains(stderr, "address already in use"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "port conflict", err)
	case strings.Contains(stderr, "no such file or directory") && strings.Contains(stderr, "mount"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "invalid mount", err)
	case strings.Contains(stderr, "pull access denied"), strings.Contains(stderr, "manifest unknown"):
		return apperr.Wrap(apperr.KindContainerLifecycle, "image pull failed", err)
	default:
		return apperr.Wrap(apperr.KindEngineTransient, "podman error: "+strings.TrimSpace(stderr), err)
	}
}

func (c *Client) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	args := []string{"create", "--name", spec.Name}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	if spec.WorkingDir != "" {
		args = append(args, "-w", spec.WorkingDir)
	}
	for _, m := range spec.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.Source, m.Target, mode))
	}
	for _, p := range spec.Ports {
		bind := fmt.Sprintf("%d", p.ContainerPort)
		if p.HostPort != 0 {
			bind = fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort)
		} else {
			bind = fmt.Sprintf("0:%d", p.ContainerPort)
		}
		if p.BindIP != "" {
			bind = p.BindIP + ":" + bind
		}
		args = append(args, "-p", bind)
	}
	if spec.AutoRemove {
		args = append(args, "--rm")
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	c.log.Info("creating container", zap.String("name", spec.Name), zap.String("image", spec.Image))
	stdout, stderr, err := c.run(ctx, args...)
	if err != nil {
		c.log.Error("container create failed", zap.String("name", spec.Name), zap.String("stderr", stderr))
		return "", classifyRunError(stderr, err)
	}
	return strings.TrimSpace(stdout), nil
}

func (c *Client) Start(ctx context.Context, id string) error {
	if _, stderr, err := c.run(ctx, "start", id); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "start container "+id+": "+strings.TrimSpace(stderr), err)
	}
	return nil
}

func (c *Client) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 10
	}
	if _, stderr, err := c.run(ctx, "stop", "-t", strconv.Itoa(secs), id); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "stop container "+id+": "+strings.TrimSpace(stderr), err)
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, id string, force bool) error {
	args := []string{"rm", "-v"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, id)
	if _, stderr, err := c.run(ctx, args...); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "remove container "+id+": "+strings.TrimSpace(stderr), err)
	}
	return nil
}

type podmanInspectEntry struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	Image string `json:"ImageName"`
	State struct {
		Status     string `json:"Status"`
		ExitCode   int    `json:"ExitCode"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
		Health     struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	NetworkSettings struct {
		Ports map[string][]struct {
			HostPort string `json:"HostPort"`
		} `json:"Ports"`
	} `json:"NetworkSettings"`
}

func (c *Client) Inspect(ctx context.Context, id string) (*engine.ContainerInfo, error) {
	stdout, stderr, err := c.run(ctx, "inspect", id)
	if err != nil {
		if strings.Contains(stderr, "no such") || strings.Contains(stderr, "no container") {
			return nil, apperr.Wrap(apperr.KindNotFound, "container not found: "+id, err)
		}
		return nil, apperr.Wrap(apperr.KindEngineTransient, "inspect container "+id+": "+strings.TrimSpace(stderr), err)
	}

	var entries []podmanInspectEntry
	if err := json.Unmarshal([]byte(stdout), &entries); err != nil || len(entries) == 0 {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "parse podman inspect output for "+id, err)
	}
	e := entries[0]

	info := &engine.ContainerInfo{
		ID:        e.ID,
		Name:      strings.TrimPrefix(e.Name, "/"),
		Image:     e.Image,
		State:     strings.ToLower(e.State.Status),
		Status:    e.State.Status,
		ExitCode:  e.State.ExitCode,
		Health:    e.State.Health.Status,
		Labels:    e.Config.Labels,
		HostPorts: map[int]int{},
	}
	if t, err := time.Parse(time.RFC3339Nano, e.State.StartedAt); err == nil {
		info.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, e.State.FinishedAt); err == nil {
		info.FinishedAt = t
	}
	for portProto, bindings := range e.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		var containerPort int
		fmt.Sscanf(portProto, "%d", &containerPort)
		var hostPort int
		fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort)
		info.HostPorts[containerPort] = hostPort
	}
	return info, nil
}

func (c *Client) List(ctx context.Context, labels map[string]string) ([]engine.ContainerInfo, error) {
	args := []string{"ps", "-a", "--format", "json"}
	for k, v := range labels {
		args = append(args, "--filter", fmt.Sprintf("label=%s=%s", k, v))
	}
	stdout, stderr, err := c.run(ctx, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "list containers: "+strings.TrimSpace(stderr), err)
	}

	var raw []struct {
		ID     string            `json:"Id"`
		Names  []string          `json:"Names"`
		Image  string            `json:"Image"`
		State  string            `json:"State"`
		Status string            `json:"Status"`
		Labels map[string]string `json:"Labels"`
	}
	if strings.TrimSpace(stdout) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "parse podman ps output", err)
	}

	out := make([]engine.ContainerInfo, 0, len(raw))
	for _, r := range raw {
		name := ""
		if len(r.Names) > 0 {
			name = r.Names[0]
		}
		out = append(out, engine.ContainerInfo{ID: r.ID, Name: name, Image: r.Image, State: strings.ToLower(r.State), Status: r.Status, Labels: r.Labels})
	}
	return out, nil
}

func (c *Client) Exec(ctx context.Context, id string, cmdArgs []string, opts engine.ExecOptions) (*engine.ExecResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	args = append(args, id)
	args = append(args, cmdArgs...)

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, apperr.Wrap(apperr.KindContainerLifecycle, "exec in "+id+": "+strings.TrimSpace(errBuf.String()), err)
		}
	}
	return &engine.ExecResult{ExitCode: exitCode, Stdout: outBuf.String(), Stderr: errBuf.String()}, nil
}

// CopyTo writes content into path inside id via stdin-piped
// `sh -c "cat > path"`, identical semantics to the docker adapter
// (spec.md §4.1).
func (c *Client) CopyTo(ctx context.Context, id, path string, content io.Reader) error {
	_, err := c.Exec(ctx, id, []string{"sh", "-c", "cat > " + shellQuote(path)}, engine.ExecOptions{Stdin: content})
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *Client) Logs(ctx context.Context, id string, follow bool, tail string) (io.ReadCloser, error) {
	args := []string{"logs"}
	if follow {
		args = append(args, "-f")
	}
	if tail != "" {
		args = append(args, "--tail", tail)
	}
	args = append(args, id)

	cmd := exec.CommandContext(ctx, c.bin, args...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "open logs pipe for "+id, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindEngineTransient, "start logs command for "+id, err)
	}
	return &cmdReadCloser{ReadCloser: pipe, cmd: cmd}, nil
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c *cmdReadCloser) Close() error {
	err := c.ReadCloser.Close()
	_ = c.cmd.Wait()
	return err
}

// podmanTTY wraps a locally-spawned `podman exec -it` subprocess behind
// a genuine pseudo-terminal, since the podman CLI (unlike the Docker
// SDK) has no hijacked-connection TTY primitive of its own.
type podmanTTY struct {
	cmd *exec.Cmd
	pty *os.File
}

func (t *podmanTTY) Read(p []byte) (int, error)  { return t.pty.Read(p) }
func (t *podmanTTY) Write(p []byte) (int, error) { return t.pty.Write(p) }

func (t *podmanTTY) Resize(cols, rows int) error {
	return pty.Setsize(t.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (t *podmanTTY) Close() error {
	err := t.pty.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return err
}

// AttachTTY spawns `podman exec -it id cmd...` and allocates a local
// pseudo-terminal for it via github.com/creack/pty, giving the webtty
// bridge (spec.md §4.8) the same -it semantics a real terminal gets.
func (c *Client) AttachTTY(ctx context.Context, id string, cmdArgs []string, env []string) (engine.TTYSession, error) {
	args := []string{"exec", "-it"}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, id)
	args = append(args, cmdArgs...)

	cmd := exec.CommandContext(ctx, c.bin, args...)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindContainerLifecycle, "tty exec in "+id, err)
	}
	return &podmanTTY{cmd: cmd, pty: f}, nil
}

// PullImage pulls an image via `podman pull`.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	if _, stderr, err := c.run(ctx, "pull", imageName); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "pull image "+imageName+": "+strings.TrimSpace(stderr), err)
	}
	return nil
}

var _ engine.Engine = (*Client)(nil)
