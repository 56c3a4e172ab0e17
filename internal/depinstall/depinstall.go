// Package depinstall implements the in-container dependency installer
// (spec.md §4.5, C5): merging the core package template with an agent's
// own package metadata and running the package manager's install
// command over the cwd-passthrough mount so the result persists on the
// host, grounded on the teacher's embedded-JSON-template pattern
// (agent/registry/agents.json).
package depinstall

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/logger"
)

//go:embed templates/core-package.json
var coreTemplateJSON []byte

// InstallTimeout bounds the package manager invocation (spec.md §4.5).
const InstallTimeout = 10 * time.Minute

// toolchainProbes are the build tools the container must have before
// any native-addon install can succeed (spec.md §4.5 step 1).
var toolchainProbes = []string{"git", "cc", "python3", "make"}

// packageManagerInstallCmds are tried in order to provision a missing
// toolchain component; each is a full shell command run as root.
var packageManagerInstallCmds = [][]string{
	{"sh", "-c", "apt-get update -qq && apt-get install -y -qq git build-essential python3 make"},
	{"sh", "-c", "apk add --no-cache git build-base python3 make"},
	{"sh", "-c", "yum install -y -q git gcc gcc-c++ make python3"},
}

// Installer runs the dependency-install sequence inside a target
// container.
type Installer struct {
	eng engine.Engine
	log *logger.Logger
}

// New builds an Installer bound to an engine implementation.
func New(eng engine.Engine, log *logger.Logger) *Installer {
	return &Installer{eng: eng, log: log}
}

// packageJSONPath is the conventional metadata file name this installer
// merges and writes, matching the dual-mount's Node-style module
// resolution (spec.md §4.5 "framework code's module resolution").
const packageJSONPath = "package.json"

// ShouldSkip implements the host-side skip decision (spec.md §4.5):
// skip when the agent has no package metadata and declares a start
// entry point, or when the agent's modules cache is already warm.
func ShouldSkip(agentWorkDir string, hasStartEntrypoint bool) bool {
	metaPath := filepath.Join(agentWorkDir, packageJSONPath)
	hasMetadata := fileExists(metaPath)

	if !hasMetadata && hasStartEntrypoint {
		return true
	}
	return modulesCacheWarm(agentWorkDir)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func modulesCacheWarm(agentWorkDir string) bool {
	modulesDir := filepath.Join(agentWorkDir, "modules")
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// EnsureToolchain probes for the build toolchain inside the container
// and, if absent, tries each known package-manager install command in
// order until one succeeds (spec.md §4.5 step 1).
func (i *Installer) EnsureToolchain(ctx context.Context, containerID string) error {
	probeCmd := "which " + strings.Join(toolchainProbes, " && which ")
	result, err := i.eng.Exec(ctx, containerID, []string{"sh", "-c", probeCmd}, engine.ExecOptions{Timeout: 30 * time.Second})
	if err == nil && result.ExitCode == 0 {
		return nil
	}

	for _, cmd := range packageManagerInstallCmds {
		i.log.Debug("attempting toolchain install", zap.Strings("cmd", cmd))
		result, err := i.eng.Exec(ctx, containerID, cmd, engine.ExecOptions{Timeout: InstallTimeout})
		if err == nil && result.ExitCode == 0 {
			return nil
		}
	}
	return apperr.New(apperr.KindContainerLifecycle, "no package manager available to install build toolchain (tried apt-get, apk, yum)")
}

type packageMetadata struct {
	Name            string            `json:"name,omitempty"`
	Version         string            `json:"version,omitempty"`
	Private         bool              `json:"private,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Scripts         map[string]string `json:"scripts,omitempty"`
}

// mergeMetadata implements spec.md §4.5 step 4: "core deps override
// agent deps for the pinned core set; agent scripts, devDeps, and name
// are preserved."
func mergeMetadata(core, agentPkg packageMetadata) packageMetadata {
	merged := packageMetadata{
		Name:            agentPkg.Name,
		Version:         agentPkg.Version,
		Private:         true,
		DevDependencies: agentPkg.DevDependencies,
		Scripts:         agentPkg.Scripts,
		Dependencies:    map[string]string{},
	}
	if merged.Name == "" {
		merged.Name = core.Name
	}
	for name, version := range agentPkg.Dependencies {
		merged.Dependencies[name] = version
	}
	for name, version := range core.Dependencies {
		merged.Dependencies[name] = version // core pins win over agent's
	}
	return merged
}

// InstallCore runs the install sequence using only the embedded core
// template, with no agent-specific metadata merged in (lifecycle step 6,
// "core deps install (container), C5 core only").
func (i *Installer) InstallCore(ctx context.Context, containerID, agentWorkDir string) error {
	return i.InstallMerged(ctx, containerID, agentWorkDir, nil)
}

// InstallMerged runs the full sequence inside containerID: ensure the
// agent work dir exists, merge package metadata, write it, and run the
// install command, all rooted at agentWorkDir (the cwd-passthrough
// mount, so results persist on the host) — spec.md §4.5 steps 2-6,
// lifecycle step 7 ("agent deps install, merge & install").
func (i *Installer) InstallMerged(ctx context.Context, containerID, agentWorkDir string, agentPackageJSON []byte) error {
	installCtx, cancel := context.WithTimeout(ctx, InstallTimeout)
	defer cancel()

	if _, err := i.eng.Exec(installCtx, containerID, []string{"mkdir", "-p", agentWorkDir}, engine.ExecOptions{Timeout: 10 * time.Second}); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "create agent work dir", err)
	}

	var core packageMetadata
	if err := json.Unmarshal(coreTemplateJSON, &core); err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "parse embedded core package template", err)
	}

	var agentPkg packageMetadata
	if len(agentPackageJSON) > 0 {
		if err := json.Unmarshal(agentPackageJSON, &agentPkg); err != nil {
			return apperr.Wrap(apperr.KindConfigError, "parse agent package metadata", err)
		}
	}

	merged := mergeMetadata(core, agentPkg)
	mergedJSON, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "marshal merged package metadata", err)
	}

	destPath := filepath.Join(agentWorkDir, packageJSONPath)
	if err := i.eng.CopyTo(installCtx, containerID, destPath, bytes.NewReader(mergedJSON)); err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "write merged package metadata", err)
	}

	result, err := i.eng.Exec(installCtx, containerID, []string{"npm", "install", "--no-audit", "--no-fund"}, engine.ExecOptions{
		WorkDir: agentWorkDir,
		Timeout: InstallTimeout,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindContainerLifecycle, "run package install", err)
	}
	if result.ExitCode != 0 {
		return apperr.New(apperr.KindContainerLifecycle, "package install exited "+result.Stdout+result.Stderr)
	}

	i.log.Info("dependency install complete", zap.String("container", containerID), zap.String("workdir", agentWorkDir))
	return nil
}
