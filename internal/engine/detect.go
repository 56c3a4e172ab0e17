package engine

import (
	"os/exec"
)

// Runtime names an engine selection, matching config.EngineConfig.Runtime
// and the CONTAINER_RUNTIME override (spec.md §4.1).
type Runtime string

const (
	RuntimeAuto   Runtime = ""
	RuntimeDocker Runtime = "docker"
	RuntimePodman Runtime = "podman"
)

// Detect resolves which concrete runtime to use: an explicit override
// wins; otherwise prefer podman (rootless default) if its binary
// resolves on PATH, else docker (spec.md §4.1 "Detection order: prefer
// engine-B (rootless default)... else engine-A").
func Detect(override Runtime, podmanBin string) Runtime {
	if override != RuntimeAuto {
		return override
	}
	bin := podmanBin
	if bin == "" {
		bin = "podman"
	}
	if _, err := exec.LookPath(bin); err == nil {
		return RuntimePodman
	}
	return RuntimeDocker
}
