package manifest

import (
	"os"
	"path/filepath"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/workspace"
)

// ManifestFile is the well-known filename inside a cloned agent's
// directory (spec.md §3.1 ".meta/repos/<repo>/<agent>/manifest.json").
const ManifestFile = "manifest.json"

// Loader reads and resolves an agent's manifest from its source repo,
// the one implementation shared by the Monitor, Router, and CLI so
// manifest parsing and profile resolution stay in one place.
type Loader struct {
	paths *workspace.Paths
}

// NewLoader opens a Loader rooted at p.
func NewLoader(p *workspace.Paths) *Loader {
	return &Loader{paths: p}
}

// Load parses rec's source manifest and resolves it at profile (or the
// record's own override if profile is empty).
func (l *Loader) Load(rec *workspace.AgentRecord, profile string) (*Manifest, *EffectiveConfig, error) {
	if profile == "" {
		profile = rec.Profile
	}
	manifestPath := filepath.Join(l.paths.RepoAgentDir(rec.RepoName, rec.AgentName), ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindConfigError, "read manifest "+manifestPath, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}
	eff, err := m.Resolve(profile)
	if err != nil {
		return nil, nil, err
	}
	return m, eff, nil
}
