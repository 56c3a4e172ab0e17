// Package workspace is the single source of truth for the orchestrator's
// on-disk layout: discovery, directory/symlink discipline, and atomic
// read/write of the persisted registries (spec.md §3.1, §4.2).
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/logger"
	"go.uber.org/zap"
)

// MarkerDir is the subdirectory whose presence identifies a workspace root.
const MarkerDir = ".meta"

// Paths holds every path the orchestrator reads or writes, all relative
// to a discovered workspace root W.
type Paths struct {
	Root string

	MetaDir          string
	AgentsJSON       string
	EnabledReposJSON string
	RoutingJSON      string
	SecretsFile      string
	ServersJSON      string
	ReposMetaJSON    string
	RunningDir       string
	RouterPID        string
	ProfileFile      string
	ReposDir         string

	AgentsDir string
	CodeDir   string
	SkillsDir string
	BlobsDir  string

	LogsDir     string
	RouterLog   string
	WatchdogLog string
}

// NewPaths derives every path constant from a workspace root.
func NewPaths(root string) *Paths {
	meta := filepath.Join(root, MarkerDir)
	return &Paths{
		Root:             root,
		MetaDir:          meta,
		AgentsJSON:       filepath.Join(meta, "agents.json"),
		EnabledReposJSON: filepath.Join(meta, "enabled_repos.json"),
		RoutingJSON:      filepath.Join(meta, "routing.json"),
		SecretsFile:      filepath.Join(meta, "secrets"),
		ServersJSON:      filepath.Join(meta, "servers.json"),
		ReposMetaJSON:    filepath.Join(meta, "repos_meta.json"),
		RunningDir:       filepath.Join(meta, "running"),
		RouterPID:        filepath.Join(meta, "running", "router.pid"),
		ProfileFile:      filepath.Join(meta, "profile"),
		ReposDir:         filepath.Join(meta, "repos"),
		AgentsDir:        filepath.Join(root, "agents"),
		CodeDir:          filepath.Join(root, "code"),
		SkillsDir:        filepath.Join(root, "skills"),
		BlobsDir:         filepath.Join(meta, "blobs"),
		LogsDir:          filepath.Join(root, "logs"),
		RouterLog:        filepath.Join(root, "logs", "router.log"),
		WatchdogLog:      filepath.Join(root, "logs", "watchdog.log"),
	}
}

// DiscoverRoot walks up from startDir until a MarkerDir is found, returning
// the containing directory as the workspace root.
func DiscoverRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfigError, "resolve start directory", err)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, MarkerDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", apperr.New(apperr.KindConfigError, "no workspace found (missing "+MarkerDir+" ancestor)").
				WithRemedy("Run `orch init` in the directory you want as your workspace root")
		}
		dir = parent
	}
}

// Init creates a brand-new workspace rooted at dir (the marker directory
// plus an empty skeleton).
func Init(dir string) (*Paths, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	p := NewPaths(abs)
	if err := p.EnsureSkeleton(); err != nil {
		return nil, err
	}
	return p, nil
}

// EnsureSkeleton idempotently creates every directory the orchestrator
// expects to exist.
func (p *Paths) EnsureSkeleton() error {
	dirs := []string{
		p.MetaDir, p.RunningDir, p.ReposDir,
		p.AgentsDir, p.CodeDir, p.SkillsDir, p.BlobsDir, p.LogsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return apperr.Wrap(apperr.KindConfigError, "create workspace directory "+d, err)
		}
	}
	return nil
}

// ProjectHash returns a stable 8-hex-digit digest of the workspace path,
// used to make container names unique per workspace (spec.md §3.2, §3.3).
func ProjectHash(workspaceRoot string) string {
	sum := sha256.Sum256([]byte(workspaceRoot))
	return hex.EncodeToString(sum[:])[:8]
}

// ContainerName computes the deterministic container name
// orch_<repo>_<agent>_<projectHash8>. It is a pure function of
// (repo, agent, workspaceRoot): equal inputs always yield equal output,
// and distinct (repo, agent) pairs within one workspace never collide
// short of a hash collision on the project hash's 8 hex digits.
func ContainerName(repo, agent, workspaceRoot string) string {
	return fmt.Sprintf("orch_%s_%s_%s", repo, agent, ProjectHash(workspaceRoot))
}

// AgentConfig is the normalized {binds,env,ports} shape stored per record.
type AgentConfig struct {
	Binds []string `json:"binds"`
	Env   []string `json:"env"`
	Ports []string `json:"ports"`
}

// AgentRecord is one enabled agent (spec.md §3.2).
type AgentRecord struct {
	Name           string      `json:"name"`
	RepoName       string      `json:"repoName"`
	AgentName      string      `json:"agentName"`
	ContainerImage string      `json:"containerImage"`
	ContainerName  string      `json:"containerName"`
	RunMode        string      `json:"runMode"` // isolated|global|devel
	Type           string      `json:"type"`    // agent|service|tool
	Profile        string      `json:"profile,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Config         AgentConfig `json:"config"`
}

// ServerEntry is one web-interface's port+token pair (spec.md §3.1).
type ServerEntry struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// readJSON loads and unmarshals a JSON file into v, leaving v untouched
// if the file does not yet exist or is empty.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindInternalInvariant, "read "+path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.KindConfigError, "parse "+path, err)
	}
	return nil
}

// WriteJSONAtomic writes v to path by writing a tempfile in the same
// directory and renaming over the destination, so readers never observe
// a partially-written file (spec.md §4.2, §4.13, §5 "single writer").
func WriteJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "create directory for "+path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "marshal "+path, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "create tempfile for "+path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternalInvariant, "write tempfile for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternalInvariant, "close tempfile for "+path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperr.Wrap(apperr.KindInternalInvariant, "rename tempfile onto "+path, err)
	}
	return nil
}

// AgentRegistry is the atomic-JSON-backed store of agent records
// (.meta/agents.json).
type AgentRegistry struct {
	path string
	log  *logger.Logger
}

// NewAgentRegistry opens the registry at p.AgentsJSON.
func NewAgentRegistry(p *Paths, log *logger.Logger) *AgentRegistry {
	return &AgentRegistry{path: p.AgentsJSON, log: log}
}

// Load returns the current set of agent records, keyed by record name.
func (r *AgentRegistry) Load() (map[string]*AgentRecord, error) {
	var list []*AgentRecord
	if err := readJSON(r.path, &list); err != nil {
		return nil, err
	}
	out := make(map[string]*AgentRecord, len(list))
	for _, rec := range list {
		out[rec.Name] = rec
	}
	return out, nil
}

// Save rewrites the registry atomically from the given record set.
func (r *AgentRegistry) Save(records map[string]*AgentRecord) error {
	list := make([]*AgentRecord, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	return WriteJSONAtomic(r.path, list)
}

// Put inserts or replaces a record by name and persists the registry.
// Names are unique: Put overwrites any existing record of the same name.
func (r *AgentRegistry) Put(rec *AgentRecord) error {
	records, err := r.Load()
	if err != nil {
		return err
	}
	records[rec.Name] = rec
	if err := r.Save(records); err != nil {
		return err
	}
	r.log.Info("agent record saved", zap.String("name", rec.Name))
	return nil
}

// Remove deletes a record by name and persists the registry.
func (r *AgentRegistry) Remove(name string) error {
	records, err := r.Load()
	if err != nil {
		return err
	}
	if _, ok := records[name]; !ok {
		return apperr.New(apperr.KindNotFound, "agent record not found: "+name)
	}
	delete(records, name)
	if err := r.Save(records); err != nil {
		return err
	}
	r.log.Info("agent record removed", zap.String("name", name))
	return nil
}

// Get returns a single record by name.
func (r *AgentRegistry) Get(name string) (*AgentRecord, error) {
	records, err := r.Load()
	if err != nil {
		return nil, err
	}
	rec, ok := records[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "agent record not found: "+name)
	}
	return rec, nil
}

// EnabledRepos is the atomic-JSON-backed ordered set of enabled repo names
// (.meta/enabled_repos.json).
type EnabledRepos struct {
	path string
}

// NewEnabledRepos opens the enabled-repos set at p.EnabledReposJSON.
func NewEnabledRepos(p *Paths) *EnabledRepos {
	return &EnabledRepos{path: p.EnabledReposJSON}
}

// Load returns the ordered, duplicate-free list of enabled repo names.
func (e *EnabledRepos) Load() ([]string, error) {
	var list []string
	if err := readJSON(e.path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Add appends name if not already present, preserving order.
func (e *EnabledRepos) Add(name string) error {
	list, err := e.Load()
	if err != nil {
		return err
	}
	for _, n := range list {
		if n == name {
			return nil
		}
	}
	list = append(list, name)
	return WriteJSONAtomic(e.path, list)
}

// Remove deletes name from the set, preserving order of the rest.
func (e *EnabledRepos) Remove(name string) error {
	list, err := e.Load()
	if err != nil {
		return err
	}
	out := list[:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return WriteJSONAtomic(e.path, out)
}

// Servers is the atomic-JSON-backed per-interface port+token map
// (.meta/servers.json).
type Servers struct {
	path string
}

// NewServers opens the servers config at p.ServersJSON.
func NewServers(p *Paths) *Servers {
	return &Servers{path: p.ServersJSON}
}

// Load returns the interface -> {port, token} map.
func (s *Servers) Load() (map[string]ServerEntry, error) {
	m := map[string]ServerEntry{}
	if err := readJSON(s.path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Save rewrites the servers config atomically.
func (s *Servers) Save(m map[string]ServerEntry) error {
	return WriteJSONAtomic(s.path, m)
}

// ActiveProfile reads .meta/profile, defaulting to "dev" (spec.md §3.1).
func (p *Paths) ActiveProfile() string {
	data, err := os.ReadFile(p.ProfileFile)
	if err != nil {
		return "dev"
	}
	profile := string(data)
	for len(profile) > 0 && (profile[len(profile)-1] == '\n' || profile[len(profile)-1] == ' ') {
		profile = profile[:len(profile)-1]
	}
	if profile == "" {
		return "dev"
	}
	return profile
}

// SetActiveProfile writes .meta/profile.
func (p *Paths) SetActiveProfile(profile string) error {
	if err := os.MkdirAll(p.MetaDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(p.ProfileFile, []byte(profile), 0644)
}

// WriteRouterPID records the running Router's PID (written by Watchdog,
// read by the CLI per spec.md §5 "Shared-resource discipline").
func (p *Paths) WriteRouterPID(pid int) error {
	if err := os.MkdirAll(p.RunningDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(p.RouterPID, []byte(fmt.Sprintf("%d", pid)), 0644)
}

// RemoveRouterPID deletes the PID file (Router believed stopped).
func (p *Paths) RemoveRouterPID() error {
	err := os.Remove(p.RouterPID)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateSymlink creates a symlink at linkPath pointing to target with
// the discipline spec.md §4.2 requires: never overwrite a real file or
// directory, remove a previous symlink first, and warn-and-skip on any
// other conflict.
func CreateSymlink(log *logger.Logger, target, linkPath string) error {
	info, err := os.Lstat(linkPath)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink != 0:
		if err := os.Remove(linkPath); err != nil {
			return apperr.Wrap(apperr.KindInternalInvariant, "remove previous symlink "+linkPath, err)
		}
	case err == nil:
		log.Warn("refusing to overwrite a real file or directory with a symlink",
			zap.String("path", linkPath))
		return nil
	case !os.IsNotExist(err):
		return apperr.Wrap(apperr.KindInternalInvariant, "stat "+linkPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(linkPath), 0755); err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "create parent directory for "+linkPath, err)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "create symlink "+linkPath+" -> "+target, err)
	}
	return nil
}

// RemoveSymlink removes linkPath only if it is in fact a symlink,
// refusing to touch a real file or directory (spec.md §4.2 discipline).
func RemoveSymlink(log *logger.Logger, linkPath string) error {
	info, err := os.Lstat(linkPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperr.Wrap(apperr.KindInternalInvariant, "stat "+linkPath, err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		log.Warn("refusing to remove a non-symlink path", zap.String("path", linkPath))
		return nil
	}
	return os.Remove(linkPath)
}

// ResolveRealPath resolves symlinks to a real, absolute path for use in
// engine mount arguments, since container engine mount semantics do not
// reliably follow host symlinks (spec.md §4.2).
func ResolveRealPath(p string) (string, error) {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfigError, "resolve real path for "+p, err)
	}
	return real, nil
}

// CodeSymlinkPath returns the code/<name> symlink path for an agent.
func (p *Paths) CodeSymlinkPath(name string) string { return filepath.Join(p.Root, "code", name) }

// SkillsSymlinkPath returns the skills/<name> symlink path for an agent.
func (p *Paths) SkillsSymlinkPath(name string) string { return filepath.Join(p.Root, "skills", name) }

// AgentWorkDir returns the agents/<name>/ working directory path.
func (p *Paths) AgentWorkDir(name string) string { return filepath.Join(p.AgentsDir, name) }

// RepoAgentDir returns the cloned repo's agent directory
// .meta/repos/<repo>/<agent>/.
func (p *Paths) RepoAgentDir(repo, agent string) string {
	return filepath.Join(p.ReposDir, repo, agent)
}
