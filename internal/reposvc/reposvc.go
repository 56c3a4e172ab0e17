// Package reposvc implements the Repository Manager (spec.md §4.12,
// C12): Git-backed agent repositories cloned under .meta/repos/<name>,
// their enable/disable membership, and agent discovery across them.
package reposvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/apperr"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/workspace"
)

// CloneTimeout and PullTimeout bound the git subprocess calls this
// package makes (spec.md §5 "per-call timeout with explicit kill on
// expiry").
const (
	CloneTimeout = 2 * time.Minute
	PullTimeout  = 60 * time.Second
)

// namedRepoURLs resolves bare `repo add <name>` to a canonical clone
// URL for repositories the orchestrator ships support for out of the
// box (spec.md §4.12 "small built-in map of named predefined URLs").
var namedRepoURLs = map[string]string{
	"kandev-agents": "https://github.com/kandev/agents.git",
	"community":     "https://github.com/kandev/community-agents.git",
}

// ResolveURL returns the canonical clone URL for a bare repo name, or
// ref unchanged if it already looks like a URL or local path.
func ResolveURL(ref string) string {
	if strings.Contains(ref, "://") || strings.HasPrefix(ref, "git@") || strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, ".") {
		return ref
	}
	if url, ok := namedRepoURLs[ref]; ok {
		return url
	}
	return ref
}

// RepoMeta is one tracked repository's clone metadata
// (.meta/repos_meta.json).
type RepoMeta struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	ClonedAt  time.Time `json:"clonedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AgentSummary describes one candidate agent directory discovered
// inside a cloned repo (spec.md §4.12 "candidate agent iff
// manifest.json present").
type AgentSummary struct {
	Repo string `json:"repo"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// Service is the Repository Manager.
type Service struct {
	paths *workspace.Paths
	log   *logger.Logger
}

// New constructs a Service rooted at p.
func New(p *workspace.Paths, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{paths: p, log: log.WithFields(zap.String("component", "reposvc"))}
}

func (s *Service) repoPath(name string) string {
	return filepath.Join(s.paths.ReposDir, name)
}

func (s *Service) loadMeta() (map[string]*RepoMeta, error) {
	data, err := os.ReadFile(s.paths.ReposMetaJSON)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*RepoMeta{}, nil
		}
		return nil, apperr.Wrap(apperr.KindInternalInvariant, "read repos metadata", err)
	}
	var list []*RepoMeta
	if len(data) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, apperr.Wrap(apperr.KindConfigError, "parse repos metadata", err)
		}
	}
	out := make(map[string]*RepoMeta, len(list))
	for _, m := range list {
		out[m.Name] = m
	}
	return out, nil
}

func (s *Service) saveMeta(meta map[string]*RepoMeta) error {
	list := make([]*RepoMeta, 0, len(meta))
	for _, m := range meta {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return workspace.WriteJSONAtomic(s.paths.ReposMetaJSON, list)
}

func (s *Service) newGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_ASKPASS=echo",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	return cmd
}

// Add clones ref (a bare name, URL, or local path) into
// .meta/repos/<name> if not already present. name defaults to a name
// inferred from the resolved clone URL, not from ref itself.
func (s *Service) Add(ctx context.Context, name, ref string) error {
	url := ResolveURL(ref)
	if name == "" {
		name = inferName(url)
	}

	dest := s.repoPath(name)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		s.log.Info("repository already cloned, skipping", zap.String("repo", name))
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, CloneTimeout)
	defer cancel()
	cmd := s.newGitCmd(cctx, s.paths.ReposDir, "clone", "--depth", "1", url, name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return apperr.Wrap(apperr.KindConfigError, fmt.Sprintf("git clone %s: %s", url, string(output)), err)
	}

	meta, err := s.loadMeta()
	if err != nil {
		return err
	}
	now := time.Now()
	meta[name] = &RepoMeta{Name: name, URL: url, ClonedAt: now, UpdatedAt: now}
	if err := s.saveMeta(meta); err != nil {
		return err
	}

	s.log.Info("cloned repository", zap.String("repo", name), zap.String("url", url))
	return nil
}

// Update pulls the latest changes for an already-cloned repo.
func (s *Service) Update(ctx context.Context, name string) error {
	dest := s.repoPath(name)
	if _, err := os.Stat(dest); err != nil {
		return apperr.New(apperr.KindNotFound, "repository not cloned: "+name)
	}

	cctx, cancel := context.WithTimeout(ctx, PullTimeout)
	defer cancel()
	cmd := s.newGitCmd(cctx, dest, "pull", "--ff-only")
	if output, err := cmd.CombinedOutput(); err != nil {
		return apperr.Wrap(apperr.KindConfigError, fmt.Sprintf("git pull %s: %s", name, string(output)), err)
	}

	meta, err := s.loadMeta()
	if err != nil {
		return err
	}
	if m, ok := meta[name]; ok {
		m.UpdatedAt = time.Now()
		if err := s.saveMeta(meta); err != nil {
			return err
		}
	}

	s.log.Info("updated repository", zap.String("repo", name))
	return nil
}

// Remove disables name (if enabled) and deletes its clone directory.
func (s *Service) Remove(ctx context.Context, name string) error {
	if err := s.Disable(name); err != nil {
		return err
	}

	dest := s.repoPath(name)
	if err := os.RemoveAll(dest); err != nil {
		return apperr.Wrap(apperr.KindInternalInvariant, "remove repository directory "+dest, err)
	}

	meta, err := s.loadMeta()
	if err != nil {
		return err
	}
	delete(meta, name)
	if err := s.saveMeta(meta); err != nil {
		return err
	}

	s.log.Info("removed repository", zap.String("repo", name))
	return nil
}

// List returns every cloned repository's metadata, sorted by name.
func (s *Service) List() ([]*RepoMeta, error) {
	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	list := make([]*RepoMeta, 0, len(meta))
	for _, m := range meta {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

func (s *Service) enabledList() (*workspace.EnabledRepos, []string, error) {
	er := workspace.NewEnabledRepos(s.paths)
	names, err := er.Load()
	if err != nil {
		return nil, nil, err
	}
	return er, names, nil
}

// Enable adds name to the enabled repos set (idempotent, no duplicates).
func (s *Service) Enable(name string) error {
	if _, err := os.Stat(s.repoPath(name)); err != nil {
		return apperr.New(apperr.KindNotFound, "repository not cloned: "+name)
	}
	er, _, err := s.enabledList()
	if err != nil {
		return err
	}
	return er.Add(name)
}

// Disable removes name from the enabled repos set. A no-op if name was
// not enabled.
func (s *Service) Disable(name string) error {
	er, _, err := s.enabledList()
	if err != nil {
		return err
	}
	return er.Remove(name)
}

// DiscoverAgents scans a cloned repo's top-level subdirectories,
// qualifying any directory containing manifest.json as a candidate
// agent (spec.md §4.12).
func (s *Service) DiscoverAgents(repo string) ([]AgentSummary, error) {
	dest := s.repoPath(repo)
	entries, err := os.ReadDir(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.New(apperr.KindNotFound, "repository not cloned: "+repo)
		}
		return nil, apperr.Wrap(apperr.KindInternalInvariant, "list repository "+repo, err)
	}

	var agents []AgentSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dest, e.Name(), "manifest.json")
		if _, err := os.Stat(manifestPath); err == nil {
			agents = append(agents, AgentSummary{Repo: repo, Name: e.Name(), Path: filepath.Join(dest, e.Name())})
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// FindAgent searches enabled repos for an agent by bare name, or by a
// qualified "repo/name" reference. An ambiguous bare name (present in
// more than one enabled repo) is a ConfigError asking for
// qualification (spec.md §4.12).
func (s *Service) FindAgent(ref string) (AgentSummary, error) {
	if repo, name, ok := strings.Cut(ref, "/"); ok {
		agents, err := s.DiscoverAgents(repo)
		if err != nil {
			return AgentSummary{}, err
		}
		for _, a := range agents {
			if a.Name == name {
				return a, nil
			}
		}
		return AgentSummary{}, apperr.New(apperr.KindNotFound, "agent not found: "+ref)
	}

	_, repoNames, err := s.enabledList()
	if err != nil {
		return AgentSummary{}, err
	}

	var matches []AgentSummary
	for _, repo := range repoNames {
		agents, err := s.DiscoverAgents(repo)
		if err != nil {
			continue
		}
		for _, a := range agents {
			if a.Name == ref {
				matches = append(matches, a)
			}
		}
	}

	switch len(matches) {
	case 0:
		return AgentSummary{}, apperr.New(apperr.KindNotFound, "agent not found in any enabled repository: "+ref)
	case 1:
		return matches[0], nil
	default:
		qualified := make([]string, len(matches))
		for i, m := range matches {
			qualified[i] = m.Repo + "/" + m.Name
		}
		return AgentSummary{}, apperr.New(apperr.KindConfigError,
			fmt.Sprintf("ambiguous agent name %q, present in multiple repos: %s", ref, strings.Join(qualified, ", "))).
			WithRemedy("Qualify the reference as repo/name")
	}
}

func inferName(url string) string {
	url = strings.TrimSuffix(url, "/")
	url = strings.TrimSuffix(url, ".git")
	i := strings.LastIndexAny(url, "/:")
	if i < 0 {
		return url
	}
	return url[i+1:]
}
