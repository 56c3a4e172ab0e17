package reposvc

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/kandev/orchestrator/internal/workspace"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test", "GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

// newUpstreamRepo creates a local git repo with one agent directory
// (manifest.json present) to stand in for a remote clone source.
func newUpstreamRepo(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	runGit(t, src, "init", "-q", "-b", "main")
	agentDir := filepath.Join(src, "demo-agent")
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "manifest.json"), []byte(`{"name":"demo-agent"}`), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	plainDir := filepath.Join(src, "not-an-agent")
	if err := os.MkdirAll(plainDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	runGit(t, src, "add", "-A")
	runGit(t, src, "commit", "-q", "-m", "initial")
	return src
}

func newTestService(t *testing.T) (*Service, *workspace.Paths) {
	t.Helper()
	dir := t.TempDir()
	paths := workspace.NewPaths(dir)
	if err := paths.EnsureSkeleton(); err != nil {
		t.Fatalf("ensure skeleton: %v", err)
	}
	return New(paths, nil), paths
}

func TestAddClonesRepository(t *testing.T) {
	src := newUpstreamRepo(t)
	svc, paths := newTestService(t)

	if err := svc.Add(context.Background(), "demo", src); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := os.Stat(filepath.Join(paths.ReposDir, "demo", "demo-agent", "manifest.json")); err != nil {
		t.Fatalf("expected cloned manifest, got: %v", err)
	}

	list, err := svc.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "demo" {
		t.Fatalf("list = %+v, want one entry named demo", list)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	src := newUpstreamRepo(t)
	svc, _ := newTestService(t)

	if err := svc.Add(context.Background(), "demo", src); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := svc.Add(context.Background(), "demo", src); err != nil {
		t.Fatalf("second add: %v", err)
	}
}

func TestDiscoverAgentsOnlyReturnsManifestDirs(t *testing.T) {
	src := newUpstreamRepo(t)
	svc, _ := newTestService(t)
	if err := svc.Add(context.Background(), "demo", src); err != nil {
		t.Fatalf("add: %v", err)
	}

	agents, err := svc.DiscoverAgents("demo")
	if err != nil {
		t.Fatalf("discover agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "demo-agent" {
		t.Fatalf("agents = %+v, want only demo-agent", agents)
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	src := newUpstreamRepo(t)
	svc, _ := newTestService(t)
	if err := svc.Add(context.Background(), "demo", src); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Enable("demo"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	agent, err := svc.FindAgent("demo-agent")
	if err != nil {
		t.Fatalf("find agent: %v", err)
	}
	if agent.Repo != "demo" {
		t.Errorf("agent.Repo = %q, want demo", agent.Repo)
	}

	if err := svc.Disable("demo"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := svc.FindAgent("demo-agent"); err == nil {
		t.Errorf("expected find agent to fail once repo is disabled")
	}
}

func TestFindAgentAmbiguousRequiresQualification(t *testing.T) {
	src := newUpstreamRepo(t)
	svc, _ := newTestService(t)

	if err := svc.Add(context.Background(), "repo-a", src); err != nil {
		t.Fatalf("add repo-a: %v", err)
	}
	if err := svc.Add(context.Background(), "repo-b", src); err != nil {
		t.Fatalf("add repo-b: %v", err)
	}
	if err := svc.Enable("repo-a"); err != nil {
		t.Fatalf("enable repo-a: %v", err)
	}
	if err := svc.Enable("repo-b"); err != nil {
		t.Fatalf("enable repo-b: %v", err)
	}

	if _, err := svc.FindAgent("demo-agent"); err == nil {
		t.Errorf("expected ambiguous lookup to fail")
	}

	agent, err := svc.FindAgent("repo-a/demo-agent")
	if err != nil {
		t.Fatalf("qualified find agent: %v", err)
	}
	if agent.Repo != "repo-a" {
		t.Errorf("agent.Repo = %q, want repo-a", agent.Repo)
	}
}

func TestRemoveDeletesClone(t *testing.T) {
	src := newUpstreamRepo(t)
	svc, paths := newTestService(t)
	if err := svc.Add(context.Background(), "demo", src); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Enable("demo"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := svc.Remove(context.Background(), "demo"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(paths.ReposDir, "demo")); !os.IsNotExist(err) {
		t.Errorf("expected clone directory to be removed")
	}
}

func TestResolveURLPrefersNamedMap(t *testing.T) {
	if got := ResolveURL("kandev-agents"); got != namedRepoURLs["kandev-agents"] {
		t.Errorf("ResolveURL(kandev-agents) = %q, want %q", got, namedRepoURLs["kandev-agents"])
	}
	if got := ResolveURL("https://example.com/x.git"); got != "https://example.com/x.git" {
		t.Errorf("ResolveURL should pass through URLs unchanged, got %q", got)
	}
}
