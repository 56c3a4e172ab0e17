package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/manifest"
	"github.com/kandev/orchestrator/internal/reposvc"
	"github.com/kandev/orchestrator/internal/workspace"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	paths, err := workspace.Init(t.TempDir())
	require.NoError(t, err)
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return &App{
		Paths:    paths,
		Log:      log,
		Repos:    reposvc.New(paths, log),
		Loader:   manifest.NewLoader(paths),
		Registry: workspace.NewAgentRegistry(paths, log),
	}
}

// writeFakeRepo plants a bare (non-git) repo directory with one agent
// manifest and enables it, enough for FindAgent/expandEnable without a
// real git clone.
func writeFakeRepo(t *testing.T, app *App, repo, agent string, manifestBody string) {
	t.Helper()
	agentDir := filepath.Join(app.Paths.ReposDir, repo, agent)
	require.NoError(t, os.MkdirAll(agentDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(agentDir, "manifest.json"), []byte(manifestBody), 0644))
	require.NoError(t, app.Repos.Enable(repo))
}

func TestExpandEnableDetectsCycle(t *testing.T) {
	app := newTestApp(t)
	writeFakeRepo(t, app, "basic", "a", `{"image":"example/a:1","enable":["b"]}`)
	writeFakeRepo(t, app, "basic", "b", `{"image":"example/b:1","enable":["a"]}`)

	_, err := app.expandEnable("a", map[string]bool{})
	assert.Error(t, err)
}

func TestExpandEnableFlattensDependencies(t *testing.T) {
	app := newTestApp(t)
	writeFakeRepo(t, app, "basic", "demo", `{"image":"example/demo:1","enable":["helper"]}`)
	writeFakeRepo(t, app, "basic", "helper", `{"image":"example/helper:1"}`)

	directives, err := app.expandEnable("demo", map[string]bool{})
	require.NoError(t, err)
	require.Len(t, directives, 2)
	assert.Equal(t, "demo", directives[0].Name)
	assert.Equal(t, "helper", directives[1].Name)
}

func TestEnableCreatesAgentRecordAndWorkDir(t *testing.T) {
	app := newTestApp(t)
	writeFakeRepo(t, app, "basic", "demo", `{"image":"example/demo:1"}`)

	require.NoError(t, app.Enable("demo", ""))

	rec, err := app.Registry.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "basic", rec.RepoName)
	assert.Equal(t, "demo", rec.AgentName)

	_, err = os.Stat(app.Paths.AgentWorkDir("demo"))
	assert.NoError(t, err)
}

func TestEnableIsIdempotent(t *testing.T) {
	app := newTestApp(t)
	writeFakeRepo(t, app, "basic", "demo", `{"image":"example/demo:1"}`)

	require.NoError(t, app.Enable("demo", ""))
	require.NoError(t, app.Enable("demo", ""))

	records, err := app.Registry.Load()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSecretSetListRoundTrip(t *testing.T) {
	app := newTestApp(t)

	require.NoError(t, app.SecretSet("FOO", "bar"))
	require.NoError(t, app.SecretSet("BAZ", "qux"))

	keys, err := app.SecretList()
	require.NoError(t, err)
	assert.Equal(t, []string{"BAZ", "FOO"}, keys)
}

func TestSecretSetOverwritesExistingKey(t *testing.T) {
	app := newTestApp(t)

	require.NoError(t, app.SecretSet("FOO", "bar"))
	require.NoError(t, app.SecretSet("FOO", "updated"))

	lines, err := app.secretLines()
	require.NoError(t, err)
	assert.Equal(t, "updated", lines["FOO"])
}

func TestRouterIsRunningFalseWhenNoPIDFile(t *testing.T) {
	app := newTestApp(t)
	_, ok := app.routerIsRunning()
	assert.False(t, ok)
}
