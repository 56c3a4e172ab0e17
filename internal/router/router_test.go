package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/kandev/orchestrator/internal/config"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/routing"
	"github.com/kandev/orchestrator/internal/workspace"
)

func newTestRouter(t *testing.T) (*Router, *workspace.Paths) {
	t.Helper()
	paths, err := workspace.Init(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.Init: %v", err)
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	servers := workspace.NewServers(paths)
	if err := servers.Save(map[string]workspace.ServerEntry{
		"dashboard": {Port: 8080, Token: "sekret"},
	}); err != nil {
		t.Fatalf("servers.Save: %v", err)
	}

	reader := routing.NewReader(paths)
	registry := workspace.NewAgentRegistry(paths, log)

	rt := New(config.RouterConfig{MaxBodyBytes: 1 << 20}, paths, reader, registry, nil, nil, log)
	return rt, paths
}

func writeTestRoute(t *testing.T, paths *workspace.Paths, name string, hostPort int, unhealthy bool) {
	t.Helper()
	writer := routing.NewWriter(paths, nil)
	table := &routing.Table{Routes: map[string]routing.Route{
		name: {Container: "orch_demo_" + name, HostPort: hostPort, Unhealthy: unhealthy},
	}}
	if err := writer.Write(table); err != nil {
		t.Fatalf("writer.Write: %v", err)
	}
}

func TestHandleMCPProxyForwardsToUpstream(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer upstream.Close()

	rt, paths := newTestRouter(t)
	hostPort := mustParsePort(t, upstream.URL)
	writeTestRoute(t, paths, "demo", hostPort, false)

	ts := httptest.NewServer(rt.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcps/demo/mcp?token=sekret", "application/json", httpBody(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if gotPath != "/mcp" {
		t.Errorf("upstream path = %q, want /mcp", gotPath)
	}
}

func TestHandleMCPProxyUnknownRouteReturns404(t *testing.T) {
	rt, _ := newTestRouter(t)
	ts := httptest.NewServer(rt.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcps/missing/mcp?token=sekret", "application/json", httpBody(`{}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleMCPProxyUnhealthyRouteReturns503(t *testing.T) {
	rt, paths := newTestRouter(t)
	writeTestRoute(t, paths, "demo", 9999, true)

	ts := httptest.NewServer(rt.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcps/demo/mcp?token=sekret", "application/json", httpBody(`{}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHandleMCPProxyMissingTokenReturns401(t *testing.T) {
	rt, paths := newTestRouter(t)
	writeTestRoute(t, paths, "demo", 9999, false)

	ts := httptest.NewServer(rt.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/mcps/demo/mcp", "application/json", httpBody(`{}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHandleHealthIsUnauthenticated(t *testing.T) {
	rt, _ := newTestRouter(t)
	ts := httptest.NewServer(rt.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func mustParsePort(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("strconv.Atoi: %v", err)
	}
	return port
}

func httpBody(s string) io.Reader {
	return strings.NewReader(s)
}
