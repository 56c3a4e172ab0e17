package router

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/pkg/mcp"
)

// proxyEntry caches a reverse proxy alongside the hostPort it targets,
// so a route whose container restarted on a new port gets a fresh proxy
// instead of silently talking to the old one (spec.md §4.8 "MCP proxy",
// grounded on the teacher's vscode_proxy.go proxyEntry).
type proxyEntry struct {
	proxy    *httputil.ReverseProxy
	hostPort int
}

type proxyCache struct {
	mu      sync.Mutex
	entries map[string]*proxyEntry
}

func newProxyCache() *proxyCache {
	return &proxyCache{entries: make(map[string]*proxyEntry)}
}

func (pc *proxyCache) get(name string, hostPort int, onError func(w http.ResponseWriter, r *http.Request, err error)) *httputil.ReverseProxy {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if e, ok := pc.entries[name]; ok && e.hostPort == hostPort {
		return e.proxy
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", hostPort)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = "/mcp"
		if req.Header.Get("Upgrade") != "" {
			req.Header.Set("Connection", "Upgrade")
		}
	}

	proxy.ModifyResponse = func(resp *http.Response) error {
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			resp.Header.Set("Cache-Control", "no-cache")
			resp.Header.Set("X-Accel-Buffering", "no")
		}
		return nil
	}
	proxy.ErrorHandler = onError

	pc.entries[name] = &proxyEntry{proxy: proxy, hostPort: hostPort}
	return proxy
}

func (pc *proxyCache) invalidate(name string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	delete(pc.entries, name)
}

// handleMCPProxy implements spec.md §4.8's "MCP proxy" hot path.
func (rt *Router) handleMCPProxy(c *gin.Context) {
	name := c.Param("agent")

	route, ok := rt.routes.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, mcp.NewError(nil, mcp.CodeMethodNotFound, "no route for agent "+name))
		return
	}
	if route.Unhealthy {
		c.JSON(http.StatusServiceUnavailable, mcp.NewError(nil, mcp.CodeInternalError, "agent "+name+" is unhealthy"))
		return
	}

	proxy := rt.proxies.get(name, route.HostPort, func(w http.ResponseWriter, r *http.Request, err error) {
		rt.log.Error("mcp proxy upstream error", zap.String("agent", name), zap.Error(err))
		rt.proxies.invalidate(name)
		if rt.bus != nil {
			_ = rt.bus.Publish(r.Context(), events.SubjectHealthChanged,
				events.NewEvent(events.SubjectHealthChanged, "router", map[string]interface{}{"agent": name, "reason": "upstream unreachable"}))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = writeJSONRPCError(w, mcp.CodeInternalError, "upstream error")
	})

	defer func() {
		if r := recover(); r != nil {
			if r == http.ErrAbortHandler {
				rt.log.Debug("mcp proxy: client disconnected", zap.String("agent", name))
				return
			}
			panic(r)
		}
	}()

	proxy.ServeHTTP(c.Writer, c.Request)
}

func writeJSONRPCError(w http.ResponseWriter, code int, message string) error {
	resp := mcp.NewError(nil, code, message)
	_, err := w.Write(mustMarshal(resp))
	return err
}
