// Package router implements the Router (spec.md §4.8, C8): the single
// HTTP front end that auth-gates, reverse-proxies MCP traffic, bridges
// webtty/webchat/webmeet sessions, and serves static/workspace content.
package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/config"
	"github.com/kandev/orchestrator/internal/engine"
	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/logger"
	"github.com/kandev/orchestrator/internal/routing"
	"github.com/kandev/orchestrator/internal/workspace"
)

// Router is the C8 HTTP front end.
type Router struct {
	cfg      config.RouterConfig
	paths    *workspace.Paths
	servers  *workspace.Servers
	routes   *routing.Reader
	registry *workspace.AgentRegistry
	eng      engine.Engine
	bus      events.Bus
	log      *logger.Logger

	startedAt time.Time
	httpSrv   *http.Server
	mux       *gin.Engine

	proxies *proxyCache
	chat    *chatBroker
	meet    *meetHub
}

// New builds a Router ready to Run. bus may be nil to skip fan-out.
func New(cfg config.RouterConfig, paths *workspace.Paths, routes *routing.Reader, registry *workspace.AgentRegistry, eng engine.Engine, bus events.Bus, log *logger.Logger) *Router {
	rt := &Router{
		cfg:      cfg,
		paths:    paths,
		servers:  workspace.NewServers(paths),
		routes:   routes,
		registry: registry,
		eng:      eng,
		bus:      bus,
		log:      log.WithFields(zap.String("component", "router")),

		startedAt: time.Now(),
		proxies:   newProxyCache(),
		chat:      newChatBroker(),
		meet:      newMeetHub(),
	}
	rt.mux = rt.buildEngine()
	return rt
}

func (rt *Router) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(requestLogger(rt.log))
	g.Use(recovery(rt.log))
	g.Use(cors())
	g.Use(maxBodyBytes(rt.cfg.MaxBodyBytes))
	g.Use(rt.authGate())

	g.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/dashboard") })
	g.GET("/health", rt.handleHealth)
	g.GET("/status", rt.handleStatus)
	g.GET("/dashboard", rt.handleDashboard)

	g.GET("/webtty/:agent", rt.handleWebttyPage)
	g.GET("/webtty/:agent/ws", rt.handleWebttyWS)

	g.GET("/webchat/:agent", rt.handleWebchatPage)
	g.POST("/webchat/:agent/message", rt.handleWebchatMessage)
	g.GET("/webchat/:agent/events", rt.handleWebchatEvents)

	g.GET("/webmeet", rt.handleWebmeetPage)
	g.GET("/webmeet/ws", rt.handleWebmeetWS)

	g.Any("/mcps/:agent/mcp", rt.handleMCPProxy)

	g.GET("/blobs/:id", rt.handleBlobGet)
	g.POST("/blobs", rt.handleBlobPut)

	g.GET("/workspace-files/*path", rt.handleWorkspaceFiles)

	return g
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// drains in-flight requests for at most 15 seconds before returning (the Watchdog owns the process lifetime; this just owns the
// listener).
func (rt *Router) Run(ctx context.Context) error {
	rt.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", rt.cfg.Port),
		Handler:      rt.mux,
		ReadTimeout:  rt.cfg.ReadTimeout(),
		WriteTimeout: rt.cfg.WriteTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		rt.log.Info("router listening", zap.Int("port", rt.cfg.Port))
		if err := rt.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := rt.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (rt *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(rt.startedAt).String(),
	})
}

func (rt *Router) handleStatus(c *gin.Context) {
	table, err := rt.routes.Read()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	records, err := rt.registry.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(rt.startedAt).String(),
		"routeCount": len(table.Routes),
		"agentCount": len(records),
	})
}

func (rt *Router) handleDashboard(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!DOCTYPE html><html><head><title>orchestrator</title></head><body><div id=\"app\"></div></body></html>")
}
