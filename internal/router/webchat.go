package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/pkg/mcp"
)

// chatBroker fans out chat replies to each agent's subscribed SSE
// streams. A payload is skipped for any subscriber whose buffer is full
// rather than blocking the publisher; the subscriber stays subscribed, the same backpressure posture the teacher's
// WebSocket hub takes with slow clients.
type chatBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func newChatBroker() *chatBroker {
	return &chatBroker{subs: make(map[string]map[chan []byte]struct{})}
}

func (b *chatBroker) subscribe(agent string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[agent] == nil {
		b.subs[agent] = make(map[chan []byte]struct{})
	}
	b.subs[agent][ch] = struct{}{}
	return ch
}

func (b *chatBroker) unsubscribe(agent string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[agent], ch)
}

func (b *chatBroker) publish(agent string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[agent] {
		select {
		case ch <- payload:
		default:
		}
	}
}

type chatMessageRequest struct {
	Message string `json:"message"`
}

// handleWebchatPage serves the chat UI shell (spec.md's web UI assets
// are out of scope per §1 Non-goals; only the wire contract below is
// implemented).
func (rt *Router) handleWebchatPage(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!DOCTYPE html><html><head><title>chat</title></head><body><div id=\"chat\"></div></body></html>")
}

// handleWebchatMessage forwards a user message to the agent via an MCP
// tools/call request (spec.md §4.8 "Accept user message; forward to
// agent via MCP tool call") and publishes the agent's reply to any
// subscribed SSE streams.
func (rt *Router) handleWebchatMessage(c *gin.Context) {
	name := c.Param("agent")
	route, ok := rt.routes.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no route for agent " + name})
		return
	}
	if route.Unhealthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent unhealthy"})
		return
	}

	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	params, _ := json.Marshal(map[string]interface{}{
		"name":      "chat",
		"arguments": map[string]string{"message": req.Message},
	})
	rpcReq := mcp.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/call", Params: params}
	body, _ := json.Marshal(rpcReq)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/mcp", route.HostPort)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		rt.log.Error("webchat upstream call failed", zap.String("agent", name), zap.Error(err))
		c.JSON(http.StatusBadGateway, mcp.NewError(nil, mcp.CodeInternalError, "upstream error"))
		return
	}
	defer resp.Body.Close()

	var rpcResp mcp.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		c.JSON(http.StatusBadGateway, mcp.NewError(nil, mcp.CodeInternalError, "malformed upstream response"))
		return
	}

	rt.chat.publish(name, mustMarshal(rpcResp))
	c.JSON(http.StatusOK, rpcResp)
}

// handleWebchatEvents streams agent chat replies as Server-Sent Events
// (spec.md §4.8 "GET /webchat/:agent/events").
func (rt *Router) handleWebchatEvents(c *gin.Context) {
	name := c.Param("agent")
	ch := rt.chat.subscribe(name)
	defer rt.chat.unsubscribe(name, ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-ch:
			fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
