package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// resizeCommandByte tags a binary WebSocket frame as a resize control
// message rather than raw PTY bytes (spec.md §4.8 "resize messages
// propagate"), the protocol grounded on the teacher's terminal_handler.go.
const resizeCommandByte = 0x01

// resizePayload is the JSON body following resizeCommandByte.
type resizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

var webttyUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin allows same-origin and localhost connections,
// rejecting cross-site WebSocket hijacking attempts.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") || strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := r.Host
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host, "]") {
		host = host[:i]
	}
	return u.Hostname() == host
}

func (rt *Router) handleWebttyPage(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!DOCTYPE html><html><head><title>terminal</title></head><body><div id=\"term\"></div></body></html>")
}

// handleWebttyWS bridges a PTY inside the agent's container to the
// socket: binary frames are raw PTY bytes, except a leading
// resizeCommandByte which tags a JSON resize payload instead
// (spec.md §4.8 "bridges a PTY inside container <-> socket").
func (rt *Router) handleWebttyWS(c *gin.Context) {
	name := c.Param("agent")
	route, ok := rt.routes.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no route for agent " + name})
		return
	}

	conn, err := webttyUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rt.log.Debug("webtty upgrade failed", zap.String("agent", name), zap.Error(err))
		return
	}
	defer conn.Close()

	shell := []string{"sh"}
	tty, err := rt.eng.AttachTTY(c.Request.Context(), route.Container, shell, nil)
	if err != nil {
		rt.log.Error("webtty attach failed", zap.String("agent", name), zap.Error(err))
		_ = conn.WriteMessage(gorillaws.TextMessage, []byte("failed to attach terminal"))
		return
	}
	defer tty.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := tty.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(gorillaws.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					rt.log.Debug("webtty pty read ended", zap.String("agent", name), zap.Error(err))
				}
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != gorillaws.BinaryMessage && msgType != gorillaws.TextMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		if data[0] == resizeCommandByte {
			var p resizePayload
			if json.Unmarshal(data[1:], &p) == nil && p.Cols > 0 && p.Rows > 0 {
				_ = tty.Resize(int(p.Cols), int(p.Rows))
			}
			continue
		}
		if _, err := tty.Write(data); err != nil {
			break
		}
	}

	<-done
}
