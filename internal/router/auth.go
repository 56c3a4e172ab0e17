package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ifaceForPath maps a request path to the web-interface name whose token
// it is gated by (spec.md §3.1 ".meta/servers.json", "one entry per
// interface {terminal, chat, meet, dashboard}").
func ifaceForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/webtty/"):
		return "terminal"
	case strings.HasPrefix(path, "/webchat/"):
		return "chat"
	case strings.HasPrefix(path, "/webmeet"):
		return "meet"
	default:
		return "dashboard"
	}
}

// extractToken pulls a bearer token from, in order: the `token` query
// param, the `orch_<iface>_token` cookie, or the Authorization header
// (spec.md §4.8 "Authentication gate").
func extractToken(c *gin.Context, iface string) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if ck, err := c.Cookie("orch_" + iface + "_token"); err == nil && ck != "" {
		return ck
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// isAPIEndpoint reports whether path should fail auth with 401 JSON
// instead of a login-page redirect.
func isAPIEndpoint(path string) bool {
	return strings.HasPrefix(path, "/mcps/") ||
		strings.HasPrefix(path, "/status") ||
		strings.HasPrefix(path, "/blobs") ||
		strings.HasSuffix(path, "/message") ||
		strings.HasSuffix(path, "/events") ||
		strings.HasSuffix(path, "/ws")
}

// authGate denies access to every non-/health endpoint without a valid
// token (spec.md §4.8, §8 "Router auth"). servers is read fresh on every
// request since spec.md §3.1 treats it as CLI-writable, rarely-changing
// state with no dedicated cache contract.
func (rt *Router) authGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" {
			c.Next()
			return
		}

		iface := ifaceForPath(path)
		entries, err := rt.servers.Load()
		if err != nil {
			rt.failAuth(c, path, "servers config unavailable")
			return
		}
		entry, ok := entries[iface]
		if !ok || entry.Token == "" {
			rt.failAuth(c, path, "no token configured for interface "+iface)
			return
		}

		token := extractToken(c, iface)
		if token == "" || token != entry.Token {
			rt.failAuth(c, path, "invalid token")
			return
		}

		c.Next()
	}
}

func (rt *Router) failAuth(c *gin.Context, path, reason string) {
	if isAPIEndpoint(path) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": "AuthFailure", "message": reason},
		})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.AbortWithStatus(http.StatusUnauthorized)
	_, _ = c.Writer.WriteString(loginPageHTML)
}

const loginPageHTML = `<!DOCTYPE html>
<html><head><title>Sign in</title></head>
<body>
<h1>Authentication required</h1>
<form method="get">
<input type="password" name="token" placeholder="Access token" autofocus>
<button type="submit">Continue</button>
</form>
</body></html>
`
