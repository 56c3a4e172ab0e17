package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIfaceForPath(t *testing.T) {
	cases := map[string]string{
		"/webtty/foo/ws":       "terminal",
		"/webchat/foo/message": "chat",
		"/webmeet/ws":          "meet",
		"/status":              "dashboard",
		"/dashboard":           "dashboard",
	}
	for path, want := range cases {
		if got := ifaceForPath(path); got != want {
			t.Errorf("ifaceForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestIsAPIEndpoint(t *testing.T) {
	apiPaths := []string{"/mcps/foo/mcp", "/status", "/blobs/abc", "/webchat/foo/message", "/webchat/foo/events", "/webtty/foo/ws"}
	for _, p := range apiPaths {
		if !isAPIEndpoint(p) {
			t.Errorf("isAPIEndpoint(%q) = false, want true", p)
		}
	}
	if isAPIEndpoint("/dashboard") {
		t.Errorf("isAPIEndpoint(/dashboard) = true, want false")
	}
}

func newTestGinContext(method, target string, header http.Header) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, target, nil)
	if header != nil {
		req.Header = header
	}
	c.Request = req
	return c, w
}

func TestExtractTokenPrefersQueryParam(t *testing.T) {
	c, _ := newTestGinContext(http.MethodGet, "/webtty/foo/ws?token=qtok", http.Header{
		"Authorization": {"Bearer btok"},
	})
	c.Request.AddCookie(&http.Cookie{Name: "orch_terminal_token", Value: "ctok"})

	if got := extractToken(c, "terminal"); got != "qtok" {
		t.Errorf("extractToken = %q, want qtok", got)
	}
}

func TestExtractTokenFallsBackToCookieThenBearer(t *testing.T) {
	c, _ := newTestGinContext(http.MethodGet, "/webtty/foo/ws", nil)
	c.Request.AddCookie(&http.Cookie{Name: "orch_terminal_token", Value: "ctok"})
	if got := extractToken(c, "terminal"); got != "ctok" {
		t.Errorf("extractToken = %q, want ctok", got)
	}

	c2, _ := newTestGinContext(http.MethodGet, "/webtty/foo/ws", http.Header{
		"Authorization": {"Bearer btok"},
	})
	if got := extractToken(c2, "terminal"); got != "btok" {
		t.Errorf("extractToken = %q, want btok", got)
	}
}

func TestCheckWebSocketOriginAllowsLocalhostAndSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/webtty/foo/ws", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	if !checkWebSocketOrigin(req) {
		t.Error("expected localhost origin to be allowed")
	}

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com/webtty/foo/ws", nil)
	req2.Host = "example.com"
	req2.Header.Set("Origin", "http://example.com")
	if !checkWebSocketOrigin(req2) {
		t.Error("expected same-origin request to be allowed")
	}

	req3 := httptest.NewRequest(http.MethodGet, "http://example.com/webtty/foo/ws", nil)
	req3.Host = "example.com"
	req3.Header.Set("Origin", "http://evil.com")
	if checkWebSocketOrigin(req3) {
		t.Error("expected cross-origin request to be rejected")
	}
}
