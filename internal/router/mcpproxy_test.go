package router

import (
	"net/http/httptest"
	"testing"
)

func TestProxyCacheReusesEntryForSameHostPort(t *testing.T) {
	pc := newProxyCache()
	p1 := pc.get("agent", 9000, nil)
	p2 := pc.get("agent", 9000, nil)
	if p1 != p2 {
		t.Error("expected cached proxy to be reused for unchanged hostPort")
	}
}

func TestProxyCacheRebuildsOnHostPortChange(t *testing.T) {
	pc := newProxyCache()
	p1 := pc.get("agent", 9000, nil)
	p2 := pc.get("agent", 9001, nil)
	if p1 == p2 {
		t.Error("expected a new proxy when the target hostPort changes")
	}
}

func TestProxyCacheInvalidateForcesRebuild(t *testing.T) {
	pc := newProxyCache()
	p1 := pc.get("agent", 9000, nil)
	pc.invalidate("agent")
	p2 := pc.get("agent", 9000, nil)
	if p1 == p2 {
		t.Error("expected invalidate to force a fresh proxy even for the same hostPort")
	}
}

func TestWriteJSONRPCErrorWritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	if err := writeJSONRPCError(w, -32603, "boom"); err != nil {
		t.Fatalf("writeJSONRPCError: %v", err)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected bytes to be written")
	}
}
