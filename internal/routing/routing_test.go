package routing

import (
	"context"
	"testing"

	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/workspace"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	paths := workspace.NewPaths(dir)
	if err := paths.EnsureSkeleton(); err != nil {
		t.Fatalf("ensure skeleton: %v", err)
	}

	w := NewWriter(paths, nil)
	table := &Table{
		Port: 8080,
		Routes: map[string]Route{
			"my-agent": {Container: "orch_demo_my-agent_abcdef12", HostPort: 41234},
		},
	}
	if err := w.Write(table); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewReader(paths)
	route, ok := r.Lookup("my-agent")
	if !ok {
		t.Fatalf("expected route to be found")
	}
	if route.HostPort != 41234 {
		t.Errorf("hostPort = %d, want 41234", route.HostPort)
	}
}

func TestLookupMissingRoute(t *testing.T) {
	dir := t.TempDir()
	paths := workspace.NewPaths(dir)
	r := NewReader(paths)
	if _, ok := r.Lookup("nonexistent"); ok {
		t.Errorf("expected missing route to report not found")
	}
}

func TestWritePublishesEvent(t *testing.T) {
	dir := t.TempDir()
	paths := workspace.NewPaths(dir)
	if err := paths.EnsureSkeleton(); err != nil {
		t.Fatalf("ensure skeleton: %v", err)
	}

	bus := events.NewMemoryBus()
	received := make(chan *events.Event, 1)
	if _, err := bus.Subscribe(events.SubjectRoutingChanged, func(ctx context.Context, e *events.Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	w := NewWriter(paths, bus)
	if err := w.Write(&Table{Routes: map[string]Route{}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case e := <-received:
		if e.Type != events.SubjectRoutingChanged {
			t.Errorf("event type = %q, want %q", e.Type, events.SubjectRoutingChanged)
		}
	default:
		t.Errorf("expected routing-changed event to be published")
	}
}
