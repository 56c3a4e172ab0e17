// Package routing implements the Routing Table (spec.md §4.13, C13):
// generated from agent records and engine state, written atomically,
// and read with a short-TTL mtime-aware cache by the Router.
package routing

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kandev/orchestrator/internal/events"
	"github.com/kandev/orchestrator/internal/workspace"
)

func unmarshalTable(data []byte, t *Table) error {
	return json.Unmarshal(data, t)
}

// Route is one entry of the routing table (spec.md §3.2 "Routing
// table").
type Route struct {
	Container string `json:"container"`
	HostPort  int    `json:"hostPort"`
	Repo      string `json:"repo,omitempty"`
	Agent     string `json:"agent,omitempty"`
	HostPath  string `json:"hostPath,omitempty"`
	Unhealthy bool   `json:"unhealthy,omitempty"`
}

// Table is the generated routing state (spec.md §3.2).
type Table struct {
	Port   int              `json:"port"`
	Static *StaticRoute     `json:"static,omitempty"`
	Routes map[string]Route `json:"routes"`
}

// StaticRoute serves files for one static-file agent.
type StaticRoute struct {
	Agent    string `json:"agent"`
	HostPath string `json:"hostPath"`
}

// CacheTTL bounds how long a Reader serves a cached Table before
// re-checking the file's mtime (spec.md §4.13).
const CacheTTL = 2 * time.Second

// Writer is the routing table's single writer (the CLI / Agent Service
// Manager; spec.md §5 "routing-table writes are serialized via a file
// lock or single writer").
type Writer struct {
	path string
	bus  events.Bus // optional; nil means no fan-out
}

// NewWriter opens the routing table writer at p.RoutingJSON. bus may be
// nil to skip fan-out entirely.
func NewWriter(p *workspace.Paths, bus events.Bus) *Writer {
	return &Writer{path: p.RoutingJSON, bus: bus}
}

// Write rewrites the routing table atomically and, if a bus is
// configured, publishes a SubjectRoutingChanged notification (spec.md's
// expanded domain-stack wiring for optional NATS fan-out).
func (w *Writer) Write(t *Table) error {
	if err := workspace.WriteJSONAtomic(w.path, t); err != nil {
		return err
	}
	if w.bus != nil {
		_ = w.bus.Publish(context.Background(), events.SubjectRoutingChanged,
			events.NewEvent(events.SubjectRoutingChanged, "routing", map[string]interface{}{"routeCount": len(t.Routes)}))
	}
	return nil
}

// Reader is the Router's read-only, TTL-cached view of the routing
// table.
type Reader struct {
	path string

	mu        sync.Mutex
	cached    *Table
	cachedAt  time.Time
	cachedMod time.Time
}

// NewReader opens a routing table reader at p.RoutingJSON.
func NewReader(p *workspace.Paths) *Reader {
	return &Reader{path: p.RoutingJSON}
}

// Read returns the current table, reusing the cached value unless the
// TTL has elapsed and the file's mtime changed (spec.md §4.13).
func (r *Reader) Read() (*Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Since(r.cachedAt) < CacheTTL {
		return r.cached, nil
	}

	info, err := os.Stat(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			empty := &Table{Routes: map[string]Route{}}
			r.cached, r.cachedAt = empty, time.Now()
			return empty, nil
		}
		return nil, err
	}

	if r.cached != nil && info.ModTime().Equal(r.cachedMod) {
		r.cachedAt = time.Now()
		return r.cached, nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	var t Table
	if len(data) > 0 {
		if err := unmarshalTable(data, &t); err != nil {
			return nil, err
		}
	}
	if t.Routes == nil {
		t.Routes = map[string]Route{}
	}

	r.cached, r.cachedAt, r.cachedMod = &t, time.Now(), info.ModTime()
	return r.cached, nil
}

// Lookup resolves a single route by name, the Router's hot-path
// operation (spec.md §4.8 "MCP proxy" step 1).
func (r *Reader) Lookup(name string) (Route, bool) {
	t, err := r.Read()
	if err != nil {
		return Route{}, false
	}
	route, ok := t.Routes[name]
	return route, ok
}
