// Package stats tracks per-route packet/byte counters and exposes them both
// as a coordinator-facing windowed dump (the epochsync path) and as
// Prometheus metrics (internal/telemetry).
package stats

import "sync"

// Counter is one route's packet/byte totals, updated by the transport layer
// as datagrams are relayed. The broker never increments these itself; it
// only owns the registry the relay is handed counters from.
type Counter struct {
	PacketsSent uint64
	BytesSent   uint64
	PacketsRecv uint64
	BytesRecv   uint64
}

// Add accumulates delta into c.
func (c *Counter) Add(delta Counter) {
	c.PacketsSent += delta.PacketsSent
	c.BytesSent += delta.BytesSent
	c.PacketsRecv += delta.PacketsRecv
	c.BytesRecv += delta.BytesRecv
}

// Dump is a point-in-time snapshot of every route's counters, keyed by
// route ID, handed back verbatim as EpochSyncResponse.dump.
type Dump struct {
	Epoch  uint64
	Routes map[uint64]Counter
}

// Registry is the broker-wide table of live route counters. A Registry is
// safe for concurrent use: counters are incremented from transport-layer
// goroutines outside any actor's mailbox, so (unlike Shadow/Broker state)
// this one piece of shared state is deliberately guarded by a plain mutex
// rather than modelled as an actor — see DESIGN.md.
type Registry struct {
	mu     sync.Mutex
	routes map[uint64]*Counter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[uint64]*Counter)}
}

// Track registers route for counting and returns its live Counter. Calling
// Track again for an already-tracked route returns the existing Counter.
func (r *Registry) Track(route uint64) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.routes[route]
	if !ok {
		c = &Counter{}
		r.routes[route] = c
	}
	return c
}

// Untrack removes route from the registry, e.g. when its proxy is released.
func (r *Registry) Untrack(route uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, route)
}

// Dump returns a snapshot of every tracked route's counters for the given
// epoch. When clear is true, every counter is reset to zero atomically with
// the snapshot, so each clearing dump corresponds to exactly one epoch
// window.
func (r *Registry) Dump(epoch uint64, clear bool) Dump {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Dump{Epoch: epoch, Routes: make(map[uint64]Counter, len(r.routes))}
	for route, c := range r.routes {
		out.Routes[route] = *c
		if clear {
			*c = Counter{}
		}
	}
	return out
}
