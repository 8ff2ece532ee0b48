package transport

import (
	"sync"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/stats"
)

// Allocator is the broker-side half of the relay boundary: it hands out
// route identifiers and owns the counter registry the datagram relay
// increments. The relay itself (socket handling, datagram forwarding) runs
// out of process and resolves routes against the identifiers allocated
// here.
type Allocator struct {
	mu       sync.Mutex
	next     uint64
	registry *stats.Registry
}

// NewAllocator returns an Allocator tracking counters in registry.
func NewAllocator(registry *stats.Registry) *Allocator {
	return &Allocator{registry: registry}
}

// OpenProxy allocates the next route between a and b and begins tracking
// its counters. Route identifiers start at 1 so that 0 stays free to mean
// "no route" on the wire.
func (al *Allocator) OpenProxy(a, b endpoint.Endpoint) (Proxy, error) {
	al.mu.Lock()
	al.next++
	route := al.next
	al.mu.Unlock()

	al.registry.Track(route)
	return &allocatedProxy{allocator: al, route: route}, nil
}

// DumpStats snapshots every tracked route's counters for epoch, clearing
// them atomically with the snapshot when clear is set.
func (al *Allocator) DumpStats(epoch uint64, clear bool) stats.Dump {
	return al.registry.Dump(epoch, clear)
}

type allocatedProxy struct {
	allocator *Allocator
	route     uint64
	closeOnce sync.Once
}

func (p *allocatedProxy) Route() uint64 { return p.route }

func (p *allocatedProxy) Close() error {
	p.closeOnce.Do(func() {
		p.allocator.registry.Untrack(p.route)
	})
	return nil
}
