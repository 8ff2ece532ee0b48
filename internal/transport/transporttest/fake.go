// Package transporttest provides an in-memory transport.Endpoint double for
// tests in other packages (internal/broker, internal/relay,
// internal/service) that need a
// Proxy/Endpoint without a real socket.
package transporttest

import (
	"sync"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/stats"
	"github.com/carrierlabs/shadowbroker/internal/transport"
)

// FakeEndpoint is an in-memory Endpoint double for tests that never touches
// a real socket. Routes are allocated sequentially starting at 1.
type FakeEndpoint struct {
	mu       sync.Mutex
	registry *stats.Registry
	next     uint64
	closed   []uint64
}

// NewFakeEndpoint returns a ready-to-use FakeEndpoint.
func NewFakeEndpoint() *FakeEndpoint {
	return &FakeEndpoint{registry: stats.NewRegistry()}
}

func (f *FakeEndpoint) OpenProxy(a, b endpoint.Endpoint) (transport.Proxy, error) {
	f.mu.Lock()
	f.next++
	route := f.next
	f.mu.Unlock()

	f.registry.Track(route)
	return &fakeProxy{endpoint: f, route: route}, nil
}

func (f *FakeEndpoint) DumpStats(epoch uint64, clear bool) stats.Dump {
	return f.registry.Dump(epoch, clear)
}

// Registry exposes the backing counter registry so tests can accumulate
// counters the way the datagram relay would.
func (f *FakeEndpoint) Registry() *stats.Registry { return f.registry }

// ClosedRoutes reports every route that has had Close called on its Proxy,
// for assertions that a relay correctly released its route.
func (f *FakeEndpoint) ClosedRoutes() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.closed))
	copy(out, f.closed)
	return out
}

type fakeProxy struct {
	endpoint *FakeEndpoint
	route    uint64
}

func (p *fakeProxy) Route() uint64 { return p.route }

func (p *fakeProxy) Close() error {
	p.endpoint.mu.Lock()
	p.endpoint.closed = append(p.endpoint.closed, p.route)
	p.endpoint.mu.Unlock()
	p.endpoint.registry.Untrack(p.route)
	return nil
}
