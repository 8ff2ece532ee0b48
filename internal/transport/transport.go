// Package transport declares the broker's boundary to the datagram relay:
// the UDP layer the broker asks to allocate and account for proxy routes,
// but never implements itself.
package transport

import (
	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/stats"
)

// Proxy is a live relay route between two endpoints. Its Route is the
// opaque identifier handed to both peers so they can address datagrams to
// it; Close releases the route and its tracked counters.
type Proxy interface {
	Route() uint64
	Close() error
}

// Endpoint is the transport-layer collaborator the connect and epochsync
// paths issue commands to: allocating proxy routes and rolling over
// statistics.
type Endpoint interface {
	// OpenProxy allocates a relay route between a and b and begins tracking
	// its packet/byte counters, retrievable later via DumpStats.
	OpenProxy(a, b endpoint.Endpoint) (Proxy, error)

	// DumpStats returns a snapshot of every tracked route's counters for
	// epoch, optionally clearing them atomically with the snapshot.
	DumpStats(epoch uint64, clear bool) stats.Dump
}
