// Package service binds inbound peer sessions to the carrier.broker.v1
// Broker RPC contract: one Dispatcher routes subscribe, publish, connect
// and epochsync, reconstructing each caller's identity and observed
// endpoint from the authenticated channel on every call.
package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/identity"
)

// identityHeader is the metadata key the authenticated channel populates
// with the caller's 32-byte identity, hex-encoded. In a production
// deployment this header is set by a transport-level interceptor that has
// already completed the Noise handshake and verified the caller's
// long-term key, not parsed from client-suppliable metadata directly.
const identityHeader = "x-carrier-identity"

// CallerIdentity extracts the authenticated caller's identity from ctx,
// populated by the transport-level authentication interceptor via
// identityHeader.
func CallerIdentity(ctx context.Context) (identity.Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return identity.Identity{}, fmt.Errorf("service: no metadata on inbound call")
	}
	values := md.Get(identityHeader)
	if len(values) != 1 {
		return identity.Identity{}, fmt.Errorf("service: expected exactly one %s header, got %d", identityHeader, len(values))
	}
	raw, err := hex.DecodeString(values[0])
	if err != nil {
		return identity.Identity{}, fmt.Errorf("service: malformed %s header: %w", identityHeader, err)
	}
	return identity.ParseIdentity(raw)
}

// CallerEndpoint extracts the broker's own observation of the caller's
// network address from ctx. This is the only address the broker ever
// trusts for a peer, since it is not caller-supplied.
func CallerEndpoint(ctx context.Context) (endpoint.Endpoint, error) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return endpoint.Endpoint{}, fmt.Errorf("service: no peer info on inbound call")
	}
	host, portStr, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("service: malformed peer address %q: %w", p.Addr.String(), err)
	}
	ip := net.ParseIP(host)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("service: malformed peer port %q: %w", portStr, err)
	}
	return endpoint.Endpoint{IP: ip, Port: uint16(port)}, nil
}
