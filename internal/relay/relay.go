// Package relay implements the connect state machine: replay guard, path
// injection, target lookup, proxy route allocation, and the peer
// notify/resolve round trip, followed by a never-completing tail that pins
// the allocated route to the subscriber's stream until it is cancelled.
package relay

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/broker"
	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/peersession"
	"github.com/carrierlabs/shadowbroker/internal/replay"
	"github.com/carrierlabs/shadowbroker/internal/transport"
)

// Request is the caller-side connect request, already carrying the
// subscriber's own identity and broker-observed endpoint (resolved by
// internal/service from the authenticated session before Connect is
// called).
type Request struct {
	CallerIdentity identity.Identity
	CallerEndpoint endpoint.Endpoint
	TargetIdentity identity.Identity
	Timestamp      uint64
	Handshake      []byte
	Paths          []endpoint.Path
}

// Response mirrors the wire ConnectResponse.
type Response struct {
	OK        bool
	Handshake []byte
	Route     uint64
	Paths     []endpoint.Path
}

// Sender delivers one Response to the subscriber's stream. internal/service
// adapts a gRPC server-streaming Send to this signature.
type Sender func(Response) error

// Relay implements the connect RPC against a Broker's peer table and a
// transport Endpoint's proxy allocation.
type Relay struct {
	clock    *replay.Clock
	brokerH  *broker.Broker
	endpoint transport.Endpoint
	log      *logrus.Entry
}

// New returns a Relay backed by brokerH's peer table and ep's proxy
// allocation, using clock as the replay guard.
func New(clock *replay.Clock, brokerH *broker.Broker, ep transport.Endpoint, log *logrus.Entry) *Relay {
	return &Relay{clock: clock, brokerH: brokerH, endpoint: ep, log: log.WithField("component", "relay")}
}

// Connect runs the connect state machine. It sends at most one Response via
// send; on a successful handshake it then blocks until ctx is cancelled,
// holding the allocated Proxy open, and releases it on return. A non-nil
// error means the RPC itself failed (malformed input or a transport error)
// rather than a well-formed deny — a replayed timestamp, an unknown target
// and a target-side reject all produce the same Response{OK: false}, so a
// caller cannot probe which of the three it hit.
func (r *Relay) Connect(ctx context.Context, req Request, send Sender) error {
	// Replay guard, keyed by the caller's own identity.
	if !r.clock.Advance(req.CallerIdentity, req.Timestamp) {
		r.log.WithField("caller", req.CallerIdentity).Warn("relay: rejected replayed or reordered timestamp")
		return send(Response{OK: false})
	}

	// The caller cannot know its own public-reflexive address; inject the
	// one the broker observed.
	paths := append(append([]endpoint.Path{}, req.Paths...), req.CallerEndpoint.AsPath(endpoint.Internet))

	peer, ok := r.brokerH.GetPeer(req.TargetIdentity)
	if !ok {
		// Shape the deny's latency like a full notify round trip, so an
		// unregistered identity is not detectable by response timing.
		timingSafeDenySleep(ctx)
		return send(Response{OK: false})
	}

	proxy, err := r.endpoint.OpenProxy(req.CallerEndpoint, peer.Endpoint)
	if err != nil {
		return err
	}

	peerResp, err := peer.Session.Connect(ctx, peersession.PeerConnectRequest{
		Identity:  req.CallerIdentity,
		Timestamp: req.Timestamp,
		Handshake: req.Handshake,
		Route:     proxy.Route(),
		Paths:     paths,
	})
	if err != nil {
		proxy.Close()
		return err
	}
	if !peerResp.OK {
		proxy.Close()
		return send(Response{OK: false})
	}

	if err := send(Response{
		OK:        true,
		Handshake: peerResp.Handshake,
		Route:     proxy.Route(),
		Paths:     peerResp.Paths,
	}); err != nil {
		proxy.Close()
		return err
	}

	// Never-completing tail: the response stream owns the proxy. Hold it
	// until the subscriber's stream is cancelled, then release the route.
	<-ctx.Done()
	return proxy.Close()
}

func timingSafeDenySleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-afterTimingSafeDelay():
	}
}
