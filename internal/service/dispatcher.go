package service

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/carrierlabs/shadowbroker/internal/broker"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/relay"
	"github.com/carrierlabs/shadowbroker/internal/wire"
)

// SignatureVerifier checks a publisher's signed-address blob: that xaddr is
// a valid signature by publisher over shadow. The cryptography lives with
// the overlay's identity layer, outside this repository; the broker only
// calls through this seam.
type SignatureVerifier interface {
	Verify(publisher identity.Identity, shadow identity.Address, xaddr []byte) error
}

// VerifierFunc adapts a function to SignatureVerifier.
type VerifierFunc func(publisher identity.Identity, shadow identity.Address, xaddr []byte) error

func (f VerifierFunc) Verify(publisher identity.Identity, shadow identity.Address, xaddr []byte) error {
	return f(publisher, shadow, xaddr)
}

// Dispatcher implements BrokerServer, routing the four broker RPCs plus the
// peer signalling stream onto the Broker, the connect Relay and the
// signalling hub.
type Dispatcher struct {
	broker *broker.Broker
	relay  *relay.Relay
	hub    *peerSignalHub
	verify SignatureVerifier
	log    *logrus.Entry
}

// NewDispatcher wires a Dispatcher over b and r, verifying publish requests
// with verify.
func NewDispatcher(b *broker.Broker, r *relay.Relay, verify SignatureVerifier, log *logrus.Entry) *Dispatcher {
	l := log.WithField("component", "service")
	return &Dispatcher{
		broker: b,
		relay:  r,
		hub:    newPeerSignalHub(l),
		verify: verify,
		log:    l,
	}
}

// Subscribe registers the caller on the requested shadow and streams change
// events until the client hangs up. The registration's drop hook is tied to
// this call frame, so cancellation — client disconnect, server shutdown —
// always unsubscribes.
func (d *Dispatcher) Subscribe(req *wire.SubscribeRequest, stream BrokerSubscribeServer) error {
	ctx := stream.Context()
	caller, err := CallerIdentity(ctx)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	addr, err := identity.ParseAddress(req.Shadow)
	if err != nil {
		return status.Error(codes.InvalidArgument, "malformed shadow address")
	}
	// req.Filter is accepted but reserved.

	log := d.log.WithField("caller", caller).WithField("shadow", addr)

	q := newEventQueue(subscribeSender(stream), log)
	defer q.Close()

	hook := d.broker.Subscribe(caller, addr, q)
	defer hook.Drop()

	log.Debug("service: subscribed")
	select {
	case <-ctx.Done():
	case <-q.Done():
	}
	return nil
}

// Publish verifies the caller's signed address, registers it as a publisher
// on the requested shadow and in the identity-to-peer table, and holds both
// registrations until the client hangs up.
func (d *Dispatcher) Publish(req *wire.PublishRequest, stream BrokerPublishServer) error {
	ctx := stream.Context()
	caller, err := CallerIdentity(ctx)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	callerEp, err := CallerEndpoint(ctx)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	addr, err := identity.ParseAddress(req.Shadow)
	if err != nil {
		return status.Error(codes.InvalidArgument, "malformed shadow address")
	}
	if err := d.verify.Verify(caller, addr, req.XAddr); err != nil {
		return status.Error(codes.InvalidArgument, "bad signature")
	}

	log := d.log.WithField("caller", caller).WithField("shadow", addr)

	// Publishing only makes sense if other peers can be introduced to this
	// one, which requires an open signalling stream.
	session, ok := d.hub.Session(caller, callerEp, log)
	if !ok {
		return status.Error(codes.FailedPrecondition, "no signalling stream open for caller")
	}

	q := newEventQueue(publishSender(stream), log)
	defer q.Close()

	result := d.broker.Publish(caller, addr, req.XAddr, q, callerEp, session)
	defer result.Drop.Drop()
	defer result.PeerMark.Drop()

	log.Debug("service: published")
	select {
	case <-ctx.Done():
	case <-q.Done():
	}
	return nil
}

// Connect introduces the caller to a published identity. The response
// stream stays open after the single ConnectResponse so the relayed route
// stays allocated until the caller hangs up.
func (d *Dispatcher) Connect(req *wire.ConnectRequest, stream BrokerConnectServer) error {
	ctx := stream.Context()
	caller, err := CallerIdentity(ctx)
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	callerEp, err := CallerEndpoint(ctx)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	target, err := identity.ParseIdentity(req.Identity)
	if err != nil {
		return status.Error(codes.InvalidArgument, "malformed target identity")
	}

	send := func(resp relay.Response) error {
		return stream.Send(&wire.ConnectResponse{
			OK:        resp.OK,
			Handshake: resp.Handshake,
			Route:     resp.Route,
			Paths:     toWirePaths(resp.Paths),
		})
	}

	return d.relay.Connect(ctx, relay.Request{
		CallerIdentity: caller,
		CallerEndpoint: callerEp,
		TargetIdentity: target,
		Timestamp:      req.Timestamp,
		Handshake:      req.Handshake,
		Paths:          fromWirePaths(req.Paths),
	}, send)
}

// EpochSync advances the epoch and returns the windowed stats dump for a
// coordinator caller. Any other caller gets the default empty response.
func (d *Dispatcher) EpochSync(ctx context.Context, req *wire.EpochSyncRequest) (*wire.EpochSyncResponse, error) {
	caller, err := CallerIdentity(ctx)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}

	dump, ok := d.broker.EpochSync(caller, req.Epoch)
	if !ok {
		return &wire.EpochSyncResponse{}, nil
	}
	return &wire.EpochSyncResponse{Dump: statsDumpToWire(dump)}, nil
}

// PeerSignal binds the caller's bidirectional signalling stream into the
// hub for the lifetime of the call. Peers open this stream before
// publishing; connect requests targeting them are pushed through it.
func (d *Dispatcher) PeerSignal(stream BrokerPeerSignalServer) error {
	caller, err := CallerIdentity(stream.Context())
	if err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	if err := d.hub.Register(caller, stream); err != nil && err != io.EOF {
		return err
	}
	return nil
}
