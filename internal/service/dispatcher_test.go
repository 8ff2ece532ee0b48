package service

import (
	"context"
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/carrierlabs/shadowbroker/internal/broker"
	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/epochsync"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/relay"
	"github.com/carrierlabs/shadowbroker/internal/replay"
	"github.com/carrierlabs/shadowbroker/internal/transport/transporttest"
	"github.com/carrierlabs/shadowbroker/internal/wire"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	ep := transporttest.NewFakeEndpoint()
	b := broker.New(testLogger(), epochsync.NewCoordinatorSet(testLogger()), ep)
	r := relay.New(replay.NewClock(time.Minute), b, ep, testLogger())
	acceptAll := VerifierFunc(func(identity.Identity, identity.Address, []byte) error { return nil })
	return NewDispatcher(b, r, acceptAll, testLogger())
}

// callerCtx builds the context an authenticated inbound call carries: the
// identity header plus the observed transport address.
func callerCtx(ctx context.Context, id identity.Identity, port int) context.Context {
	ctx = peer.NewContext(ctx, &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.3"), Port: port}})
	return metadata.NewIncomingContext(ctx, metadata.Pairs(identityHeader, hex.EncodeToString(id.Bytes())))
}

type fakeSubscribeStream struct {
	fakeServerStream
	mu     sync.Mutex
	sent   []*wire.SubscribeChange
	notify chan struct{}
}

func newFakeSubscribeStream(ctx context.Context) *fakeSubscribeStream {
	return &fakeSubscribeStream{fakeServerStream: fakeServerStream{ctx: ctx}, notify: make(chan struct{}, 64)}
}

func (s *fakeSubscribeStream) Send(m *wire.SubscribeChange) error {
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *fakeSubscribeStream) waitFor(t *testing.T, n int) []*wire.SubscribeChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.sent)
		s.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d changes, have %d", n, got)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.SubscribeChange, len(s.sent))
	copy(out, s.sent)
	return out
}

type fakePublishStream struct {
	fakeServerStream
}

func (s *fakePublishStream) Send(*wire.PublishChange) error { return nil }

func TestDispatcherPublishSubscribeFlow(t *testing.T) {
	d := newTestDispatcher(t)

	var pub, sub identity.Identity
	pub[0], sub[0] = 1, 2
	shadowAddr := make([]byte, identity.Size)
	shadowAddr[0] = 0xAA

	// The publisher opens its signalling stream first.
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	signalStream := newFakePeerSignalStream(callerCtx(pubCtx, pub, 4001), wire.PeerConnectResponse{OK: true})
	go d.PeerSignal(signalStream)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := d.hub.Session(pub, endpoint.Endpoint{IP: net.ParseIP("198.51.100.3"), Port: 4001}, testLogger()); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the signalling stream to register")
		case <-time.After(time.Millisecond):
		}
	}

	publishDone := make(chan error, 1)
	go func() {
		publishDone <- d.Publish(
			&wire.PublishRequest{Shadow: shadowAddr, XAddr: []byte("xa")},
			&fakePublishStream{fakeServerStream{ctx: callerCtx(pubCtx, pub, 4001)}},
		)
	}()

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	subStream := newFakeSubscribeStream(callerCtx(subCtx, sub, 4002))
	subscribeDone := make(chan error, 1)
	go func() {
		subscribeDone <- d.Subscribe(&wire.SubscribeRequest{Shadow: shadowAddr}, subStream)
	}()

	got := subStream.waitFor(t, 1)
	if got[0].Kind != wire.ChangePublish || string(got[0].XAddr) != "xa" {
		t.Fatalf("expected a Publish change carrying the xaddr, got %+v", got[0])
	}
	if gotID, err := identity.ParseIdentity(got[0].Identity); err != nil || gotID != pub {
		t.Fatalf("expected the publisher's identity on the change, got %x", got[0].Identity)
	}

	// The publisher hanging up must surface as an Unpublish to the
	// subscriber, via the drop hooks tied to the publish stream.
	pubCancel()
	if err := <-publishDone; err != nil {
		t.Fatalf("publish handler: %v", err)
	}
	got = subStream.waitFor(t, 2)
	if got[1].Kind != wire.ChangeUnpublish {
		t.Fatalf("expected an Unpublish change after publisher hang-up, got %+v", got[1])
	}

	subCancel()
	if err := <-subscribeDone; err != nil {
		t.Fatalf("subscribe handler: %v", err)
	}
}

func TestSubscribeRejectsMalformedShadow(t *testing.T) {
	d := newTestDispatcher(t)
	var sub identity.Identity
	sub[0] = 2

	stream := newFakeSubscribeStream(callerCtx(context.Background(), sub, 4002))
	err := d.Subscribe(&wire.SubscribeRequest{Shadow: []byte{1, 2, 3}}, stream)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument for a short shadow address, got %v", err)
	}
}

func TestPublishWithoutSignallingStream(t *testing.T) {
	d := newTestDispatcher(t)
	var pub identity.Identity
	pub[0] = 1
	shadowAddr := make([]byte, identity.Size)

	err := d.Publish(
		&wire.PublishRequest{Shadow: shadowAddr, XAddr: []byte("xa")},
		&fakePublishStream{fakeServerStream{ctx: callerCtx(context.Background(), pub, 4001)}},
	)
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition without an open signalling stream, got %v", err)
	}
}

func TestEpochSyncNonCoordinatorGetsEmptyResponse(t *testing.T) {
	d := newTestDispatcher(t)
	var caller identity.Identity
	caller[0] = 3

	resp, err := d.EpochSync(callerCtx(context.Background(), caller, 4003), &wire.EpochSyncRequest{Epoch: 99})
	if err != nil {
		t.Fatalf("epochsync: %v", err)
	}
	if resp.Dump != nil {
		t.Fatalf("expected the default empty response for a non-coordinator, got %+v", resp)
	}
}

func TestCallerIdentityRequiresHeader(t *testing.T) {
	if _, err := CallerIdentity(context.Background()); err == nil {
		t.Fatalf("expected an error without inbound metadata")
	}
	md := metadata.Pairs(identityHeader, "not-hex")
	if _, err := CallerIdentity(metadata.NewIncomingContext(context.Background(), md)); err == nil {
		t.Fatalf("expected an error for a malformed header")
	}
}
