package broker

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/epochsync"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/shadow"
	"github.com/carrierlabs/shadowbroker/internal/stats"
	"github.com/carrierlabs/shadowbroker/internal/transport/transporttest"
)

type recordingSink struct {
	mu     sync.Mutex
	events []shadow.Event
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) Send(ev shadow.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) waitFor(t *testing.T, n int) []shadow.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.events)
		s.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, have %d", n, got)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shadow.Event, len(s.events))
	copy(out, s.events)
	return out
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func idOf(b byte) identity.Identity {
	var id identity.Identity
	id[0] = b
	return id
}

func addrOf(b byte) identity.Address {
	var a identity.Address
	a[0] = b
	return a
}

// coordinatorsWith returns a set containing exactly ids.
func coordinatorsWith(t *testing.T, ids ...identity.Identity) *epochsync.CoordinatorSet {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coordinators")
	var lines []byte
	for _, id := range ids {
		lines = append(lines, []byte(hex.EncodeToString(id.Bytes())+"\n")...)
	}
	if err := os.WriteFile(path, lines, 0o600); err != nil {
		t.Fatalf("write coordinators file: %v", err)
	}
	cs := epochsync.NewCoordinatorSet(testLogger())
	if err := cs.Reload(path); err != nil {
		t.Fatalf("reload coordinators: %v", err)
	}
	return cs
}

func newTestBroker(t *testing.T, coordinators ...identity.Identity) (*Broker, *transporttest.FakeEndpoint) {
	t.Helper()
	ep := transporttest.NewFakeEndpoint()
	return New(testLogger(), coordinatorsWith(t, coordinators...), ep), ep
}

func TestPublishThenSubscribeFansOutThroughBroker(t *testing.T) {
	b, _ := newTestBroker(t)
	addr := addrOf(1)

	p1 := idOf(1)
	pubSink := newRecordingSink()
	result := b.Publish(p1, addr, []byte("xaddr"), pubSink, endpoint.Endpoint{}, nil)
	if result.PeerMark == nil || result.Drop == nil {
		t.Fatalf("expected both handles from Publish")
	}

	if _, ok := b.GetPeer(p1); !ok {
		t.Fatalf("expected peer record for p1")
	}

	sub1 := idOf(2)
	subSink := newRecordingSink()
	dropHook := b.Subscribe(sub1, addr, subSink)
	if dropHook == nil {
		t.Fatalf("expected a drop hook from Subscribe")
	}

	got := subSink.waitFor(t, 1)
	if got[0].Kind != shadow.EventPublish || got[0].Identity != p1 {
		t.Fatalf("expected [Publish{p1}], got %+v", got)
	}
}

func TestGetPeerUnknownIdentity(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ok := b.GetPeer(idOf(99))
	if ok {
		t.Fatalf("expected no peer record for an identity that never published")
	}
}

func TestDropHookRemovesPeerRecord(t *testing.T) {
	b, _ := newTestBroker(t)
	addr := addrOf(1)
	p1 := idOf(1)
	pubSink := newRecordingSink()
	result := b.Publish(p1, addr, []byte("xaddr"), pubSink, endpoint.Endpoint{}, nil)

	result.PeerMark.Drop()
	result.Drop.Drop()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := b.GetPeer(p1); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer record was not removed after dropping peer mark")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSupersedingPublishRetainsLatestPeerRecord(t *testing.T) {
	b, _ := newTestBroker(t)
	addr := addrOf(1)
	p1 := idOf(1)

	first := b.Publish(p1, addr, []byte("xaddr-a"), newRecordingSink(), endpoint.Endpoint{Port: 1000}, nil)
	second := b.Publish(p1, addr, []byte("xaddr-b"), newRecordingSink(), endpoint.Endpoint{Port: 2000}, nil)

	// Tearing down the superseded registration must not evict the newer
	// peer record.
	first.PeerMark.Drop()
	first.Drop.Drop()
	time.Sleep(50 * time.Millisecond)

	rec, ok := b.GetPeer(p1)
	if !ok {
		t.Fatalf("expected the superseding publish's peer record to survive")
	}
	if rec.Endpoint.Port != 2000 {
		t.Fatalf("expected the most recent endpoint, got %+v", rec.Endpoint)
	}

	second.PeerMark.Drop()
	second.Drop.Drop()
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := b.GetPeer(p1); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer record was not removed after the live registration dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShadowRecreatedAfterTermination(t *testing.T) {
	b, _ := newTestBroker(t)
	addr := addrOf(1)
	p1 := idOf(1)
	pubSink := newRecordingSink()
	result := b.Publish(p1, addr, []byte("xaddr"), pubSink, endpoint.Endpoint{}, nil)

	// Drop the only registration so the shadow self-terminates.
	result.Drop.Drop()
	time.Sleep(50 * time.Millisecond)

	// A fresh subscribe on the same address must work against a new Shadow.
	sub1 := idOf(2)
	subSink := newRecordingSink()
	b.Subscribe(sub1, addr, subSink)

	select {
	case <-subSink.notify:
		t.Fatalf("did not expect any backfill event for an empty shadow")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEpochSyncAdvanceClearsOnce(t *testing.T) {
	coord := idOf(42)
	b, ep := newTestBroker(t, coord)

	counter := ep.Registry().Track(7)
	counter.Add(stats.Counter{PacketsSent: 5, BytesSent: 500})

	// First call with a new epoch rolls the window: the dump carries the
	// accumulated counters and clears them.
	dump, ok := b.EpochSync(coord, 1)
	if !ok {
		t.Fatalf("expected coordinator call to be accepted")
	}
	if got := dump.Routes[7]; got.PacketsSent != 5 {
		t.Fatalf("expected first dump to carry accumulated counters, got %+v", got)
	}

	// Second call with the same epoch returns current counters without
	// clearing — and they were zeroed by the first call.
	dump, ok = b.EpochSync(coord, 1)
	if !ok {
		t.Fatalf("expected coordinator call to be accepted")
	}
	if got := dump.Routes[7]; got.PacketsSent != 0 {
		t.Fatalf("expected counters cleared by the epoch advance, got %+v", got)
	}
}

func TestEpochSyncNonCoordinatorDenied(t *testing.T) {
	coord := idOf(42)
	b, ep := newTestBroker(t, coord)

	counter := ep.Registry().Track(7)
	counter.Add(stats.Counter{PacketsRecv: 9})

	if _, ok := b.EpochSync(idOf(99), 99); ok {
		t.Fatalf("expected non-coordinator call to be silently denied")
	}

	// The denied call must not have advanced the epoch: a coordinator call
	// with epoch 99 still observes the un-cleared counters (it performs the
	// first rollover itself).
	dump, ok := b.EpochSync(coord, 99)
	if !ok {
		t.Fatalf("expected coordinator call to be accepted")
	}
	if got := dump.Routes[7]; got.PacketsRecv != 9 {
		t.Fatalf("expected counters untouched by the denied call, got %+v", got)
	}
}
