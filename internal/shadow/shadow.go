// Package shadow implements the per-shadow-address actor: the registry of
// subscribers and publishers currently bound to one rendezvous topic, and
// the fan-out of Publish/Unpublish/Supersede events between them.
//
// A Shadow is a single goroutine owning both registries. All mutation goes
// through its bounded mailbox, so the two maps need no locking. Event
// delivery to a sink is a fast enqueue (sinks buffer and drain on their own
// goroutine, see internal/service), which keeps a slow recipient from
// stalling the mailbox loop while preserving per-recipient event order.
package shadow

import (
	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/ptrmap"
)

// mailboxCapacity bounds every Shadow's command queue.
const mailboxCapacity = 100

// EventKind identifies which variant of SubscribeChange/PublishChange an
// Event carries.
type EventKind int

const (
	EventPublish EventKind = iota
	EventUnpublish
	EventSupersede
)

func (k EventKind) String() string {
	switch k {
	case EventPublish:
		return "publish"
	case EventUnpublish:
		return "unpublish"
	case EventSupersede:
		return "supersede"
	default:
		return "unknown"
	}
}

// Event is a single change pushed to a subscriber's or publisher's sink.
// Identity and XAddr are only meaningful for EventPublish and EventUnpublish;
// EventSupersede carries neither.
type Event struct {
	Kind     EventKind
	Identity identity.Identity
	XAddr    []byte
}

// ChangeSink is the outbound half of a subscribe/publish stream. Shadow
// never touches gRPC directly; internal/service adapts a server-streaming
// RPC into a ChangeSink backed by a buffered per-stream queue. Send must
// not block: it either enqueues or returns an error.
type ChangeSink interface {
	Send(Event) error
}

// Subscriber is one live subscription to a shadow.
type Subscriber struct {
	Identity identity.Identity
	Sink     ChangeSink
}

// Publisher is one live publication to a shadow.
type Publisher struct {
	Identity identity.Identity
	XAddr    []byte
	Sink     ChangeSink
	Endpoint endpoint.Endpoint
}

// Shadow is the actor owning one shadow address's subscriber and publisher
// registries. The zero value is not usable; construct with New.
type Shadow struct {
	Address identity.Address

	mailbox chan command
	done    chan struct{}
	log     *logrus.Entry

	subscribers *ptrmap.Map[identity.Identity, Subscriber]
	publishers  *ptrmap.Map[identity.Identity, Publisher]

	// terminated flips once both registries have drained. A terminated
	// Shadow keeps draining its mailbox, rejecting new registrations, so
	// that a caller racing against termination gets a clean signal to
	// create a replacement instead of registering into a dead actor.
	terminated bool
}

// New constructs a Shadow for addr and starts its mailbox loop. Callers
// (internal/broker) must arrange for the Shadow to be discarded once Done()
// closes; a terminated Shadow is never reused.
func New(addr identity.Address, log *logrus.Entry) *Shadow {
	s := &Shadow{
		Address:     addr,
		mailbox:     make(chan command, mailboxCapacity),
		done:        make(chan struct{}),
		log:         log.WithField("shadow", addr.String()),
		subscribers: ptrmap.New[identity.Identity, Subscriber](),
		publishers:  ptrmap.New[identity.Identity, Publisher](),
	}
	go s.run()
	return s
}

// Done returns a channel that is closed once this Shadow has self-terminated
// (both registries empty after a remove). The broker watches this channel to
// evict the shadow from its own table.
func (s *Shadow) Done() <-chan struct{} { return s.done }

// Subscribe registers id's sink as a subscriber and returns a token
// identifying the registration. ok is false if the Shadow has already
// terminated; the caller must create a fresh Shadow and retry.
func (s *Shadow) Subscribe(id identity.Identity, sink ChangeSink) (ptrmap.Token, bool) {
	reply := make(chan registerReply, 1)
	s.mailbox <- subscribeCmd{identity: id, sink: sink, reply: reply}
	r := <-reply
	return r.token, r.ok
}

// Publish registers id's sink as a publisher of xaddr, observed at ep, and
// returns a token identifying the registration. Signature verification of
// the request xaddr came from is the caller's responsibility — Shadow only
// ever sees already-validated bytes, keeping this package free of crypto
// concerns. ok is false if the Shadow has already terminated.
func (s *Shadow) Publish(id identity.Identity, xaddr []byte, sink ChangeSink, ep endpoint.Endpoint) (ptrmap.Token, bool) {
	reply := make(chan registerReply, 1)
	s.mailbox <- publishCmd{identity: id, xaddr: xaddr, sink: sink, endpoint: ep, reply: reply}
	r := <-reply
	return r.token, r.ok
}

// Unsubscribe removes the subscriber registration identified by token. It is
// safe to call from a drop hook running on a goroutine unrelated to the
// original Subscribe call; the send blocks only if the mailbox is full,
// which is the intended backpressure.
func (s *Shadow) Unsubscribe(token ptrmap.Token) {
	s.mailbox <- unsubscribeCmd{token: token}
}

// Unpublish removes the publisher registration identified by token.
func (s *Shadow) Unpublish(token ptrmap.Token) {
	s.mailbox <- unpublishCmd{token: token}
}

// command is the sealed set of messages a Shadow's mailbox accepts.
type command interface{ isShadowCommand() }

type registerReply struct {
	token ptrmap.Token
	ok    bool
}

type subscribeCmd struct {
	identity identity.Identity
	sink     ChangeSink
	reply    chan registerReply
}

type publishCmd struct {
	identity identity.Identity
	xaddr    []byte
	sink     ChangeSink
	endpoint endpoint.Endpoint
	reply    chan registerReply
}

type unsubscribeCmd struct{ token ptrmap.Token }
type unpublishCmd struct{ token ptrmap.Token }

func (subscribeCmd) isShadowCommand()   {}
func (publishCmd) isShadowCommand()     {}
func (unsubscribeCmd) isShadowCommand() {}
func (unpublishCmd) isShadowCommand()   {}

// run is the Shadow's single goroutine: the sole mutator of subscribers and
// publishers, and therefore needs no locking (the mailbox is the lock). It
// never exits; after termination it parks as a drain loop so that straggler
// commands (late drop hooks, racing registrations) neither block nor
// resurrect the actor.
func (s *Shadow) run() {
	for cmd := range s.mailbox {
		s.dispatch(cmd)
	}
}

// dispatch handles one command, recovering a panic so a single poisoned
// command cannot stop the mailbox loop and take the whole process down
// with it. A recovered register command replies rejected so its caller is
// not left blocked.
func (s *Shadow) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("shadow: recovered from command panic")
			switch c := cmd.(type) {
			case subscribeCmd:
				replyRejected(c.reply)
			case publishCmd:
				replyRejected(c.reply)
			}
		}
	}()

	switch c := cmd.(type) {
	case subscribeCmd:
		if s.terminated {
			c.reply <- registerReply{}
			return
		}
		s.handleSubscribe(c)
	case publishCmd:
		if s.terminated {
			c.reply <- registerReply{}
			return
		}
		s.handlePublish(c)
	case unsubscribeCmd:
		if s.terminated {
			return
		}
		if _, ok := s.subscribers.RemoveByToken(c.token); ok {
			s.maybeTerminate()
		}
	case unpublishCmd:
		if s.terminated {
			return
		}
		if pub, ok := s.publishers.RemoveByToken(c.token); ok {
			s.fanOutToSubscribers(Event{Kind: EventUnpublish, Identity: pub.Identity})
			s.maybeTerminate()
		}
	}
}

// replyRejected answers a register command whose handler panicked before
// replying. The send is non-blocking: if the handler already replied, the
// buffered slot is taken and there is nothing left to do.
func replyRejected(reply chan registerReply) {
	select {
	case reply <- registerReply{}:
	default:
	}
}

func (s *Shadow) handleSubscribe(c subscribeCmd) {
	token, displaced := s.subscribers.Insert(c.identity, Subscriber{Identity: c.identity, Sink: c.sink})
	if displaced != nil {
		s.sendOne(displaced.Sink, Event{Kind: EventSupersede})
	}

	// Backfill: the new subscriber must observe every publisher currently
	// present, exactly once, before any later change events.
	s.publishers.Each(func(_ identity.Identity, pub Publisher) {
		s.sendOne(c.sink, Event{Kind: EventPublish, Identity: pub.Identity, XAddr: pub.XAddr})
	})

	c.reply <- registerReply{token: token, ok: true}
}

func (s *Shadow) handlePublish(c publishCmd) {
	token, displaced := s.publishers.Insert(c.identity, Publisher{
		Identity: c.identity,
		XAddr:    c.xaddr,
		Sink:     c.sink,
		Endpoint: c.endpoint,
	})
	if displaced != nil {
		s.fanOutToSubscribers(Event{Kind: EventUnpublish, Identity: c.identity})
		s.sendOne(displaced.Sink, Event{Kind: EventSupersede})
	}
	s.fanOutToSubscribers(Event{Kind: EventPublish, Identity: c.identity, XAddr: c.xaddr})

	c.reply <- registerReply{token: token, ok: true}
}

// fanOutToSubscribers delivers ev to every current subscriber. Each send is
// a non-blocking enqueue into that subscriber's stream queue, so delivery
// order per subscriber matches the order the mailbox processed operations.
func (s *Shadow) fanOutToSubscribers(ev Event) {
	s.subscribers.Each(func(_ identity.Identity, sub Subscriber) {
		s.sendOne(sub.Sink, ev)
	})
}

// sendOne enqueues ev on sink, best-effort. A failed send is logged and
// otherwise ignored; the recipient's own stream teardown runs its drop hook
// and removes it from the registry in due course.
func (s *Shadow) sendOne(sink ChangeSink, ev Event) {
	if err := sink.Send(ev); err != nil {
		s.log.WithError(err).WithField("event", ev.Kind).Warn("shadow: fan-out send failed")
	}
}

func (s *Shadow) maybeTerminate() {
	if s.subscribers.Len() == 0 && s.publishers.Len() == 0 {
		s.terminated = true
		close(s.done)
	}
}
