// Package broker implements the top-level actor owning the map of shadow
// addresses to Shadow actors and the global identity-to-peer table.
//
// Like a Shadow, the Broker is a single goroutine with a bounded mailbox;
// shadow creation, peer-table mutation and epoch handling are all serialised
// on it, so none of its state needs locking.
package broker

import (
	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/epochsync"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/peersession"
	"github.com/carrierlabs/shadowbroker/internal/ptrmap"
	"github.com/carrierlabs/shadowbroker/internal/shadow"
	"github.com/carrierlabs/shadowbroker/internal/stats"
	"github.com/carrierlabs/shadowbroker/internal/transport"
)

// mailboxCapacity bounds the Broker's command queue.
const mailboxCapacity = 100

// PeerRecord is what the identity-to-peer table holds for one published
// identity: its signalling session and the endpoint it was last observed
// from.
type PeerRecord struct {
	Session  *peersession.Session
	Endpoint endpoint.Endpoint
}

// Broker is the single top-level actor. The zero value is not usable;
// construct with New.
type Broker struct {
	mailbox chan command
	log     *logrus.Entry

	shadows *ptrmap.Map[identity.Address, *shadowEntry]
	peers   *ptrmap.Map[identity.Identity, PeerRecord]

	coordinators *epochsync.CoordinatorSet
	transport    transport.Endpoint
	currentEpoch uint64
}

type shadowEntry struct {
	shadow *shadow.Shadow
}

// New constructs a Broker and starts its mailbox loop. coordinators governs
// who may call EpochSync; ep is the transport collaborator EpochSync's stats
// dump and ConnectRelay's proxy allocation are issued against.
func New(log *logrus.Entry, coordinators *epochsync.CoordinatorSet, ep transport.Endpoint) *Broker {
	b := &Broker{
		mailbox:      make(chan command, mailboxCapacity),
		log:          log.WithField("component", "broker"),
		shadows:      ptrmap.New[identity.Address, *shadowEntry](),
		peers:        ptrmap.New[identity.Identity, PeerRecord](),
		coordinators: coordinators,
		transport:    ep,
	}
	go b.run()
	return b
}

// Subscribe registers id's sink as a subscriber of addr's shadow, creating
// the shadow on demand, and returns a drop hook that unsubscribes when run.
func (b *Broker) Subscribe(id identity.Identity, addr identity.Address, sink shadow.ChangeSink) *ptrmap.DropHook {
	reply := make(chan *ptrmap.DropHook, 1)
	b.mailbox <- subscribeCmd{id: id, addr: addr, sink: sink, reply: reply}
	return <-reply
}

// PublishResult is returned by Publish: both handles must be dropped to
// correctly tear down the publication.
type PublishResult struct {
	// PeerMark removes this identity's row from the identity-to-peer table
	// when dropped.
	PeerMark *ptrmap.DropHook
	// Drop unpublishes from the shadow when dropped.
	Drop *ptrmap.DropHook
}

// Publish registers id's sink as a publisher of xaddr on addr's shadow,
// observed at ep, and records id in the identity-to-peer table. session is
// the signalling session other identities' connect requests will be routed
// through.
func (b *Broker) Publish(id identity.Identity, addr identity.Address, xaddr []byte, sink shadow.ChangeSink, ep endpoint.Endpoint, session *peersession.Session) PublishResult {
	reply := make(chan PublishResult, 1)
	b.mailbox <- publishCmd{id: id, addr: addr, xaddr: xaddr, sink: sink, endpoint: ep, session: session, reply: reply}
	return <-reply
}

// GetPeer looks up identity's current peer record.
func (b *Broker) GetPeer(id identity.Identity) (PeerRecord, bool) {
	reply := make(chan getPeerResult, 1)
	b.mailbox <- getPeerCmd{id: id, reply: reply}
	r := <-reply
	return r.record, r.ok
}

// EpochSync advances the epoch counter and snapshots route statistics. A
// caller that is not a coordinator gets ok=false and a zero dump — the
// deny is indistinguishable from an empty response, never an error, so the
// coordinator set's membership is not revealed. For a coordinator, counters
// are cleared atomically with the snapshot iff epoch differs from the
// current one. Handled on the Broker's own serialised mailbox rather than
// as a separate actor, since it touches the same global state shadow
// creation and teardown do.
func (b *Broker) EpochSync(caller identity.Identity, epoch uint64) (stats.Dump, bool) {
	reply := make(chan epochSyncResult, 1)
	b.mailbox <- epochSyncCmd{caller: caller, epoch: epoch, reply: reply}
	r := <-reply
	return r.dump, r.ok
}

type command interface{ isBrokerCommand() }

type subscribeCmd struct {
	id    identity.Identity
	addr  identity.Address
	sink  shadow.ChangeSink
	reply chan *ptrmap.DropHook
}

type publishCmd struct {
	id       identity.Identity
	addr     identity.Address
	xaddr    []byte
	sink     shadow.ChangeSink
	endpoint endpoint.Endpoint
	session  *peersession.Session
	reply    chan PublishResult
}

type getPeerResult struct {
	record PeerRecord
	ok     bool
}

type getPeerCmd struct {
	id    identity.Identity
	reply chan getPeerResult
}

type removePeerCmd struct{ token ptrmap.Token }
type removeShadowCmd struct {
	addr identity.Address
	sh   *shadow.Shadow
}

type epochSyncResult struct {
	dump stats.Dump
	ok   bool
}

type epochSyncCmd struct {
	caller identity.Identity
	epoch  uint64
	reply  chan epochSyncResult
}

func (subscribeCmd) isBrokerCommand()    {}
func (publishCmd) isBrokerCommand()      {}
func (getPeerCmd) isBrokerCommand()      {}
func (removePeerCmd) isBrokerCommand()   {}
func (removeShadowCmd) isBrokerCommand() {}
func (epochSyncCmd) isBrokerCommand()    {}

func (b *Broker) run() {
	for cmd := range b.mailbox {
		b.dispatch(cmd)
	}
}

// dispatch handles one command, recovering a panic so a single poisoned
// command cannot stop the mailbox loop and take the whole process down
// with it. A recovered command with a reply channel gets a best-effort
// zero reply so its caller is not left blocked; every returned handle
// tolerates being nil or null-valued.
func (b *Broker) dispatch(cmd command) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("broker: recovered from command panic")
			switch c := cmd.(type) {
			case subscribeCmd:
				replyZero(c.reply)
			case publishCmd:
				replyZero(c.reply)
			case getPeerCmd:
				replyZero(c.reply)
			case epochSyncCmd:
				replyZero(c.reply)
			}
		}
	}()

	switch c := cmd.(type) {
	case subscribeCmd:
		var token ptrmap.Token
		sh := b.registerOnShadow(c.addr, func(sh *shadow.Shadow) (t ptrmap.Token, ok bool) {
			token, ok = sh.Subscribe(c.id, c.sink)
			return token, ok
		})
		c.reply <- ptrmap.NewDropHook(func() { sh.Unsubscribe(token) })

	case publishCmd:
		peerToken, _ := b.peers.Insert(c.id, PeerRecord{Session: c.session, Endpoint: c.endpoint})
		peerMark := ptrmap.NewDropHook(func() { b.mailbox <- removePeerCmd{token: peerToken} })

		var token ptrmap.Token
		sh := b.registerOnShadow(c.addr, func(sh *shadow.Shadow) (t ptrmap.Token, ok bool) {
			token, ok = sh.Publish(c.id, c.xaddr, c.sink, c.endpoint)
			return token, ok
		})
		drop := ptrmap.NewDropHook(func() { sh.Unpublish(token) })

		c.reply <- PublishResult{PeerMark: peerMark, Drop: drop}

	case getPeerCmd:
		rec, ok := b.peers.Get(c.id)
		c.reply <- getPeerResult{record: rec, ok: ok}

	case removePeerCmd:
		b.peers.RemoveByToken(c.token)

	case removeShadowCmd:
		// Only evict if the live entry for addr is still the exact
		// Shadow that terminated — a fresh publish/subscribe may have
		// already replaced it with a new instance.
		if entry, ok := b.shadows.Get(c.addr); ok && entry.shadow == c.sh {
			b.shadows.RemoveByKey(c.addr)
		}

	case epochSyncCmd:
		if !b.coordinators.IsCoordinator(c.caller) {
			c.reply <- epochSyncResult{}
			return
		}
		clear := false
		if c.epoch != b.currentEpoch {
			b.currentEpoch = c.epoch
			clear = true
		}
		c.reply <- epochSyncResult{dump: b.transport.DumpStats(b.currentEpoch, clear), ok: true}
	}
}

// replyZero answers a command whose handler panicked before replying. The
// send is non-blocking: if the handler already replied, the buffered slot
// is taken and there is nothing left to do.
func replyZero[T any](reply chan T) {
	var zero T
	select {
	case reply <- zero:
	default:
	}
}

// registerOnShadow runs register against addr's current Shadow, creating one
// on demand. A Shadow that terminated between the table lookup and the
// registration rejects the call; the stale entry is evicted and the
// registration retried against a fresh instance (a fresh Shadow cannot
// terminate before its first registration, so the second attempt lands
// unless the registration itself is faulting — then give up and return the
// handle with a null token, which removes nothing when dropped).
func (b *Broker) registerOnShadow(addr identity.Address, register func(*shadow.Shadow) (ptrmap.Token, bool)) *shadow.Shadow {
	for attempt := 0; ; attempt++ {
		sh := b.obtainOrCreateShadow(addr)
		if _, ok := register(sh); ok {
			return sh
		}
		if entry, present := b.shadows.Get(addr); present && entry.shadow == sh {
			b.shadows.RemoveByKey(addr)
		}
		if attempt == 1 {
			b.log.WithField("shadow", addr).Warn("broker: registration failed against a fresh shadow")
			return sh
		}
	}
}

// obtainOrCreateShadow must only be called from run; it is the Broker's
// single point of shadow creation.
func (b *Broker) obtainOrCreateShadow(addr identity.Address) *shadow.Shadow {
	if entry, ok := b.shadows.Get(addr); ok {
		return entry.shadow
	}

	sh := shadow.New(addr, b.log)
	b.shadows.Insert(addr, &shadowEntry{shadow: sh})

	// Watch for the Shadow's self-termination and evict it from the table
	// on the Broker's own serialised mailbox.
	go func() {
		<-sh.Done()
		b.mailbox <- removeShadowCmd{addr: addr, sh: sh}
	}()

	return sh
}
