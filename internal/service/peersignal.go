package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/peersession"
	"github.com/carrierlabs/shadowbroker/internal/wire"
)

// peerSignalHub tracks every currently-open PeerSignal stream by identity
// and lets the broker issue outbound PeerConnect calls against one,
// correlating request/response envelopes by ReqID. This is the concrete
// signalling channel a peersession.Session wraps.
type peerSignalHub struct {
	mu    sync.Mutex
	peers map[identity.Identity]*peerSignalConn
	log   *logrus.Entry
}

func newPeerSignalHub(log *logrus.Entry) *peerSignalHub {
	return &peerSignalHub{
		peers: make(map[identity.Identity]*peerSignalConn),
		log:   log.WithField("component", "peersignal"),
	}
}

type peerSignalConn struct {
	id     identity.Identity
	stream BrokerPeerSignalServer

	sendMu sync.Mutex

	mu      sync.Mutex
	nextReq uint64
	pending map[uint64]chan *wire.PeerConnectResponse
}

// Register associates id with stream for the lifetime of the PeerSignal
// call (until its context is cancelled or its read loop errors), draining
// inbound envelopes and dispatching responses to whichever PeerConnect call
// is waiting on that ReqID. It blocks until the stream ends.
func (h *peerSignalHub) Register(id identity.Identity, stream BrokerPeerSignalServer) error {
	conn := &peerSignalConn{id: id, stream: stream, pending: make(map[uint64]chan *wire.PeerConnectResponse)}

	h.mu.Lock()
	h.peers[id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.peers[id] == conn {
			delete(h.peers, id)
		}
		h.mu.Unlock()
		conn.closeAllPending()
	}()

	for {
		env, err := stream.Recv()
		if err != nil {
			return err
		}
		if env.Response == nil {
			h.log.WithField("peer", id).Warn("peersignal: ignoring envelope with no response")
			continue
		}
		conn.deliver(env.ReqID, env.Response)
	}
}

func (c *peerSignalConn) deliver(reqID uint64, resp *wire.PeerConnectResponse) {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *peerSignalConn) closeAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// peerConnect issues req against conn and blocks for the matching response,
// or until ctx is cancelled. peerSignalConn tolerates concurrent callers,
// since several subscribers may target the same publisher at once.
func (c *peerSignalConn) peerConnect(ctx context.Context, req peersession.PeerConnectRequest) (peersession.PeerConnectResponse, error) {
	c.mu.Lock()
	c.nextReq++
	reqID := c.nextReq
	ch := make(chan *wire.PeerConnectResponse, 1)
	c.pending[reqID] = ch
	c.mu.Unlock()

	env := &wire.PeerSignalEnvelope{
		ReqID: reqID,
		Request: &wire.PeerConnectRequest{
			Identity:  req.Identity.Bytes(),
			Timestamp: req.Timestamp,
			Handshake: req.Handshake,
			Route:     req.Route,
			Paths:     toWirePaths(req.Paths),
		},
	}

	c.sendMu.Lock()
	err := c.stream.Send(env)
	c.sendMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return peersession.PeerConnectResponse{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return peersession.PeerConnectResponse{}, fmt.Errorf("service: peer signal stream closed before reply")
		}
		return peersession.PeerConnectResponse{
			OK:        resp.OK,
			Handshake: resp.Handshake,
			Paths:     fromWirePaths(resp.Paths),
		}, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return peersession.PeerConnectResponse{}, ctx.Err()
	}
}

// peerSignalClient adapts one peerSignalConn to peersession.Client.
type peerSignalClient struct{ conn *peerSignalConn }

func (c peerSignalClient) PeerConnect(ctx context.Context, req peersession.PeerConnectRequest) (peersession.PeerConnectResponse, error) {
	return c.conn.peerConnect(ctx, req)
}

// Session returns a peersession.Session wrapping id's currently-registered
// signalling stream, tagging it with ep as the broker's observed address
// for id, or false if id has no signalling stream open.
func (h *peerSignalHub) Session(id identity.Identity, ep endpoint.Endpoint, log *logrus.Entry) (*peersession.Session, bool) {
	h.mu.Lock()
	conn, ok := h.peers[id]
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	return peersession.New(peerSignalClient{conn: conn}, ep, log), true
}
