// Package peersession wraps an established signalling channel to one peer
// and performs the broker's one outbound RPC: notifying that peer of an
// inbound connect request.
package peersession

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/endpoint"
	"github.com/carrierlabs/shadowbroker/internal/identity"
)

// PeerConnectRequest is the broker-to-peer half of the connect handshake.
type PeerConnectRequest struct {
	Identity  identity.Identity
	Timestamp uint64
	Handshake []byte
	Route     uint64
	Paths     []endpoint.Path
}

// PeerConnectResponse is the target peer's reply.
type PeerConnectResponse struct {
	OK        bool
	Handshake []byte
	Paths     []endpoint.Path
}

// Client is the outbound signalling stub a Session calls through. The
// concrete implementation lives in internal/service, where it is backed by
// the target's open bidirectional gRPC channel.
type Client interface {
	PeerConnect(ctx context.Context, req PeerConnectRequest) (PeerConnectResponse, error)
}

// Session wraps one connected peer's signalling channel.
type Session struct {
	client   Client
	observed endpoint.Endpoint
	log      *logrus.Entry
}

// New returns a Session that calls out through client, tagging every
// response with observed as this peer's broker-reflected address.
func New(client Client, observed endpoint.Endpoint, log *logrus.Entry) *Session {
	return &Session{client: client, observed: observed, log: log}
}

// Connect sends req on the session's signalling channel, awaits the single
// response, and appends the broker's own observation of this peer's address
// to the response's paths under category Internet. The remote side has no
// other way to learn its public-reflexive endpoint.
func (s *Session) Connect(ctx context.Context, req PeerConnectRequest) (PeerConnectResponse, error) {
	resp, err := s.client.PeerConnect(ctx, req)
	if err != nil {
		return PeerConnectResponse{}, err
	}
	resp.Paths = append(resp.Paths, s.observed.AsPath(endpoint.Internet))
	return resp, nil
}
