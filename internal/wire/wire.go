// Package wire defines the broker's RPC contract (carrier.broker.v1.Broker)
// as plain Go structs, and the gRPC codec that carries them.
//
// The broker's wire surface has exactly one consumer — the overlay's own
// peer runtime — so the messages are carried over grpc-go's pluggable codec
// seam (google.golang.org/grpc/encoding) with encoding/gob as the
// serializer, registered the way grpc-go expects any non-default codec to
// be. This keeps every RPC fully typed without a code-generation step in
// the build.
package wire

// PathCategory mirrors the wire Path.category enum.
type PathCategory int32

const (
	PathLocal PathCategory = iota
	PathInternet
	PathBrokerOrigin
)

// Path is a single network path a peer might be reached at.
type Path struct {
	Category PathCategory
	IPAddr   string
}

// SubscribeRequest is the subscribe RPC's request.
type SubscribeRequest struct {
	Shadow []byte // 32 bytes
	Filter []byte // reserved, accepted but not interpreted
}

// ChangeKind identifies which variant of SubscribeChange a message carries.
type ChangeKind int32

const (
	ChangePublish ChangeKind = iota
	ChangeUnpublish
	ChangeSupersede
)

// SubscribeChange is one item of the subscribe RPC's response stream.
// Identity and XAddr are meaningful only for ChangePublish/ChangeUnpublish.
type SubscribeChange struct {
	Kind     ChangeKind
	Identity []byte
	XAddr    []byte
}

// PublishRequest is the publish RPC's request.
type PublishRequest struct {
	Shadow []byte // 32 bytes
	XAddr  []byte // signed address, opaque to the broker
}

// PublishChange is one item of the publish RPC's response stream. Its only
// variant is Supersede: a publisher only ever hears about its own
// displacement, never about other publishers or subscribers.
type PublishChange struct{}

// ConnectRequest is the connect RPC's request.
type ConnectRequest struct {
	Identity  []byte // target identity, 32 bytes
	Timestamp uint64
	Handshake []byte
	Paths     []Path
}

// ConnectResponse is one item of the connect RPC's response stream: at most
// one real response, after which the stream stays open without further
// items so the proxied route stays pinned until the subscriber hangs up.
type ConnectResponse struct {
	OK        bool
	Handshake []byte
	Route     uint64
	Paths     []Path
}

// EpochSyncRequest is the epochsync RPC's request.
type EpochSyncRequest struct {
	Epoch uint64
}

// RouteCounter mirrors internal/stats.Counter on the wire.
type RouteCounter struct {
	PacketsSent uint64
	BytesSent   uint64
	PacketsRecv uint64
	BytesRecv   uint64
}

// StatsDump mirrors internal/stats.Dump on the wire.
type StatsDump struct {
	Epoch  uint64
	Routes map[uint64]RouteCounter
}

// EpochSyncResponse is the epochsync RPC's response. Dump is nil for a
// non-coordinator caller; the deny is this default response, never an
// error.
type EpochSyncResponse struct {
	Dump *StatsDump
}

// PeerConnectRequest is the broker-to-peer variant of connect, pushed to a
// published peer over its signalling stream when a subscriber asks to be
// introduced.
type PeerConnectRequest struct {
	Identity  []byte // caller identity, 32 bytes
	Timestamp uint64
	Handshake []byte
	Route     uint64
	Paths     []Path
}

// PeerConnectResponse is the target peer's reply to PeerConnectRequest.
type PeerConnectResponse struct {
	OK        bool
	Handshake []byte
	Paths     []Path
}

// PeerSignalEnvelope is one frame of the broker-to-peer signalling channel.
// A peer opens one PeerSignal stream per connection and keeps it open for
// the lifetime of its publication; the broker correlates requests and
// replies by ReqID, since many connect attempts from different subscribers
// may be in flight against the same published peer concurrently. Exactly
// one of Request or Response is set.
type PeerSignalEnvelope struct {
	ReqID    uint64
	Request  *PeerConnectRequest
	Response *PeerConnectResponse
}
