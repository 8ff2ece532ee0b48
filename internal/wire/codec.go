package wire

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding and used as
// both the server's grpc.ForceServerCodec and every client dial's
// grpc.CallContentSubtype, so every message this package defines crosses
// the wire as a gob stream instead of a protobuf one (see wire.go's package
// doc for why).
const CodecName = "shadowbroker-gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/gob. gob requires concrete, registered types on both ends, which
// every RPC in this package satisfies (plain structs, no interfaces).
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return CodecName }

// Codec returns the registered Codec value, for callers that need to pass it
// to grpc.ForceServerCodec (cmd/shadowbrokerd, via
// telemetry.NewGRPCServer) or to grpc.ForceCodec on the client dial side.
func Codec() encoding.Codec { return gobCodec{} }
