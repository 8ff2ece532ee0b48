package service

import (
	"context"

	"google.golang.org/grpc"

	"github.com/carrierlabs/shadowbroker/internal/wire"
)

// BrokerSubscribeServer is the server side of the subscribe RPC's response
// stream, mirroring the shape protoc-gen-go-grpc emits for a
// server-streaming method.
type BrokerSubscribeServer interface {
	Send(*wire.SubscribeChange) error
	grpc.ServerStream
}

// BrokerPublishServer is the server side of the publish RPC's response
// stream.
type BrokerPublishServer interface {
	Send(*wire.PublishChange) error
	grpc.ServerStream
}

// BrokerConnectServer is the server side of the connect RPC's response
// stream.
type BrokerConnectServer interface {
	Send(*wire.ConnectResponse) error
	grpc.ServerStream
}

// BrokerPeerSignalServer is the server side of a peer's signalling stream
// (see wire.PeerSignalEnvelope).
type BrokerPeerSignalServer interface {
	Send(*wire.PeerSignalEnvelope) error
	Recv() (*wire.PeerSignalEnvelope, error)
	grpc.ServerStream
}

// BrokerServer is the interface internal/service.Dispatcher implements,
// matching the hand-written grpc.ServiceDesc below method for method — the
// same relationship protoc-gen-go-grpc's generated *Server interface has to
// its generated _ServiceDesc.
type BrokerServer interface {
	Subscribe(*wire.SubscribeRequest, BrokerSubscribeServer) error
	Publish(*wire.PublishRequest, BrokerPublishServer) error
	Connect(*wire.ConnectRequest, BrokerConnectServer) error
	EpochSync(context.Context, *wire.EpochSyncRequest) (*wire.EpochSyncResponse, error)
	PeerSignal(BrokerPeerSignalServer) error
}

type subscribeServerStream struct{ grpc.ServerStream }

func (s subscribeServerStream) Send(m *wire.SubscribeChange) error { return s.ServerStream.SendMsg(m) }

type publishServerStream struct{ grpc.ServerStream }

func (s publishServerStream) Send(m *wire.PublishChange) error { return s.ServerStream.SendMsg(m) }

type connectServerStream struct{ grpc.ServerStream }

func (s connectServerStream) Send(m *wire.ConnectResponse) error { return s.ServerStream.SendMsg(m) }

type peerSignalServerStream struct{ grpc.ServerStream }

func (s peerSignalServerStream) Send(m *wire.PeerSignalEnvelope) error {
	return s.ServerStream.SendMsg(m)
}

func (s peerSignalServerStream) Recv() (*wire.PeerSignalEnvelope, error) {
	m := new(wire.PeerSignalEnvelope)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wire.SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BrokerServer).Subscribe(req, subscribeServerStream{stream})
}

func publishHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wire.PublishRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BrokerServer).Publish(req, publishServerStream{stream})
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(wire.ConnectRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(BrokerServer).Connect(req, connectServerStream{stream})
}

func peerSignalHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(BrokerServer).PeerSignal(peerSignalServerStream{stream})
}

func epochSyncHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(wire.EpochSyncRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrokerServer).EpochSync(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/carrier.broker.v1.Broker/EpochSync",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BrokerServer).EpochSync(ctx, req.(*wire.EpochSyncRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc describes carrier.broker.v1.Broker for
// grpc.Server.RegisterService, hand-written in place of a protoc-gen-go-grpc
// output (see wire.go's package doc).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "carrier.broker.v1.Broker",
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "EpochSync", Handler: epochSyncHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
		{StreamName: "Publish", Handler: publishHandler, ServerStreams: true},
		{StreamName: "Connect", Handler: connectHandler, ServerStreams: true},
		{StreamName: "PeerSignal", Handler: peerSignalHandler, ServerStreams: true, ClientStreams: true},
	},
}

// RegisterBrokerServer registers srv against s under ServiceDesc.
func RegisterBrokerServer(s *grpc.Server, srv BrokerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
