package telemetry

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRecoverUnaryTurnsPanicIntoInternal(t *testing.T) {
	intercept := recoverUnary(testLogger())
	info := &grpc.UnaryServerInfo{FullMethod: "/carrier.broker.v1.Broker/EpochSync"}

	_, err := intercept(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal after a handler panic, got %v", err)
	}

	resp, err := intercept(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("expected a clean handler to pass through, got %v, %v", resp, err)
	}
}

type nopServerStream struct{}

func (nopServerStream) SetHeader(metadata.MD) error  { return nil }
func (nopServerStream) SendHeader(metadata.MD) error { return nil }
func (nopServerStream) SetTrailer(metadata.MD)       {}
func (nopServerStream) Context() context.Context     { return context.Background() }
func (nopServerStream) SendMsg(interface{}) error    { return nil }
func (nopServerStream) RecvMsg(interface{}) error    { return nil }

func TestRecoverStreamTurnsPanicIntoInternal(t *testing.T) {
	intercept := recoverStream(testLogger())
	info := &grpc.StreamServerInfo{FullMethod: "/carrier.broker.v1.Broker/Subscribe"}

	err := intercept(nil, nopServerStream{}, info, func(interface{}, grpc.ServerStream) error {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal after a handler panic, got %v", err)
	}

	if err := intercept(nil, nopServerStream{}, info, func(interface{}, grpc.ServerStream) error {
		return nil
	}); err != nil {
		t.Fatalf("expected a clean handler to pass through, got %v", err)
	}
}
