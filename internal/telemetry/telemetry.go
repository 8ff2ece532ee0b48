// Package telemetry wires the broker daemon's observability surface: a
// Prometheus-instrumented gRPC server with panic recovery, and an admin
// HTTP server exposing /metrics, /ping, /ready and (optionally) pprof.
package telemetry

import (
	"context"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/carrierlabs/shadowbroker/internal/stats"
)

// NewGRPCServer returns a grpc.Server pre-configured with panic-recovery
// and Prometheus interceptors, using codec as the wire codec (see
// wire.Codec — there is no generated protobuf package in this repository
// to drive the default proto codec) and any caller-supplied extra options
// (e.g. transport credentials). Recovery is outermost: a panicking handler
// fails its own call with codes.Internal and every other session keeps
// serving.
func NewGRPCServer(log *logrus.Entry, codec encoding.Codec, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(recoverUnary(log), grpcprometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(recoverStream(log), grpcprometheus.StreamServerInterceptor),
		grpc.ForceServerCodec(codec),
	}
	opts = append(opts, extra...)
	server := grpc.NewServer(opts...)
	grpcprometheus.Register(server)
	return server
}

func recoverUnary(log *logrus.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).WithField("method", info.FullMethod).
					Error("telemetry: recovered from handler panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoverStream(log *logrus.Entry) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).WithField("method", info.FullMethod).
					Error("telemetry: recovered from handler panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}

// NewAdminServer returns an http.Server listening on addr that serves
// /metrics (Prometheus scrape), /ping (liveness), /ready (readiness, gated
// on *ready), and optionally /debug/pprof/*.
func NewAdminServer(addr string, enablePprof bool, ready *bool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong\n"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !*ready {
			http.Error(w, "not ready\n", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

// routeDesc is the single metric description every StatsCollector metric
// shares; only the label values (route, direction, unit) vary.
var routeDesc = prometheus.NewDesc(
	"shadowbroker_route_total",
	"Cumulative packets or bytes relayed over a proxied route since the last epoch rollover.",
	[]string{"route", "direction", "unit"},
	nil,
)

// StatsCollector bridges internal/stats.Registry into Prometheus: the same
// counters that feed the coordinator-facing epoch dump are also scrapable.
// Every Collect call snapshots the registry without clearing it — clearing
// only ever happens on the coordinator-authenticated epochsync path.
type StatsCollector struct {
	registry *stats.Registry
}

// NewStatsCollector returns a prometheus.Collector for registry. Register it
// with a prometheus.Registerer once per process.
func NewStatsCollector(registry *stats.Registry) *StatsCollector {
	return &StatsCollector{registry: registry}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- routeDesc
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	dump := c.registry.Dump(0, false)
	for route, counter := range dump.Routes {
		routeLabel := strconv.FormatUint(route, 10)
		emit := func(direction, unit string, v uint64) {
			ch <- prometheus.MustNewConstMetric(routeDesc, prometheus.CounterValue, float64(v), routeLabel, direction, unit)
		}
		emit("sent", "packets", counter.PacketsSent)
		emit("sent", "bytes", counter.BytesSent)
		emit("recv", "packets", counter.PacketsRecv)
		emit("recv", "bytes", counter.BytesRecv)
	}
}
