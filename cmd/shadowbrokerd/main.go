// shadowbrokerd is the rendezvous and connection-brokering daemon for the
// carrier overlay: it serves the carrier.broker.v1.Broker gRPC service and
// an admin/metrics HTTP endpoint.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carrierlabs/shadowbroker/internal/broker"
	"github.com/carrierlabs/shadowbroker/internal/config"
	"github.com/carrierlabs/shadowbroker/internal/epochsync"
	"github.com/carrierlabs/shadowbroker/internal/identity"
	"github.com/carrierlabs/shadowbroker/internal/log"
	"github.com/carrierlabs/shadowbroker/internal/relay"
	"github.com/carrierlabs/shadowbroker/internal/replay"
	"github.com/carrierlabs/shadowbroker/internal/service"
	"github.com/carrierlabs/shadowbroker/internal/stats"
	"github.com/carrierlabs/shadowbroker/internal/telemetry"
	"github.com/carrierlabs/shadowbroker/internal/transport"
	"github.com/carrierlabs/shadowbroker/internal/version"
	"github.com/carrierlabs/shadowbroker/internal/wire"
)

func main() {
	cfg := config.Parse(os.Args[1:])
	rootLog := log.Configure(cfg.LogLevel)
	rootLog.WithField("version", version.Version).Info("shadowbrokerd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := stats.NewRegistry()
	prometheus.MustRegister(telemetry.NewStatsCollector(registry))

	coordinators := epochsync.NewCoordinatorSet(rootLog)
	if cfg.CoordinatorsFile != "" {
		if err := coordinators.WatchFile(ctx, cfg.CoordinatorsFile); err != nil {
			rootLog.WithError(err).Fatal("failed to load coordinators file")
		}
	} else {
		rootLog.Warn("no coordinators file configured; epochsync will deny every caller")
	}

	allocator := transport.NewAllocator(registry)
	b := broker.New(rootLog, coordinators, allocator)
	clock := replay.NewClock(time.Duration(cfg.ReplayIdleTTL) * time.Second)
	rel := relay.New(clock, b, allocator, rootLog)

	// The signed-address check belongs to the overlay's identity layer; the
	// daemon wires in its verifier here. Until that layer is linked, only
	// structurally-empty blobs are rejected.
	verifier := service.VerifierFunc(func(_ identity.Identity, _ identity.Address, xaddr []byte) error {
		if len(xaddr) == 0 {
			return fmt.Errorf("empty signed address")
		}
		return nil
	})

	dispatcher := service.NewDispatcher(b, rel, verifier, rootLog)

	grpcServer := telemetry.NewGRPCServer(rootLog, wire.Codec())
	service.RegisterBrokerServer(grpcServer, dispatcher)

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		rootLog.WithError(err).Fatalf("failed to listen on %s", cfg.Addr)
	}

	ready := false
	adminServer := telemetry.NewAdminServer(cfg.MetricsAddr, cfg.EnablePprof, &ready)
	go func() {
		rootLog.Infof("serving admin endpoints on %s", cfg.MetricsAddr)
		if err := adminServer.ListenAndServe(); err != nil {
			rootLog.WithError(err).Error("admin server stopped")
		}
	}()

	go func() {
		rootLog.Infof("serving broker gRPC on %s", cfg.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			rootLog.WithError(err).Fatal("gRPC server failed")
		}
	}()
	ready = true

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	rootLog.Info("shutting down")

	ready = false
	cancel()
	grpcServer.GracefulStop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		rootLog.WithError(err).Warn("admin server shutdown incomplete")
	}
}
