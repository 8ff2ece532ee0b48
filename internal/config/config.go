// Package config parses the shadowbrokerd daemon's command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/version"
)

// Config holds every value the shadowbrokerd entrypoint needs to start
// serving.
type Config struct {
	// Addr is the gRPC listen address for the carrier.broker.v1.Broker
	// service.
	Addr string
	// MetricsAddr is the listen address for the admin/metrics HTTP server.
	MetricsAddr string
	// CoordinatorsFile is a newline-delimited, hex-encoded identity list
	// reloaded on change by internal/epochsync.CoordinatorSet.WatchFile.
	CoordinatorsFile string
	// LogLevel is one of logrus's level names.
	LogLevel string
	// ReplayIdleTTL bounds how long internal/replay.Clock remembers a
	// caller's last connect timestamp; zero selects the package default.
	ReplayIdleTTL int
	// EnablePprof exposes /debug/pprof on the admin server.
	EnablePprof bool
}

// Parse parses args (typically os.Args[1:]) into a Config. It calls
// os.Exit(0) after printing the version if -version was passed.
func Parse(args []string) Config {
	cmd := flag.NewFlagSet("shadowbrokerd", flag.ExitOnError)

	addr := cmd.String("addr", ":7575", "address to serve the broker gRPC service on")
	metricsAddr := cmd.String("metrics-addr", ":9990", "address to serve scrapable metrics and admin endpoints on")
	coordinatorsFile := cmd.String("coordinators-file", "", "path to a newline-delimited, hex-encoded list of coordinator identities (hot-reloaded)")
	logLevel := cmd.String("log-level", logrus.InfoLevel.String(), "log level, must be one of: panic, fatal, error, warn, info, debug, trace")
	replayIdleSeconds := cmd.Int("replay-idle-seconds", 0, "how long a caller's connect replay watermark is remembered; 0 selects the package default")
	enablePprof := cmd.Bool("enable-pprof", false, "enable pprof endpoints on the admin server")
	printVersion := cmd.Bool("version", false, "print version and exit")

	if err := cmd.Parse(args); err != nil {
		// flag.ExitOnError already terminated the process on any parse
		// error (status 0 for flag.ErrHelp, 2 otherwise), so this branch
		// is not reached.
		os.Exit(0)
	}

	if *printVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}

	return Config{
		Addr:             *addr,
		MetricsAddr:      *metricsAddr,
		CoordinatorsFile: *coordinatorsFile,
		LogLevel:         *logLevel,
		ReplayIdleTTL:    *replayIdleSeconds,
		EnablePprof:      *enablePprof,
	}
}
