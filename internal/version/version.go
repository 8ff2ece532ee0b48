// Package version holds the build-time version stamp.
package version

// Version is overwritten at build time with -X, e.g.:
//
//	go build -ldflags "-X github.com/carrierlabs/shadowbroker/internal/version.Version=v0.3.1"
//
// It defaults to "dev" for local and test builds.
var Version = "dev"
