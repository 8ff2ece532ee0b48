// Package replay implements the per-identity monotone-timestamp guard that
// the connect path consults before acting on a request: Advance(id, ts)
// only succeeds if ts is strictly greater than the last timestamp seen for
// id, so a captured handshake cannot be replayed.
package replay

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/carrierlabs/shadowbroker/internal/identity"
)

// defaultIdleTTL bounds how long a caller's replay watermark is remembered
// after its last connect attempt. Without eviction the clock store would
// grow forever, one entry per identity that has ever called connect, even
// though only recently-active callers matter for replay protection.
const (
	defaultIdleTTL       = 24 * time.Hour
	defaultCleanupPeriod = 10 * time.Minute
)

// Clock is a per-identity monotone watermark store. Safe for concurrent use.
type Clock struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewClock returns a Clock whose entries expire after idleTTL of inactivity.
// A zero idleTTL selects defaultIdleTTL.
func NewClock(idleTTL time.Duration) *Clock {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	return &Clock{cache: gocache.New(idleTTL, defaultCleanupPeriod)}
}

// Advance reports whether ts is newer than the last timestamp recorded for
// id, and if so records ts as the new watermark. A false return means the
// caller is replaying (or reordering) a previously-seen or earlier
// handshake and must be rejected.
func (c *Clock) Advance(id identity.Identity, ts uint64) bool {
	// The check and the set must be one atomic step: two concurrent calls
	// carrying the same timestamp must not both pass.
	c.mu.Lock()
	defer c.mu.Unlock()

	key := string(id[:])
	if v, ok := c.cache.Get(key); ok {
		if last := v.(uint64); ts <= last {
			return false
		}
	}
	c.cache.SetDefault(key, ts)
	return true
}
