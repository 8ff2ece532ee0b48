package relay

import (
	"math/rand"
	"time"
)

// happyPathLatency approximates the p50 round-trip of a successful connect
// (replay guard + target lookup + route allocation + peer notify/resolve)
// so an unknown-target deny takes comparably long and cannot be
// distinguished from a real reject by timing alone.
const happyPathLatency = 40 * time.Millisecond

// denyJitter bounds the random spread added around happyPathLatency so the
// delay itself isn't a fixed, fingerprintable constant.
const denyJitter = 15 * time.Millisecond

func timingSafeDenyDelay() time.Duration {
	spread := time.Duration(rand.Int63n(int64(2*denyJitter))) - denyJitter
	d := happyPathLatency + spread
	if d < 0 {
		d = 0
	}
	return d
}

// afterTimingSafeDelay fires once a jittered happy-path-shaped delay has
// elapsed, for use alongside a context's Done channel.
func afterTimingSafeDelay() <-chan time.Time {
	return time.After(timingSafeDenyDelay())
}
