// Package epochsync holds the broker's coordinator set: the identities
// authorised to call epochsync. The set is mostly static but hot-reloads
// from a file on disk, so rotating a coordinator key does not require a
// broker restart.
package epochsync

import (
	"bufio"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/identity"
)

// CoordinatorSet is the set of identities permitted to call epochsync. It is
// safe for concurrent reads (IsCoordinator) and reloads (Reload).
type CoordinatorSet struct {
	mu  sync.RWMutex
	set map[identity.Identity]struct{}
	log *logrus.Entry
}

// NewCoordinatorSet returns an empty CoordinatorSet. Use Reload (or
// WatchFile) to populate it.
func NewCoordinatorSet(log *logrus.Entry) *CoordinatorSet {
	return &CoordinatorSet{set: make(map[identity.Identity]struct{}), log: log.WithField("component", "coordinators")}
}

// IsCoordinator reports whether id currently belongs to the coordinator
// set. Callers must render a failed check as the default response, never an
// error, so membership is not revealed to non-coordinators.
func (c *CoordinatorSet) IsCoordinator(id identity.Identity) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[id]
	return ok
}

// Reload replaces the set with the hex-encoded, newline-separated
// identities found in path. A malformed line is skipped with a warning
// rather than aborting the whole reload, so one bad entry cannot take every
// coordinator offline.
func (c *CoordinatorSet) Reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	next := make(map[identity.Identity]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			c.log.WithError(err).Warn("epochsync: skipping malformed coordinator identity")
			continue
		}
		id, err := identity.ParseIdentity(raw)
		if err != nil {
			c.log.WithError(err).Warn("epochsync: skipping malformed coordinator identity")
			continue
		}
		next[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.set = next
	c.mu.Unlock()
	c.log.WithField("count", len(next)).Info("epochsync: coordinator set reloaded")
	return nil
}

// WatchFile reloads from path whenever it changes on disk, until ctx is
// cancelled. It returns once the initial load succeeds; subsequent reload
// failures are logged and do not stop watching.
func (c *CoordinatorSet) WatchFile(ctx context.Context, path string) error {
	if err := c.Reload(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event := <-watcher.Events:
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Reload(path); err != nil {
					c.log.WithError(err).Warn("epochsync: failed to reload coordinator set")
				}
			case err := <-watcher.Errors:
				c.log.WithError(err).Warn("epochsync: coordinator file watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
