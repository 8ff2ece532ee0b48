package epochsync

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/identity"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(noopWriter{})
	return logrus.NewEntry(l)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func writeCoordinatorFile(t *testing.T, dir string, ids ...identity.Identity) string {
	t.Helper()
	path := filepath.Join(dir, "coordinators")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	for _, id := range ids {
		if _, err := f.WriteString(hex.EncodeToString(id.Bytes()) + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return path
}

func TestReloadPopulatesSet(t *testing.T) {
	dir := t.TempDir()
	var id identity.Identity
	id[0] = 7
	path := writeCoordinatorFile(t, dir, id)

	cs := NewCoordinatorSet(testLogger())
	if err := cs.Reload(path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !cs.IsCoordinator(id) {
		t.Fatalf("expected id to be a coordinator after reload")
	}

	var other identity.Identity
	other[0] = 8
	if cs.IsCoordinator(other) {
		t.Fatalf("did not expect an unlisted identity to be a coordinator")
	}
}

func TestReloadReplacesPreviousSet(t *testing.T) {
	dir := t.TempDir()
	var a, b identity.Identity
	a[0], b[0] = 1, 2

	cs := NewCoordinatorSet(testLogger())
	path := writeCoordinatorFile(t, dir, a)
	if err := cs.Reload(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	path = writeCoordinatorFile(t, dir, b)
	if err := cs.Reload(path); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if cs.IsCoordinator(a) {
		t.Fatalf("expected a to be dropped after reload with only b")
	}
	if !cs.IsCoordinator(b) {
		t.Fatalf("expected b to be a coordinator after reload")
	}
}

func TestWatchFilePicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	var a, b identity.Identity
	a[0], b[0] = 1, 2
	path := writeCoordinatorFile(t, dir, a)

	cs := NewCoordinatorSet(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cs.WatchFile(ctx, path); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !cs.IsCoordinator(a) {
		t.Fatalf("expected initial load to include a")
	}

	writeCoordinatorFile(t, dir, a, b)

	deadline := time.After(2 * time.Second)
	for !cs.IsCoordinator(b) {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for coordinator file change to be picked up")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
