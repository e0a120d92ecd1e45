package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startWatcher(t *testing.T, path string) (*Watcher, <-chan Kind) {
	t.Helper()
	events := make(chan Kind, 8)
	w, err := New(path, func(k Kind) { events <- k })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w, events
}

func waitKind(t *testing.T, events <-chan Kind) Kind {
	t.Helper()
	select {
	case k := <-events:
		return k
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
		return 0
	}
}

func TestWatcher_ReportsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	_, events := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0600))

	assert.Equal(t, Modified, waitKind(t, events))
}

func TestWatcher_ReportsCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	_, events := startWatcher(t, path)
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))

	assert.Equal(t, Modified, waitKind(t, events))
}

func TestWatcher_ReportsDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecoroute.db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	_, events := startWatcher(t, path)
	require.NoError(t, os.Remove(path))

	assert.Equal(t, Deleted, waitKind(t, events))
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	_, events := startWatcher(t, path)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0600))

	select {
	case k := <-events:
		t.Fatalf("unexpected change %v", k)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_StartRequiresParent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing", "settings.json"), nil)
	require.NoError(t, err)
	assert.Error(t, w.Start())
	assert.NoError(t, w.Stop())
	// The fsnotify watcher is never started, so close it directly.
	assert.NoError(t, w.watcher.Close())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "modified", Modified.String())
	assert.Equal(t, "deleted", Deleted.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
