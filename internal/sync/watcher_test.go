package sync

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/wizardsync/internal/cache"
	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/wizard"
)

// pollUntil polls fn every interval until it returns true or
// timeout expires.
func pollUntil(
	t *testing.T,
	timeout, interval time.Duration,
	msg string,
	fn func() bool,
) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(interval)
	}
	if fn() {
		return
	}
	t.Fatal(msg)
}

// pathRecorder collects the paths handed to onChange.
type pathRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *pathRecorder) record(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, paths...)
}

func (r *pathRecorder) seen(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.paths, path)
}

// clockedWatcher builds a Watcher without fsnotify whose clock
// the test moves by hand.
func clockedWatcher(
	cachePath string, debounce time.Duration, onChange func([]string),
) (*Watcher, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	w := &Watcher{
		onChange: onChange,
		match:    MatchDatabase(cachePath),
		debounce: debounce,
		pending:  make(map[string]time.Time),
	}
	w.now = func() time.Time { return now }
	return w, &now
}

func TestMatchDatabase(t *testing.T) {
	match := MatchDatabase("/data/cache.db")
	for name, want := range map[string]bool{
		"/data/cache.db":         true,
		"/data/cache.db-wal":     true,
		"/data/cache.db-shm":     true,
		"/data/cache.db-journal": true,
		"/elsewhere/cache.db":    true,
		"/data/cache.db.bak":     false,
		"/data/cache.db-lock":    false,
		"/data/config.json":      false,
		"/data/authority.db":     false,
	} {
		assert.Equal(t, want, match(name), name)
	}
}

func TestWatcherDebouncesWALWrites(t *testing.T) {
	var got pathRecorder
	w, now := clockedWatcher("/data/cache.db", time.Second, got.record)
	wal := "/data/cache.db-wal"

	w.handleEvent(fsnotify.Event{Name: wal, Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: "/data/config.json", Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: "/data/cache.db-shm", Op: fsnotify.Chmod})

	*now = now.Add(600 * time.Millisecond)
	w.flush()
	assert.False(t, got.seen(wal), "flushed inside the quiet period")

	// A second write to the WAL restarts the quiet period.
	w.handleEvent(fsnotify.Event{Name: wal, Op: fsnotify.Write})
	*now = now.Add(600 * time.Millisecond)
	w.flush()
	assert.False(t, got.seen(wal))

	*now = now.Add(time.Second)
	w.flush()
	assert.True(t, got.seen(wal))
	assert.False(t, got.seen("/data/config.json"))
	assert.False(t, got.seen("/data/cache.db-shm"))
	assert.Empty(t, w.pending)
}

func TestNewWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher(time.Second, nil, nil)
	assert.ErrorIs(t, err, os.ErrInvalid)
}

func TestWatcherIgnoresUnmatchedFiles(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.db")
	var got pathRecorder
	w, err := NewWatcher(20*time.Millisecond, MatchDatabase(cachePath), got.record)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)
	require.NoError(t, w.Watch(dir))

	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(cachePath, []byte("x"), 0o644))

	pollUntil(t, 5*time.Second, 10*time.Millisecond,
		"cache write never reported",
		func() bool { return got.seen(cachePath) },
	)
	assert.False(t, got.seen(other))
}

// Two processes sharing one cache file: the engine of the first
// picks up what the second writes through the watcher.
func TestWatcherRefreshesEngineFromSharedCache(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "cache.db")
	const key = "session"

	mine, err := db.Open(cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { mine.Close() })
	theirs, err := db.Open(cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { theirs.Close() })

	def := wizard.Default()
	e := NewEngine(def, cache.NewSQLite(mine, key), newFakeAuthority(def))
	t.Cleanup(e.Close)

	w, err := NewWatcher(20*time.Millisecond, MatchDatabase(cachePath),
		func([]string) { e.Refresh() })
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)
	require.NoError(t, w.Watch(dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := e.Subscribe(ctx)
	<-states

	other := cache.NewSQLite(theirs, key)
	require.NoError(t, other.Write(rec(stepC, 40, stepA, stepB)))

	pollUntil(t, 5*time.Second, 10*time.Millisecond,
		"engine never saw the other writer's progress",
		func() bool {
			select {
			case st := <-states:
				return st.CurrentStep == stepC && st.Progress == 40
			default:
				return false
			}
		},
	)
	assert.True(t, e.CanNavigateTo(stepC))
	assert.False(t, e.CanNavigateTo(stepD))
}
