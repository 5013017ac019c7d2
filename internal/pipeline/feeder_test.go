package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// notifyingSink collects written bytes and signals after each write.
type notifyingSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes chan struct{}
	err    error
}

func newNotifyingSink(capacity int) *notifyingSink {
	return &notifyingSink{writes: make(chan struct{}, capacity)}
}

func (s *notifyingSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.buf.Write(p)
	s.writes <- struct{}{}
	return n, err
}

func (s *notifyingSink) contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *notifyingSink) waitWrites(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.writes:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for write %d of %d", i+1, n)
		}
	}
}

func stageFragment(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFeeder_FIFOOrderAndCleanup(t *testing.T) {
	dir := t.TempDir()
	state := NewState()
	feeder := NewFeeder(state, testLogger())
	sink := newNotifyingSink(8)

	var paths []string
	for i := 1; i <= 4; i++ {
		paths = append(paths, stageFragment(t, dir, fmt.Sprintf("clip_%06d.ts", i), fmt.Sprintf("F%d|", i)))
	}

	feeder.Start()
	for _, p := range paths {
		require.NoError(t, feeder.Enqueue(p, sink, time.Second))
	}

	sink.waitWrites(t, 4)
	feeder.Stop()

	// Strict FIFO: contents arrive in production order.
	assert.Equal(t, "F1|F2|F3|F4|", sink.contents())

	// Every staged file is deleted after delivery.
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "fragment %s should be deleted", p)
	}
}

func TestFeeder_HeartbeatOnSuccess(t *testing.T) {
	dir := t.TempDir()
	state := NewState()
	state.lastFeed.Store(time.Now().Add(-time.Hour).UnixNano())

	feeder := NewFeeder(state, testLogger())
	sink := newNotifyingSink(1)

	path := stageFragment(t, dir, "clip_000001.ts", "data")

	feeder.Start()
	require.NoError(t, feeder.Enqueue(path, sink, time.Second))
	sink.waitWrites(t, 1)
	feeder.Stop()

	assert.Less(t, state.HeartbeatAge(), time.Minute,
		"heartbeat should be refreshed by a successful feed")
}

func TestFeeder_BrokenPipeDropsFragmentWithoutHeartbeat(t *testing.T) {
	dir := t.TempDir()
	state := NewState()
	stale := time.Now().Add(-time.Hour)
	state.lastFeed.Store(stale.UnixNano())

	feeder := NewFeeder(state, testLogger())
	sink := newNotifyingSink(1)
	sink.err = errors.New("broken pipe")

	path := stageFragment(t, dir, "clip_000001.ts", "data")

	feeder.Start()
	require.NoError(t, feeder.Enqueue(path, sink, time.Second))
	feeder.Stop() // sentinel is processed after the item

	// Fragment deleted even though the write failed.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// The heartbeat is NOT refreshed; the watchdog will notice the stall.
	assert.Greater(t, state.HeartbeatAge(), 30*time.Minute)
}

func TestFeeder_EnqueueTimeout(t *testing.T) {
	feeder := NewFeeder(NewState(), testLogger())
	// No worker: fill the queue to capacity.
	sink := &bytes.Buffer{}
	for i := 0; i < feedQueueCapacity; i++ {
		require.NoError(t, feeder.Enqueue("x.ts", sink, 10*time.Millisecond))
	}

	err := feeder.Enqueue("overflow.ts", sink, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestFeeder_DrainDeletesQueuedFragments(t *testing.T) {
	dir := t.TempDir()
	feeder := NewFeeder(NewState(), testLogger())
	sink := &bytes.Buffer{}

	p1 := stageFragment(t, dir, "clip_000001.ts", "a")
	p2 := stageFragment(t, dir, "clip_000002.ts", "b")
	require.NoError(t, feeder.Enqueue(p1, sink, time.Second))
	require.NoError(t, feeder.Enqueue(p2, sink, time.Second))

	feeder.Drain()

	assert.Zero(t, feeder.Len())
	for _, p := range []string{p1, p2} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
	assert.Empty(t, sink.String(), "drained fragments are never fed")
}

func TestFeeder_MissingFragmentIsSkipped(t *testing.T) {
	state := NewState()
	state.lastFeed.Store(time.Now().Add(-time.Hour).UnixNano())
	feeder := NewFeeder(state, testLogger())

	feeder.Start()
	require.NoError(t, feeder.Enqueue("/no/such/fragment.ts", &bytes.Buffer{}, time.Second))
	feeder.Stop()

	// No heartbeat for a failed feed.
	assert.Greater(t, state.HeartbeatAge(), 30*time.Minute)
}
