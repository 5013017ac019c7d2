package content

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/starcast/internal/config"
)

// fakeProber returns canned durations and counts probe calls.
type fakeProber struct {
	durations map[string]float64
	calls     atomic.Int64
}

func (f *fakeProber) Duration(_ context.Context, path string) (float64, error) {
	f.calls.Add(1)
	if dur, ok := f.durations[filepath.Base(path)]; ok {
		return dur, nil
	}
	return 0, fmt.Errorf("unreadable: %s", path)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func fixedClock(hour int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 3, 14, hour, 30, 0, 0, time.Local)
	}
}

func TestScanLibrary(t *testing.T) {
	root := t.TempDir()
	clipsDir := filepath.Join(root, "clips")
	bumpersDir := filepath.Join(root, "bumpers")
	writeFiles(t, clipsDir, "b.mp4", "a.mkv", "notes.txt")
	writeFiles(t, filepath.Join(clipsDir, "sub"), "c.webm")
	writeFiles(t, bumpersDir, "ident.mp4")

	cfg := &config.Config{ClipsDir: clipsDir, BumpersDir: bumpersDir}
	prober := &fakeProber{durations: map[string]float64{
		"a.mkv": 30, "b.mp4": 45, "c.webm": 12, "ident.mp4": 5,
	}}
	idx := New(cfg, prober, discardLogger())

	n, err := idx.ScanLibrary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	clips, label := idx.Clips(context.Background())
	assert.Equal(t, "default", label)
	require.Len(t, clips, 3)
	// Sorted by path, non-media and unprobeable files excluded.
	assert.Equal(t, filepath.Join(clipsDir, "a.mkv"), clips[0].Path)
	assert.Equal(t, filepath.Join(clipsDir, "b.mp4"), clips[1].Path)
	assert.Equal(t, filepath.Join(clipsDir, "sub", "c.webm"), clips[2].Path)
	assert.Equal(t, 30.0, clips[0].Duration)

	require.Len(t, idx.Bumpers(), 1)
}

func TestScanLibrary_SkipsBadDurations(t *testing.T) {
	root := t.TempDir()
	clipsDir := filepath.Join(root, "clips")
	writeFiles(t, clipsDir, "good.mp4", "zero.mp4", "broken.mp4")

	cfg := &config.Config{ClipsDir: clipsDir}
	prober := &fakeProber{durations: map[string]float64{
		"good.mp4": 10, "zero.mp4": 0, // broken.mp4 errors
	}}
	idx := New(cfg, prober, discardLogger())

	n, err := idx.ScanLibrary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScanLibrary_MissingDir(t *testing.T) {
	cfg := &config.Config{
		ClipsDir:   filepath.Join(t.TempDir(), "does-not-exist"),
		BumpersDir: "",
	}
	idx := New(cfg, &fakeProber{}, discardLogger())

	n, err := idx.ScanLibrary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClips_DaypartOverrideAndCache(t *testing.T) {
	root := t.TempDir()
	clipsDir := filepath.Join(root, "clips")
	lateDir := filepath.Join(root, "late")
	writeFiles(t, clipsDir, "day.mp4")
	writeFiles(t, lateDir, "late.mp4")

	cfg := &config.Config{
		ClipsDir: clipsDir,
		Dayparts: []config.DaypartConfig{
			{Name: "daytime", StartHour: 10, EndHour: 22},
			{Name: "overnight", StartHour: 22, EndHour: 10},
		},
		ClipsDayparts: map[string]string{"overnight": lateDir},
	}
	prober := &fakeProber{durations: map[string]float64{"day.mp4": 20, "late.mp4": 33}}
	idx := New(cfg, prober, discardLogger()).WithClock(fixedClock(23))

	_, err := idx.ScanLibrary(context.Background())
	require.NoError(t, err)

	clips, label := idx.Clips(context.Background())
	assert.Equal(t, "overnight", label)
	require.Len(t, clips, 1)
	assert.Equal(t, filepath.Join(lateDir, "late.mp4"), clips[0].Path)

	// Second call within the same daypart hits the cache: no new probes.
	before := prober.calls.Load()
	_, _ = idx.Clips(context.Background())
	assert.Equal(t, before, prober.calls.Load())

	// Daypart change invalidates the cache key.
	idx.WithClock(fixedClock(12))
	clips, label = idx.Clips(context.Background())
	assert.Equal(t, "default", label)
	require.Len(t, clips, 1)
	assert.Equal(t, filepath.Join(clipsDir, "day.mp4"), clips[0].Path)
}

func TestClips_OverrideEmptyFallsBack(t *testing.T) {
	root := t.TempDir()
	clipsDir := filepath.Join(root, "clips")
	writeFiles(t, clipsDir, "day.mp4")

	cfg := &config.Config{
		ClipsDir: clipsDir,
		Dayparts: []config.DaypartConfig{{Name: "overnight", StartHour: 0, EndHour: 24}},
		ClipsDayparts: map[string]string{
			"overnight": filepath.Join(root, "empty-override"),
		},
	}
	prober := &fakeProber{durations: map[string]float64{"day.mp4": 20}}
	idx := New(cfg, prober, discardLogger()).WithClock(fixedClock(3))

	_, err := idx.ScanLibrary(context.Background())
	require.NoError(t, err)

	clips, label := idx.Clips(context.Background())
	assert.Equal(t, "default", label)
	require.Len(t, clips, 1)
}

func TestMusic_DaypartSubdirAndFallback(t *testing.T) {
	root := t.TempDir()
	musicDir := filepath.Join(root, "music")
	writeFiles(t, musicDir, "root.mp3")
	writeFiles(t, filepath.Join(musicDir, "chill"), "night.flac")

	cfg := &config.Config{
		MusicDir: musicDir,
		Dayparts: []config.DaypartConfig{
			{Name: "nighttime", StartHour: 18, EndHour: 2, Subdir: "chill"},
			{Name: "daytime", StartHour: 2, EndHour: 18, Subdir: "missing"},
		},
	}
	prober := &fakeProber{durations: map[string]float64{"root.mp3": 180, "night.flac": 240}}

	idx := New(cfg, prober, discardLogger()).WithClock(fixedClock(22))
	tracks, label := idx.Music(context.Background())
	assert.Equal(t, "nighttime", label)
	require.Len(t, tracks, 1)
	assert.Equal(t, 240.0, tracks[0].Duration)

	// Subdir missing: falls back to root scan, reported as "all".
	idx.WithClock(fixedClock(9))
	tracks, label = idx.Music(context.Background())
	assert.Equal(t, "all", label)
	require.Len(t, tracks, 2) // root.mp3 + chill/night.flac via recursive scan
}

func TestRefresh_ForcesRescan(t *testing.T) {
	root := t.TempDir()
	clipsDir := filepath.Join(root, "clips")
	writeFiles(t, clipsDir, "a.mp4")

	cfg := &config.Config{ClipsDir: clipsDir}
	prober := &fakeProber{durations: map[string]float64{"a.mp4": 10, "b.mp4": 20}}
	idx := New(cfg, prober, discardLogger())

	_, err := idx.ScanLibrary(context.Background())
	require.NoError(t, err)

	clips, _ := idx.Clips(context.Background())
	require.Len(t, clips, 1)

	// New file appears; cache hides it until the library is refreshed.
	writeFiles(t, clipsDir, "b.mp4")
	clips, _ = idx.Clips(context.Background())
	require.Len(t, clips, 1)

	require.NoError(t, idx.Refresh(context.Background()))
	clips, _ = idx.Clips(context.Background())
	require.Len(t, clips, 2)
}
