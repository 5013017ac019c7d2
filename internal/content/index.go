// Package content scans and indexes the on-disk media library: video clips,
// bumpers, and music tracks, partitioned by daypart.
package content

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/starcast/internal/config"
)

// Entry is a playable media file with its probed duration.
type Entry struct {
	Path     string
	Duration float64 // seconds, strictly positive
}

// DurationProber probes a media file's duration in seconds.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Known media file extensions.
var (
	videoExtensions = map[string]bool{
		".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
		".webm": true, ".flv": true, ".ts": true, ".m4v": true,
	}
	audioExtensions = map[string]bool{
		".mp3": true, ".flac": true, ".ogg": true, ".m4a": true,
		".wav": true, ".aac": true, ".opus": true, ".wma": true,
	}
)

// probeWorkers bounds concurrent ffprobe invocations during a scan.
const probeWorkers = 4

// Index holds the scanned content sets and the daypart-keyed clip cache.
// The cache is owned by the Index and invalidated explicitly (daypart
// change, watcher event, or scheduled rescan) rather than hiding behind
// package state.
type Index struct {
	cfg    *config.Config
	prober DurationProber
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	defaultClips []Entry
	bumpers      []Entry

	clipCacheDaypart string
	clipCache        []Entry
	clipCacheValid   bool
}

// New creates a content index. The prober is used for every scanned file.
func New(cfg *config.Config, prober DurationProber, logger *slog.Logger) *Index {
	return &Index{
		cfg:    cfg,
		prober: prober,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (i *Index) WithClock(now func() time.Time) *Index {
	i.now = now
	return i
}

// ScanLibrary scans the default clip set and the bumper set.
// Returns the number of clips found; callers treat zero clips as fatal.
func (i *Index) ScanLibrary(ctx context.Context) (int, error) {
	clips := i.scanDir(ctx, i.cfg.ClipsDir, videoExtensions)
	bumpers := i.scanDir(ctx, i.cfg.BumpersDir, videoExtensions)

	i.mu.Lock()
	i.defaultClips = clips
	i.bumpers = bumpers
	i.clipCacheValid = false
	i.mu.Unlock()

	i.logger.Info("library scanned",
		slog.Int("clips", len(clips)),
		slog.Int("bumpers", len(bumpers)))

	if len(bumpers) == 0 {
		i.logger.Warn("no bumpers found, bumper insertion disabled",
			slog.String("dir", i.cfg.BumpersDir))
	}

	return len(clips), ctx.Err()
}

// CurrentDaypart returns the daypart containing the current wall-clock hour,
// or nil when none matches.
func (i *Index) CurrentDaypart() *config.DaypartConfig {
	return i.cfg.DaypartFor(i.now().Hour())
}

// Clips returns the clip set for the current daypart and the daypart name
// used ("default" when no override applies). Results are cached keyed by
// daypart name so repeated calls within a daypart avoid re-probing.
func (i *Index) Clips(ctx context.Context) ([]Entry, string) {
	dp := i.CurrentDaypart()
	dpName := ""
	if dp != nil {
		dpName = dp.Name
	}

	i.mu.Lock()
	if i.clipCacheValid && i.clipCacheDaypart == dpName {
		entries := i.clipCache
		i.mu.Unlock()
		if dpName == "" {
			return entries, "default"
		}
		return entries, dpName
	}
	i.mu.Unlock()

	entries, label := i.resolveClips(ctx, dpName)

	i.mu.Lock()
	i.clipCacheDaypart = dpName
	i.clipCache = entries
	i.clipCacheValid = true
	i.mu.Unlock()

	return entries, label
}

// resolveClips applies the clips_dayparts override map with fallback to the
// default clip set.
func (i *Index) resolveClips(ctx context.Context, dpName string) ([]Entry, string) {
	if dpName != "" {
		if overrideDir, ok := i.cfg.ClipsDayparts[dpName]; ok {
			entries := i.scanDir(ctx, overrideDir, videoExtensions)
			if len(entries) > 0 {
				i.logger.Info("daypart clip override active",
					slog.String("daypart", dpName),
					slog.Int("clips", len(entries)),
					slog.String("dir", overrideDir))
				return entries, dpName
			}
			i.logger.Warn("daypart clip dir empty, falling back to default",
				slog.String("daypart", dpName),
				slog.String("dir", overrideDir))
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.defaultClips, "default"
}

// Music scans and returns the music set for the current daypart, falling
// back to the root music directory (reported as daypart "all") when the
// daypart subdir is empty. Unlike clips, music is rescanned on each call so
// playlist edits between tracks are picked up.
func (i *Index) Music(ctx context.Context) ([]Entry, string) {
	if dp := i.CurrentDaypart(); dp != nil && dp.Subdir != "" {
		subdir := filepath.Join(i.cfg.MusicDir, dp.Subdir)
		entries := i.scanDir(ctx, subdir, audioExtensions)
		if len(entries) > 0 {
			return entries, dp.Name
		}
		i.logger.Warn("daypart music subdir empty, falling back to all music",
			slog.String("daypart", dp.Name),
			slog.String("dir", subdir))
	}

	return i.scanDir(ctx, i.cfg.MusicDir, audioExtensions), "all"
}

// Bumpers returns the scanned bumper set.
func (i *Index) Bumpers() []Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.bumpers
}

// Invalidate marks the daypart clip cache dirty. The next Clips call
// resolves the clip set again: a daypart override directory is rescanned,
// while the default clip set and the bumpers keep the results of the last
// ScanLibrary or Refresh. Called by the directory watcher.
func (i *Index) Invalidate() {
	i.mu.Lock()
	i.clipCacheValid = false
	i.mu.Unlock()
}

// Refresh performs a full library rescan and drops the clip cache.
func (i *Index) Refresh(ctx context.Context) error {
	_, err := i.ScanLibrary(ctx)
	return err
}

// scanDir scans a directory recursively for media files with the given
// extensions, probing each for duration. Files with unreadable or
// non-positive durations are skipped. Results are sorted by path.
func (i *Index) scanDir(ctx context.Context, dir string, extensions map[string]bool) []Entry {
	if dir == "" {
		return nil
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Root missing is handled below; skip unreadable children.
			if path == dir {
				return err
			}
			i.logger.Warn("skipping unreadable path", slog.String("path", path), slog.Any("error", err))
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if extensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		i.logger.Warn("directory does not exist or is unreadable",
			slog.String("dir", dir), slog.Any("error", err))
		return nil
	}

	entries := i.probeAll(ctx, paths)
	sort.Slice(entries, func(a, b int) bool { return entries[a].Path < entries[b].Path })
	return entries
}

// probeAll probes durations with a bounded worker pool.
func (i *Index) probeAll(ctx context.Context, paths []string) []Entry {
	if len(paths) == 0 {
		return nil
	}

	type result struct {
		entry Entry
		ok    bool
	}

	results := make([]result, len(paths))
	sem := make(chan struct{}, probeWorkers)
	var wg sync.WaitGroup

	for idx, path := range paths {
		wg.Add(1)
		go func(idx int, path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			dur, err := i.prober.Duration(ctx, path)
			if err != nil {
				i.logger.Warn("could not probe duration",
					slog.String("path", path), slog.Any("error", err))
				return
			}
			if dur <= 0 {
				return
			}
			results[idx] = result{entry: Entry{Path: path, Duration: dur}, ok: true}
		}(idx, path)
	}
	wg.Wait()

	entries := make([]Entry, 0, len(paths))
	for _, r := range results {
		if r.ok {
			entries = append(entries, r.entry)
		}
	}
	return entries
}
