// Package hls observes the encoder's HLS output: it parses the rolling
// playlist and exposes segment statistics to the status endpoint and the
// metric set. The pipeline itself never depends on these observations.
package hls

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/starcast/internal/observability"
)

// defaultPollInterval is how often the playlist is re-read.
const defaultPollInterval = 5 * time.Second

// Stats is a point-in-time view of the output playlist.
type Stats struct {
	Exists         bool      `json:"exists"`
	Segments       int       `json:"segments"`
	MediaSequence  int       `json:"media_sequence"`
	TargetDuration int       `json:"target_duration"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Monitor polls the HLS playlist on disk.
type Monitor struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stats Stats
}

// NewMonitor creates a monitor for the playlist at path.
func NewMonitor(path string, logger *slog.Logger) *Monitor {
	return &Monitor{
		path:     path,
		interval: defaultPollInterval,
		logger:   logger,
	}
}

// WithInterval overrides the poll interval.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	m.interval = d
	return m
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(); err != nil {
				m.logger.Debug("playlist poll failed", slog.Any("error", err))
			}
		}
	}
}

// Poll reads and parses the playlist once, updating stats and metrics.
func (m *Monitor) Poll() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.setStats(Stats{})
			return nil
		}
		return fmt.Errorf("reading playlist: %w", err)
	}

	media, err := unmarshalMediaPlaylist(data)
	if err != nil {
		return err
	}

	m.setStats(Stats{
		Exists:         true,
		Segments:       len(media.Segments),
		MediaSequence:  media.MediaSequence,
		TargetDuration: media.TargetDuration,
		UpdatedAt:      time.Now(),
	})
	return nil
}

// setStats updates the cached stats and the playlist gauges.
func (m *Monitor) setStats(s Stats) {
	m.mu.Lock()
	m.stats = s
	m.mu.Unlock()

	observability.PlaylistSegments.Set(float64(s.Segments))
	observability.PlaylistMediaSequence.Set(float64(s.MediaSequence))
}

// Stats returns the last polled playlist view.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// unmarshalMediaPlaylist parses bytes into a Media playlist using gohlslib.
func unmarshalMediaPlaylist(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}

	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("not a media playlist")
	}
	return media, nil
}
