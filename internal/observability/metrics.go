package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics. Label cardinality is kept low on purpose: kind is one of
// clip/overlay/bumper, reason is a small closed set.
var (
	// FragmentsRendered counts successful renders by kind.
	FragmentsRendered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starcast_fragments_rendered_total",
		Help: "Total number of successfully rendered fragments, by kind.",
	}, []string{"kind"})

	// RenderFailures counts failed renders by kind.
	RenderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starcast_render_failures_total",
		Help: "Total number of failed renders, by kind.",
	}, []string{"kind"})

	// FragmentsFed counts fragments delivered to the encoder.
	FragmentsFed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starcast_fragments_fed_total",
		Help: "Total number of fragments written to the encoder input pipe.",
	})

	// BytesFed counts bytes delivered to the encoder.
	BytesFed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starcast_bytes_fed_total",
		Help: "Total bytes written to the encoder input pipe.",
	})

	// Recoveries counts watchdog recoveries by trigger.
	Recoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starcast_recoveries_total",
		Help: "Total number of pipeline recoveries, by trigger (heartbeat, queue_full, panic).",
	}, []string{"trigger"})

	// MusicTracks counts music tracks streamed into the FIFO.
	MusicTracks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "starcast_music_tracks_total",
		Help: "Total number of music tracks decoded into the audio FIFO.",
	})

	// QueueDepth tracks the feeder queue depth.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starcast_feed_queue_depth",
		Help: "Current number of fragments waiting in the feeder queue.",
	})

	// StagingFiles tracks the staging directory backlog.
	StagingFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starcast_staging_files",
		Help: "Current number of fragment files in the staging directory.",
	})

	// HeartbeatAge tracks seconds since the last successful feed.
	HeartbeatAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starcast_heartbeat_age_seconds",
		Help: "Seconds since the feeder last delivered a fragment.",
	})

	// PipelineMode exposes the current mode as a one-hot gauge.
	PipelineMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "starcast_pipeline_mode",
		Help: "Current pipeline mode (1 for the active mode, 0 otherwise).",
	}, []string{"mode"})

	// PlaylistSegments tracks the segment count in the output playlist.
	PlaylistSegments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starcast_playlist_segments",
		Help: "Number of segments currently listed in the HLS playlist.",
	})

	// PlaylistMediaSequence tracks the playlist media sequence number.
	PlaylistMediaSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "starcast_playlist_media_sequence",
		Help: "EXT-X-MEDIA-SEQUENCE of the HLS playlist.",
	})
)

// SetMode sets the one-hot pipeline mode gauge.
func SetMode(mode string) {
	for _, m := range []string{"prebuffer", "live", "offair", "recovering"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		PipelineMode.WithLabelValues(m).Set(v)
	}
}
