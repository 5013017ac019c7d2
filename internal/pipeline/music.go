package pipeline

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/jmylchreest/starcast/internal/content"
	"github.com/jmylchreest/starcast/internal/ffmpeg"
	"github.com/jmylchreest/starcast/internal/observability"
)

// Music worker tuning.
const (
	fifoChunkSize      = 64 * 1024
	emptyPlaylistSleep = 30 * time.Second
	musicJoinTimeout   = 10 * time.Second
)

// MusicSource resolves the current daypart's audio set.
type MusicSource interface {
	Music(ctx context.Context) ([]content.Entry, string)
}

// decoder is the subset of ffmpeg.Process the worker drives; a seam for
// tests.
type decoder interface {
	Stdout() io.Reader
	Kill() error
	Wait() error
}

// MusicWorker streams decoded PCM into the named audio FIFO. It keeps the
// FIFO open across track changes so the encoder sees one uninterrupted
// audio stream, reshuffles the playlist per daypart, and advances past
// decoder failures.
type MusicWorker struct {
	ffmpegPath string
	fifoPath   string
	sampleRate int
	source     MusicSource
	logger     *slog.Logger
	rng        *rand.Rand

	stop chan struct{}
	done chan struct{}

	// openFIFO and startDecoder are test seams.
	openFIFO     func(path string) (io.WriteCloser, error)
	startDecoder func(track string) (decoder, error)
}

// NewMusicWorker creates a music worker. Call Start to launch it.
func NewMusicWorker(ffmpegPath, fifoPath string, sampleRate int, source MusicSource, rng *rand.Rand, logger *slog.Logger) *MusicWorker {
	w := &MusicWorker{
		ffmpegPath: ffmpegPath,
		fifoPath:   fifoPath,
		sampleRate: sampleRate,
		source:     source,
		logger:     logger,
		rng:        rng,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	w.openFIFO = func(path string) (io.WriteCloser, error) {
		// Blocks until the encoder opens the read end.
		return os.OpenFile(path, os.O_WRONLY, 0)
	}
	w.startDecoder = w.spawnDecoder
	return w
}

// spawnDecoder launches an ffmpeg process decoding the track to signed
// 16-bit stereo PCM on stdout.
func (w *MusicWorker) spawnDecoder(track string) (decoder, error) {
	args := []string{
		"-v", "quiet",
		"-i", track,
		"-f", "s16le",
		"-ar", strconv.Itoa(w.sampleRate),
		"-ac", "2",
		"pipe:1",
	}
	return ffmpeg.Start(w.ffmpegPath, args, ffmpeg.WithStdoutPipe())
}

// Start launches the worker goroutine.
func (w *MusicWorker) Start() {
	go w.run()
}

// Stop signals the worker and waits up to musicJoinTimeout for it to exit.
func (w *MusicWorker) Stop() {
	select {
	case <-w.stop:
		// already stopping
	default:
		close(w.stop)
	}

	select {
	case <-w.done:
	case <-time.After(musicJoinTimeout):
		w.logger.Warn("music worker did not stop in time")
	}
}

// Done returns a channel closed when the worker has exited.
func (w *MusicWorker) Done() <-chan struct{} {
	return w.done
}

// run is the supervision loop.
func (w *MusicWorker) run() {
	defer close(w.done)

	w.logger.Info("opening audio fifo (waiting for encoder)")
	fifo, err := w.openFIFO(w.fifoPath)
	if err != nil {
		w.logger.Error("failed to open audio fifo", slog.Any("error", err))
		return
	}
	defer fifo.Close()
	w.logger.Info("audio fifo connected")

	ctx := context.Background()
	currentDaypart := ""

	for !w.stopped() {
		tracks, daypart := w.source.Music(ctx)
		if len(tracks) == 0 {
			w.logger.Warn("no music files, sleeping", slog.Duration("sleep", emptyPlaylistSleep))
			if w.wait(emptyPlaylistSleep) {
				return
			}
			continue
		}

		if daypart != currentDaypart {
			w.logger.Info("music daypart", slog.String("daypart", daypart))
			currentDaypart = daypart
		}

		playlist := make([]content.Entry, len(tracks))
		copy(playlist, tracks)
		w.rng.Shuffle(len(playlist), func(a, b int) {
			playlist[a], playlist[b] = playlist[b], playlist[a]
		})
		w.logger.Info("playlist shuffled",
			slog.Int("tracks", len(playlist)),
			slog.String("daypart", daypart))

		for idx, track := range playlist {
			if w.stopped() {
				return
			}

			// Re-check the daypart between tracks; a change breaks out to
			// reshuffle against the new library.
			if _, newDaypart := w.source.Music(ctx); newDaypart != currentDaypart {
				w.logger.Info("daypart changed, reshuffling")
				break
			}

			w.logger.Info("playing track",
				slog.Int("track", idx+1),
				slog.Int("of", len(playlist)),
				slog.String("path", track.Path),
				slog.Float64("duration", track.Duration))

			if !w.playTrack(track.Path, fifo) {
				return
			}
		}
	}
}

// playTrack decodes one track into the FIFO. Returns false when the worker
// must exit (stop requested or FIFO broken); decoder failures return true
// so the playlist advances.
func (w *MusicWorker) playTrack(track string, fifo io.Writer) bool {
	dec, err := w.startDecoder(track)
	if err != nil {
		w.logger.Warn("decoder failed to start",
			slog.String("track", track), slog.Any("error", err))
		return true
	}
	defer func() {
		_ = dec.Kill()
		_ = dec.Wait()
	}()

	buf := make([]byte, fifoChunkSize)
	for {
		if w.stopped() {
			return false
		}

		n, readErr := dec.Stdout().Read(buf)
		if n > 0 {
			if _, writeErr := fifo.Write(buf[:n]); writeErr != nil {
				w.logger.Warn("audio fifo broken, stopping", slog.Any("error", writeErr))
				return false
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				w.logger.Warn("decoder read error, next track",
					slog.String("track", track), slog.Any("error", readErr))
			}
			observability.MusicTracks.Inc()
			return true
		}
	}
}

// stopped reports whether a stop has been requested.
func (w *MusicWorker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// wait sleeps for d unless stopped first; returns true when stopping.
func (w *MusicWorker) wait(d time.Duration) bool {
	select {
	case <-w.stop:
		return true
	case <-time.After(d):
		return false
	}
}
