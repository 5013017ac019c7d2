package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/starcast/internal/config"
	"github.com/jmylchreest/starcast/internal/content"
	"github.com/jmylchreest/starcast/internal/effects"
	"github.com/jmylchreest/starcast/internal/observability"
	"github.com/jmylchreest/starcast/internal/render"
)

// Conductor tuning.
const (
	prebufferSize        = 4
	encoderSettleDelay   = 500 * time.Millisecond
	stagingPollInterval  = 5 * time.Second
	emptyClipSetSleep    = 10 * time.Second
	recoveryEncoderWait  = 15 * time.Second
	recoveryFeederSettle = 1 * time.Second
	shutdownEncoderGrace = 10 * time.Second
)

// ErrNoClips is returned at startup when the clip library is empty.
var ErrNoClips = errors.New("no video clips found")

// ContentSource is the content index surface the conductor consumes.
type ContentSource interface {
	MusicSource
	ScanLibrary(ctx context.Context) (int, error)
	Clips(ctx context.Context) ([]content.Entry, string)
	Bumpers() []content.Entry
	CurrentDaypart() *config.DaypartConfig
}

// FragmentRenderer renders clip plans into staged MPEG-TS fragments.
type FragmentRenderer interface {
	RenderClip(ctx context.Context, plan render.ClipPlan, outPath string, ptsOffset float64) error
	RenderOverlay(ctx context.Context, plan render.ClipPlan, outPath string, ptsOffset float64) error
	RenderBumper(ctx context.Context, bumperPath, outPath string, ptsOffset float64) error
}

// EncoderHandle is the subset of ffmpeg.Process the conductor drives. The
// conductor kills the encoder but never writes to or closes its stdin while
// the feeder owns it.
type EncoderHandle interface {
	Stdin() io.Writer
	CloseStdin() error
	Kill() error
	Terminate() error
	WaitTimeout(timeout time.Duration) error
	Running() bool
}

// musicController is the music worker lifecycle surface.
type musicController interface {
	Start()
	Stop()
}

// Options configures a Conductor.
type Options struct {
	Config     *config.Config
	FFmpegPath string
	Index      ContentSource
	Renderer   FragmentRenderer
	Picker     *effects.Picker
	State      *State
	Logger     *slog.Logger
	Rand       *rand.Rand
}

// Conductor runs the main loop: it selects and renders fragments, enforces
// back-pressure, drives the pre-buffer/live transition, inserts bumpers,
// honors broadcast hours, and owns the watchdog/recovery state machine.
type Conductor struct {
	cfg      *config.Config
	index    ContentSource
	renderer FragmentRenderer
	picker   *effects.Picker
	feeder   *Feeder
	state    *State
	logger   *slog.Logger
	rng      *rand.Rand

	fifoPath string

	// Lifecycle seams, replaced in tests.
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration)
	freeSpace      func(path string) (uint64, error)
	startEncoder   func() (EncoderHandle, error)
	newMusicWorker func() musicController

	encoder    EncoderHandle
	music      musicController
	prebuffer  []string
	lastBumper time.Time
}

// New creates a conductor.
func New(opts Options) *Conductor {
	c := &Conductor{
		cfg:      opts.Config,
		index:    opts.Index,
		renderer: opts.Renderer,
		picker:   opts.Picker,
		state:    opts.State,
		logger:   opts.Logger,
		rng:      opts.Rand,
		fifoPath: filepath.Join(opts.Config.StagingDir, "audio_pipe"),
	}
	c.feeder = NewFeeder(c.state, observability.WithComponent(opts.Logger, "feeder"))

	c.now = time.Now
	c.sleep = func(ctx context.Context, d time.Duration) {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	c.freeSpace = func(path string) (uint64, error) {
		usage, err := disk.Usage(path)
		if err != nil {
			return 0, err
		}
		return usage.Free, nil
	}
	c.startEncoder = func() (EncoderHandle, error) {
		return StartEncoder(opts.FFmpegPath, opts.Config, c.fifoPath)
	}
	c.newMusicWorker = func() musicController {
		// The worker shuffles on its own goroutine, so it gets its own
		// rand.Rand rather than sharing the conductor's.
		workerRng := rand.New(rand.NewSource(c.rng.Int63()))
		return NewMusicWorker(opts.FFmpegPath, c.fifoPath, opts.Config.Audio.SampleRate,
			opts.Index, workerRng, observability.WithComponent(opts.Logger, "music"))
	}

	return c
}

// FIFOPath returns the named audio FIFO path.
func (c *Conductor) FIFOPath() string {
	return c.fifoPath
}

// Run executes the pipeline until the context is cancelled. Startup fails
// on an empty clip library (ErrNoClips), when the HLS or staging directory
// or the audio FIFO cannot be created, or when the context is cancelled
// during the library scan.
func (c *Conductor) Run(ctx context.Context) error {
	if err := c.startup(ctx); err != nil {
		return err
	}
	defer c.shutdown()

	for ctx.Err() == nil {
		c.iterate(ctx)
	}
	return ctx.Err()
}

// startup prepares directories, the FIFO, and the content index, and
// launches the feeder.
func (c *Conductor) startup(ctx context.Context) error {
	c.logger.Info("pipeline starting",
		slog.String("clips", c.cfg.ClipsDir),
		slog.String("music", c.cfg.MusicDir),
		slog.String("bumpers", c.cfg.BumpersDir),
		slog.String("hls", c.cfg.HLSDir))

	if err := os.MkdirAll(c.cfg.HLSDir, 0o755); err != nil {
		return fmt.Errorf("creating hls dir: %w", err)
	}
	c.cleanHLSDir()

	if err := os.MkdirAll(c.cfg.StagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	if err := EnsureFIFO(c.fifoPath); err != nil {
		return err
	}

	clips, err := c.index.ScanLibrary(ctx)
	if err != nil {
		return err
	}
	if clips == 0 {
		return ErrNoClips
	}

	c.feeder.Start()
	c.state.SetMode(ModePrebuffer)
	return nil
}

// cleanHLSDir removes stale segments, playlists, and leftover subdirs from
// previous runs.
func (c *Conductor) cleanHLSDir() {
	for _, pattern := range []string{"*.ts", "*.m3u8"} {
		matches, _ := filepath.Glob(filepath.Join(c.cfg.HLSDir, pattern))
		for _, path := range matches {
			removeQuiet(path)
		}
	}
	for _, subdir := range []string{"video", "audio"} {
		path := filepath.Join(c.cfg.HLSDir, subdir)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			_ = os.RemoveAll(path)
		}
	}
}

// iterate runs one main-loop pass, routing panics through recovery so a
// bad iteration costs a glitch instead of the process.
func (c *Conductor) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("unhandled error in main loop, attempting recovery",
				slog.Any("panic", r))
			c.recoverPipeline("panic")
		}
	}()

	c.step(ctx)
}

// step is one pass of the main loop: broadcast window, watchdog, disk
// gate, staging gate, bumper cadence, clip render.
func (c *Conductor) step(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if !c.onAir(c.now()) {
		c.signOff(ctx)
		return
	}

	if c.encoder != nil {
		age := c.state.HeartbeatAge()
		observability.HeartbeatAge.Set(age.Seconds())
		if age > c.cfg.Watchdog.Timeout {
			c.logger.Warn("watchdog: no feed within timeout, recovering",
				slog.Duration("age", age),
				slog.Duration("timeout", c.cfg.Watchdog.Timeout))
			c.recoverPipeline("heartbeat")
			return
		}
	}

	c.waitForDiskSpace(ctx)

	for ctx.Err() == nil && c.stagingCount() >= c.cfg.Limits.MaxStagingFiles {
		c.logger.Warn("staging backlog full, waiting for feeder",
			slog.Int("files", c.stagingCount()),
			slog.Int("max", c.cfg.Limits.MaxStagingFiles))
		c.sleep(ctx, stagingPollInterval)
	}
	if ctx.Err() != nil {
		return
	}

	if c.bumperDue() {
		c.renderBumper(ctx)
		return
	}

	c.renderNext(ctx)
}

// onAir reports whether the wall clock falls inside broadcast hours.
func (c *Conductor) onAir(t time.Time) bool {
	hour := t.Hour()
	start, end := c.cfg.Broadcast.StartHour, c.cfg.Broadcast.EndHour
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// signOff tears the pipeline down for the off-air window and sleeps until
// the next sign-on boundary.
func (c *Conductor) signOff(ctx context.Context) {
	c.logger.Info("sign off, stopping pipeline")
	c.state.SetMode(ModeOffAir)

	c.stopMusic()
	c.killEncoder(shutdownEncoderGrace)
	c.feeder.Drain()
	c.removeStagedFragments()
	c.prebuffer = nil
	c.state.ResetPTS()

	if err := EnsureFIFO(c.fifoPath); err != nil {
		c.logger.Error("could not recreate fifo at sign-off", slog.Any("error", err))
	}

	c.sleepUntilSignOn(ctx)
	if ctx.Err() != nil {
		return
	}

	c.logger.Info("sign on, resuming broadcast")
	c.state.Touch()
	c.state.SetMode(ModePrebuffer)
}

// sleepUntilSignOn sleeps the minimal positive duration to the next
// sign-on hour boundary.
func (c *Conductor) sleepUntilSignOn(ctx context.Context) {
	now := c.now()
	signOn := time.Date(now.Year(), now.Month(), now.Day(),
		c.cfg.Broadcast.StartHour, 0, 0, 0, now.Location())
	if !signOn.After(now) {
		signOn = signOn.Add(24 * time.Hour)
	}

	wait := signOn.Sub(now)
	c.logger.Info("off air",
		slog.Time("sign_on", signOn),
		slog.Duration("sleep", wait))
	c.sleep(ctx, wait)
}

// waitForDiskSpace blocks until the staging and HLS partitions both hold
// the configured minimum free space.
func (c *Conductor) waitForDiskSpace(ctx context.Context) {
	minFree := uint64(c.cfg.Limits.MinFreeSpace)
	for ctx.Err() == nil {
		low := false
		for _, path := range []string{c.cfg.StagingDir, c.cfg.HLSDir} {
			free, err := c.freeSpace(path)
			if err != nil {
				continue
			}
			if free < minFree {
				low = true
				c.logger.Warn("low disk space, pausing",
					slog.String("path", path),
					slog.Uint64("free", free),
					slog.Uint64("need", minFree))
			}
		}
		if !low {
			return
		}
		c.sleep(ctx, c.cfg.Limits.DiskCheckInterval)
	}
}

// stagingCount returns the number of staged fragment files.
func (c *Conductor) stagingCount() int {
	matches, err := filepath.Glob(filepath.Join(c.cfg.StagingDir, "*.ts"))
	if err != nil {
		return 0
	}
	observability.StagingFiles.Set(float64(len(matches)))
	return len(matches)
}

// bumperDue reports whether the bumper cadence has elapsed. The first call
// primes the timer so the stream never opens with a bumper.
func (c *Conductor) bumperDue() bool {
	if len(c.index.Bumpers()) == 0 {
		return false
	}
	if c.lastBumper.IsZero() {
		c.lastBumper = c.now()
		return false
	}
	interval := time.Duration(c.cfg.Bumpers.MinIntervalMinutes * float64(time.Minute))
	return c.now().Sub(c.lastBumper) >= interval
}

// renderBumper renders a random bumper as the next fragment.
func (c *Conductor) renderBumper(ctx context.Context) {
	bumpers := c.index.Bumpers()
	bumper := bumpers[c.rng.Intn(len(bumpers))]

	outPath := c.nextFragmentPath()
	if err := c.renderer.RenderBumper(ctx, bumper.Path, outPath, c.state.PTS()); err != nil {
		observability.RenderFailures.WithLabelValues("bumper").Inc()
		c.logger.Warn("bumper render failed, skipping", slog.Any("error", err))
		return
	}

	observability.FragmentsRendered.WithLabelValues("bumper").Inc()
	c.state.AddPTS(bumper.Duration)
	c.lastBumper = c.now()
	c.queueFragment(ctx, outPath)
}

// renderNext plans and renders the next clip fragment: daypart policy,
// speed, effects, and the optional two-clip overlay composite.
func (c *Conductor) renderNext(ctx context.Context) {
	clips, clipsLabel := c.index.Clips(ctx)
	if len(clips) == 0 {
		c.logger.Error("active clip set is empty, sleeping",
			slog.String("daypart", clipsLabel))
		c.sleep(ctx, emptyClipSetSleep)
		return
	}

	dpName := ""
	if dp := c.index.CurrentDaypart(); dp != nil {
		dpName = dp.Name
	}

	speed := c.picker.PickSpeed(dpName)
	plan := c.planClip(clips, speed)
	outPath := c.nextFragmentPath()

	kind := "clip"
	var err error
	if c.picker.ShouldOverlay(dpName) && len(clips) >= 2 {
		kind = "overlay"
		top := c.planClip(clips, speed)
		plan.OverlaySource = top.Source
		plan.OverlaySeek = top.Seek
		plan.BlendMode = c.picker.PickBlendMode(dpName)
		plan.Effects = c.picker.PickOverlayEffects(
			c.cfg.Mixing.EffectsPerClipMin, c.cfg.Mixing.EffectsPerClipMax, dpName)
		err = c.renderer.RenderOverlay(ctx, plan, outPath, c.state.PTS())
	} else {
		plan.Effects = c.picker.PickEffects(
			c.cfg.Mixing.EffectsPerClipMin, c.cfg.Mixing.EffectsPerClipMax, dpName)
		err = c.renderer.RenderClip(ctx, plan, outPath, c.state.PTS())
	}

	if err != nil {
		observability.RenderFailures.WithLabelValues(kind).Inc()
		c.logger.Warn("render failed, skipping iteration",
			slog.String("kind", kind), slog.Any("error", err))
		return
	}

	observability.FragmentsRendered.WithLabelValues(kind).Inc()
	c.state.AddPTS(plan.OutputDuration())
	c.queueFragment(ctx, outPath)
}

// planClip picks a source clip, a use duration within the mixing bounds,
// and a random seek window. Clips shorter than the drawn duration play in
// full with stream looping enabled.
func (c *Conductor) planClip(clips []content.Entry, speed float64) render.ClipPlan {
	entry := clips[c.rng.Intn(len(clips))]

	minDur, maxDur := c.cfg.Mixing.ClipMinDuration, c.cfg.Mixing.ClipMaxDuration
	useDur := minDur + c.rng.Float64()*(maxDur-minDur)

	if entry.Duration <= useDur {
		return render.ClipPlan{Source: entry.Path, Duration: entry.Duration, Loop: true, Speed: speed}
	}

	maxStart := entry.Duration - useDur
	start := 0.0
	if maxStart > 1 {
		start = c.rng.Float64() * maxStart
	}
	return render.ClipPlan{Source: entry.Path, Seek: start, Duration: useDur, Speed: speed}
}

// nextFragmentPath issues the next staging path. The sequence counter is
// never reset, so names stay unique across recoveries.
func (c *Conductor) nextFragmentPath() string {
	return filepath.Join(c.cfg.StagingDir, fmt.Sprintf("clip_%06d.ts", c.state.NextSeq()))
}

// queueFragment hands a staged fragment to the feeder, or accumulates it
// in the pre-buffer before the encoder is live. A blocked queue trips the
// watchdog.
func (c *Conductor) queueFragment(ctx context.Context, path string) {
	if c.encoder == nil {
		c.prebuffer = append(c.prebuffer, path)
		c.logger.Info("pre-buffering fragment",
			slog.Int("have", len(c.prebuffer)),
			slog.Int("need", prebufferSize))
		if len(c.prebuffer) >= prebufferSize {
			c.goLive(ctx)
		}
		return
	}

	if err := c.feeder.Enqueue(path, c.encoder.Stdin(), c.cfg.Watchdog.Timeout); err != nil {
		c.logger.Warn("watchdog: feed queue blocked, recovering", slog.Any("error", err))
		c.recoverPipeline("queue_full")
	}
}

// goLive starts the music worker and the encoder, then flushes the
// pre-buffer to the feeder in production order.
func (c *Conductor) goLive(ctx context.Context) {
	c.logger.Info("pre-buffer full, starting encoder",
		slog.Int("fragments", len(c.prebuffer)))

	c.music = c.newMusicWorker()
	c.music.Start()
	c.sleep(ctx, encoderSettleDelay)

	encoder, err := c.startEncoder()
	if err != nil {
		c.logger.Error("encoder failed to start", slog.Any("error", err))
		c.stopMusic()
		return
	}
	c.encoder = encoder
	c.state.Touch()
	c.state.SetSessionID(uuid.NewString())
	c.state.SetMode(ModeLive)

	for _, path := range c.prebuffer {
		if err := c.feeder.Enqueue(path, c.encoder.Stdin(), c.cfg.Watchdog.Timeout); err != nil {
			c.logger.Warn("watchdog: feed queue blocked during pre-buffer flush",
				slog.Any("error", err))
			c.recoverPipeline("queue_full")
			return
		}
	}
	c.prebuffer = nil

	c.logger.Info("pre-buffer flushed, streaming live",
		slog.String("session", c.state.SessionID()))
}

// recoverPipeline is the watchdog recovery protocol. It is idempotent:
// each sub-step tolerates failure, the FIFO is guaranteed to exist
// afterwards, and the loop always lands back in pre-buffer mode with PTS
// zeroed and the fragment sequence untouched.
func (c *Conductor) recoverPipeline(trigger string) {
	c.state.SetMode(ModeRecovering)
	observability.Recoveries.WithLabelValues(trigger).Inc()
	c.logger.Warn("recovering pipeline", slog.String("trigger", trigger))

	// Kill, never close: the feeder may be mid-write on the encoder's
	// stdin, and closing that fd concurrently is unsafe. The feeder
	// observes the broken pipe once the process dies.
	c.killEncoder(recoveryEncoderWait)
	c.stopMusic()

	time.Sleep(recoveryFeederSettle)

	c.feeder.Drain()
	c.removeStagedFragments()

	if err := EnsureFIFO(c.fifoPath); err != nil {
		c.logger.Error("could not recreate fifo during recovery", slog.Any("error", err))
		if !FIFOExists(c.fifoPath) {
			if err := EnsureFIFO(c.fifoPath); err != nil {
				c.logger.Error("fifo still missing after retry", slog.Any("error", err))
			}
		}
	}

	c.state.ResetPTS()
	c.prebuffer = nil
	c.state.Touch()
	c.state.SetMode(ModePrebuffer)
	c.logger.Info("recovery complete, re-entering pre-buffer")
}

// killEncoder kills the encoder process and reaps it, bounded by wait.
func (c *Conductor) killEncoder(wait time.Duration) {
	if c.encoder == nil {
		return
	}
	if c.encoder.Running() {
		if err := c.encoder.Kill(); err != nil {
			c.logger.Warn("encoder kill failed", slog.Any("error", err))
		}
		if err := c.encoder.WaitTimeout(wait); err != nil {
			c.logger.Warn("encoder did not exit, moving on", slog.Any("error", err))
		}
	}
	c.encoder = nil
}

// stopMusic stops the music worker if one is running.
func (c *Conductor) stopMusic() {
	if c.music == nil {
		return
	}
	c.music.Stop()
	c.music = nil
}

// removeStagedFragments deletes every staged .ts fragment.
func (c *Conductor) removeStagedFragments() {
	matches, _ := filepath.Glob(filepath.Join(c.cfg.StagingDir, "*.ts"))
	for _, path := range matches {
		removeQuiet(path)
	}
}

// shutdown is the clean-exit path: stop music, drain and stop the feeder,
// close and terminate the encoder with a grace period, then clear staging
// and the FIFO.
func (c *Conductor) shutdown() {
	c.logger.Info("shutting down")

	c.stopMusic()
	c.feeder.Stop()

	if c.encoder != nil {
		// The feeder has exited, so closing stdin is safe here and lets
		// the encoder flush its final segments.
		_ = c.encoder.CloseStdin()
		_ = c.encoder.Terminate()
		if err := c.encoder.WaitTimeout(shutdownEncoderGrace); err != nil {
			c.logger.Warn("encoder did not exit cleanly, killing", slog.Any("error", err))
			_ = c.encoder.Kill()
		}
		c.encoder = nil
	}

	c.removeStagedFragments()
	if err := RemoveFIFO(c.fifoPath); err != nil {
		c.logger.Warn("could not remove fifo", slog.Any("error", err))
	}

	c.logger.Info("shutdown complete")
}

// Status is the live pipeline view served by the status endpoint.
type Status struct {
	Snapshot
	OnAir        bool   `json:"on_air"`
	Daypart      string `json:"daypart,omitempty"`
	StagingFiles int    `json:"staging_files"`
	QueueDepth   int    `json:"queue_depth"`
}

// Status reports the current pipeline status.
func (c *Conductor) Status() Status {
	daypart := ""
	if dp := c.index.CurrentDaypart(); dp != nil {
		daypart = dp.Name
	}
	return Status{
		Snapshot:     c.state.Snapshot(),
		OnAir:        c.onAir(c.now()),
		Daypart:      daypart,
		StagingFiles: c.stagingCount(),
		QueueDepth:   c.feeder.Len(),
	}
}
