// Package render produces self-contained MPEG-TS fragments from clip plans
// by invoking the external encoder. The renderer is pure: it holds no state
// between calls, and every output carries a caller-supplied PTS offset so
// concatenated fragments present a continuous timeline.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jmylchreest/starcast/internal/config"
	"github.com/jmylchreest/starcast/internal/effects"
	"github.com/jmylchreest/starcast/internal/ffmpeg"
)

// Render timeouts. Overlay renders decode two sources, so they get longer.
const (
	clipRenderTimeout    = 300 * time.Second
	overlayRenderTimeout = 600 * time.Second
)

// Logo bug placement: 50% alpha, offset from the bottom-right corner.
const (
	bugAlpha        = 0.5
	bugRightOffset  = 45
	bugBottomOffset = 40
)

// ClipPlan describes a single fragment to render.
type ClipPlan struct {
	Source   string
	Seek     float64
	Duration float64 // source-time seconds consumed
	Loop     bool    // stream-loop the source when shorter than Duration

	// Overlay composite; OverlaySource empty means a single-clip render.
	OverlaySource string
	OverlaySeek   float64
	BlendMode     string

	Effects []effects.Effect
	Speed   float64 // PTS multiplier; output duration = Duration * Speed
}

// OutputDuration returns the fragment's presentation duration after speed
// scaling.
func (p ClipPlan) OutputDuration() float64 {
	return p.Duration * p.Speed
}

// Renderer builds and runs encoder invocations for clip fragments.
type Renderer struct {
	ffmpegPath string
	video      config.VideoConfig
	bugPath    string
	logger     *slog.Logger

	// run is the command execution seam; tests replace it.
	run func(ctx context.Context, cmd *ffmpeg.Command, timeout time.Duration) error
}

// New creates a renderer. bugPath may be empty to disable the logo overlay.
func New(ffmpegPath string, video config.VideoConfig, bugPath string, logger *slog.Logger) *Renderer {
	return &Renderer{
		ffmpegPath: ffmpegPath,
		video:      video,
		bugPath:    bugPath,
		logger:     logger,
		run: func(ctx context.Context, cmd *ffmpeg.Command, timeout time.Duration) error {
			return cmd.Run(ctx, timeout)
		},
	}
}

// scaleFilter builds the standard scale/pad/setsar filter prefix.
func (r *Renderer) scaleFilter() string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1",
		r.video.Width, r.video.Height, r.video.Width, r.video.Height)
}

// baseFilter appends speed and frame-rate conformance to the scale prefix.
func (r *Renderer) baseFilter(speed float64) string {
	return fmt.Sprintf("%s,setpts=%g*PTS,fps=%d", r.scaleFilter(), speed, r.video.FPS)
}

// bugEnabled reports whether the logo overlay applies.
func (r *Renderer) bugEnabled() bool {
	if r.bugPath == "" {
		return false
	}
	_, err := os.Stat(r.bugPath)
	return err == nil
}

// RenderClip renders a single clip with effects to a video-only MPEG-TS
// fragment at outPath, tagged with the given PTS offset.
func (r *Renderer) RenderClip(ctx context.Context, plan ClipPlan, outPath string, ptsOffset float64) error {
	cmd := r.buildClipCommand(plan, outPath, ptsOffset)

	r.logger.Info("render clip",
		slog.String("clip", plan.Source),
		slog.Float64("duration", plan.Duration),
		slog.Float64("speed", plan.Speed),
		slog.Any("effects", effects.Names(plan.Effects)))

	return r.execute(ctx, cmd, outPath, clipRenderTimeout)
}

// RenderOverlay renders two clips composited with a blend mode. The base
// clip receives the effect chain; the top clip stays unfiltered.
func (r *Renderer) RenderOverlay(ctx context.Context, plan ClipPlan, outPath string, ptsOffset float64) error {
	cmd := r.buildOverlayCommand(plan, outPath, ptsOffset)

	r.logger.Info("render overlay",
		slog.String("base", plan.Source),
		slog.String("top", plan.OverlaySource),
		slog.Float64("duration", plan.Duration),
		slog.Float64("speed", plan.Speed),
		slog.String("blend", plan.BlendMode),
		slog.Any("effects", effects.Names(plan.Effects)))

	return r.execute(ctx, cmd, outPath, overlayRenderTimeout)
}

// RenderBumper renders a bumper: scale and frame-rate conformance only,
// no effects and no logo overlay.
func (r *Renderer) RenderBumper(ctx context.Context, bumperPath, outPath string, ptsOffset float64) error {
	cmd := r.buildBumperCommand(bumperPath, outPath, ptsOffset)

	r.logger.Info("render bumper", slog.String("bumper", bumperPath))

	return r.execute(ctx, cmd, outPath, clipRenderTimeout)
}

// execute runs the command and deletes any partial output on failure.
func (r *Renderer) execute(ctx context.Context, cmd *ffmpeg.Command, outPath string, timeout time.Duration) error {
	if err := r.run(ctx, cmd, timeout); err != nil {
		r.logger.Error("render failed",
			slog.Any("error", err),
			slog.String("stderr", cmd.StderrTail()))
		if rmErr := os.Remove(outPath); rmErr != nil && !os.IsNotExist(rmErr) {
			r.logger.Warn("could not remove partial output",
				slog.String("path", outPath), slog.Any("error", rmErr))
		}
		return fmt.Errorf("rendering %s: %w", outPath, err)
	}
	return nil
}

// buildClipCommand assembles the single-clip invocation.
func (r *Renderer) buildClipCommand(plan ClipPlan, outPath string, ptsOffset float64) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		Overwrite()

	if plan.Loop {
		b.StreamLoop(-1)
	}
	b.SeekStart(plan.Seek).
		DurationCap(plan.Duration).
		Input(plan.Source)

	vf := r.baseFilter(plan.Speed)
	if chain := effects.BuildFilterString(plan.Effects); chain != "" {
		vf += "," + chain
	}

	if r.bugEnabled() {
		b.Input(r.bugPath)
		graph := fmt.Sprintf("[0:v]%s[vid];[1:v]colorchannelmixer=aa=%g[bug];[vid][bug]overlay=W-w-%d:H-h-%d[out]",
			vf, bugAlpha, bugRightOffset, bugBottomOffset)
		b.FilterComplex(graph, "[out]")
	} else {
		b.VideoFilter(vf)
	}

	return r.finishVideoOutput(b, outPath, ptsOffset, true)
}

// buildOverlayCommand assembles the two-clip blend invocation.
func (r *Renderer) buildOverlayCommand(plan ClipPlan, outPath string, ptsOffset float64) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		Overwrite().
		SeekStart(plan.Seek).
		DurationCap(plan.Duration).
		Input(plan.Source).
		SeekStart(plan.OverlaySeek).
		DurationCap(plan.Duration).
		Input(plan.OverlaySource)

	baseFilters := r.baseFilter(plan.Speed)
	if chain := effects.BuildFilterString(plan.Effects); chain != "" {
		baseFilters += "," + chain
	}
	topFilters := r.baseFilter(plan.Speed)

	if r.bugEnabled() {
		b.Input(r.bugPath)
		graph := fmt.Sprintf(
			"[0:v]%s[base];[1:v]%s[top];[base][top]blend=all_mode=%s[blended];[2:v]colorchannelmixer=aa=%g[bug];[blended][bug]overlay=W-w-%d:H-h-%d[out]",
			baseFilters, topFilters, plan.BlendMode, bugAlpha, bugRightOffset, bugBottomOffset)
		b.FilterComplex(graph, "[out]")
	} else {
		graph := fmt.Sprintf("[0:v]%s[base];[1:v]%s[top];[base][top]blend=all_mode=%s[out]",
			baseFilters, topFilters, plan.BlendMode)
		b.FilterComplex(graph, "[out]")
	}

	return r.finishVideoOutput(b, outPath, ptsOffset, true)
}

// buildBumperCommand assembles the bumper invocation.
func (r *Renderer) buildBumperCommand(bumperPath, outPath string, ptsOffset float64) *ffmpeg.Command {
	b := ffmpeg.NewCommandBuilder(r.ffmpegPath).
		HideBanner().
		Overwrite().
		Input(bumperPath).
		VideoFilter(fmt.Sprintf("%s,fps=%d", r.scaleFilter(), r.video.FPS))

	return r.finishVideoOutput(b, outPath, ptsOffset, true)
}

// finishVideoOutput applies the shared video-only output settings.
func (r *Renderer) finishVideoOutput(b *ffmpeg.CommandBuilder, outPath string, ptsOffset float64, keyint bool) *ffmpeg.Command {
	b.NoAudio().
		VideoCodec(r.video.Codec).
		VideoPreset(r.video.Preset).
		VideoBitrate(r.video.Bitrate)
	if keyint {
		b.GopSize(r.video.FPS * 4)
	}
	return b.PixelFormat(r.video.PixFmt).
		OutputTSOffset(ptsOffset).
		OutputFormat("mpegts").
		Output(outPath).
		Build()
}
