package render

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/starcast/internal/config"
	"github.com/jmylchreest/starcast/internal/effects"
	"github.com/jmylchreest/starcast/internal/ffmpeg"
)

var testVideo = config.VideoConfig{
	Width:   1920,
	Height:  1080,
	FPS:     30,
	Codec:   "libx264",
	Preset:  "veryfast",
	Bitrate: "4500k",
	PixFmt:  "yuv420p",
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cmdCapture records the command handed to the run seam.
type cmdCapture struct {
	cmd *ffmpeg.Command
}

func (c *cmdCapture) argString() string {
	return strings.Join(c.cmd.Args, " ")
}

// captureRenderer returns a renderer whose run seam records the built
// command instead of executing ffmpeg.
func captureRenderer(t *testing.T, bugPath string) (*Renderer, *cmdCapture) {
	t.Helper()
	r := New("ffmpeg", testVideo, bugPath, testLogger())
	captured := &cmdCapture{}
	r.run = func(_ context.Context, cmd *ffmpeg.Command, _ time.Duration) error {
		captured.cmd = cmd
		return nil
	}
	return r, captured
}

func TestRenderClip_CommandShape(t *testing.T) {
	r, captured := captureRenderer(t, "")

	plan := ClipPlan{
		Source:   "/media/a.mp4",
		Seek:     3.5,
		Duration: 9,
		Speed:    1.5,
		Effects: []effects.Effect{
			{Name: "vignette", Filter: "vignette=PI/4"},
		},
	}

	require.NoError(t, r.RenderClip(context.Background(), plan, "/staging/clip_000001.ts", 27.25))

	args := captured.argString()
	assert.Contains(t, args, "-ss 3.50 -t 9.00 -i /media/a.mp4")
	assert.Contains(t, args,
		"-vf scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,setpts=1.5*PTS,fps=30,vignette=PI/4")
	assert.Contains(t, args, "-an")
	assert.Contains(t, args, "-c:v libx264")
	assert.Contains(t, args, "-g 120") // 4 × fps
	assert.Contains(t, args, "-output_ts_offset 27.250")
	assert.Contains(t, args, "-f mpegts")
	assert.NotContains(t, args, "-stream_loop")
}

func TestRenderClip_LoopShortSource(t *testing.T) {
	r, captured := captureRenderer(t, "")

	plan := ClipPlan{Source: "/media/short.mp4", Duration: 15, Loop: true, Speed: 1.0}
	require.NoError(t, r.RenderClip(context.Background(), plan, "/out.ts", 0))

	args := captured.argString()
	assert.Contains(t, args, "-stream_loop -1 -ss 0.00 -t 15.00 -i /media/short.mp4")
}

func TestRenderClip_WithBug(t *testing.T) {
	bugPath := filepath.Join(t.TempDir(), "bug.png")
	require.NoError(t, os.WriteFile(bugPath, []byte("png"), 0o644))

	r, captured := captureRenderer(t, bugPath)

	plan := ClipPlan{Source: "/media/a.mp4", Duration: 8, Speed: 1.0}
	require.NoError(t, r.RenderClip(context.Background(), plan, "/out.ts", 0))

	args := captured.argString()
	assert.Contains(t, args, "-i "+bugPath)
	assert.Contains(t, args, "colorchannelmixer=aa=0.5[bug]")
	assert.Contains(t, args, "overlay=W-w-45:H-h-40[out]")
	assert.Contains(t, args, "-map [out]")
	assert.NotContains(t, args, "-vf ")
}

func TestRenderClip_MissingBugFallsBackToPlainFilter(t *testing.T) {
	r, captured := captureRenderer(t, "/no/such/bug.png")

	plan := ClipPlan{Source: "/media/a.mp4", Duration: 8, Speed: 1.0}
	require.NoError(t, r.RenderClip(context.Background(), plan, "/out.ts", 0))

	args := captured.argString()
	assert.NotContains(t, args, "overlay=")
	assert.Contains(t, args, "-vf ")
}

func TestRenderOverlay_CommandShape(t *testing.T) {
	r, captured := captureRenderer(t, "")

	plan := ClipPlan{
		Source:        "/media/base.mp4",
		Seek:          1,
		OverlaySource: "/media/top.mp4",
		OverlaySeek:   2,
		Duration:      10,
		Speed:         2.0,
		BlendMode:     "screen",
		Effects: []effects.Effect{
			{Name: "film_grain", Filter: "noise=alls=20:allf=t+u"},
		},
	}

	require.NoError(t, r.RenderOverlay(context.Background(), plan, "/out.ts", 100))

	args := captured.argString()
	assert.Contains(t, args, "-ss 1.00 -t 10.00 -i /media/base.mp4")
	assert.Contains(t, args, "-ss 2.00 -t 10.00 -i /media/top.mp4")
	// Base gets effects, top stays clean.
	assert.Contains(t, args, "[0:v]scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,setpts=2*PTS,fps=30,noise=alls=20:allf=t+u[base]")
	assert.Contains(t, args, "[1:v]scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,setpts=2*PTS,fps=30[top]")
	assert.Contains(t, args, "[base][top]blend=all_mode=screen[out]")
	assert.Contains(t, args, "-output_ts_offset 100.000")
	// Overlay renders use the same 4 × fps keyframe interval.
	assert.Contains(t, args, "-g 120")
}

func TestRenderBumper_NoEffectsNoBug(t *testing.T) {
	bugPath := filepath.Join(t.TempDir(), "bug.png")
	require.NoError(t, os.WriteFile(bugPath, []byte("png"), 0o644))

	r, captured := captureRenderer(t, bugPath)

	require.NoError(t, r.RenderBumper(context.Background(), "/media/ident.mp4", "/out.ts", 55.5))

	args := captured.argString()
	assert.Contains(t, args, "-i /media/ident.mp4")
	assert.Contains(t, args, "-vf scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30")
	assert.Contains(t, args, "-output_ts_offset 55.500")
	// Bumpers never get the logo bug even when configured.
	assert.NotContains(t, args, "overlay=")
	assert.NotContains(t, args, "setpts=")
}

func TestRender_FailureDeletesPartialOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "partial.ts")
	require.NoError(t, os.WriteFile(outPath, []byte("partial"), 0o644))

	r := New("ffmpeg", testVideo, "", testLogger())
	r.run = func(context.Context, *ffmpeg.Command, time.Duration) error {
		return errors.New("exit status 1")
	}

	plan := ClipPlan{Source: "/media/a.mp4", Duration: 5, Speed: 1.0}
	err := r.RenderClip(context.Background(), plan, outPath, 0)
	require.Error(t, err)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "partial output should be deleted")
}

func TestOutputDuration(t *testing.T) {
	plan := ClipPlan{Duration: 10, Speed: 1.5}
	assert.InDelta(t, 15.0, plan.OutputDuration(), 1e-9)
}
