package pipeline

import (
	"path/filepath"
	"strconv"

	"github.com/jmylchreest/starcast/internal/config"
	"github.com/jmylchreest/starcast/internal/ffmpeg"
)

// Loudness normalization applied to the music bed before encoding.
const loudnormFilter = "loudnorm=I=-16:TP=-1.5:LRA=11"

// fifoThreadQueueSize sizes the demuxer thread queue on the FIFO input so
// audio keeps flowing while the video side blocks on stdin.
const fifoThreadQueueSize = "4096"

// buildMuxerCommand assembles the long-lived HLS encoder invocation: an
// MPEG-TS stream on stdin plus raw PCM on the named FIFO, muxed into a
// rolling playlist. Video is copied (fragments are already encoded); audio
// is loudness-normalized and encoded.
func buildMuxerCommand(ffmpegPath string, cfg *config.Config, fifoPath string) *ffmpeg.Command {
	return ffmpeg.NewCommandBuilder(ffmpegPath).
		HideBanner().
		Overwrite().
		Realtime().
		GenPTS().
		InputFormat("mpegts").
		Input("pipe:0").
		InputFormat("s16le").
		InputArgs("-ar", strconv.Itoa(cfg.Audio.SampleRate), "-ac", "2").
		InputArgs("-thread_queue_size", fifoThreadQueueSize).
		Input(fifoPath).
		Map("0:v").
		Map("1:a").
		VideoCodec("copy").
		AudioFilter(loudnormFilter).
		AudioCodec(cfg.Audio.Codec).
		AudioBitrate(cfg.Audio.Bitrate).
		AudioSampleRate(cfg.Audio.SampleRate).
		HLSArgs(cfg.HLS.SegmentDuration, cfg.HLS.ListSize, cfg.HLS.Flags,
			filepath.Join(cfg.HLSDir, "segment_%05d.ts")).
		Output(filepath.Join(cfg.HLSDir, "index.m3u8")).
		Build()
}

// StartEncoder launches the HLS muxer with a stdin pipe for fragment
// delivery. The returned process's stdin is written exclusively by the
// feeder.
func StartEncoder(ffmpegPath string, cfg *config.Config, fifoPath string) (*ffmpeg.Process, error) {
	cmd := buildMuxerCommand(ffmpegPath, cfg, fifoPath)
	return ffmpeg.Start(cmd.Binary, cmd.Args, ffmpeg.WithStdinPipe())
}
