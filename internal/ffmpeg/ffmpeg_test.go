package ffmpeg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandBuilder_SingleInput(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		HideBanner().
		Overwrite().
		SeekStart(12.5).
		DurationCap(8).
		Input("/media/clip.mp4").
		VideoFilter("scale=1920:1080").
		VideoFilter("fps=30").
		NoAudio().
		VideoCodec("libx264").
		VideoPreset("veryfast").
		VideoBitrate("4500k").
		GopSize(120).
		PixelFormat("yuv420p").
		OutputTSOffset(42.125).
		OutputFormat("mpegts").
		Output("/staging/clip_000001.ts").
		Build()

	args := strings.Join(cmd.Args, " ")

	assert.Contains(t, args, "-hide_banner")
	assert.Contains(t, args, "-y")
	assert.Contains(t, args, "-ss 12.50 -t 8.00 -i /media/clip.mp4")
	assert.Contains(t, args, "-vf scale=1920:1080,fps=30")
	assert.Contains(t, args, "-an")
	assert.Contains(t, args, "-g 120")
	assert.Contains(t, args, "-output_ts_offset 42.125")
	assert.Contains(t, args, "-f mpegts")
	assert.Equal(t, "/staging/clip_000001.ts", cmd.Args[len(cmd.Args)-1])
}

func TestCommandBuilder_PerInputArgs(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		SeekStart(1).
		Input("a.mp4").
		SeekStart(2).
		Input("b.mp4").
		Input("logo.png").
		Output("out.ts").
		Build()

	args := strings.Join(cmd.Args, " ")

	// Each seek binds only to the input that follows it.
	assert.Contains(t, args, "-ss 1.00 -i a.mp4 -ss 2.00 -i b.mp4 -i logo.png")
}

func TestCommandBuilder_StreamLoop(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		StreamLoop(-1).
		SeekStart(0).
		DurationCap(15).
		Input("short.mp4").
		Output("out.ts").
		Build()

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-stream_loop -1 -ss 0.00 -t 15.00 -i short.mp4")
}

func TestCommandBuilder_FilterComplex(t *testing.T) {
	graph := "[0:v]scale=1920:1080[base];[1:v]scale=1920:1080[top];[base][top]blend=all_mode=screen[out]"
	cmd := NewCommandBuilder("ffmpeg").
		Input("a.mp4").
		Input("b.mp4").
		FilterComplex(graph, "[out]").
		Output("out.ts").
		Build()

	args := strings.Join(cmd.Args, " ")
	assert.Contains(t, args, "-filter_complex "+graph)
	assert.Contains(t, args, "-map [out]")
	// filter_complex suppresses the simple -vf chain
	assert.NotContains(t, args, "-vf")
}

func TestCommandBuilder_HLSArgs(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		Realtime().
		GenPTS().
		InputFormat("mpegts").
		Input("pipe:0").
		InputFormat("s16le").
		InputArgs("-ar", "44100", "-ac", "2", "-thread_queue_size", "4096").
		Input("/staging/audio_pipe").
		Map("0:v").
		Map("1:a").
		VideoCodec("copy").
		AudioFilter("loudnorm=I=-16:TP=-1.5:LRA=11").
		AudioCodec("aac").
		AudioBitrate("192k").
		AudioSampleRate(44100).
		HLSArgs(4, 10, "delete_segments", "/hls/segment_%05d.ts").
		Output("/hls/index.m3u8").
		Build()

	args := strings.Join(cmd.Args, " ")

	assert.Contains(t, args, "-re -fflags +genpts -f mpegts -i pipe:0")
	assert.Contains(t, args, "-f s16le -ar 44100 -ac 2 -thread_queue_size 4096 -i /staging/audio_pipe")
	assert.Contains(t, args, "-map 0:v -map 1:a")
	assert.Contains(t, args, "-c:v copy")
	assert.Contains(t, args, "-af loudnorm=I=-16:TP=-1.5:LRA=11")
	assert.Contains(t, args, "-hls_time 4")
	assert.Contains(t, args, "-hls_list_size 10")
	assert.Contains(t, args, "-hls_segment_filename /hls/segment_%05d.ts")
	assert.Equal(t, "/hls/index.m3u8", cmd.Args[len(cmd.Args)-1])
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer

	_, err := tb.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = tb.Write([]byte("world"))
	require.NoError(t, err)

	assert.Equal(t, "hello world", string(tb.Tail(100)))
	assert.Equal(t, "world", string(tb.Tail(5)))
}

func TestTailBuffer_Bounded(t *testing.T) {
	var tb tailBuffer

	chunk := make([]byte, 1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	for i := 0; i < 100; i++ {
		_, _ = tb.Write(chunk)
	}

	assert.LessOrEqual(t, len(tb.buf), tailBufferCap)
	assert.Equal(t, 500, len(tb.Tail(500)))
}

func TestProbeResult_Seconds(t *testing.T) {
	r := &ProbeResult{Format: ProbeFormat{Duration: "93.42"}}
	sec, err := r.Seconds()
	require.NoError(t, err)
	assert.InDelta(t, 93.42, sec, 0.001)

	r = &ProbeResult{}
	_, err = r.Seconds()
	assert.Error(t, err)

	r = &ProbeResult{Format: ProbeFormat{Duration: "n/a"}}
	_, err = r.Seconds()
	assert.Error(t, err)
}
