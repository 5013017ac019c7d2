// Package ffmpeg provides FFmpeg/FFprobe binary detection and wrapper functionality.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Binaries holds resolved paths to the FFmpeg tools.
type Binaries struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
	Version     string `json:"version"`
}

// versionPattern extracts the version from `ffmpeg -version` output.
var versionPattern = regexp.MustCompile(`ffmpeg version (\S+)`)

// Detect resolves the ffmpeg and ffprobe binaries. Explicit paths take
// precedence; empty paths fall back to $PATH lookup. The ffmpeg binary is
// executed once to confirm it runs and to capture its version string.
func Detect(ctx context.Context, ffmpegPath, ffprobePath string) (*Binaries, error) {
	var err error
	if ffmpegPath == "" {
		ffmpegPath, err = exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
		}
	}
	if ffprobePath == "" {
		ffprobePath, err = exec.LookPath("ffprobe")
		if err != nil {
			return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", ffmpegPath, err)
	}

	version := "unknown"
	if m := versionPattern.FindStringSubmatch(string(out)); m != nil {
		version = m[1]
	}

	return &Binaries{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		Version:     strings.TrimSpace(version),
	}, nil
}
