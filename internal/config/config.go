// Package config provides configuration management for starcast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultFPS               = 30
	defaultSegmentDuration   = 4
	defaultListSize          = 10
	defaultClipMinDuration   = 8.0
	defaultClipMaxDuration   = 25.0
	defaultEffectsMin        = 1
	defaultEffectsMax        = 3
	defaultBumperInterval    = 10.0
	defaultBroadcastStart    = 10
	defaultBroadcastEnd      = 2
	defaultWatchdogTimeout   = 90 * time.Second
	defaultMaxStagingFiles   = 30
	defaultDiskCheckInterval = 30 * time.Second
	defaultStatusPort        = 8790
)

// Config holds all configuration for the application.
type Config struct {
	MusicDir   string `mapstructure:"music_dir"`
	ClipsDir   string `mapstructure:"clips_dir"`
	BumpersDir string `mapstructure:"bumpers_dir"`
	HLSDir     string `mapstructure:"hls_dir"`
	StagingDir string `mapstructure:"staging_dir"`

	// BugPath is an optional station logo overlaid on rendered clips.
	BugPath string `mapstructure:"bug_path"`

	// LogFile is the rotating pipeline log. Empty disables file logging.
	LogFile string `mapstructure:"log_file"`

	Video   VideoConfig  `mapstructure:"video"`
	Audio   AudioConfig  `mapstructure:"audio"`
	HLS     HLSConfig    `mapstructure:"hls"`
	Mixing  MixingConfig `mapstructure:"mixing"`
	Bumpers BumperConfig `mapstructure:"bumpers"`

	Dayparts      []DaypartConfig   `mapstructure:"dayparts"`
	ClipsDayparts map[string]string `mapstructure:"clips_dayparts"`

	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Rescan    RescanConfig    `mapstructure:"rescan"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
}

// VideoConfig holds the video encode settings shared by every render.
type VideoConfig struct {
	Width   int    `mapstructure:"width"`
	Height  int    `mapstructure:"height"`
	FPS     int    `mapstructure:"fps"`
	Codec   string `mapstructure:"codec"`
	Preset  string `mapstructure:"preset"`
	Bitrate string `mapstructure:"bitrate"`
	PixFmt  string `mapstructure:"pix_fmt"`
}

// AudioConfig holds the audio encode settings for the HLS muxer.
type AudioConfig struct {
	Codec      string `mapstructure:"codec"`
	Bitrate    string `mapstructure:"bitrate"`
	SampleRate int    `mapstructure:"sample_rate"`
}

// HLSConfig holds HLS output settings.
type HLSConfig struct {
	SegmentDuration int    `mapstructure:"segment_duration"`
	ListSize        int    `mapstructure:"list_size"`
	Flags           string `mapstructure:"flags"`
}

// MixingConfig bounds clip duration and effect stacking.
type MixingConfig struct {
	ClipMinDuration   float64 `mapstructure:"clip_min_duration"`
	ClipMaxDuration   float64 `mapstructure:"clip_max_duration"`
	EffectsPerClipMin int     `mapstructure:"effects_per_clip_min"`
	EffectsPerClipMax int     `mapstructure:"effects_per_clip_max"`
}

// BumperConfig controls interstitial insertion cadence.
type BumperConfig struct {
	MinIntervalMinutes float64 `mapstructure:"min_interval_minutes"`
}

// DaypartConfig is a named hour-range partition of the broadcast day.
// Intervals may wrap midnight: if start >= end the interval is
// [start, 24) ∪ [0, end).
type DaypartConfig struct {
	Name      string `mapstructure:"name"`
	StartHour int    `mapstructure:"start_hour"`
	EndHour   int    `mapstructure:"end_hour"`
	Subdir    string `mapstructure:"subdir"`
}

// Contains reports whether the given wall-clock hour falls inside the daypart.
func (d DaypartConfig) Contains(hour int) bool {
	if d.StartHour < d.EndHour {
		return hour >= d.StartHour && hour < d.EndHour
	}
	return hour >= d.StartHour || hour < d.EndHour
}

// BroadcastConfig defines the on-air window [StartHour, EndHour).
// When StartHour >= EndHour the window wraps midnight: on-air iff
// hour >= StartHour or hour < EndHour.
type BroadcastConfig struct {
	StartHour int `mapstructure:"start_hour"`
	EndHour   int `mapstructure:"end_hour"`
}

// WatchdogConfig controls stall detection.
type WatchdogConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LimitsConfig holds resource guard settings for the main loop.
type LimitsConfig struct {
	MinFreeSpace      ByteSize      `mapstructure:"min_free_space"`
	MaxStagingFiles   int           `mapstructure:"max_staging_files"`
	DiskCheckInterval time.Duration `mapstructure:"disk_check_interval"`
}

// RescanConfig schedules the overnight full library rescan.
type RescanConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Cron    string `mapstructure:"cron"` // 6-field cron expression
}

// ServerConfig holds the status HTTP server configuration.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // Path to ffmpeg binary (empty = $PATH lookup)
	ProbePath  string `mapstructure:"probe_path"`  // Path to ffprobe binary (empty = $PATH lookup)
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with STARCAST_ and use underscores
// for nesting. Example: STARCAST_HLS_DIR=/srv/hls.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("starcast")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/starcast")
		v.AddConfigPath("$HOME/.starcast")
	}

	v.SetEnvPrefix("STARCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("music_dir", "./media/music")
	v.SetDefault("clips_dir", "./media/clips")
	v.SetDefault("bumpers_dir", "./media/bumpers")
	v.SetDefault("hls_dir", "./hls")
	v.SetDefault("staging_dir", "./staging")
	v.SetDefault("bug_path", "")
	v.SetDefault("log_file", "pipeline.log")

	v.SetDefault("video.width", 1920)
	v.SetDefault("video.height", 1080)
	v.SetDefault("video.fps", defaultFPS)
	v.SetDefault("video.codec", "libx264")
	v.SetDefault("video.preset", "veryfast")
	v.SetDefault("video.bitrate", "4500k")
	v.SetDefault("video.pix_fmt", "yuv420p")

	v.SetDefault("audio.codec", "aac")
	v.SetDefault("audio.bitrate", "192k")
	v.SetDefault("audio.sample_rate", 44100)

	v.SetDefault("hls.segment_duration", defaultSegmentDuration)
	v.SetDefault("hls.list_size", defaultListSize)
	v.SetDefault("hls.flags", "delete_segments")

	v.SetDefault("mixing.clip_min_duration", defaultClipMinDuration)
	v.SetDefault("mixing.clip_max_duration", defaultClipMaxDuration)
	v.SetDefault("mixing.effects_per_clip_min", defaultEffectsMin)
	v.SetDefault("mixing.effects_per_clip_max", defaultEffectsMax)

	v.SetDefault("bumpers.min_interval_minutes", defaultBumperInterval)

	v.SetDefault("dayparts", []map[string]any{})
	v.SetDefault("clips_dayparts", map[string]string{})

	v.SetDefault("broadcast.start_hour", defaultBroadcastStart)
	v.SetDefault("broadcast.end_hour", defaultBroadcastEnd)

	v.SetDefault("watchdog.timeout", defaultWatchdogTimeout)

	v.SetDefault("limits.min_free_space", "1GB")
	v.SetDefault("limits.max_staging_files", defaultMaxStagingFiles)
	v.SetDefault("limits.disk_check_interval", defaultDiskCheckInterval)

	v.SetDefault("rescan.enabled", true)
	v.SetDefault("rescan.cron", "0 45 4 * * *") // 04:45 daily, off-air

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultStatusPort)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "2006-01-02 15:04:05")

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ClipsDir == "" {
		return fmt.Errorf("clips_dir is required")
	}
	if c.MusicDir == "" {
		return fmt.Errorf("music_dir is required")
	}
	if c.HLSDir == "" {
		return fmt.Errorf("hls_dir is required")
	}
	if c.StagingDir == "" {
		return fmt.Errorf("staging_dir is required")
	}

	if c.Video.Width < 1 || c.Video.Height < 1 {
		return fmt.Errorf("video.width and video.height must be positive")
	}
	if c.Video.FPS < 1 {
		return fmt.Errorf("video.fps must be at least 1")
	}
	if c.Video.Codec == "" {
		return fmt.Errorf("video.codec is required")
	}

	if c.Audio.SampleRate < 1 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}

	if c.HLS.SegmentDuration < 1 {
		return fmt.Errorf("hls.segment_duration must be at least 1")
	}
	if c.HLS.ListSize < 1 {
		return fmt.Errorf("hls.list_size must be at least 1")
	}

	if c.Mixing.ClipMinDuration <= 0 {
		return fmt.Errorf("mixing.clip_min_duration must be positive")
	}
	if c.Mixing.ClipMaxDuration < c.Mixing.ClipMinDuration {
		return fmt.Errorf("mixing.clip_max_duration must be >= mixing.clip_min_duration")
	}
	if c.Mixing.EffectsPerClipMin < 0 || c.Mixing.EffectsPerClipMax < c.Mixing.EffectsPerClipMin {
		return fmt.Errorf("mixing effects bounds are inconsistent")
	}

	if err := validateHour("broadcast.start_hour", c.Broadcast.StartHour); err != nil {
		return err
	}
	if err := validateHour("broadcast.end_hour", c.Broadcast.EndHour); err != nil {
		return err
	}

	for i, dp := range c.Dayparts {
		if dp.Name == "" {
			return fmt.Errorf("dayparts[%d].name is required", i)
		}
		if err := validateHour(fmt.Sprintf("dayparts[%d].start_hour", i), dp.StartHour); err != nil {
			return err
		}
		if err := validateHour(fmt.Sprintf("dayparts[%d].end_hour", i), dp.EndHour); err != nil {
			return err
		}
	}

	if c.Watchdog.Timeout < time.Second {
		return fmt.Errorf("watchdog.timeout must be at least 1s")
	}
	if c.Limits.MaxStagingFiles < 1 {
		return fmt.Errorf("limits.max_staging_files must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Server.Enabled {
		const maxPort = 65535
		if c.Server.Port < 1 || c.Server.Port > maxPort {
			return fmt.Errorf("server.port must be between 1 and %d", maxPort)
		}
	}

	return nil
}

func validateHour(field string, hour int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%s must be between 0 and 23", field)
	}
	return nil
}

// DaypartFor returns the daypart containing the given hour, or nil when no
// configured daypart matches.
func (c *Config) DaypartFor(hour int) *DaypartConfig {
	for i := range c.Dayparts {
		if c.Dayparts[i].Contains(hour) {
			return &c.Dayparts[i]
		}
	}
	return nil
}
