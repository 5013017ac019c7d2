package cmd

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/starcast/internal/config"
	"github.com/jmylchreest/starcast/internal/content"
	"github.com/jmylchreest/starcast/internal/effects"
	"github.com/jmylchreest/starcast/internal/ffmpeg"
	"github.com/jmylchreest/starcast/internal/hls"
	internalhttp "github.com/jmylchreest/starcast/internal/http"
	"github.com/jmylchreest/starcast/internal/observability"
	"github.com/jmylchreest/starcast/internal/pipeline"
	"github.com/jmylchreest/starcast/internal/render"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broadcast pipeline",
	Long: `Run the 24x7 broadcast pipeline: scan the content library, render
effects-processed clips per daypart, stream music into the audio FIFO, and
mux both into rolling HLS output.`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}

	logger := observability.NewLogger(cfg.Logging, cfg.LogFile)
	observability.SetDefault(logger)

	// Broken pipe writes must surface as errors, not kill the process.
	signal.Ignore(syscall.SIGPIPE)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bins, err := ffmpeg.Detect(ctx, cfg.FFmpeg.BinaryPath, cfg.FFmpeg.ProbePath)
	if err != nil {
		return err
	}
	logger.Info("ffmpeg detected",
		slog.String("ffmpeg", bins.FFmpegPath),
		slog.String("ffprobe", bins.FFprobePath),
		slog.String("version", bins.Version))

	prober := ffmpeg.NewProber(bins.FFprobePath)
	index := content.New(cfg, prober, observability.WithComponent(logger, "content"))
	renderer := render.New(bins.FFmpegPath, cfg.Video, cfg.BugPath,
		observability.WithComponent(logger, "render"))

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	conductor := pipeline.New(pipeline.Options{
		Config:     cfg,
		FFmpegPath: bins.FFmpegPath,
		Index:      index,
		Renderer:   renderer,
		Picker:     effects.NewPicker(rng),
		State:      pipeline.NewState(),
		Logger:     observability.WithComponent(logger, "conductor"),
		Rand:       rng,
	})

	monitor := hls.NewMonitor(filepath.Join(cfg.HLSDir, "index.m3u8"),
		observability.WithComponent(logger, "hls"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return conductor.Run(ctx)
	})

	g.Go(func() error {
		_ = monitor.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := index.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("content watcher stopped", slog.Any("error", err))
		}
		return nil
	})

	if cfg.Server.Enabled {
		server := internalhttp.NewServer(cfg.Server.Host, cfg.Server.Port,
			conductor, monitor, observability.WithComponent(logger, "http"))
		g.Go(func() error {
			return server.Run(ctx)
		})
	}

	if cfg.Rescan.Enabled {
		scheduler := cron.New(cron.WithSeconds())
		if _, err := scheduler.AddFunc(cfg.Rescan.Cron, func() {
			logger.Info("scheduled library rescan")
			if err := index.Refresh(context.Background()); err != nil {
				logger.Warn("scheduled rescan failed", slog.Any("error", err))
			}
		}); err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
