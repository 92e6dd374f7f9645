package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bdougie/framecache/internal/analyzer"
	"github.com/bdougie/framecache/internal/config"
	"github.com/bdougie/framecache/internal/embeddings"
	"github.com/bdougie/framecache/internal/extractor"
	"github.com/bdougie/framecache/internal/media"
	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/prefetch"
	"github.com/bdougie/framecache/internal/storage"
)

type PrefetchCmd struct {
	flags *Flags

	// flags
	videoPath    string
	mediaID      string
	from         int
	frameSkip    int
	mode         string
	taskID       string
	play         bool
	interval     time.Duration
	stallTimeout time.Duration
	analyze      bool
}

// NewPrefetchCmd creates a new prefetch command
func NewPrefetchCmd(flags *Flags) *PrefetchCmd {
	return &PrefetchCmd{flags: flags}
}

// Register adds the prefetch command to the application
func (cmd *PrefetchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "prefetch",
		Usage:     "Prefetch frame windows ahead of a playback position",
		UsageText: "framecache prefetch (--video PATH | --media-id ID) [--from F] [--play] [--analyze]",
		Description: `Fetches windows of sampled frames starting at --from, either by extracting them
from a local video with ffmpeg or by downloading them from the configured
backend. Loaded windows are recorded in storage so a later run resumes
where this one stopped.

Without --play the command exits once the look-ahead is filled. With --play
it simulates playback to the end of the video, seeking the prefetcher as it
goes, and fails if a frame takes longer than --stall-timeout to load.

--analyze describes every loaded frame with the configured vision model.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "video",
				Usage:       "path to a local video file",
				Destination: &cmd.videoPath,
			},
			&cli.StringFlag{
				Name:        "media-id",
				Usage:       "id of a media item on the backend",
				Destination: &cmd.mediaID,
			},
			&cli.IntFlag{
				Name:        "from",
				Usage:       "starting playback frame",
				Destination: &cmd.from,
			},
			&cli.IntFlag{
				Name:        "frame-skip",
				Usage:       "sampling stride (defaults to planner.frame_skip)",
				Destination: &cmd.frameSkip,
			},
			&cli.StringFlag{
				Name:        "mode",
				Usage:       "player mode (view, annotate, review, predict)",
				Destination: &cmd.mode,
			},
			&cli.StringFlag{
				Name:        "task",
				Usage:       "selected task id",
				Destination: &cmd.taskID,
			},
			&cli.BoolFlag{
				Name:        "play",
				Usage:       "simulate playback to the end of the video",
				Destination: &cmd.play,
			},
			&cli.DurationFlag{
				Name:        "interval",
				Usage:       "time between playback ticks",
				Value:       40 * time.Millisecond,
				Destination: &cmd.interval,
			},
			&cli.DurationFlag{
				Name:        "stall-timeout",
				Usage:       "give up when a frame takes longer than this to load",
				Value:       30 * time.Second,
				Destination: &cmd.stallTimeout,
			},
			&cli.BoolFlag{
				Name:        "analyze",
				Usage:       "analyze loaded frames with the vision model",
				Destination: &cmd.analyze,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *PrefetchCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config
	logger := cmd.flags.Logger

	if (cmd.videoPath == "") == (cmd.mediaID == "") {
		return fmt.Errorf("exactly one of --video or --media-id is required")
	}

	frameSkip := cfg.Planner.FrameSkip
	if c.IsSet("frame-skip") {
		frameSkip = cmd.frameSkip
	}
	modeName := cfg.Planner.Mode
	if cmd.mode != "" {
		modeName = cmd.mode
	}
	mode, err := models.ParseMode(modeName)
	if err != nil {
		return err
	}

	item, source, err := cmd.source(ctx)
	if err != nil {
		return err
	}
	logger.Info("prefetching", "media", item.ID, "frames", item.TotalFrames, "frame_skip", frameSkip, "from", cmd.from)

	store, err := storage.Open(ctx, cfg.Storage, cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	pf := prefetch.New(item, source, store, prefetch.Options{
		FrameSkip:      frameSkip,
		Mode:           mode,
		SelectedTaskID: cmd.taskID,
		Planner:        cmd.flags.Planner(),
		RetryDelay:     cfg.Prefetch.RetryDelay(),
		ExitWhenIdle:   !cmd.play,
	}, logger)
	pf.Seek(cmd.from)

	pf.OnBufferLoaded(func(buf models.Buffer, frames []models.Frame) {
		logger.Info("buffer loaded", "buffer", buf.String(), "frames", len(frames))
	})

	g, gctx := errgroup.WithContext(ctx)

	var processor *analyzer.Processor
	if cmd.analyze && !cfg.Analyzer.Enabled {
		cfg.Analyzer.Enabled = true
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if cfg.Analyzer.Enabled {
		var closeEmbeddings func()
		processor, closeEmbeddings, err = cmd.processor(gctx, store)
		if err != nil {
			return err
		}
		defer closeEmbeddings()
		pf.OnBufferLoaded(func(buf models.Buffer, frames []models.Frame) {
			processor.Enqueue(analyzer.Job{Media: item, Buffer: buf, Frames: frames})
		})
		g.Go(func() error { return processor.Run(gctx) })
	}

	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		if processor != nil {
			defer processor.Close()
		}
		err := pf.Run(runCtx)
		if errors.Is(err, context.Canceled) && gctx.Err() == nil {
			// playback finished
			return nil
		}
		return err
	})

	if cmd.play {
		g.Go(func() error {
			defer stop()
			return prefetch.Play(gctx, pf, prefetch.PlayOptions{
				From:         cmd.from,
				Interval:     cmd.interval,
				StallTimeout: cmd.stallTimeout,
			})
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("prefetch complete", "buffers", len(pf.Buffers()))
	return nil
}

// source resolves the media item and where its frames come from.
func (cmd *PrefetchCmd) source(ctx context.Context) (models.MediaItem, prefetch.FrameSource, error) {
	cfg := cmd.flags.Config

	if cmd.videoPath != "" {
		item, err := extractor.Probe(ctx, cfg.FFmpeg.FFprobePath, cmd.videoPath)
		if err != nil {
			return item, nil, fmt.Errorf("probe video: %w", err)
		}
		return item, extractor.New(cfg.FFmpeg.FFmpegPath, cfg.OutputDir, cmd.flags.Logger), nil
	}

	if cfg.Backend.URL == "" {
		return models.MediaItem{}, nil, fmt.Errorf("backend.url must be configured to prefetch by --media-id")
	}
	client := media.NewClient(cfg.Backend.URL, cfg.Backend.Token, &http.Client{
		Timeout: time.Duration(cfg.Backend.TimeoutMs) * time.Millisecond,
	})
	item, err := client.GetMedia(ctx, cmd.mediaID)
	if err != nil {
		return item, nil, err
	}
	return item, client, nil
}

// processor connects to Ollama and builds the analysis pipeline. The
// returned func closes the embedding service once analysis has stopped.
func (cmd *PrefetchCmd) processor(ctx context.Context, store storage.Storage) (*analyzer.Processor, func(), error) {
	cfg := cmd.flags.Config.Analyzer

	client, err := analyzer.NewClient(ctx, cfg.OllamaHost)
	if err != nil {
		return nil, nil, err
	}

	var emb *embeddings.Service
	closeFn := func() {}
	if cfg.EmbedModel != "" {
		emb = embeddings.NewService(ctx, embeddings.NewOllamaEmbedder(client, cfg.EmbedModel), cfg.Workers, 0)
		closeFn = emb.Close
	}

	var describer analyzer.Describer
	switch cfg.Describer {
	case config.DescriberOllama:
		describer = analyzer.NewOllamaDescriber(client, cfg.Model, cfg.Prompt)
	default:
		describer, err = analyzer.NewAgentDescriber(ctx, cfg.Model, cfg.Prompt, cmd.flags.Logger)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	return analyzer.NewProcessor(describer, emb, store, cfg.Workers, cmd.flags.Logger), closeFn, nil
}
