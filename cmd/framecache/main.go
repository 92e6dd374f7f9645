package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/urfave/cli/v3"

	"github.com/bdougie/framecache/internal/config"
	"github.com/bdougie/framecache/internal/logging"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
	date    = "now"
)

func build() string {
	v, c, d := version, commit, date

	// go install leaves the ldflags unset, fall back to the module's build info.
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				v = mv
			}
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					c = s.Value
				case "vcs.time":
					d = s.Value
				}
			}
		}
	}

	short := c
	if len(c) > 7 {
		short = c[:7]
	}

	return fmt.Sprintf("%s (%s) %s", v, short, d)
}

func main() {
	ctx := context.Background()

	flags := &Flags{}

	app := &cli.Command{
		Name:      "framecache",
		Usage:     "Plan and prefetch windows of video frames",
		UsageText: "framecache [global options] command [command options]",
		Description: `framecache keeps a rolling set of sampled frame windows loaded ahead of a
video's playback position.

Run 'framecache plan' to see which window would be fetched next.
Run 'framecache prefetch --video clip.mp4' to extract windows with ffmpeg.`,
		Version: build(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("FRAMECACHE_LOG_LEVEL"),
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (.yaml or .toml)",
				Sources:     cli.EnvVars("FRAMECACHE_CONFIG"),
				Value:       DefaultConfigPath(),
				Destination: &flags.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "directory for extracted frames and results",
				Sources:     cli.EnvVars("FRAMECACHE_OUTPUT_DIR"),
				Destination: &flags.OutputDir,
			},
			&cli.BoolFlag{
				Name:        "no-color",
				Usage:       "disable colored log output",
				Sources:     cli.EnvVars("NO_COLOR"),
				Destination: &flags.NoColor,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}

			if flags.LogLevel != "" {
				cfg.LogLevel = flags.LogLevel
			}
			if flags.OutputDir != "" {
				cfg.OutputDir = flags.OutputDir
			}

			if err := cfg.Validate(); err != nil {
				return ctx, fmt.Errorf("invalid config: %w", err)
			}

			logger, err := logging.New(cfg.LogLevel, os.Stderr, flags.NoColor)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}

			flags.Config = cfg
			flags.Logger = logger
			return ctx, nil
		},
	}

	app = NewPlanCmd(flags).Register(app)
	app = NewPrefetchCmd(flags).Register(app)
	app = NewSearchCmd(flags).Register(app)
	app = NewInitDBCmd(flags).Register(app)

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
