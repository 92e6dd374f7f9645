package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/planner"
)

type PlanCmd struct {
	flags *Flags

	// flags
	totalFrames int
	frame       int
	frameSkip   int
	mode        string
	taskID      string
	buffersPath string
}

// NewPlanCmd creates a new plan command
func NewPlanCmd(flags *Flags) *PlanCmd {
	return &PlanCmd{flags: flags}
}

type planOutput struct {
	Next        *models.Buffer `json:"next"`
	WindowSize  int            `json:"window_size"`
	FrameLoaded bool           `json:"frame_loaded"`
}

// Register adds the plan command to the application
func (cmd *PlanCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "plan",
		Usage:     "Print the next buffer to prefetch",
		UsageText: "framecache plan --total-frames N [--frame F] [--buffers buffers.json]",
		Description: `Runs the buffer planner once and prints the result as JSON.

--buffers reads the current buffer list from a JSON file ("-" for stdin), in
the same format as the buffers.json manifest written by prefetch. "next" is
null when nothing is left to prefetch.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "total-frames",
				Usage:       "number of frames in the video",
				Required:    true,
				Destination: &cmd.totalFrames,
			},
			&cli.IntFlag{
				Name:        "frame",
				Aliases:     []string{"f"},
				Usage:       "current playback frame",
				Destination: &cmd.frame,
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
			&cli.StringFlag{
				Name:        "buffers",
				Usage:       "path to a JSON buffer list",
				Destination: &cmd.buffersPath,
			},
		},
		Action: cmd.run,
	})

	return app
}

func (cmd *PlanCmd) run(ctx context.Context, c *cli.Command) error {
	cfg := cmd.flags.Config

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

	media := models.MediaItem{TotalFrames: cmd.totalFrames}
	if err := planner.ValidateInput(media, cmd.frame, frameSkip); err != nil {
		return err
	}

	buffers, err := readBuffers(cmd.buffersPath, os.Stdin)
	if err != nil {
		return err
	}

	p := cmd.flags.Planner()
	out := planOutput{
		WindowSize:  p.WindowSize(frameSkip),
		FrameLoaded: planner.FrameLoaded(buffers, cmd.frame),
	}
	if next, ok := p.Plan(media, cmd.frame, buffers, mode, frameSkip, cmd.taskID); ok {
		out.Next = &next
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readBuffers(path string, stdin io.Reader) ([]models.Buffer, error) {
	if path == "" {
		return nil, nil
	}

	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open buffers: %w", err)
		}
		defer f.Close()
		r = f
	}

	var buffers []models.Buffer
	if err := json.NewDecoder(r).Decode(&buffers); err != nil {
		return nil, fmt.Errorf("decode buffers: %w", err)
	}
	return buffers, nil
}
