package prefetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStalled is returned by Play when a frame did not load within the
// stall timeout.
var ErrStalled = errors.New("playback stalled")

// PlayOptions configures simulated playback.
type PlayOptions struct {
	From int
	// Step is how many frames each tick advances. Defaults to the
	// prefetcher's frame skip.
	Step int
	// Interval between ticks. Zero plays as fast as frames load.
	Interval     time.Duration
	StallTimeout time.Duration
}

// Play walks the playback position from opts.From to the end of the video,
// seeking the prefetcher and waiting for each frame to be loaded before
// moving on, the way a player would. It returns nil at the end of the video.
func Play(ctx context.Context, p *Prefetcher, opts PlayOptions) error {
	step := opts.Step
	if step <= 0 {
		step = p.opts.FrameSkip
	}

	var ticker *time.Ticker
	if opts.Interval > 0 {
		ticker = time.NewTicker(opts.Interval)
		defer ticker.Stop()
	}

	for frame := opts.From; frame < p.media.TotalFrames; frame += step {
		p.Seek(frame)

		waitCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.StallTimeout > 0 {
			waitCtx, cancel = context.WithTimeout(ctx, opts.StallTimeout)
		}
		err := p.WaitForFrame(waitCtx, frame)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w at frame %d", ErrStalled, frame)
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}
