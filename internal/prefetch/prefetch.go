// Package prefetch keeps a rolling window of video frames loaded ahead of
// the playback position.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/planner"
	"github.com/bdougie/framecache/internal/storage"
)

// FrameSource fetches the frames sampled by a buffer.
type FrameSource interface {
	FetchBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer) ([]models.Frame, error)
}

// Options configures a Prefetcher.
type Options struct {
	FrameSkip      int
	Mode           models.Mode
	SelectedTaskID string
	Planner        *planner.Planner
	// RetryDelay is how long to wait after a failed fetch before planning
	// again. A Seek ends the wait early.
	RetryDelay time.Duration
	// ExitWhenIdle makes Run return once there is nothing left to fetch
	// for the current position.
	ExitWhenIdle bool
}

// Prefetcher owns the buffer list of one media item. It asks the planner
// for the next window, fetches it, and repeats. Only one fetch runs at a
// time.
type Prefetcher struct {
	media  models.MediaItem
	source FrameSource
	store  storage.Storage
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	buffers   []models.Buffer
	current   int
	changed   chan struct{}
	listeners []func(models.Buffer, []models.Frame)

	wake chan struct{}
}

// New returns a prefetcher for media.
func New(media models.MediaItem, source FrameSource, store storage.Storage, opts Options, logger *slog.Logger) *Prefetcher {
	if opts.Planner == nil {
		opts.Planner = planner.Default
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeView
	}
	return &Prefetcher{
		media:   media,
		source:  source,
		store:   store,
		opts:    opts,
		logger:  logger.With("component", "prefetch", "media", media.ID),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// OnBufferLoaded registers fn to be called after each buffer is stored.
// Listeners run on the prefetch goroutine and should not block for long.
func (p *Prefetcher) OnBufferLoaded(fn func(models.Buffer, []models.Frame)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Seek moves the playback position and wakes the prefetch loop.
func (p *Prefetcher) Seek(frame int) {
	p.mu.Lock()
	p.current = frame
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Current returns the playback position.
func (p *Prefetcher) Current() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Buffers returns a snapshot of the buffer list.
func (p *Prefetcher) Buffers() []models.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.buffers)
}

// FrameLoaded reports whether frame is held by a loaded buffer.
func (p *Prefetcher) FrameLoaded(frame int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return planner.FrameLoaded(p.buffers, frame)
}

// WaitForFrame blocks until frame is loaded or ctx is done.
func (p *Prefetcher) WaitForFrame(ctx context.Context, frame int) error {
	for {
		p.mu.Lock()
		loaded := planner.FrameLoaded(p.buffers, frame)
		changed := p.changed
		p.mu.Unlock()

		if loaded {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Run loads previously stored buffers and prefetches until ctx is done, or
// until idle when Options.ExitWhenIdle is set.
func (p *Prefetcher) Run(ctx context.Context) error {
	if err := errors.Join(p.media.CheckID(), planner.ValidateInput(p.media, p.Current(), p.opts.FrameSkip)); err != nil {
		return fmt.Errorf("invalid prefetch input: %w", err)
	}

	if err := p.restore(ctx); err != nil {
		return err
	}

	for {
		next, ok := p.plan()
		if !ok {
			if p.opts.ExitWhenIdle {
				return nil
			}
			p.logger.Debug("nothing to prefetch", "frame", p.Current())
			if err := p.wait(ctx, 0); err != nil {
				return err
			}
			continue
		}

		if err := p.load(ctx, next); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.opts.ExitWhenIdle {
				return fmt.Errorf("load %s: %w", next, err)
			}
			p.logger.Warn("buffer fetch failed", "buffer", next.String(), "error", err)
			if err := p.wait(ctx, p.opts.RetryDelay); err != nil {
				return err
			}
		}
	}
}

// restore seeds the buffer list with windows loaded by earlier runs at the
// same frame skip and task.
func (p *Prefetcher) restore(ctx context.Context) error {
	stored, err := p.store.Buffers(ctx, p.media)
	if err != nil {
		return fmt.Errorf("load stored buffers: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range stored {
		// windows sampled at another stride or for another task hold different frames
		if b.FrameSkip != p.opts.FrameSkip || b.SelectedTaskID != p.opts.SelectedTaskID {
			continue
		}
		if b.Status == models.StatusSuccess && !slices.Contains(p.buffers, b) {
			p.buffers = append(p.buffers, b)
		}
	}
	if len(stored) > 0 {
		p.logger.Info("restored buffers", "count", len(p.buffers))
	}
	return nil
}

// plan asks the planner for work and records a new buffer as LOADING. It
// returns false when there is nothing new to fetch.
func (p *Prefetcher) plan() (models.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next, ok := p.opts.Planner.Plan(p.media, p.current, p.buffers, p.opts.Mode, p.opts.FrameSkip, p.opts.SelectedTaskID)
	if !ok {
		return models.Buffer{}, false
	}
	if slices.Contains(p.buffers, next) {
		// already in flight
		return models.Buffer{}, false
	}

	p.buffers = append(p.buffers, next)
	p.notifyLocked()
	return next, true
}

func (p *Prefetcher) load(ctx context.Context, buf models.Buffer) error {
	start := time.Now()

	frames, err := p.source.FetchBuffer(ctx, p.media, buf)
	if err == nil {
		err = p.store.SaveBuffer(ctx, p.media, buf.WithStatus(models.StatusSuccess), frames)
	}
	if err != nil {
		p.remove(buf)
		return err
	}

	done := p.complete(buf)
	p.logger.Debug("buffer loaded", "buffer", done.String(), "frames", len(frames), "took", time.Since(start))

	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(done, frames)
	}
	return nil
}

func (p *Prefetcher) complete(buf models.Buffer) models.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := buf.WithStatus(models.StatusSuccess)
	if i := slices.Index(p.buffers, buf); i >= 0 {
		p.buffers[i] = done
	}
	p.notifyLocked()
	return done
}

func (p *Prefetcher) remove(buf models.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buffers = slices.DeleteFunc(p.buffers, func(b models.Buffer) bool { return b == buf })
	p.notifyLocked()
}

func (p *Prefetcher) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// wait blocks until a Seek, ctx is done, or d elapses when d > 0.
func (p *Prefetcher) wait(ctx context.Context, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.wake:
	case <-timeout:
	}
	return nil
}
