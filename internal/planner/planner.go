// Package planner decides which window of video frames to prefetch next.
package planner

import (
	"errors"

	"github.com/bdougie/framecache/internal/models"
)

const (
	// ChunkSize is the number of sampled frames per buffer.
	ChunkSize = 20
	// LookAhead is how many already loaded windows are skipped before
	// the planner stops looking for work.
	LookAhead = 5
)

var (
	ErrInvalidFrameSkip   = errors.New("frame skip must be positive")
	ErrInvalidTotalFrames = errors.New("media has no frames")
	ErrNegativeFrame      = errors.New("frame number must not be negative")
)

// Planner holds the tunables of the buffering policy.
type Planner struct {
	ChunkSize int
	LookAhead int
}

// Option configures a Planner.
type Option func(*Planner)

func WithChunkSize(n int) Option {
	return func(p *Planner) { p.ChunkSize = n }
}

func WithLookAhead(n int) Option {
	return func(p *Planner) { p.LookAhead = n }
}

// Default is the planner used by PlanNextBuffer.
var Default = New()

// New returns a planner with the default chunk size and look-ahead cap.
func New(opts ...Option) *Planner {
	p := &Planner{ChunkSize: ChunkSize, LookAhead: LookAhead}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WindowSize returns the span of a buffer in frame space.
func (p *Planner) WindowSize(frameSkip int) int {
	return p.ChunkSize * frameSkip
}

// Plan returns the next buffer to fetch. If a buffer is already loading it
// is returned unchanged so that only one fetch is ever in flight. The second
// return value is false when there is nothing left to prefetch, either
// because the end of the video was reached or because LookAhead windows
// ahead of currentFrame are already loaded.
//
// buffers is never modified.
func (p *Planner) Plan(media models.MediaItem, currentFrame int, buffers []models.Buffer, mode models.Mode, frameSkip int, selectedTaskID string) (models.Buffer, bool) {
	for _, b := range buffers {
		if b.Status == models.StatusLoading {
			return b, true
		}
	}

	windowSize := p.WindowSize(frameSkip)
	lastFrame := media.TotalFrames - 1
	start := (currentFrame / windowSize) * windowSize

	for i := 0; i < p.LookAhead; i++ {
		if start > lastFrame {
			return models.Buffer{}, false
		}
		if !loadedAt(buffers, start) {
			return models.Buffer{
				StartFrame:     start,
				EndFrame:       min(start+windowSize-1, lastFrame),
				FrameSkip:      frameSkip,
				Status:         models.StatusLoading,
				Mode:           mode,
				SelectedTaskID: selectedTaskID,
			}, true
		}
		start += windowSize
	}
	return models.Buffer{}, false
}

func loadedAt(buffers []models.Buffer, start int) bool {
	for _, b := range buffers {
		if b.Status == models.StatusSuccess && b.StartFrame == start {
			return true
		}
	}
	return false
}

// PlanNextBuffer plans with the default chunk size and look-ahead cap.
func PlanNextBuffer(media models.MediaItem, currentFrame int, buffers []models.Buffer, mode models.Mode, frameSkip int, selectedTaskID string) (models.Buffer, bool) {
	return Default.Plan(media, currentFrame, buffers, mode, frameSkip, selectedTaskID)
}

// WindowSize returns the default span of a buffer in frame space.
func WindowSize(frameSkip int) int {
	return Default.WindowSize(frameSkip)
}

// ValidateInput checks the preconditions Plan relies on. Plan itself does
// not guard against bad input.
func ValidateInput(media models.MediaItem, currentFrame, frameSkip int) error {
	var errs []error
	if frameSkip <= 0 {
		errs = append(errs, ErrInvalidFrameSkip)
	}
	if media.TotalFrames <= 0 {
		errs = append(errs, ErrInvalidTotalFrames)
	}
	if currentFrame < 0 {
		errs = append(errs, ErrNegativeFrame)
	}
	return errors.Join(errs...)
}

// IsFrameLoaded returns a predicate reporting whether a buffer holds
// frameNumber and has finished loading.
func IsFrameLoaded(frameNumber int) func(models.Buffer) bool {
	return func(b models.Buffer) bool {
		return b.Status == models.StatusSuccess && b.Contains(frameNumber)
	}
}

// FrameLoaded reports whether any buffer has frameNumber loaded.
func FrameLoaded(buffers []models.Buffer, frameNumber int) bool {
	loaded := IsFrameLoaded(frameNumber)
	for _, b := range buffers {
		if loaded(b) {
			return true
		}
	}
	return false
}
