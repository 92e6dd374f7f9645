package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bdougie/framecache/internal/embeddings"
	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/storage"
)

const defaultWorkers = 4

// Job is a loaded buffer waiting for analysis.
type Job struct {
	Media  models.MediaItem
	Buffer models.Buffer
	Frames []models.Frame
}

// Processor analyzes the frames of loaded buffers and stores the results
type Processor struct {
	describer  Describer
	embeddings *embeddings.Service
	storage    storage.Storage
	workers    int
	logger     *slog.Logger

	jobs      chan Job
	closeOnce sync.Once
}

// NewProcessor returns a processor. embeddings may be nil, in which case
// results are stored without vectors.
func NewProcessor(describer Describer, emb *embeddings.Service, store storage.Storage, workers int, logger *slog.Logger) *Processor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Processor{
		describer:  describer,
		embeddings: emb,
		storage:    store,
		workers:    workers,
		logger:     logger.With("component", "analyzer"),
		jobs:       make(chan Job, 16),
	}
}

// Enqueue queues a loaded buffer for analysis. It never blocks; when the
// queue is full the buffer is skipped.
func (p *Processor) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		p.logger.Warn("analysis queue full, skipping buffer", "buffer", job.Buffer.String())
		return false
	}
}

// Close stops accepting jobs. Run finishes the queued ones and returns.
// Enqueue must not be called after Close.
func (p *Processor) Close() {
	p.closeOnce.Do(func() { close(p.jobs) })
}

// Run processes queued buffers until Close is called or ctx is done, then
// flushes storage.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if err := p.storage.Flush(); err != nil {
				return fmt.Errorf("failed to flush final results: %w", err)
			}
			return ctx.Err()
		case job, ok := <-p.jobs:
			if !ok {
				if err := p.storage.Flush(); err != nil {
					return fmt.Errorf("failed to flush final results: %w", err)
				}
				return nil
			}
			if err := p.ProcessBuffer(ctx, job); err != nil {
				p.logger.Error("buffer analysis failed", "buffer", job.Buffer.String(), "error", err)
			}
		}
	}
}

// ProcessBuffer analyzes every frame of job with a pool of workers.
// Frames that fail are reported together; the rest are still stored.
func (p *Processor) ProcessBuffer(ctx context.Context, job Job) error {
	frames := job.Frames
	if len(frames) == 0 {
		return nil
	}

	workChan := make(chan models.WorkItem, len(frames))
	resultsChan := make(chan models.AnalysisResult, len(frames))
	errorsChan := make(chan error, len(frames))

	var wg sync.WaitGroup

	remainingFrames := atomic.Int64{}
	remainingFrames.Store(int64(len(frames)))

	// Start worker pool
	for i := 0; i < min(p.workers, len(frames)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for work := range workChan {
				result, err := p.analyze(ctx, job.Media, work.Frame)
				remaining := remainingFrames.Add(-1)
				if err != nil {
					errorsChan <- fmt.Errorf("frame %d (%d/%d) failed: %w", work.Frame.Number, work.FrameNum, work.Total, err)
					p.logger.Debug("frame failed", "frame", work.Frame.Number, "remaining", remaining)
					continue
				}

				resultsChan <- result
				p.logger.Debug("frame analyzed", "frame", work.Frame.Number, "remaining", remaining)
			}
		}()
	}

	// Send work to workers
	for i, frame := range frames {
		workChan <- models.WorkItem{
			Frame:    frame,
			FrameNum: i + 1,
			Total:    len(frames),
		}
	}
	close(workChan)

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for result := range resultsChan {
		if err := p.storage.AddResult(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("store frame %d: %w", result.FrameNumber, err))
		}
	}
	for err := range errorsChan {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("encountered errors during processing: %w", errors.Join(errs...))
	}
	return nil
}

func (p *Processor) analyze(ctx context.Context, media models.MediaItem, frame models.Frame) (models.AnalysisResult, error) {
	content, err := p.describer.Describe(ctx, frame)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	result := models.AnalysisResult{
		MediaID:     media.ID,
		FrameNumber: frame.Number,
		Frame:       filepath.Base(frame.Path),
		Content:     content,
	}
	if frame.Path == "" {
		result.Frame = storage.FrameFileName(frame.Number)
	}

	if p.embeddings != nil {
		embedding, err := p.embeddings.Embed(ctx, content)
		if err != nil {
			// Log error but continue without embedding
			p.logger.Warn("failed to generate embedding", "frame", frame.Number, "error", err)
		}
		result.Embedding = embedding
	}
	return result, nil
}
