package embeddings

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when the embedding queue has no room.
var ErrQueueFull = errors.New("embedding queue is full, try again later")

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// Result represents the result of embedding generation
type Result struct {
	Content   string
	Embedding []float32
	Error     error
}

// Work represents a unit of embedding work
type Work struct {
	Content string
	Result  chan<- Result
}

// Service manages embedding generation and caching
type Service struct {
	ctx        context.Context
	embedder   Embedder
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // content -> []float32
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService creates a new embedding service with the specified number of workers.
// Workers stop generating when ctx is done.
func NewService(ctx context.Context, embedder Embedder, numWorkers, queueSize int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	service := &Service{
		ctx:        ctx,
		embedder:   embedder,
		numWorkers: numWorkers,
		workQueue:  make(chan Work, queueSize),
	}

	service.startWorkers()
	return service
}

// startWorkers starts a pool of goroutines for generating embeddings
func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				work.Result <- s.embed(work.Content)
				close(work.Result)
			}
		}()
	}
}

func (s *Service) embed(content string) Result {
	if cached, ok := s.cache.Load(content); ok {
		return Result{Content: content, Embedding: cached.([]float32)}
	}

	if err := s.ctx.Err(); err != nil {
		return Result{Content: content, Error: err}
	}

	embedding, err := s.embedder.Embed(s.ctx, content)
	if err == nil {
		s.cache.Store(content, embedding)
	}
	return Result{Content: content, Embedding: embedding, Error: err}
}

// GetEmbedding requests an embedding generation asynchronously
func (s *Service) GetEmbedding(content string) <-chan Result {
	resultChan := make(chan Result, 1)

	select {
	case s.workQueue <- Work{Content: content, Result: resultChan}:
	default:
		resultChan <- Result{Content: content, Error: ErrQueueFull}
		close(resultChan)
	}

	return resultChan
}

// Embed requests an embedding and waits for it
func (s *Service) Embed(ctx context.Context, content string) ([]float32, error) {
	select {
	case res := <-s.GetEmbedding(content):
		return res.Embedding, res.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down the embedding service and waits for all workers to finish
func (s *Service) Close() {
	s.closeOnce.Do(func() { close(s.workQueue) })
	s.wg.Wait()
}
