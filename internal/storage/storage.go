package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bdougie/framecache/internal/models"
)

const defaultBatchSize = 10 // Number of results to batch write

const (
	buffersFile = "buffers.json"
	resultsFile = "analysis_results.json"
)

// Storage persists fetched buffers, their frames and frame analyses
type Storage interface {
	// SaveBuffer records a loaded buffer together with its frames
	SaveBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer, frames []models.Frame) error

	// Buffers returns the buffers already loaded for a media item
	Buffers(ctx context.Context, media models.MediaItem) ([]models.Buffer, error)

	// AddResult adds a single analysis result
	AddResult(ctx context.Context, result models.AnalysisResult) error

	// Flush ensures all pending results are saved
	Flush() error

	// Close flushes and releases resources
	Close() error
}

// JSONStorage keeps a buffer manifest and batched analysis results as JSON
// files under <outputDir>/<media id>/.
type JSONStorage struct {
	mu        sync.Mutex
	outputDir string
	batchSize int
	pending   map[string][]models.AnalysisResult
}

// NewJSONStorage creates a file backed storage
func NewJSONStorage(outputDir string, batchSize int) *JSONStorage {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &JSONStorage{
		outputDir: outputDir,
		batchSize: batchSize,
		pending:   map[string][]models.AnalysisResult{},
	}
}

// SaveBuffer writes the buffer's frames and records it in the manifest.
// Saving the same window twice replaces the earlier entry.
func (s *JSONStorage) SaveBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer, frames []models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := WriteFrames(s.mediaDir(media.ID), frames); err != nil {
		return err
	}

	path := filepath.Join(s.mediaDir(media.ID), buffersFile)
	var buffers []models.Buffer
	if err := readJSON(path, &buffers); err != nil {
		return err
	}

	buffers = upsertBuffer(buffers, buf)
	return writeJSON(path, buffers)
}

// Buffers returns the manifest for media, ordered by start frame.
func (s *JSONStorage) Buffers(ctx context.Context, media models.MediaItem) ([]models.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buffers []models.Buffer
	if err := readJSON(filepath.Join(s.mediaDir(media.ID), buffersFile), &buffers); err != nil {
		return nil, err
	}
	return buffers, nil
}

// AddResult adds a result to the batch and flushes if the batch is full
func (s *JSONStorage) AddResult(ctx context.Context, result models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[result.MediaID] = append(s.pending[result.MediaID], result)

	// Write to disk when batch is full
	if len(s.pending[result.MediaID]) >= s.batchSize {
		return s.flushMedia(result.MediaID)
	}
	return nil
}

// Results returns the flushed analysis results for media
func (s *JSONStorage) Results(media models.MediaItem) ([]models.AnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []models.AnalysisResult
	if err := readJSON(filepath.Join(s.mediaDir(media.ID), resultsFile), &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Flush writes all pending results to disk
func (s *JSONStorage) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for mediaID := range s.pending {
		if err := s.flushMedia(mediaID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending results
func (s *JSONStorage) Close() error {
	return s.Flush()
}

func (s *JSONStorage) flushMedia(mediaID string) error {
	batch := s.pending[mediaID]
	if len(batch) == 0 {
		return nil
	}

	path := filepath.Join(s.mediaDir(mediaID), resultsFile)
	var existing []models.AnalysisResult
	if err := readJSON(path, &existing); err != nil {
		return err
	}

	if err := writeJSON(path, append(existing, batch...)); err != nil {
		return err
	}

	delete(s.pending, mediaID) // Clear the batch
	return nil
}

func (s *JSONStorage) mediaDir(mediaID string) string {
	return filepath.Join(s.outputDir, mediaID)
}

// upsertBuffer replaces the entry with the same window or appends buf,
// keeping the list ordered by start frame.
func upsertBuffer(buffers []models.Buffer, buf models.Buffer) []models.Buffer {
	replaced := false
	for i, b := range buffers {
		if b.StartFrame == buf.StartFrame && b.FrameSkip == buf.FrameSkip {
			buffers[i] = buf
			replaced = true
		}
	}
	if !replaced {
		buffers = append(buffers, buf)
	}
	sort.SliceStable(buffers, func(i, j int) bool {
		return buffers[i].StartFrame < buffers[j].StartFrame
	})
	return buffers
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically so readers never see a partial file.
func writeJSON(path string, v any) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", filepath.Base(path), err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(file.Name())
		}
	}()

	if err := json.NewEncoder(file).Encode(v); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(file.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
