package models

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrInvalidMediaID is returned for ids that cannot name a directory.
var ErrInvalidMediaID = errors.New("invalid media id")

// MediaItem describes the video a set of buffers belongs to
type MediaItem struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Path        string  `json:"path,omitempty"`
	TotalFrames int     `json:"total_frames"`
	FPS         float64 `json:"fps,omitempty"`
}

// CheckID verifies that the id is a single path element. Frames and
// manifests are stored in a directory named after it.
func (m MediaItem) CheckID() error {
	id := m.ID
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || filepath.IsAbs(id) {
		return fmt.Errorf("%w: %q", ErrInvalidMediaID, id)
	}
	return nil
}

// Frame is a single materialized frame of a buffer
type Frame struct {
	Number int    `json:"frame_number"`
	Path   string `json:"path,omitempty"`
	Data   []byte `json:"-"`
}

// WorkItem represents a frame to be analyzed
type WorkItem struct {
	Frame    Frame
	FrameNum int
	Total    int
}

// AnalysisResult represents the result of analyzing a frame
type AnalysisResult struct {
	MediaID     string    `json:"media_id"`
	FrameNumber int       `json:"frame_number"`
	Frame       string    `json:"frame"`
	Content     string    `json:"content"`
	Embedding   []float32 `json:"embedding,omitempty"`
}

// FrameSearchResult is a frame returned by a similarity search
type FrameSearchResult struct {
	FrameNumber int     `json:"frame_number"`
	FramePath   string  `json:"frame_path"`
	Description string  `json:"description"`
	Similarity  float64 `json:"similarity"`
}
