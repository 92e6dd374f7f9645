package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bdougie/framecache/internal/models"
)

// FrameFileName is the on-disk name of a frame image.
func FrameFileName(frameNumber int) string {
	return fmt.Sprintf("frame_%06d.jpg", frameNumber)
}

// WriteFrames stores in-memory frame data under dir. Frames that already
// live on disk are left where they are. The returned slice carries the
// final path of every frame.
func WriteFrames(dir string, frames []models.Frame) ([]models.Frame, error) {
	out := make([]models.Frame, len(frames))
	for i, f := range frames {
		out[i] = f
		if f.Path != "" || len(f.Data) == 0 {
			continue
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create frame directory '%s': %w", dir, err)
		}

		path := filepath.Join(dir, FrameFileName(f.Number))
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to save frame %d: %w", f.Number, err)
		}
		out[i].Path = path
	}
	return out, nil
}
