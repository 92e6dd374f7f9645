package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/storage"
)

// Extractor pulls sampled frame windows out of local video files with ffmpeg.
type Extractor struct {
	ffmpegPath string
	outputDir  string
	logger     *slog.Logger
}

// New returns an extractor writing frames under outputDir.
func New(ffmpegPath, outputDir string, logger *slog.Logger) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{
		ffmpegPath: ffmpegPath,
		outputDir:  outputDir,
		logger:     logger.With("component", "extractor"),
	}
}

// VideoName returns the file name of a video without its extension.
func VideoName(videoPath string) string {
	return strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath))
}

// FetchBuffer extracts the frames sampled by buf from media.Path.
func (e *Extractor) FetchBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer) ([]models.Frame, error) {
	if _, err := os.Stat(media.Path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("video file does not exist at path: '%s'", media.Path)
	}

	want := buf.SampledFrames()
	windowDir := e.windowDir(media, buf)

	// Check if frames already exist for this window
	if frames, ok := existingFrames(windowDir, want); ok {
		e.logger.Debug("frames already extracted, skipping", "dir", windowDir, "frames", len(frames))
		return frames, nil
	}

	tmpDir := windowDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("failed to clear '%s': %w", tmpDir, err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory '%s': %w", tmpDir, err)
	}
	defer os.RemoveAll(tmpDir)

	e.logger.Debug("extracting frames", "video", media.Path, "buffer", buf.String())

	cmd := exec.CommandContext(ctx, e.ffmpegPath, extractArgs(media.Path, tmpDir, buf)...)

	// Capture output for better error reporting
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w\nOutput: %s", err, string(output))
	}

	if err := os.MkdirAll(windowDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory '%s': %w", windowDir, err)
	}

	// ffmpeg numbers its outputs 1..n, rename them to their frame numbers
	frames := make([]models.Frame, 0, len(want))
	for i, number := range want {
		src := filepath.Join(tmpDir, fmt.Sprintf("out_%06d.jpg", i+1))
		if _, err := os.Stat(src); err != nil {
			// the video ended before the window did
			break
		}
		dst := filepath.Join(windowDir, storage.FrameFileName(number))
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("failed to move frame %d: %w", number, err)
		}
		frames = append(frames, models.Frame{Number: number, Path: dst})
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frames for %s", buf)
	}
	return frames, nil
}

func (e *Extractor) windowDir(media models.MediaItem, buf models.Buffer) string {
	return filepath.Join(e.outputDir, media.ID, fmt.Sprintf("%06d-%06d-%d", buf.StartFrame, buf.EndFrame, buf.FrameSkip))
}

func existingFrames(dir string, want []int) ([]models.Frame, bool) {
	if len(want) == 0 {
		return nil, false
	}
	frames := make([]models.Frame, 0, len(want))
	for _, number := range want {
		path := filepath.Join(dir, storage.FrameFileName(number))
		if _, err := os.Stat(path); err != nil {
			return nil, false
		}
		frames = append(frames, models.Frame{Number: number, Path: path})
	}
	return frames, true
}

// selectFilter keeps every FrameSkip-th frame of the window.
func selectFilter(buf models.Buffer) string {
	return fmt.Sprintf("select='between(n,%d,%d)*not(mod(n-%d,%d))'",
		buf.StartFrame, buf.EndFrame, buf.StartFrame, buf.FrameSkip)
}

func extractArgs(videoPath, dir string, buf models.Buffer) []string {
	return []string{
		"-v", "error",
		"-i", videoPath,
		"-vf", selectFilter(buf),
		"-vsync", "vfr",
		"-q:v", "2",
		filepath.Join(dir, "out_%06d.jpg"),
	}
}
