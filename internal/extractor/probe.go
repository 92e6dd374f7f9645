package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bdougie/framecache/internal/models"
)

type probeOutput struct {
	Streams []struct {
		NbFrames     string `json:"nb_frames"`
		NbReadFrames string `json:"nb_read_frames"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

// Probe describes a local video file using ffprobe. The container's frame
// count is used when present, otherwise frames are counted by decoding.
func Probe(ctx context.Context, ffprobePath, videoPath string) (models.MediaItem, error) {
	if _, err := os.Stat(videoPath); errors.Is(err, os.ErrNotExist) {
		return models.MediaItem{}, fmt.Errorf("video file does not exist at path: '%s'", videoPath)
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	media := models.MediaItem{
		ID:   VideoName(videoPath),
		Name: VideoName(videoPath),
		Path: videoPath,
	}

	out, err := runProbe(ctx, ffprobePath, videoPath, false)
	if err != nil {
		return media, err
	}
	total, fps, err := parseProbe(out)
	if err != nil {
		return media, err
	}

	if total <= 0 {
		out, err = runProbe(ctx, ffprobePath, videoPath, true)
		if err != nil {
			return media, err
		}
		if total, fps, err = parseProbe(out); err != nil {
			return media, err
		}
	}

	if total <= 0 {
		return media, fmt.Errorf("could not determine frame count of '%s'", videoPath)
	}

	media.TotalFrames = total
	media.FPS = fps
	return media, nil
}

func runProbe(ctx context.Context, ffprobePath, videoPath string, count bool) ([]byte, error) {
	args := []string{"-v", "error", "-select_streams", "v:0", "-of", "json"}
	if count {
		args = append(args, "-count_frames", "-show_entries", "stream=nb_read_frames,r_frame_rate")
	} else {
		args = append(args, "-show_entries", "stream=nb_frames,r_frame_rate")
	}
	args = append(args, videoPath)

	cmd := exec.CommandContext(ctx, ffprobePath, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe failed: %w\nOutput: %s", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return out, nil
}

func parseProbe(data []byte) (int, float64, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return 0, 0, fmt.Errorf("no video stream found")
	}

	s := out.Streams[0]
	count := s.NbFrames
	if count == "" || count == "N/A" {
		count = s.NbReadFrames
	}

	total := 0
	if n, err := strconv.Atoi(count); err == nil {
		total = n
	}
	return total, parseRate(s.RFrameRate), nil
}

// parseRate parses an ffprobe rational such as "30000/1001".
func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
