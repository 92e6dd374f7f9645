package extractor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framecache/internal/logging"
	"github.com/bdougie/framecache/internal/models"
)

func TestSelectFilter(t *testing.T) {
	buf := models.Buffer{StartFrame: 240, EndFrame: 479, FrameSkip: 12}
	assert.Equal(t, "select='between(n,240,479)*not(mod(n-240,12))'", selectFilter(buf))
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantTotal int
		wantFPS   float64
		wantErr   bool
	}{
		{"container count", `{"streams":[{"nb_frames":"6000","r_frame_rate":"30/1"}]}`, 6000, 30, false},
		{"decoded count", `{"streams":[{"nb_read_frames":"125","r_frame_rate":"25/1"}]}`, 125, 25, false},
		{"unknown count", `{"streams":[{"nb_frames":"N/A","r_frame_rate":"30000/1001"}]}`, 0, 30000.0 / 1001.0, false},
		{"no streams", `{"streams":[]}`, 0, 0, true},
		{"garbage", `nope`, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, fps, err := parseProbe([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTotal, total)
			assert.InDelta(t, tt.wantFPS, fps, 0.001)
		})
	}
}

func TestParseRate(t *testing.T) {
	assert.Equal(t, 25.0, parseRate("25"))
	assert.Equal(t, 0.0, parseRate("25/0"))
	assert.Equal(t, 0.0, parseRate(""))
}

func TestVideoName(t *testing.T) {
	assert.Equal(t, "match.final", VideoName("/videos/match.final.mp4"))
	assert.Equal(t, "clip", VideoName("clip.mov"))
}

func TestFetchBuffer_MissingVideo(t *testing.T) {
	e := New("ffmpeg", t.TempDir(), logging.Discard())
	_, err := e.FetchBuffer(context.Background(), models.MediaItem{ID: "x", Path: "/does/not/exist.mp4"}, models.Buffer{FrameSkip: 1})
	assert.ErrorContains(t, err, "does not exist")
}

func TestFetchBuffer_FFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	ctx := context.Background()
	dir := t.TempDir()
	video := filepath.Join(dir, "testsrc.mp4")
	gen := exec.Command("ffmpeg", "-v", "error", "-f", "lavfi", "-i", "testsrc=size=64x48:rate=25",
		"-frames:v", "50", "-pix_fmt", "yuv420p", video)
	out, err := gen.CombinedOutput()
	require.NoError(t, err, string(out))

	media, err := Probe(ctx, "ffprobe", video)
	require.NoError(t, err)
	assert.Equal(t, "testsrc", media.ID)
	assert.Equal(t, 50, media.TotalFrames)
	assert.InDelta(t, 25, media.FPS, 0.01)

	e := New("ffmpeg", filepath.Join(dir, "frames"), logging.Discard())
	buf := models.Buffer{StartFrame: 40, EndFrame: 49, FrameSkip: 3, Status: models.StatusLoading}

	frames, err := e.FetchBuffer(ctx, media, buf)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	for i, want := range []int{40, 43, 46, 49} {
		assert.Equal(t, want, frames[i].Number)
		_, err := os.Stat(frames[i].Path)
		assert.NoError(t, err)
	}

	// second call reuses the extracted window
	again, err := e.FetchBuffer(ctx, media, buf)
	require.NoError(t, err)
	assert.Equal(t, frames, again)
}
