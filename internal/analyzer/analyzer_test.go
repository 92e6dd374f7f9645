package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framecache/internal/embeddings"
	"github.com/bdougie/framecache/internal/logging"
	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/storage"
)

type fakeDescriber struct {
	fail map[int]bool
}

func (f *fakeDescriber) Describe(ctx context.Context, frame models.Frame) (string, error) {
	if f.fail[frame.Number] {
		return "", errors.New("model timeout")
	}
	return fmt.Sprintf("frame %d shows a car", frame.Number), nil
}

type recordingStore struct {
	storage.Storage

	mu      sync.Mutex
	results []models.AnalysisResult
	flushed int
}

func (r *recordingStore) AddResult(ctx context.Context, result models.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func (r *recordingStore) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func (r *recordingStore) snapshot() []models.AnalysisResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AnalysisResult(nil), r.results...)
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, content string) ([]float32, error) {
	return []float32{float32(len(content))}, nil
}

func testJob(frames ...int) Job {
	job := Job{
		Media:  models.MediaItem{ID: "clip", TotalFrames: 100, FPS: 25},
		Buffer: models.Buffer{StartFrame: frames[0], EndFrame: frames[len(frames)-1], FrameSkip: 1, Status: models.StatusSuccess},
	}
	for _, n := range frames {
		job.Frames = append(job.Frames, models.Frame{Number: n, Path: filepath.Join("/frames", storage.FrameFileName(n))})
	}
	return job
}

func TestProcessBuffer_StoresEveryFrame(t *testing.T) {
	store := &recordingStore{}
	emb := embeddings.NewService(context.Background(), staticEmbedder{}, 2, 10)
	t.Cleanup(emb.Close)

	p := NewProcessor(&fakeDescriber{}, emb, store, 3, logging.Discard())
	require.NoError(t, p.ProcessBuffer(context.Background(), testJob(0, 1, 2, 3, 4)))

	results := store.snapshot()
	require.Len(t, results, 5)
	seen := map[int]bool{}
	for _, r := range results {
		seen[r.FrameNumber] = true
		assert.Equal(t, "clip", r.MediaID)
		assert.Equal(t, storage.FrameFileName(r.FrameNumber), r.Frame)
		assert.NotEmpty(t, r.Embedding)
	}
	assert.Len(t, seen, 5)
}

func TestProcessBuffer_ReportsFailedFrames(t *testing.T) {
	store := &recordingStore{}
	p := NewProcessor(&fakeDescriber{fail: map[int]bool{2: true}}, nil, store, 2, logging.Discard())

	err := p.ProcessBuffer(context.Background(), testJob(0, 1, 2, 3))
	require.Error(t, err)
	assert.ErrorContains(t, err, "frame 2")
	assert.ErrorContains(t, err, "model timeout")

	results := store.snapshot()
	assert.Len(t, results, 3)
	for _, r := range results {
		assert.Nil(t, r.Embedding)
	}
}

func TestProcessBuffer_CountsFailedFramesAsDone(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	p := NewProcessor(&fakeDescriber{fail: map[int]bool{0: true, 3: true}}, nil, &recordingStore{}, 1, logger)

	require.Error(t, p.ProcessBuffer(context.Background(), testJob(0, 1, 2, 3)))

	logs := out.String()
	assert.Contains(t, logs, `msg="frame failed" component=analyzer frame=0 remaining=3`)
	assert.Contains(t, logs, `msg="frame failed" component=analyzer frame=3 remaining=0`)
	assert.NotContains(t, logs, "remaining=-")
}

func TestProcessBuffer_Empty(t *testing.T) {
	store := &recordingStore{}
	p := NewProcessor(&fakeDescriber{}, nil, store, 2, logging.Discard())
	assert.NoError(t, p.ProcessBuffer(context.Background(), Job{}))
	assert.Empty(t, store.snapshot())
}

func TestProcessor_RunDrainsQueueAndFlushes(t *testing.T) {
	store := &recordingStore{}
	p := NewProcessor(&fakeDescriber{}, nil, store, 2, logging.Discard())

	require.True(t, p.Enqueue(testJob(0, 1)))
	require.True(t, p.Enqueue(testJob(20, 21)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(store.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, store.flushed)
}

func TestProcessor_CloseDrainsQueue(t *testing.T) {
	store := &recordingStore{}
	p := NewProcessor(&fakeDescriber{}, nil, store, 2, logging.Discard())

	require.True(t, p.Enqueue(testJob(0, 1, 2)))
	p.Close()
	p.Close()

	require.NoError(t, p.Run(context.Background()))
	assert.Len(t, store.snapshot(), 3)
	assert.Equal(t, 1, store.flushed)
}

func TestProcessor_EnqueueDropsWhenFull(t *testing.T) {
	p := NewProcessor(&fakeDescriber{}, nil, &recordingStore{}, 1, logging.Discard())
	for i := 0; i < cap(p.jobs); i++ {
		require.True(t, p.Enqueue(testJob(i)))
	}
	assert.False(t, p.Enqueue(testJob(99)))
}

type fakeChatClient struct {
	req     *api.ChatRequest
	replies []string
	err     error
}

func (f *fakeChatClient) Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	f.req = req
	if f.err != nil {
		return f.err
	}
	for _, r := range f.replies {
		if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: r}}); err != nil {
			return err
		}
	}
	return nil
}

func TestOllamaDescriber_Describe(t *testing.T) {
	path := filepath.Join(t.TempDir(), storage.FrameFileName(7))
	require.NoError(t, os.WriteFile(path, []byte("jpeg-bytes"), 0o644))

	client := &fakeChatClient{replies: []string{"A person ", "is walking."}}
	d := &OllamaDescriber{client: client, model: "llava", prompt: "Describe this frame."}

	got, err := d.Describe(context.Background(), models.Frame{Number: 7, Path: path})
	require.NoError(t, err)
	assert.Equal(t, "A person is walking.", got)

	require.NotNil(t, client.req)
	assert.Equal(t, "llava", client.req.Model)
	require.NotNil(t, client.req.Stream)
	assert.False(t, *client.req.Stream)
	require.Len(t, client.req.Messages, 2)
	assert.Equal(t, "system", client.req.Messages[0].Role)
	assert.Equal(t, "Describe this frame.", client.req.Messages[1].Content)
	require.Len(t, client.req.Messages[1].Images, 1)
	assert.Equal(t, api.ImageData("jpeg-bytes"), client.req.Messages[1].Images[0])
}

func TestOllamaDescriber_Errors(t *testing.T) {
	d := &OllamaDescriber{client: &fakeChatClient{}, model: "llava"}

	_, err := d.Describe(context.Background(), models.Frame{Number: 3, Path: filepath.Join(t.TempDir(), "missing.jpg")})
	assert.ErrorContains(t, err, "read frame 3")

	_, err = d.Describe(context.Background(), models.Frame{Number: 3, Data: []byte("x")})
	assert.ErrorContains(t, err, "no response")

	d.client = &fakeChatClient{err: errors.New("connection refused")}
	_, err = d.Describe(context.Background(), models.Frame{Number: 3, Data: []byte("x")})
	assert.ErrorContains(t, err, "connection refused")
}
