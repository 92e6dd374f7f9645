package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/framecache/internal/logging"
	"github.com/bdougie/framecache/internal/models"
	"github.com/bdougie/framecache/internal/planner"
	"github.com/bdougie/framecache/internal/storage"
)

var testMedia = models.MediaItem{ID: "clip", Name: "clip", TotalFrames: 6000, FPS: 30}

type fakeSource struct {
	mu    sync.Mutex
	calls []models.Buffer

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	started chan models.Buffer
	gate    chan struct{}
	fail    func(call int, buf models.Buffer) error
}

func (s *fakeSource) FetchBuffer(ctx context.Context, media models.MediaItem, buf models.Buffer) ([]models.Frame, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, buf)
	s.mu.Unlock()

	if s.started != nil {
		s.started <- buf
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		if err := s.fail(call, buf); err != nil {
			return nil, err
		}
	}

	var frames []models.Frame
	for _, n := range buf.SampledFrames() {
		frames = append(frames, models.Frame{Number: n, Data: []byte{byte(n)}})
	}
	return frames, nil
}

func (s *fakeSource) starts() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.calls))
	for i, b := range s.calls {
		out[i] = b.StartFrame
	}
	return out
}

func newPrefetcher(t *testing.T, source FrameSource, store storage.Storage, opts Options) *Prefetcher {
	t.Helper()
	if store == nil {
		store = storage.NewJSONStorage(t.TempDir(), 10)
	}
	if opts.FrameSkip == 0 {
		opts.FrameSkip = 12
	}
	return New(testMedia, source, store, opts, logging.Discard())
}

func runInBackground(t *testing.T, p *Prefetcher) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errc
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRun_ExitWhenIdle(t *testing.T) {
	source := &fakeSource{}
	store := storage.NewJSONStorage(t.TempDir(), 10)
	p := newPrefetcher(t, source, store, Options{ExitWhenIdle: true, Mode: models.ModeAnnotate, SelectedTaskID: "t1"})

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []int{0, 240, 480, 720, 960}, source.starts())
	assert.EqualValues(t, 1, source.maxInFlight.Load())

	buffers := p.Buffers()
	require.Len(t, buffers, 5)
	for _, b := range buffers {
		assert.Equal(t, models.StatusSuccess, b.Status)
		assert.Equal(t, models.ModeAnnotate, b.Mode)
		assert.Equal(t, "t1", b.SelectedTaskID)
	}
	assert.True(t, p.FrameLoaded(1199))
	assert.False(t, p.FrameLoaded(1200))

	stored, err := store.Buffers(context.Background(), testMedia)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}

func TestRun_RestoresStoredBuffers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewJSONStorage(t.TempDir(), 10)
	for _, start := range []int{0, 240} {
		buf := models.Buffer{StartFrame: start, EndFrame: start + 239, FrameSkip: 12, Status: models.StatusSuccess, Mode: models.ModeView}
		require.NoError(t, store.SaveBuffer(ctx, testMedia, buf, nil))
	}

	source := &fakeSource{}
	p := newPrefetcher(t, source, store, Options{ExitWhenIdle: true})
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, []int{480, 720, 960}, source.starts())
}

func TestRun_IgnoresStoredBuffersWithOtherSampling(t *testing.T) {
	ctx := context.Background()
	store := storage.NewJSONStorage(t.TempDir(), 10)
	require.NoError(t, store.SaveBuffer(ctx, testMedia, models.Buffer{
		StartFrame: 0, EndFrame: 239, FrameSkip: 12, Status: models.StatusSuccess, Mode: models.ModeView,
	}, nil))
	require.NoError(t, store.SaveBuffer(ctx, testMedia, models.Buffer{
		StartFrame: 100, EndFrame: 199, FrameSkip: 5, Status: models.StatusSuccess, Mode: models.ModeView, SelectedTaskID: "other-task",
	}, nil))

	source := &fakeSource{}
	p := newPrefetcher(t, source, store, Options{FrameSkip: 5, ExitWhenIdle: true})
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, []int{0, 100, 200, 300, 400}, source.starts())
	for _, b := range p.Buffers() {
		assert.Equal(t, 5, b.FrameSkip)
		assert.Empty(t, b.SelectedTaskID)
	}
	assert.True(t, p.FrameLoaded(5))
}

func TestRun_SeekPrefetchesNewPosition(t *testing.T) {
	source := &fakeSource{}
	p := newPrefetcher(t, source, nil, Options{})
	cancel, errc := runInBackground(t, p)

	ctx := waitCtx(t)
	require.NoError(t, p.WaitForFrame(ctx, 1199))

	p.Seek(5900)
	require.NoError(t, p.WaitForFrame(ctx, 5999))
	assert.Contains(t, p.Buffers(), models.Buffer{
		StartFrame: 5760, EndFrame: 5999, FrameSkip: 12, Status: models.StatusSuccess, Mode: models.ModeView,
	})

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.EqualValues(t, 1, source.maxInFlight.Load())
}

func TestRun_BufferIsLoadingWhileFetching(t *testing.T) {
	source := &fakeSource{started: make(chan models.Buffer, 10), gate: make(chan struct{})}
	p := newPrefetcher(t, source, nil, Options{})
	_, _ = runInBackground(t, p)

	first := <-source.started
	assert.Equal(t, 0, first.StartFrame)

	buffers := p.Buffers()
	require.Len(t, buffers, 1)
	assert.Equal(t, models.StatusLoading, buffers[0].Status)
	assert.False(t, p.FrameLoaded(0))

	// seeking while a fetch is in flight does not start a second one
	p.Seek(3000)
	assert.Len(t, p.Buffers(), 1)

	source.gate <- struct{}{}
	require.NoError(t, p.WaitForFrame(waitCtx(t), 0))

	next := <-source.started
	assert.Equal(t, 2880, next.StartFrame)
	close(source.gate)
}

func TestRun_RetriesAfterFailure(t *testing.T) {
	source := &fakeSource{fail: func(call int, _ models.Buffer) error {
		if call == 0 {
			return errors.New("connection reset")
		}
		return nil
	}}
	p := newPrefetcher(t, source, nil, Options{RetryDelay: 10 * time.Millisecond})
	_, _ = runInBackground(t, p)

	require.NoError(t, p.WaitForFrame(waitCtx(t), 0))
	starts := source.starts()
	require.GreaterOrEqual(t, len(starts), 2)
	assert.Equal(t, []int{0, 0}, starts[:2])
}

func TestRun_ExitWhenIdleReturnsFetchError(t *testing.T) {
	source := &fakeSource{fail: func(int, models.Buffer) error { return errors.New("boom") }}
	p := newPrefetcher(t, source, nil, Options{ExitWhenIdle: true})

	err := p.Run(context.Background())
	assert.ErrorContains(t, err, "boom")
	assert.Empty(t, p.Buffers(), "failed buffer is dropped so it can be planned again")
}

func TestRun_InvalidInput(t *testing.T) {
	p := New(testMedia, &fakeSource{}, storage.NewJSONStorage(t.TempDir(), 10), Options{FrameSkip: -1}, logging.Discard())
	err := p.Run(context.Background())
	assert.ErrorIs(t, err, planner.ErrInvalidFrameSkip)
}

func TestRun_RejectsUnsafeMediaID(t *testing.T) {
	media := testMedia
	media.ID = "../outside"
	source := &fakeSource{}
	p := New(media, source, storage.NewJSONStorage(t.TempDir(), 10), Options{FrameSkip: 12}, logging.Discard())

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, models.ErrInvalidMediaID)
	assert.Empty(t, source.starts())
}

func TestRun_CustomPlanner(t *testing.T) {
	source := &fakeSource{}
	p := newPrefetcher(t, source, nil, Options{
		ExitWhenIdle: true,
		FrameSkip:    5,
		Planner:      planner.New(planner.WithChunkSize(10), planner.WithLookAhead(2)),
	})
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []int{0, 50}, source.starts())
}

func TestOnBufferLoaded(t *testing.T) {
	p := newPrefetcher(t, &fakeSource{}, nil, Options{ExitWhenIdle: true})

	var (
		mu     sync.Mutex
		loaded []models.Buffer
		frames int
	)
	p.OnBufferLoaded(func(b models.Buffer, f []models.Frame) {
		mu.Lock()
		defer mu.Unlock()
		loaded = append(loaded, b)
		frames += len(f)
	})

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, loaded, 5)
	assert.Equal(t, models.StatusSuccess, loaded[0].Status)
	assert.Equal(t, 100, frames)
}

func TestPlay(t *testing.T) {
	short := models.MediaItem{ID: "short", TotalFrames: 100}
	source := &fakeSource{}
	p := New(short, source, storage.NewJSONStorage(t.TempDir(), 10), Options{FrameSkip: 2}, logging.Discard())
	cancel, errc := runInBackground(t, p)

	require.NoError(t, Play(waitCtx(t), p, PlayOptions{From: 10}))
	assert.Equal(t, 98, p.Current())
	assert.True(t, p.FrameLoaded(99))

	cancel()
	<-errc
	assert.Equal(t, []int{0, 40, 80}, source.starts())
}

func TestPlay_Stalled(t *testing.T) {
	source := &fakeSource{gate: make(chan struct{})}
	p := newPrefetcher(t, source, nil, Options{})
	_, _ = runInBackground(t, p)

	err := Play(context.Background(), p, PlayOptions{StallTimeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrStalled)
}
