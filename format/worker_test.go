package format

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/tsdemux/internal/fifo"
	"github.com/zsiec/tsdemux/media"
)

// fakeDemuxer writes one numbered byte per chunk to the video output.
type fakeDemuxer struct {
	out media.Outputs

	chunks   int
	endless  bool
	chunkErr error

	mu       sync.Mutex
	sent     int
	seeks    []int64
	headers  bool
	disposed bool
}

func (f *fakeDemuxer) SendHeaders(ctx context.Context) error {
	f.mu.Lock()
	f.headers = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDemuxer) SendChunk(ctx context.Context) error {
	if f.chunkErr != nil {
		return f.chunkErr
	}
	if !f.endless && f.chunks == 0 {
		return io.EOF
	}
	f.chunks--

	b, err := f.out.Video.Alloc(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	b.Data = append(b.Data, byte(f.sent))
	f.sent++
	f.mu.Unlock()
	return f.out.Video.Put(ctx, b)
}

func (f *fakeDemuxer) Seek(ctx context.Context, pos int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, pos)
	return nil
}

func (f *fakeDemuxer) Dispose() {
	f.mu.Lock()
	f.disposed = true
	f.mu.Unlock()
}

func (f *fakeDemuxer) Status() Status { return Status{Code: StatusOK} }

func drain(t *testing.T, q *fifo.Fifo) []*media.Buffer {
	t.Helper()
	var out []*media.Buffer
	for q.Len() > 0 {
		b, err := q.Get(context.Background())
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func runAsync(ctx context.Context, w *Worker) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

func TestWorkerRunsToEnd(t *testing.T) {
	t.Parallel()
	video := fifo.New("video", 16, 16, nil)
	dmx := &fakeDemuxer{out: media.Outputs{Video: video}, chunks: 3}
	w := NewWorker(dmx, dmx.out, nil)
	assert.Equal(t, StatusIdle, w.Status().Code)

	require.NoError(t, w.Run(context.Background()))

	got := drain(t, video)
	require.Len(t, got, 5)
	assert.Equal(t, media.ControlStart, got[0].Control)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, media.ControlNone, got[i].Control)
		assert.Equal(t, []byte{byte(i - 1)}, got[i].Data)
	}
	assert.Equal(t, media.ControlEnd, got[4].Control)
	assert.Equal(t, media.EndFinished, got[4].Reason)

	assert.Equal(t, Status{Code: StatusFinished}, w.Status())
	assert.True(t, dmx.headers)
	assert.True(t, dmx.disposed)

	_, open := <-w.Done()
	assert.False(t, open)
}

func TestWorkerStopInterruptsBlockedChunk(t *testing.T) {
	t.Parallel()
	video := fifo.New("video", 2, 16, nil)
	dmx := &fakeDemuxer{out: media.Outputs{Video: video}, endless: true}
	w := NewWorker(dmx, dmx.out, nil)

	errCh := runAsync(context.Background(), w)
	require.Eventually(t, func() bool { return video.Free() == 0 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, waitRun(t, errCh))

	got := drain(t, video)
	require.Len(t, got, 1)
	assert.Equal(t, media.ControlEnd, got[0].Control)
	assert.Equal(t, media.EndStopped, got[0].Reason)
	assert.Equal(t, StatusFinished, w.Status().Code)
	assert.NoError(t, w.Status().Err)
}

func TestWorkerSeekFlushesAndContinues(t *testing.T) {
	t.Parallel()
	video := fifo.New("video", 2, 16, nil)
	dmx := &fakeDemuxer{out: media.Outputs{Video: video}, endless: true}
	w := NewWorker(dmx, dmx.out, nil)

	errCh := runAsync(context.Background(), w)
	require.Eventually(t, func() bool { return video.Free() == 0 }, 5*time.Second, time.Millisecond)

	require.NoError(t, w.Seek(context.Background(), 188*10))

	// The worker keeps producing into the flushed queue.
	require.Eventually(t, func() bool { return video.Free() == 0 }, 5*time.Second, time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, waitRun(t, errCh))

	dmx.mu.Lock()
	defer dmx.mu.Unlock()
	assert.Equal(t, []int64{1880}, dmx.seeks)
}

func TestWorkerChunkError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	video := fifo.New("video", 4, 16, nil)
	audio := fifo.New("audio", 4, 16, nil)
	dmx := &fakeDemuxer{out: media.Outputs{Video: video, Audio: audio}, chunkErr: boom}
	w := NewWorker(dmx, dmx.out, nil)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, w.Status().Err, boom)

	for _, q := range []*fifo.Fifo{video, audio} {
		got := drain(t, q)
		require.Len(t, got, 2, q.Name())
		assert.Equal(t, media.ControlStart, got[0].Control)
		assert.Equal(t, media.ControlEnd, got[1].Control)
		assert.Equal(t, media.EndError, got[1].Reason)
	}
}

func TestWorkerCancelled(t *testing.T) {
	t.Parallel()
	video := fifo.New("video", 2, 16, nil)
	dmx := &fakeDemuxer{out: media.Outputs{Video: video}, endless: true}
	w := NewWorker(dmx, dmx.out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, w)
	require.Eventually(t, func() bool { return video.Free() == 0 }, 5*time.Second, time.Millisecond)
	cancel()

	err := waitRun(t, errCh)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFinished, w.Status().Code)
	assert.True(t, dmx.disposed)
}

func TestWorkerControlAfterExit(t *testing.T) {
	t.Parallel()
	dmx := &fakeDemuxer{}
	w := NewWorker(dmx, dmx.out, nil)
	require.NoError(t, w.Run(context.Background()))

	assert.ErrorIs(t, w.Seek(context.Background(), 0), ErrWorkerDone)
	assert.ErrorIs(t, w.Stop(context.Background()), ErrWorkerDone)
}

func TestStatusString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "ok", Status{Code: StatusOK}.String())
	assert.Equal(t, "finished: boom", Status{Code: StatusFinished, Err: errors.New("boom")}.String())
	assert.Equal(t, "status(9)", StatusCode(9).String())
}
