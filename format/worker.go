package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zsiec/tsdemux/media"
)

var (
	// ErrWorkerDone is returned by Seek and Stop once Run has returned.
	ErrWorkerDone = errors.New("format: worker has exited")
	// ErrBusy is returned when too many control requests are queued.
	ErrBusy = errors.New("format: worker control queue full")

	errInterrupted = errors.New("format: chunk interrupted by control request")
)

const controlQueueSize = 4

type controlKind int

const (
	controlSeek controlKind = iota
	controlStop
)

type control struct {
	kind  controlKind
	pos   int64
	reply chan error
}

// Worker drives a Demuxer on the goroutine that calls Run. Other goroutines
// steer it with Seek and Stop, which are delivered as messages and handled
// between chunks; a chunk blocked on a full output queue is interrupted so
// the request is not held up by a stalled consumer.
type Worker struct {
	log *slog.Logger
	dmx Demuxer
	out media.Outputs

	ctrl chan control
	done chan struct{}

	mu          sync.Mutex
	status      Status
	cancelChunk context.CancelFunc
}

// NewWorker creates a worker for dmx delivering to out. The worker owns dmx
// and disposes of it when Run returns. If log is nil, slog.Default() is used.
func NewWorker(dmx Demuxer, out media.Outputs, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		log:  log.With("component", "demux-worker"),
		dmx:  dmx,
		out:  out,
		ctrl: make(chan control, controlQueueSize),
		done: make(chan struct{}),
	}
}

// Run sends Start on every output, reads the stream headers and then
// delivers chunks until the input ends, Stop is called, ctx is cancelled
// or the demuxer fails. Every path except cancellation ends the outputs
// with an End signal carrying the reason. Run returns nil after end of
// input or Stop.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.dmx.Dispose()

	w.setStatus(Status{Code: StatusOK})
	w.log.Info("demux started")

	if err := w.out.Each(func(_ media.TrackKind, f media.Fifo) error {
		return media.SendStart(ctx, f)
	}); err != nil {
		return w.fail(ctx, fmt.Errorf("format: start outputs: %w", err))
	}

	err := w.step(ctx, w.dmx.SendHeaders)
	for {
		switch {
		case err == nil, errors.Is(err, errInterrupted):
		case errors.Is(err, io.EOF):
			w.log.Info("demux finished")
			w.setStatus(Status{Code: StatusFinished})
			return w.end(ctx, media.EndFinished)
		default:
			return w.fail(ctx, err)
		}

		select {
		case c := <-w.ctrl:
			if stop := w.handle(ctx, c); stop {
				return nil
			}
			err = nil
			continue
		default:
		}

		err = w.step(ctx, w.dmx.SendChunk)
	}
}

// Seek asks the worker to reposition the input at byte offset pos. Queued
// output is flushed before the demuxer seeks.
func (w *Worker) Seek(ctx context.Context, pos int64) error {
	return w.request(ctx, control{kind: controlSeek, pos: pos})
}

// Stop asks the worker to flush its outputs, signal End and return.
func (w *Worker) Stop(ctx context.Context) error {
	return w.request(ctx, control{kind: controlStop})
}

// Status returns the worker's current state. Safe for concurrent use.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// request queues c and interrupts the running chunk. Queueing and checking
// the queue in step both happen under mu, so a request is never missed by
// a chunk that starts right after it.
func (w *Worker) request(ctx context.Context, c control) error {
	c.reply = make(chan error, 1)

	select {
	case <-w.done:
		return ErrWorkerDone
	default:
	}

	w.mu.Lock()
	select {
	case w.ctrl <- c:
	default:
		w.mu.Unlock()
		return ErrBusy
	}
	if w.cancelChunk != nil {
		w.cancelChunk()
	}
	w.mu.Unlock()

	select {
	case err := <-c.reply:
		return err
	case <-w.done:
		// Run may have answered just before exiting.
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrWorkerDone
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// step runs fn under a context that a control request can cancel.
func (w *Worker) step(ctx context.Context, fn func(context.Context) error) error {
	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if len(w.ctrl) > 0 {
		w.mu.Unlock()
		return errInterrupted
	}
	w.cancelChunk = cancel
	w.mu.Unlock()

	err := fn(chunkCtx)

	w.mu.Lock()
	w.cancelChunk = nil
	w.mu.Unlock()

	if err != nil && chunkCtx.Err() != nil && ctx.Err() == nil {
		return errInterrupted
	}
	return err
}

// handle applies one control request and reports whether Run should return.
func (w *Worker) handle(ctx context.Context, c control) bool {
	switch c.kind {
	case controlSeek:
		w.flush()
		err := w.dmx.Seek(ctx, c.pos)
		if err != nil {
			w.log.Warn("seek failed", "pos", c.pos, "error", err)
		} else {
			w.log.Debug("seek", "pos", c.pos)
		}
		c.reply <- err
		return false

	case controlStop:
		w.log.Info("demux stopped")
		w.flush()
		w.setStatus(Status{Code: StatusFinished})
		err := w.end(ctx, media.EndStopped)
		c.reply <- err
		return true
	}
	c.reply <- fmt.Errorf("format: unknown control %d", c.kind)
	return false
}

func (w *Worker) flush() {
	_ = w.out.Each(func(_ media.TrackKind, f media.Fifo) error {
		f.Flush()
		return nil
	})
}

func (w *Worker) end(ctx context.Context, reason media.EndReason) error {
	err := w.out.Each(func(_ media.TrackKind, f media.Fifo) error {
		return media.SendEnd(ctx, f, reason)
	})
	if err != nil {
		return fmt.Errorf("format: end outputs: %w", err)
	}
	return nil
}

// fail records err as the terminal status. Outputs get an error End unless
// the failure is the cancellation of ctx itself.
func (w *Worker) fail(ctx context.Context, err error) error {
	w.setStatus(Status{Code: StatusFinished, Err: err})
	if ctx.Err() != nil {
		return err
	}
	w.log.Error("demux failed", "error", err)
	if endErr := w.end(ctx, media.EndError); endErr != nil {
		w.log.Warn("could not signal end", "error", endErr)
	}
	return err
}
