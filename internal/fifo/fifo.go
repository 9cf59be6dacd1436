// Package fifo implements media.Fifo as a bounded channel queue backed by a
// fixed pool of reusable buffers.
package fifo

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zsiec/tsdemux/media"
)

// ErrClosed is returned by Get once the queue is closed and drained.
var ErrClosed = errors.New("fifo: closed")

// Fifo is a bounded queue of media buffers. A producer allocates buffers
// from the pool with Alloc, fills them and hands them over with Put. The
// consumer receives them with Get or Buffers and calls Release on each.
//
// Alloc blocks while every buffer is either queued or held by the consumer,
// which stalls the producer rather than dropping data.
type Fifo struct {
	log     *slog.Logger
	name    string
	pool    chan *media.Buffer
	queue   chan *media.Buffer
	closeMu sync.Once
}

// New creates a queue named name holding up to size buffers of bufSize bytes
// each. If log is nil, slog.Default() is used.
func New(name string, size, bufSize int, log *slog.Logger) *Fifo {
	if log == nil {
		log = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	f := &Fifo{
		log:   log.With("component", "fifo", "fifo", name),
		name:  name,
		pool:  make(chan *media.Buffer, size),
		queue: make(chan *media.Buffer, size),
	}
	for i := 0; i < size; i++ {
		f.pool <- media.NewBuffer(bufSize, f.recycle)
	}
	return f
}

// Name returns the queue name.
func (f *Fifo) Name() string {
	return f.name
}

// Alloc takes a free buffer from the pool, blocking until one is released
// or ctx is done.
func (f *Fifo) Alloc(ctx context.Context) (*media.Buffer, error) {
	select {
	case b := <-f.pool:
		b.Reset()
		return b, nil
	default:
	}

	f.log.Debug("pool exhausted, waiting for consumer")
	select {
	case b := <-f.pool:
		b.Reset()
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put enqueues b. On cancellation the buffer goes back to the pool.
func (f *Fifo) Put(ctx context.Context, b *media.Buffer) error {
	select {
	case f.queue <- b:
		return nil
	case <-ctx.Done():
		b.Release()
		return ctx.Err()
	}
}

// Get dequeues the next buffer, blocking until one arrives, the queue is
// closed or ctx is done.
func (f *Fifo) Get(ctx context.Context) (*media.Buffer, error) {
	select {
	case b, ok := <-f.queue:
		if !ok {
			return nil, ErrClosed
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Buffers exposes the receive side of the queue for select loops.
func (f *Fifo) Buffers() <-chan *media.Buffer {
	return f.queue
}

// Flush releases every buffer currently queued.
func (f *Fifo) Flush() {
	n := 0
	for {
		select {
		case b, ok := <-f.queue:
			if !ok {
				f.log.Debug("flushed closed queue", "buffers", n)
				return
			}
			b.Release()
			n++
		default:
			if n > 0 {
				f.log.Debug("flushed", "buffers", n)
			}
			return
		}
	}
}

// Close closes the queue. Only the producer may call it, after its last Put.
func (f *Fifo) Close() {
	f.closeMu.Do(func() {
		close(f.queue)
	})
}

// Len returns the number of queued buffers.
func (f *Fifo) Len() int {
	return len(f.queue)
}

// Free returns the number of buffers available to Alloc.
func (f *Fifo) Free() int {
	return len(f.pool)
}

// Cap returns the total number of buffers owned by the queue.
func (f *Fifo) Cap() int {
	return cap(f.pool)
}

func (f *Fifo) recycle(b *media.Buffer) {
	select {
	case f.pool <- b:
	default:
		// Released twice or foreign buffer; the pool is already full.
		f.log.Warn("dropping surplus buffer on release")
	}
}

var _ media.Fifo = (*Fifo)(nil)
