// Package pipeline runs one demux session: a format.Worker producing into
// bounded queues and one consumer per queue writing the elementary stream
// to an io.Writer while honoring the in-band control signals.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsdemux/format"
	"github.com/zsiec/tsdemux/internal/fifo"
	"github.com/zsiec/tsdemux/media"
)

// ErrNotRunning is returned by Seek and Stop before Run has started.
var ErrNotRunning = errors.New("pipeline: not running")

// Config sizes the queues and names the writers. A nil writer leaves the
// track without a queue, so the demuxer discards it.
type Config struct {
	VideoBuffers int
	AudioBuffers int
	Video        io.Writer
	Audio        io.Writer
}

// TrackStats counts what one consumer received.
type TrackStats struct {
	Buffers         int64
	Bytes           int64
	Discontinuities int64
	TimelineResets  int64
	LastPTS         int64
}

// Stats is a snapshot of both consumers.
type Stats struct {
	Video  TrackStats
	Audio  TrackStats
	Uptime time.Duration
}

type trackCounters struct {
	buffers         atomic.Int64
	bytes           atomic.Int64
	discontinuities atomic.Int64
	resets          atomic.Int64
	lastPTS         atomic.Int64
}

func (c *trackCounters) snapshot() TrackStats {
	return TrackStats{
		Buffers:         c.buffers.Load(),
		Bytes:           c.bytes.Load(),
		Discontinuities: c.discontinuities.Load(),
		TimelineResets:  c.resets.Load(),
		LastPTS:         c.lastPTS.Load(),
	}
}

type consumer struct {
	kind  media.TrackKind
	queue *fifo.Fifo
	w     io.Writer
	stats *trackCounters
}

// Pipeline connects a demuxer to its consumers.
type Pipeline struct {
	log       *slog.Logger
	out       media.Outputs
	consumers []*consumer
	video     trackCounters
	audio     trackCounters
	startTime time.Time

	mu     sync.Mutex
	worker *format.Worker
}

// New creates the queues described by cfg. If log is nil, slog.Default()
// is used.
func New(cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{log: log.With("component", "pipeline")}

	if cfg.Video != nil {
		q := fifo.New("video", cfg.VideoBuffers, media.MaxBufferData, log)
		p.out.Video = q
		p.consumers = append(p.consumers, &consumer{kind: media.KindVideo, queue: q, w: cfg.Video, stats: &p.video})
	}
	if cfg.Audio != nil {
		q := fifo.New("audio", cfg.AudioBuffers, media.MaxBufferData, log)
		p.out.Audio = q
		p.consumers = append(p.consumers, &consumer{kind: media.KindAudio, queue: q, w: cfg.Audio, stats: &p.audio})
	}
	return p
}

// Outputs returns the queues a demuxer for this pipeline must deliver to.
func (p *Pipeline) Outputs() media.Outputs {
	return p.out
}

// Run drives dmx and the consumers until the stream ends, Stop is called
// or ctx is cancelled. The first failure cancels the rest.
func (p *Pipeline) Run(ctx context.Context, dmx format.Demuxer) error {
	w := format.NewWorker(dmx, p.out, p.log)
	p.mu.Lock()
	p.worker = w
	p.startTime = time.Now()
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	for _, c := range p.consumers {
		g.Go(func() error {
			return p.consume(ctx, c)
		})
	}

	err := g.Wait()
	st := p.Stats()
	p.log.Info("pipeline finished",
		"video_buffers", st.Video.Buffers,
		"video_bytes", st.Video.Bytes,
		"audio_buffers", st.Audio.Buffers,
		"audio_bytes", st.Audio.Bytes,
		"status", w.Status(),
	)
	return err
}

// Seek forwards a seek request to the running worker.
func (p *Pipeline) Seek(ctx context.Context, pos int64) error {
	w := p.currentWorker()
	if w == nil {
		return ErrNotRunning
	}
	return w.Seek(ctx, pos)
}

// Stop asks the worker to end the stream; Run returns once the consumers
// have seen the End signal.
func (p *Pipeline) Stop(ctx context.Context) error {
	w := p.currentWorker()
	if w == nil {
		return ErrNotRunning
	}
	return w.Stop(ctx)
}

// Stats returns the consumer counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	start := p.startTime
	p.mu.Unlock()

	st := Stats{
		Video: p.video.snapshot(),
		Audio: p.audio.snapshot(),
	}
	if !start.IsZero() {
		st.Uptime = time.Since(start)
	}
	return st
}

func (p *Pipeline) currentWorker() *format.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.worker
}

// consume writes payload buffers of one queue to its writer until End.
func (p *Pipeline) consume(ctx context.Context, c *consumer) error {
	log := p.log.With("track", c.kind.String())
	for {
		b, err := c.queue.Get(ctx)
		if err != nil {
			if errors.Is(err, fifo.ErrClosed) {
				return nil
			}
			return err
		}

		switch b.Control {
		case media.ControlNone:
			_, err = c.w.Write(b.Data)
			if err == nil {
				c.stats.buffers.Add(1)
				c.stats.bytes.Add(int64(len(b.Data)))
				if b.HasPTS {
					c.stats.lastPTS.Store(b.PTS)
				}
			}
		case media.ControlStart:
			log.Debug("stream start")
		case media.ControlDiscontinuity:
			c.stats.discontinuities.Add(1)
			log.Info("timeline discontinuity", "offset", b.Offset)
		case media.ControlNewPTS:
			c.stats.resets.Add(1)
			log.Info("timeline reset", "seek", b.Flags&media.FlagSeek != 0)
		case media.ControlEnd:
			reason := b.Reason
			b.Release()
			log.Info("stream end", "reason", reason.String())
			return nil
		}
		b.Release()
		if err != nil {
			return fmt.Errorf("pipeline: write %s: %w", c.kind, err)
		}
	}
}
