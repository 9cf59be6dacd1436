package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tsdemux/format"
	"github.com/zsiec/tsdemux/input"
	"github.com/zsiec/tsdemux/internal/mpegts"
	"github.com/zsiec/tsdemux/media"
)

const (
	// chunkPackets is how many cells one SendChunk processes.
	chunkPackets = 100
	// defaultHeaderPackets bounds how far SendHeaders reads looking for
	// both a video and an audio stream.
	defaultHeaderPackets = 4000
)

// Stats extends the engine counters with synchronizer figures.
type Stats struct {
	mpegts.Stats
	Resyncs        int64
	DiscardedBytes int64
}

// Demuxer demultiplexes an MPEG transport stream read from an input.Source.
type Demuxer struct {
	log  *slog.Logger
	src  input.Source
	sync *mpegts.Synchronizer
	ts   *mpegts.Demuxer

	headerPackets int
	tsOpts        []func(*mpegts.Demuxer)
	status        format.Status
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// OptHeaderPackets sets how many cells SendHeaders may read.
func OptHeaderPackets(n int) Option {
	return func(d *Demuxer) {
		d.headerPackets = n
	}
}

// OptProgramHandler sets a callback receiving every validated PMT.
func OptProgramHandler(fn func(*mpegts.PMTData)) Option {
	return func(d *Demuxer) {
		d.tsOpts = append(d.tsOpts, mpegts.DemuxerOptProgramHandler(fn))
	}
}

// New creates a Demuxer reading src and delivering to out. If log is nil,
// slog.Default() is used.
func New(src input.Source, out media.Outputs, log *slog.Logger, opts ...Option) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:           log.With("component", "demux"),
		src:           src,
		headerPackets: defaultHeaderPackets,
		status:        format.Status{Code: format.StatusOK},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sync = mpegts.NewSynchronizer(src, log)
	d.ts = mpegts.NewDemuxer(out, log, d.tsOpts...)
	return d
}

// SendHeaders reads until the first video and audio streams are bound, the
// header budget is spent or the input ends.
func (d *Demuxer) SendHeaders(ctx context.Context) error {
	for i := 0; i < d.headerPackets; i++ {
		if d.bothBound() {
			break
		}
		if err := d.next(ctx); err != nil {
			return err
		}
	}

	video, hasVideo := d.ts.VideoPID()
	audio, hasAudio := d.ts.AudioPID()
	switch {
	case hasVideo && hasAudio:
		d.log.Info("streams found", "video_pid", video, "audio_pid", audio)
	case hasVideo:
		d.log.Info("streams found", "video_pid", video)
	case hasAudio:
		d.log.Info("streams found", "audio_pid", audio)
	default:
		d.log.Warn("no elementary streams found in headers", "packets", d.headerPackets)
	}
	return nil
}

// SendChunk processes the next chunk of cells.
func (d *Demuxer) SendChunk(ctx context.Context) error {
	if d.status.Code == format.StatusFinished {
		if d.status.Err != nil {
			return d.status.Err
		}
		return io.EOF
	}
	for i := 0; i < chunkPackets; i++ {
		if err := d.next(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Seek repositions the input at the packet boundary at or before pos and
// queues a timeline reset flagged as a seek. Program tables and stream
// bindings are kept.
func (d *Demuxer) Seek(ctx context.Context, pos int64) error {
	if !d.src.Capabilities().Has(input.CapSeekable) {
		return fmt.Errorf("demux: %w", input.ErrNotSeekable)
	}
	if pos < 0 {
		pos = 0
	}
	pos -= pos % mpegts.PacketSize
	if _, err := d.src.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("demux: seek to %d: %w", pos, err)
	}
	d.sync.Reset()
	d.ts.Reset(media.FlagSeek)
	d.status = format.Status{Code: format.StatusOK}
	return nil
}

// Dispose closes the input.
func (d *Demuxer) Dispose() {
	if err := d.src.Close(); err != nil {
		d.log.Warn("closing input", "error", err)
	}
}

// Status returns the demuxer's current state.
func (d *Demuxer) Status() format.Status {
	return d.status
}

// Stats returns the current counters.
func (d *Demuxer) Stats() Stats {
	return Stats{
		Stats:          d.ts.Stats(),
		Resyncs:        d.sync.Resyncs(),
		DiscardedBytes: d.sync.Discarded(),
	}
}

// Engine exposes the underlying transport stream demuxer for inspection.
func (d *Demuxer) Engine() *mpegts.Demuxer {
	return d.ts
}

func (d *Demuxer) bothBound() bool {
	_, v := d.ts.VideoPID()
	_, a := d.ts.AudioPID()
	return v && a
}

func (d *Demuxer) next(ctx context.Context) error {
	cell, err := d.sync.Next()
	if err != nil {
		return d.finish(ctx, err)
	}
	pos := d.src.Pos() - int64(d.sync.Buffered()) - mpegts.PacketSize
	return d.ts.Feed(ctx, cell, pos)
}

// finish handles the end of the cell stream. At end of input the buffered
// PES data is delivered first; if that is interrupted the next call retries.
func (d *Demuxer) finish(ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) {
		if ferr := d.ts.Flush(ctx, d.src.Pos()); ferr != nil {
			return ferr
		}
		st := d.Stats()
		d.log.Info("end of input",
			"packets", st.Packets,
			"buffers", st.Buffers,
			"cc_errors", st.ContinuityErrors,
			"crc_errors", st.CRCErrors,
			"resyncs", st.Resyncs,
		)
		d.status = format.Status{Code: format.StatusFinished}
		return io.EOF
	}
	err = fmt.Errorf("demux: %w", err)
	d.log.Error("input failed", "error", err)
	d.status = format.Status{Code: format.StatusFinished, Err: err}
	return err
}

var _ format.Demuxer = (*Demuxer)(nil)
