package mpegts

import (
	"context"

	"github.com/zsiec/tsdemux/media"
)

type trackState int

const (
	stateEmpty trackState = iota
	stateBuffering
	stateCorrupted
)

func (s trackState) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateBuffering:
		return "buffering"
	default:
		return "corrupted"
	}
}

// track reassembles the PES packets of one elementary PID into buffers on
// its bound output queue. A track without a queue keeps its state machine
// running but delivers nothing.
type track struct {
	pid        uint16
	kind       media.TrackKind
	streamType uint8
	codec      string
	out        media.Fifo

	state    trackState
	buf      []byte
	streamID uint8
	pts      int64
	hasPTS   bool
	// segments counts buffers already delivered for the current PES.
	segments int

	emitted   int64
	discarded int64
}

func newTrack(pid uint16) *track {
	return &track{
		pid: pid,
		buf: make([]byte, 0, media.MaxBufferData),
	}
}

// unitStart handles a packet with payload_unit_start_indicator set: the
// buffered PES (if any) is delivered, then the new PES header is parsed.
// A bad header leaves the track corrupted and returns an ErrCorruptedPES
// error; any other error comes from the output queue.
func (t *track) unitStart(ctx context.Context, payload []byte, pos int64) error {
	if t.state == stateBuffering && len(t.buf) > 0 {
		if err := t.flush(ctx, true, pos); err != nil {
			return err
		}
	}
	t.reset()

	h, dataStart, err := parsePESHeader(payload)
	if err != nil {
		t.state = stateCorrupted
		t.discarded += int64(len(payload))
		return err
	}

	t.streamID = h.StreamID
	if oh := h.OptionalHeader; oh != nil && oh.PTS != nil {
		t.pts = oh.PTS.Base
		t.hasPTS = true
	}
	t.state = stateBuffering
	return t.append(ctx, payload[dataStart:], pos)
}

// continuation handles a packet without a unit start.
func (t *track) continuation(ctx context.Context, payload []byte, pos int64) error {
	if t.state != stateBuffering {
		t.discarded += int64(len(payload))
		return nil
	}
	return t.append(ctx, payload, pos)
}

// append buffers b, first delivering the buffer as a segment when b would
// overflow it.
func (t *track) append(ctx context.Context, b []byte, pos int64) error {
	if len(t.buf)+len(b) > media.MaxBufferData && len(t.buf) > 0 {
		if err := t.flush(ctx, false, pos); err != nil {
			return err
		}
	}
	t.buf = append(t.buf, b...)
	return nil
}

// finish delivers whatever is buffered as the end of the current PES.
func (t *track) finish(ctx context.Context, pos int64) error {
	if t.state != stateBuffering || len(t.buf) == 0 {
		t.reset()
		return nil
	}
	err := t.flush(ctx, true, pos)
	t.reset()
	return err
}

func (t *track) flush(ctx context.Context, end bool, pos int64) error {
	first := t.segments == 0
	t.segments++
	data := t.buf
	t.buf = t.buf[:0]
	if end {
		t.state = stateEmpty
	}
	if t.out == nil {
		t.discarded += int64(len(data))
		return nil
	}

	b, err := t.out.Alloc(ctx)
	if err != nil {
		return err
	}
	b.Kind = t.kind
	b.PID = t.pid
	b.StreamID = t.streamID
	b.InputPos = pos
	b.Data = append(b.Data, data...)
	if first {
		b.Flags |= media.FlagFrameStart
		if t.hasPTS {
			b.PTS = t.pts
			b.HasPTS = true
		}
	}
	if end {
		b.Flags |= media.FlagFrameEnd
	}
	if err := t.out.Put(ctx, b); err != nil {
		return err
	}
	t.emitted++
	return nil
}

func (t *track) reset() {
	t.state = stateEmpty
	t.buf = t.buf[:0]
	t.streamID = 0
	t.pts = 0
	t.hasPTS = false
	t.segments = 0
}
