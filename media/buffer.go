// Package media defines the buffer and queue types that flow from a demuxer
// to its downstream decode consumers.
package media

import (
	"context"
	"fmt"
)

// Queue depths used by the demuxer (producer) and decode consumers. Sized so
// the producer stalls on a slow consumer instead of growing without bound.
const (
	VideoBufferCount = 60
	AudioBufferCount = 120

	// MaxBufferData is the largest payload a single Buffer carries. Longer
	// elementary units are split into several segments.
	MaxBufferData = 2048
)

// TrackKind classifies an elementary stream.
type TrackKind int

// Elementary stream classifications.
const (
	KindPrivate TrackKind = iota
	KindVideo
	KindAudio
)

func (k TrackKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "private"
	}
}

// Control identifies an in-band signal carried by a Buffer instead of
// payload bytes.
type Control int

// In-band control signals. ControlNone marks an ordinary payload buffer.
const (
	ControlNone Control = iota
	ControlStart
	ControlDiscontinuity
	ControlNewPTS
	ControlEnd
)

func (c Control) String() string {
	switch c {
	case ControlNone:
		return "none"
	case ControlStart:
		return "start"
	case ControlDiscontinuity:
		return "discontinuity"
	case ControlNewPTS:
		return "newpts"
	case ControlEnd:
		return "end"
	default:
		return fmt.Sprintf("control(%d)", int(c))
	}
}

// EndReason tells consumers why a stream ended.
type EndReason int

// Reasons carried by ControlEnd.
const (
	EndFinished EndReason = iota
	EndStopped
	EndError
)

func (r EndReason) String() string {
	switch r {
	case EndFinished:
		return "finished"
	case EndStopped:
		return "stopped"
	default:
		return "error"
	}
}

// Flag annotates payload buffers.
type Flag uint8

// Buffer flags.
const (
	// FlagFrameStart marks the first segment of an elementary unit.
	FlagFrameStart Flag = 1 << iota
	// FlagFrameEnd marks the segment that completed an elementary unit.
	FlagFrameEnd
	// FlagSeek marks a NewPTS signal caused by a seek.
	FlagSeek
)

// Buffer is an owned handle to one chunk of elementary stream data or one
// control signal. Ownership moves to the queue on Put and to the consumer on
// receipt; the consumer calls Release when done.
type Buffer struct {
	Kind     TrackKind
	PID      uint16
	StreamID uint8
	PTS      int64
	HasPTS   bool
	Flags    Flag
	Data     []byte

	Control Control
	// Offset is the signed timeline jump (90 kHz units) of a discontinuity.
	Offset int64
	Reason EndReason

	// InputPos is the source offset of the packet that completed the buffer.
	InputPos int64

	release func(*Buffer)
}

// NewBuffer returns a buffer whose Release calls release. Queue
// implementations use it to hand out pooled buffers.
func NewBuffer(capacity int, release func(*Buffer)) *Buffer {
	return &Buffer{
		Data:    make([]byte, 0, capacity),
		release: release,
	}
}

// Reset clears every field except the backing storage and the release hook.
func (b *Buffer) Reset() {
	*b = Buffer{Data: b.Data[:0], release: b.release}
}

// Release returns the buffer to its pool. It is safe to call on a buffer
// that has no pool.
func (b *Buffer) Release() {
	if b == nil || b.release == nil {
		return
	}
	b.release(b)
}

// Fifo is a bounded buffer queue shared between a demuxer and one decode
// consumer. Alloc and Put block while the queue is exhausted; this is the
// only backpressure between the two sides.
type Fifo interface {
	Alloc(ctx context.Context) (*Buffer, error)
	Put(ctx context.Context, b *Buffer) error
	// Flush discards every queued buffer.
	Flush()
}

// Outputs holds the queues a demuxer delivers to. A nil queue means the
// consumer is not interested in that kind of track.
type Outputs struct {
	Video Fifo
	Audio Fifo
}

// For returns the queue for kind, or nil.
func (o Outputs) For(kind TrackKind) Fifo {
	switch kind {
	case KindVideo:
		return o.Video
	case KindAudio:
		return o.Audio
	default:
		return nil
	}
}

// Each calls fn for every non-nil queue, video first.
func (o Outputs) Each(fn func(TrackKind, Fifo) error) error {
	if o.Video != nil {
		if err := fn(KindVideo, o.Video); err != nil {
			return err
		}
	}
	if o.Audio != nil {
		if err := fn(KindAudio, o.Audio); err != nil {
			return err
		}
	}
	return nil
}
