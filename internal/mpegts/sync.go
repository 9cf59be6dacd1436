package mpegts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
)

const (
	// batchPackets is how many cells the synchronizer reads ahead.
	batchPackets = 100
	// syncRun is how many sync bytes at packet stride establish alignment.
	syncRun = 3
	// maxZeroReads is how many consecutive empty reads mean a stalled source.
	maxZeroReads = 200
)

// Synchronizer cuts a byte stream into 188-byte cells and keeps them aligned
// on sync bytes, recovering from inserted or lost bytes by rescanning.
type Synchronizer struct {
	log *slog.Logger
	r   io.Reader

	buf        []byte
	start, end int
	// scanned counts bytes after start already rejected as alignment points.
	scanned int

	aligned   bool
	eof       bool
	zeroReads int

	resyncs   int64
	discarded int64
}

// NewSynchronizer creates a Synchronizer reading from r. If log is nil,
// slog.Default() is used.
func NewSynchronizer(r io.Reader, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{
		log: log.With("component", "ts-sync"),
		r:   r,
		buf: make([]byte, batchPackets*packetSize),
	}
}

// Next returns the next aligned cell. The slice is only valid until the
// following call. It returns io.EOF at end of input, ErrNoSync when a whole
// batch offers no alignment, and ErrStalledInput when the source keeps
// returning nothing.
func (s *Synchronizer) Next() ([]byte, error) {
	for {
		if s.aligned {
			if s.end-s.start >= packetSize {
				if s.buf[s.start] == syncByte {
					cell := s.buf[s.start : s.start+packetSize]
					s.start += packetSize
					return cell, nil
				}
				s.resyncs++
				s.aligned = false
				s.scanned = 0
				s.log.Warn("sync lost, rescanning", "byte", fmt.Sprintf("0x%02X", s.buf[s.start]), "resyncs", s.resyncs)
				continue
			}
			if s.eof {
				s.discard(s.end - s.start)
				return nil, io.EOF
			}
			if err := s.fill(); err != nil {
				return nil, err
			}
			continue
		}

		if pos, ok := s.scan(); ok {
			if skip := pos - s.start; skip > 0 {
				s.log.Debug("aligned after skipping bytes", "skipped", skip)
				s.discard(skip)
			}
			s.aligned = true
			s.scanned = 0
			continue
		}

		if s.eof {
			if pos, ok := s.scanTail(); ok {
				s.discard(pos - s.start)
				s.aligned = true
				s.scanned = 0
				continue
			}
			s.discard(s.end - s.start)
			return nil, io.EOF
		}
		if s.start == 0 && s.end == len(s.buf) {
			return nil, fmt.Errorf("%w in %d bytes", ErrNoSync, len(s.buf))
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
}

// Reset drops buffered bytes and alignment, as after a seek.
func (s *Synchronizer) Reset() {
	s.start, s.end = 0, 0
	s.scanned = 0
	s.aligned = false
	s.eof = false
	s.zeroReads = 0
}

// Resyncs returns how many times alignment was lost after being established.
func (s *Synchronizer) Resyncs() int64 {
	return s.resyncs
}

// Discarded returns the number of bytes skipped while searching for alignment.
func (s *Synchronizer) Discarded() int64 {
	return s.discarded
}

// Buffered returns the number of read-ahead bytes not yet returned.
func (s *Synchronizer) Buffered() int {
	return s.end - s.start
}

// scan looks for the first position offering syncRun sync bytes at packet
// stride within the buffered bytes.
func (s *Synchronizer) scan() (int, bool) {
	span := (syncRun - 1) * packetSize
	from := s.start + s.scanned
	last := s.end - span - 1
	for p := from; p <= last; p++ {
		if s.buf[p] == syncByte && s.buf[p+packetSize] == syncByte && s.buf[p+2*packetSize] == syncByte {
			return p, true
		}
	}
	if last >= from {
		s.scanned = last + 1 - s.start
	}
	return 0, false
}

// scanTail handles the end of input, where fewer than syncRun cells may
// remain: every remaining whole cell must start with a sync byte.
func (s *Synchronizer) scanTail() (int, bool) {
	for p := s.start + s.scanned; p+packetSize <= s.end; p++ {
		ok := true
		for q := p; q+packetSize <= s.end; q += packetSize {
			if s.buf[q] != syncByte {
				ok = false
				break
			}
		}
		if ok {
			return p, true
		}
	}
	return 0, false
}

func (s *Synchronizer) discard(n int) {
	s.start += n
	s.discarded += int64(n)
	if s.scanned > n {
		s.scanned -= n
	} else {
		s.scanned = 0
	}
}

// fill compacts the buffer and tops it up with one read.
func (s *Synchronizer) fill() error {
	if s.start > 0 {
		n := copy(s.buf, s.buf[s.start:s.end])
		s.start, s.end = 0, n
	}

	n, err := s.r.Read(s.buf[s.end:])
	s.end += n
	if n > 0 {
		s.zeroReads = 0
	}
	switch {
	case err == nil:
		if n == 0 {
			s.zeroReads++
			if s.zeroReads >= maxZeroReads {
				return fmt.Errorf("%w after %d empty reads", ErrStalledInput, s.zeroReads)
			}
		}
		return nil
	case errors.Is(err, io.EOF):
		s.eof = true
		return nil
	default:
		return fmt.Errorf("mpegts: read: %w", err)
	}
}
