// Package input provides the byte sources a demuxer reads from: local
// files, arbitrary readers such as stdin, UDP payloads recorded in pcap
// captures, and live SRT connections.
package input

import (
	"errors"
	"io"
)

// Capability describes what a Source supports.
type Capability uint8

// Source capabilities.
const (
	// CapSeekable means Seek can reposition the source.
	CapSeekable Capability = 1 << iota
	// CapPreview means the source implements Previewer.
	CapPreview
	// CapBlockMode means reads return whole transport blocks (datagrams)
	// rather than an arbitrary byte stream.
	CapBlockMode
)

// Has reports whether every capability in c2 is set in c.
func (c Capability) Has(c2 Capability) bool {
	return c&c2 == c2
}

// PreviewSize is how many leading bytes a Previewer offers by default.
const PreviewSize = 4096

// ErrNotSeekable is returned by Seek on sources without CapSeekable.
var ErrNotSeekable = errors.New("input: source is not seekable")

// Source is a sequential byte provider with an optional ability to seek.
type Source interface {
	io.Reader
	io.Closer
	Seek(offset int64, whence int) (int64, error)
	// Pos returns the offset of the next byte Read returns.
	Pos() int64
	Capabilities() Capability
}

// Previewer exposes the first bytes of a source without consuming them.
// The returned slice is only valid until the next Read.
type Previewer interface {
	Preview(n int) ([]byte, error)
}

// maxEmptyReads bounds how often a preview retries a reader returning no data.
const maxEmptyReads = 100

// prefetch serves reads from a read-ahead buffer filled by Preview before
// falling through to the underlying reader.
type prefetch struct {
	r    io.Reader
	head []byte
	pos  int64
}

func (p *prefetch) Preview(n int) ([]byte, error) {
	empty := 0
	for len(p.head) < n {
		buf := make([]byte, n-len(p.head))
		m, err := p.r.Read(buf)
		p.head = append(p.head, buf[:m]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return p.head, err
		}
		if m == 0 {
			if empty++; empty >= maxEmptyReads {
				break
			}
		}
	}
	if len(p.head) > n {
		return p.head[:n], nil
	}
	return p.head, nil
}

func (p *prefetch) Read(b []byte) (int, error) {
	if len(p.head) > 0 {
		n := copy(b, p.head)
		p.head = p.head[n:]
		p.pos += int64(n)
		return n, nil
	}
	n, err := p.r.Read(b)
	p.pos += int64(n)
	return n, err
}

func (p *prefetch) Pos() int64 {
	return p.pos
}

// seekCurrent answers the one Seek a stream can honor: reporting the
// current offset.
func (p *prefetch) seekCurrent(offset int64, whence int) (int64, error) {
	if offset == 0 && whence == io.SeekCurrent {
		return p.pos, nil
	}
	return p.pos, ErrNotSeekable
}
