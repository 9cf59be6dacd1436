package input

import "io"

// ReaderSource adapts a plain io.Reader, such as stdin or a pipe. It
// cannot seek but offers a preview of its first bytes.
type ReaderSource struct {
	prefetch
	closer io.Closer
}

// NewReaderSource wraps r. If r is also an io.Closer, Close closes it.
func NewReaderSource(r io.Reader) *ReaderSource {
	s := &ReaderSource{prefetch: prefetch{r: r}}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Seek only reports the current position; any other request fails with
// ErrNotSeekable.
func (s *ReaderSource) Seek(offset int64, whence int) (int64, error) {
	return s.seekCurrent(offset, whence)
}

func (s *ReaderSource) Capabilities() Capability {
	return CapPreview
}

func (s *ReaderSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
