package input

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// FileSource reads a local file. It is seekable and supports preview.
type FileSource struct {
	f    *os.File
	pos  int64
	size int64
}

// OpenFile opens path for reading.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("input: stat %s: %w", path, err)
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

func (s *FileSource) Read(p []byte) (int, error) {
	n, err := s.f.Read(p)
	s.pos += int64(n)
	return n, err
}

// Seek repositions the file.
func (s *FileSource) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.f.Seek(offset, whence)
	if err != nil {
		return s.pos, fmt.Errorf("input: seek: %w", err)
	}
	s.pos = pos
	return pos, nil
}

// Preview reads up to n bytes from the start of the file without moving
// the read position.
func (s *FileSource) Preview(n int) ([]byte, error) {
	buf := make([]byte, n)
	m, err := s.f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return buf[:m], fmt.Errorf("input: preview: %w", err)
	}
	return buf[:m], nil
}

func (s *FileSource) Pos() int64 { return s.pos }

// Size returns the file size at open time.
func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) Capabilities() Capability {
	return CapSeekable | CapPreview
}

func (s *FileSource) Close() error {
	return s.f.Close()
}
