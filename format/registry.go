package format

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zsiec/tsdemux/input"
	"github.com/zsiec/tsdemux/media"
)

var (
	// ErrUnknownFormat is returned when no registered handler accepts an input.
	ErrUnknownFormat = errors.New("format: unknown container format")
	// ErrNoPreview is returned when an input can neither preview nor seek,
	// so its first bytes cannot be inspected without consuming them.
	ErrNoPreview = errors.New("format: input offers no preview")
)

// OpenFunc creates a demuxer reading src and delivering to out.
type OpenFunc func(src input.Source, out media.Outputs, log *slog.Logger) (Demuxer, error)

// Handler describes one container format.
type Handler struct {
	Name       string
	Extensions []string
	// Probe reports whether head, the first bytes of an input, looks like
	// this format.
	Probe func(head []byte) bool
	Open  OpenFunc
}

// Registry holds the known handlers in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers []*Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers the handler filled in by fn.
func (r *Registry) Add(fn func(*Handler)) {
	h := &Handler{}
	fn(h)
	r.Register(h)
}

// Register adds h. A handler with the same name replaces the earlier one.
func (r *Registry) Register(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, old := range r.handlers {
		if old.Name == h.Name {
			r.handlers[i] = h
			return
		}
	}
	r.handlers = append(r.handlers, h)
}

// Handlers returns the registered handlers.
func (r *Registry) Handlers() []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Handler(nil), r.handlers...)
}

// Lookup finds a handler by name.
func (r *Registry) Lookup(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Name == name {
			return h, true
		}
	}
	return nil, false
}

// ByExtension finds a handler claiming the extension of path.
func (r *Registry) ByExtension(path string) (*Handler, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		for _, e := range h.Extensions {
			if strings.EqualFold(e, ext) {
				return h, true
			}
		}
	}
	return nil, false
}

// Detect probes the first bytes of src against every handler. The bytes are
// not consumed: they come from a preview when the source offers one, or are
// read and then sought back over on a seekable source.
func (r *Registry) Detect(src input.Source) (*Handler, error) {
	head, err := peek(src)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Probe != nil && h.Probe(head) {
			return h, nil
		}
	}
	return nil, ErrUnknownFormat
}

// Open picks a handler for src and opens it. Probing wins; the extension of
// name is the fallback for inputs too short or too damaged to probe.
func (r *Registry) Open(src input.Source, name string, out media.Outputs, log *slog.Logger) (Demuxer, *Handler, error) {
	h, err := r.Detect(src)
	if err != nil {
		var ok bool
		if h, ok = r.ByExtension(name); !ok {
			return nil, nil, err
		}
	}
	dmx, err := h.Open(src, out, log)
	if err != nil {
		return nil, nil, fmt.Errorf("format: open %s: %w", h.Name, err)
	}
	return dmx, h, nil
}

func peek(src input.Source) ([]byte, error) {
	caps := src.Capabilities()
	if p, ok := src.(input.Previewer); ok && caps.Has(input.CapPreview) {
		head, err := p.Preview(input.PreviewSize)
		if err != nil {
			return nil, fmt.Errorf("format: preview: %w", err)
		}
		return append([]byte(nil), head...), nil
	}
	if !caps.Has(input.CapSeekable) {
		return nil, ErrNoPreview
	}

	start := src.Pos()
	head := make([]byte, input.PreviewSize)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("format: read head: %w", err)
	}
	if _, err := src.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("format: rewind after probe: %w", err)
	}
	return head[:n], nil
}
