package demux

import (
	"log/slog"

	"github.com/zsiec/tsdemux/format"
	"github.com/zsiec/tsdemux/input"
	"github.com/zsiec/tsdemux/internal/mpegts"
	"github.com/zsiec/tsdemux/media"
)

// Handler fills in the registry entry for MPEG transport streams.
func Handler(h *format.Handler) {
	h.Name = "mpegts"
	h.Extensions = []string{".ts", ".trp", ".m2t", ".mpegts"}
	h.Probe = Probe
	h.Open = func(src input.Source, out media.Outputs, log *slog.Logger) (format.Demuxer, error) {
		return New(src, out, log), nil
	}
}

// Probe reports whether head starts a transport stream: three sync bytes at
// packet stride from one of the first 188 offsets. Heads too short for
// three packets need sync bytes at 0 and 188.
func Probe(head []byte) bool {
	const n = mpegts.PacketSize
	if len(head) < 3*n {
		return len(head) > n && head[0] == 0x47 && head[n] == 0x47
	}
	for off := 0; off < n && off+2*n < len(head); off++ {
		if head[off] == 0x47 && head[off+n] == 0x47 && head[off+2*n] == 0x47 {
			return true
		}
	}
	return false
}
