package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

const srtDialTimeout = 10 * time.Second

// SRTSource reads a transport stream from one SRT connection. Reads are
// message oriented, so the source keeps its own buffer and serves the
// demuxer whatever size it asks for.
type SRTSource struct {
	prefetch
	log  *slog.Logger
	conn *srtgo.Conn
	stop context.CancelFunc
}

// DialSRT connects to a remote SRT listener in caller mode. streamID may be
// empty.
func DialSRT(ctx context.Context, addr, streamID string, log *slog.Logger) (*SRTSource, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-input")

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if streamID != "" {
		cfg.StreamID = streamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("input: SRT dial %s: %w", addr, res.err)
		}
		log.Info("connected", "address", addr, "stream_id", streamID)
		return newSRTSource(ctx, res.conn, log, nil), nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("input: SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// ListenSRT waits on addr for a single publisher and returns its stream.
// When streamID is not empty, connections asking for another stream ID are
// rejected.
func ListenSRT(ctx context.Context, addr, streamID string, log *slog.Logger) (*SRTSource, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "srt-input")

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("input: SRT listen on %s: %w", addr, err)
	}
	log.Info("listening", "addr", addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if streamID != "" && req.StreamID != streamID {
			return srtgo.RejPeer
		}
		return 0
	})

	// The listener stays open for the life of the connection; it is closed
	// early only when ctx ends before a publisher arrives.
	accepted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-accepted:
		}
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("accept error", "error", err)
			continue
		}
		close(accepted)
		log.Info("publish", "stream_id", conn.StreamID(), "remote", conn.RemoteAddr())
		return newSRTSource(ctx, conn, log, func() { l.Close() }), nil
	}
}

func newSRTSource(ctx context.Context, conn *srtgo.Conn, log *slog.Logger, cleanup func()) *SRTSource {
	ctx, cancel := context.WithCancel(ctx)
	s := &SRTSource{
		log:  log,
		conn: conn,
		stop: cancel,
	}
	s.prefetch.r = &srtReader{conn: conn, buf: make([]byte, srtReadBufferSize), log: log}

	// Closing the connection unblocks a pending Read.
	go func() {
		<-ctx.Done()
		conn.Close()
		if cleanup != nil {
			cleanup()
		}
	}()
	return s
}

// Seek only reports the current position.
func (s *SRTSource) Seek(offset int64, whence int) (int64, error) {
	return s.seekCurrent(offset, whence)
}

func (s *SRTSource) Capabilities() Capability {
	return CapPreview
}

// StreamID returns the stream ID negotiated for the connection.
func (s *SRTSource) StreamID() string {
	return s.conn.StreamID()
}

func (s *SRTSource) Close() error {
	s.stop()
	return nil
}

// srtReader turns SRT messages into a byte stream.
type srtReader struct {
	log     *slog.Logger
	conn    *srtgo.Conn
	buf     []byte
	pending []byte
	reads   int
	bytes   int64
}

func (r *srtReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		n, err := r.conn.Read(r.buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("read error", "error", err)
			}
			r.log.Info("connection closed", "bytes", r.bytes, "reads", r.reads)
			return 0, io.EOF
		}
		r.reads++
		r.bytes += int64(n)
		r.pending = r.buf[:n]
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
