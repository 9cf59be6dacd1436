package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astits"
)

const (
	packetSize = 188
	// chunkSize is the standard SRT payload: seven transport packets.
	chunkSize = packetSize * 7

	defaultDuration = 60 * time.Second
	logInterval     = 10 * time.Second
)

// pcrDuration returns the span between the first and last PCR of the first
// PID that carries one.
func pcrDuration(ctx context.Context, data []byte) (time.Duration, error) {
	dmx := astits.NewDemuxer(ctx, bytes.NewReader(data))
	var (
		pid         uint16
		first, last int64
		found       bool
	)
	for {
		p, err := dmx.NextPacket()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				break
			}
			return 0, fmt.Errorf("scan packets: %w", err)
		}
		af := p.AdaptationField
		if af == nil || !af.HasPCR || af.PCR == nil {
			continue
		}
		if !found {
			pid, first, found = p.Header.PID, af.PCR.Base, true
		}
		if p.Header.PID == pid {
			last = af.PCR.Base
		}
	}
	if !found {
		return 0, errors.New("no PCR found")
	}
	if last <= first {
		return 0, fmt.Errorf("PCR does not advance (first %d, last %d)", first, last)
	}
	return time.Duration(last-first) * time.Second / 90000, nil
}

// selectDuration prefers an explicit duration, then the scanned one.
func selectDuration(override, scanned time.Duration) time.Duration {
	switch {
	case override > 0:
		return override
	case scanned > 0:
		return scanned
	default:
		return defaultDuration
	}
}

// pacer writes data in chunks no faster than bytesPerSec.
type pacer struct {
	w           io.Writer
	bytesPerSec float64
	chunk       int
	log         *slog.Logger

	sent int64
}

// run sends data, repeatedly unless once is set. Pacing follows one clock
// across loops so there is no burst at the seam.
func (p *pacer) run(ctx context.Context, data []byte, once bool) error {
	start := time.Now()
	lastLog := start
	for loop := 1; ; loop++ {
		for i := 0; i < len(data); i += p.chunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(i+p.chunk, len(data))
			if _, err := p.w.Write(data[i:end]); err != nil {
				return err
			}
			p.sent += int64(end - i)

			expected := time.Duration(float64(p.sent) / p.bytesPerSec * float64(time.Second))
			if wait := expected - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
			if p.log != nil && time.Since(lastLog) >= logInterval {
				p.log.Info("progress", "loop", loop, "sent_mb", float64(p.sent)/(1<<20),
					"rate", int64(float64(p.sent)/time.Since(start).Seconds()))
				lastLog = time.Now()
			}
		}
		if once {
			return nil
		}
	}
}
