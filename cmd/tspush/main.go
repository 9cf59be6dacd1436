// Command tspush streams a transport stream file to an SRT listener at its
// real-time rate, looping until interrupted. It feeds tsdemux running with
// an SRT input in listen mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	streamID := flag.String("streamid", "", "SRT stream ID (default: live/<file name>)")
	duration := flag.Duration("duration", 0, "Known duration (skips the PCR scan)")
	once := flag.Bool("once", false, "Send the file once instead of looping")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: tspush [flags] <file.ts>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("read input", "error", err)
		os.Exit(1)
	}
	if len(data)%packetSize != 0 {
		log.Warn("file size is not a multiple of the packet size", "size", len(data))
	}

	id := *streamID
	if id == "" {
		base := filepath.Base(path)
		id = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	scanned, err := pcrDuration(context.Background(), data)
	if err != nil {
		log.Warn("PCR scan failed", "error", err)
	}
	d := selectDuration(*duration, scanned)
	bytesPerSec := float64(len(data)) / d.Seconds()
	log.Info("input", "file", path, "packets", len(data)/packetSize, "duration", d, "bytes_per_sec", int64(bytesPerSec))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for ctx.Err() == nil {
		log.Info("connecting", "addr", *addr, "stream_id", id)
		cfg := srt.DefaultConfig()
		cfg.StreamID = id

		conn, err := srt.Dial(*addr, cfg)
		if err != nil {
			log.Warn("SRT connect failed, retrying", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		log.Info("connected, streaming")
		p := &pacer{w: conn, bytesPerSec: bytesPerSec, chunk: chunkSize, log: log}
		err = p.run(ctx, data, *once)
		conn.Close()
		if err == nil || ctx.Err() != nil {
			return
		}
		log.Warn("connection lost, reconnecting", "error", err)
		sleepCtx(ctx, time.Second)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
