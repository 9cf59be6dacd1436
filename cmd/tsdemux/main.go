package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/zsiec/tsdemux/format"
	"github.com/zsiec/tsdemux/input"
	"github.com/zsiec/tsdemux/internal/config"
	"github.com/zsiec/tsdemux/internal/demux"
	"github.com/zsiec/tsdemux/internal/pipeline"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("TSDEMUX_CONFIG"), "YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] [input]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintln(flag.CommandLine.Output(), "input is a file, a .pcap/.pcapng capture, srt://host:port or - for stdin.")
		flag.PrintDefaults()
	}
	flag.Parse()

	getenv := os.Getenv
	if arg := flag.Arg(0); arg != "" {
		getenv = func(key string) string {
			if key == "TSDEMUX_PATH" {
				return arg
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.Load(*configPath, getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := cfg.Logger(os.Stderr).With("session", uuid.NewString())
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(ctx, cfg, log, sigCh); err != nil {
		log.Error("tsdemux failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, sigCh <-chan os.Signal) error {
	log.Info("tsdemux starting", "version", version, "input", cfg.Input.Kind, "path", cfg.Input.Path)

	src, err := openInput(ctx, cfg, log)
	if err != nil {
		return err
	}

	video, audio, closeOutputs, err := openOutputs(cfg.Output)
	if err != nil {
		src.Close()
		return err
	}
	defer closeOutputs()

	p := pipeline.New(pipeline.Config{
		VideoBuffers: cfg.Fifo.VideoBuffers,
		AudioBuffers: cfg.Fifo.AudioBuffers,
		Video:        video,
		Audio:        audio,
	}, log)

	reg := format.NewRegistry()
	reg.Add(demux.Handler)

	var dmx format.Demuxer
	if cfg.Input.Format != "" {
		h, ok := reg.Lookup(cfg.Input.Format)
		if !ok {
			src.Close()
			return fmt.Errorf("unknown format %q", cfg.Input.Format)
		}
		dmx, err = h.Open(src, p.Outputs(), log)
	} else {
		var h *format.Handler
		dmx, h, err = reg.Open(src, cfg.Input.Path, p.Outputs(), log)
		if err == nil {
			log.Info("format detected", "format", h.Name)
		}
	}
	if err != nil {
		src.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The first signal ends the stream cleanly; the second cancels outright.
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, stopping", "signal", sig)
		case <-runCtx.Done():
			return
		}
		if err := p.Stop(runCtx); err != nil {
			if errors.Is(err, pipeline.ErrNotRunning) {
				cancel()
				return
			}
			if !errors.Is(err, format.ErrWorkerDone) {
				log.Warn("stop failed", "error", err)
			}
		}
		select {
		case <-sigCh:
			log.Warn("second signal, cancelling")
			cancel()
		case <-runCtx.Done():
		}
	}()

	err = p.Run(runCtx, dmx)
	cancel()

	if ts, ok := dmx.(*demux.Demuxer); ok {
		logStats(log, ts.Stats(), p.Stats())
	}
	return err
}

func openInput(ctx context.Context, cfg *config.Config, log *slog.Logger) (input.Source, error) {
	switch cfg.Input.Kind {
	case config.InputStdin:
		return input.NewReaderSource(os.Stdin), nil
	case config.InputFile:
		return input.OpenFile(cfg.Input.Path)
	case config.InputPcap:
		f, err := os.Open(cfg.Input.Path)
		if err != nil {
			return nil, err
		}
		src, err := input.NewPcapSource(f, log, input.PcapOptPort(uint16(cfg.Pcap.Port)))
		if err != nil {
			f.Close()
			return nil, err
		}
		return src, nil
	case config.InputSRT:
		addr := cfg.SRT.Addr
		if strings.HasPrefix(cfg.Input.Path, "srt://") {
			addr = strings.TrimPrefix(cfg.Input.Path, "srt://")
		}
		if cfg.SRT.Mode == config.SRTCall {
			return input.DialSRT(ctx, addr, cfg.SRT.StreamID, log)
		}
		return input.ListenSRT(ctx, addr, cfg.SRT.StreamID, log)
	}
	return nil, fmt.Errorf("unsupported input %q", cfg.Input.Kind)
}

// openOutputs creates the elementary stream files, or discards the data
// when no output directory is configured.
func openOutputs(cfg config.OutputConfig) (video, audio io.Writer, closeAll func(), err error) {
	if cfg.Dir == "" {
		return io.Discard, io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	vf, err := os.Create(filepath.Join(cfg.Dir, cfg.Video))
	if err != nil {
		return nil, nil, nil, err
	}
	af, err := os.Create(filepath.Join(cfg.Dir, cfg.Audio))
	if err != nil {
		vf.Close()
		return nil, nil, nil, err
	}
	return vf, af, func() {
		vf.Close()
		af.Close()
	}, nil
}

func logStats(log *slog.Logger, ds demux.Stats, ps pipeline.Stats) {
	log.Info("demux stats",
		"packets", ds.Packets,
		"null_packets", ds.NullPackets,
		"transport_errors", ds.TransportErrors,
		"cc_errors", ds.ContinuityErrors,
		"duplicates", ds.Duplicates,
		"crc_errors", ds.CRCErrors,
		"malformed_sections", ds.MalformedSections,
		"scrambled_pids", ds.ScrambledPIDs,
		"corrupted_pes", ds.CorruptedPES,
		"discontinuities", ds.Discontinuities,
		"resyncs", ds.Resyncs,
		"discarded_bytes", ds.DiscardedBytes,
	)
	log.Info("output stats",
		"video_buffers", ps.Video.Buffers,
		"video_bytes", ps.Video.Bytes,
		"audio_buffers", ps.Audio.Buffers,
		"audio_bytes", ps.Audio.Bytes,
		"uptime", ps.Uptime,
	)
}
