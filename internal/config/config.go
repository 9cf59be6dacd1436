// Package config loads the tsdemux command configuration from an optional
// YAML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Input kinds.
const (
	InputFile  = "file"
	InputStdin = "stdin"
	InputPcap  = "pcap"
	InputSRT   = "srt"
)

// SRT connection modes.
const (
	SRTListen = "listen"
	SRTCall   = "call"
)

type Config struct {
	Input  InputConfig  `yaml:"input"`
	SRT    SRTConfig    `yaml:"srt"`
	Pcap   PcapConfig   `yaml:"pcap"`
	Output OutputConfig `yaml:"output"`
	Fifo   FifoConfig   `yaml:"fifo"`
	Log    LogConfig    `yaml:"log"`
}

type InputConfig struct {
	// Kind is file, stdin, pcap or srt. An empty kind is derived from Path.
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
	// Format names a registered container format; empty means probe.
	Format string `yaml:"format"`
}

type SRTConfig struct {
	Addr     string `yaml:"addr"`
	Mode     string `yaml:"mode"`
	StreamID string `yaml:"stream_id"`
}

type PcapConfig struct {
	// Port keeps only UDP datagrams to this port; 0 keeps all.
	Port int `yaml:"port"`
}

type OutputConfig struct {
	// Dir receives the elementary stream files. Empty discards the data.
	Dir   string `yaml:"dir"`
	Video string `yaml:"video"`
	Audio string `yaml:"audio"`
}

type FifoConfig struct {
	VideoBuffers int `yaml:"video_buffers"`
	AudioBuffers int `yaml:"audio_buffers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Input: InputConfig{
			Path: "-",
		},
		SRT: SRTConfig{
			Addr: ":6000",
			Mode: SRTListen,
		},
		Output: OutputConfig{
			Video: "video.es",
			Audio: "audio.es",
		},
		Fifo: FifoConfig{
			VideoBuffers: 60,
			AudioBuffers: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides read through getenv and validates the result. An empty path
// skips the file. A nil getenv means os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := c.applyEnv(getenv); err != nil {
		return nil, err
	}
	if c.Input.Kind == "" {
		c.Input.Kind = kindFromPath(c.Input.Path)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *Config) applyEnv(getenv func(string) string) error {
	c.Input.Kind = envOr(getenv, "TSDEMUX_INPUT", c.Input.Kind)
	c.Input.Path = envOr(getenv, "TSDEMUX_PATH", c.Input.Path)
	c.Input.Format = envOr(getenv, "TSDEMUX_FORMAT", c.Input.Format)
	c.SRT.Addr = envOr(getenv, "SRT_ADDR", c.SRT.Addr)
	c.SRT.Mode = envOr(getenv, "SRT_MODE", c.SRT.Mode)
	c.SRT.StreamID = envOr(getenv, "SRT_STREAM_ID", c.SRT.StreamID)
	c.Output.Dir = envOr(getenv, "OUTPUT_DIR", c.Output.Dir)
	c.Log.Level = envOr(getenv, "LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr(getenv, "LOG_FORMAT", c.Log.Format)
	if getenv("DEBUG") != "" {
		c.Log.Level = "debug"
	}

	if v := getenv("PCAP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PCAP_PORT: %w", err)
		}
		c.Pcap.Port = port
	}
	return nil
}

func kindFromPath(path string) string {
	switch {
	case path == "" || path == "-":
		return InputStdin
	case strings.HasPrefix(path, "srt://"):
		return InputSRT
	case strings.HasSuffix(strings.ToLower(path), ".pcap"), strings.HasSuffix(strings.ToLower(path), ".pcapng"):
		return InputPcap
	default:
		return InputFile
	}
}

func (c *Config) validate() error {
	switch c.Input.Kind {
	case InputFile, InputPcap:
		if c.Input.Path == "" || c.Input.Path == "-" {
			return fmt.Errorf("input %s needs a path", c.Input.Kind)
		}
	case InputStdin:
	case InputSRT:
		if c.SRT.Addr == "" {
			return errors.New("srt input needs srt.addr")
		}
		if c.SRT.Mode != SRTListen && c.SRT.Mode != SRTCall {
			return fmt.Errorf("invalid srt mode %q (must be listen or call)", c.SRT.Mode)
		}
	default:
		return fmt.Errorf("invalid input kind %q (must be file, stdin, pcap or srt)", c.Input.Kind)
	}

	if c.Pcap.Port < 0 || c.Pcap.Port > 65535 {
		return fmt.Errorf("invalid pcap port: %d (must be between 0-65535)", c.Pcap.Port)
	}
	if c.Fifo.VideoBuffers < 1 || c.Fifo.AudioBuffers < 1 {
		return fmt.Errorf("fifo sizes must be positive (video %d, audio %d)", c.Fifo.VideoBuffers, c.Fifo.AudioBuffers)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format %q (must be text or json)", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
