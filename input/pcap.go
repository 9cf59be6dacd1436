package input

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pion/rtp"
)

// pcapngMagic is the block type of a pcapng section header.
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

type packetDataSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// PcapSource replays the UDP payloads of a pcap or pcapng capture as one
// byte stream. Only datagrams to the configured destination port are used;
// port 0 accepts every UDP datagram.
type PcapSource struct {
	prefetch
	log    *slog.Logger
	closer io.Closer
}

// PcapOption configures a PcapSource.
type PcapOption func(*pcapStream)

// PcapOptPort keeps only datagrams sent to port.
func PcapOptPort(port uint16) PcapOption {
	return func(s *pcapStream) {
		s.port = layers.UDPPort(port)
	}
}

// NewPcapSource reads a capture from r. If log is nil, slog.Default() is used.
func NewPcapSource(r io.Reader, log *slog.Logger, opts ...PcapOption) (*PcapSource, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pcap-input")

	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("input: pcap header: %w", err)
	}

	var src packetDataSource
	if bytes.Equal(magic, pcapngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("input: pcap: %w", err)
	}

	ps, err := newPcapStream(src, log)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(ps)
	}

	s := &PcapSource{prefetch: prefetch{r: ps}, log: log}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Seek only reports the current position.
func (s *PcapSource) Seek(offset int64, whence int) (int64, error) {
	return s.seekCurrent(offset, whence)
}

func (s *PcapSource) Capabilities() Capability {
	return CapPreview | CapBlockMode
}

func (s *PcapSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// pcapStream decodes capture records down to their UDP payload.
type pcapStream struct {
	log  *slog.Logger
	src  packetDataSource
	port layers.UDPPort

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
	eth     layers.Ethernet
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	ip6     layers.IPv6
	udp     layers.UDP
	payload gopacket.Payload

	pending  []byte
	records  int
	datagram int
}

func newPcapStream(src packetDataSource, log *slog.Logger) (*pcapStream, error) {
	s := &pcapStream{log: log, src: src}

	var first gopacket.LayerType
	switch lt := src.LinkType(); lt {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		first = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("input: unsupported pcap link type %s", lt)
	}

	s.parser = gopacket.NewDecodingLayerParser(first, &s.eth, &s.sll, &s.ip4, &s.ip6, &s.udp, &s.payload)
	s.parser.IgnoreUnsupported = true
	return s, nil
}

func (s *pcapStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		data, _, err := s.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debug("capture finished", "records", s.records, "datagrams", s.datagram)
				return 0, io.EOF
			}
			return 0, fmt.Errorf("input: pcap read: %w", err)
		}
		s.records++
		s.pending = s.udpPayload(data)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// udpPayload returns the transport stream bytes of one captured frame, or
// nil when the frame is not a matching UDP datagram.
func (s *pcapStream) udpPayload(data []byte) []byte {
	if err := s.parser.DecodeLayers(data, &s.decoded); err != nil {
		s.log.Debug("skipping undecodable record", "record", s.records, "error", err)
		return nil
	}
	isUDP := false
	for _, lt := range s.decoded {
		if lt == layers.LayerTypeUDP {
			isUDP = true
			break
		}
	}
	if !isUDP || (s.port != 0 && s.udp.DstPort != s.port) {
		return nil
	}

	b := s.udp.Payload
	if ts, ok := rtpPayload(b); ok {
		b = ts
	}
	s.datagram++
	return append([]byte(nil), b...)
}

// rtpPayload unwraps RTP-encapsulated transport streams (RFC 2250). Raw TS
// datagrams start with 0x47 and never parse as RTP version 2.
func rtpPayload(b []byte) ([]byte, bool) {
	if len(b) == 0 || b[0]&0xC0 != 0x80 {
		return nil, false
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		return nil, false
	}
	if len(pkt.Payload) == 0 || len(pkt.Payload)%188 != 0 || pkt.Payload[0] != 0x47 {
		return nil, false
	}
	return pkt.Payload, true
}
