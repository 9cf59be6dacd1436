package mpegts

import (
	"fmt"

	"github.com/q191201771/naza/pkg/bele"
)

// PES flags byte (second optional header byte) PTS/DTS bits.
const (
	pesFlagPTS = 0x80
	pesFlagDTS = 0x40
)

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalPESHeader reports whether streamID carries the optional PES
// header. padding_stream (0xBE), private_stream_2 (0xBF), ECM (0xF0),
// EMM (0xF1), program_stream_directory (0xFF), DSMCC (0xF2) and
// ITU-T Rec. H.222.1 type E (0xF8) do not.
func hasOptionalPESHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

// parsePESHeader parses the PES header at the start of payload and returns
// it with the offset at which elementary stream data begins.
func parsePESHeader(payload []byte) (*PESHeader, int, error) {
	if len(payload) < 6 {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrCorruptedPES, len(payload))
	}
	if !isPESPayload(payload) {
		return nil, 0, fmt.Errorf("%w: bad start code %02X %02X %02X", ErrCorruptedPES, payload[0], payload[1], payload[2])
	}

	h := &PESHeader{
		StreamID:     payload[3],
		PacketLength: bele.BeUint16(payload[4:6]),
	}
	if !hasOptionalPESHeader(h.StreamID) {
		return h, 6, nil
	}

	// payload[6]: marker(2) + scrambling(2) + priority(1) + alignment(1) + copyright(1) + original(1)
	// payload[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// payload[8]: PES_header_data_length
	if len(payload) < 9 {
		return nil, 0, fmt.Errorf("%w: optional header truncated", ErrCorruptedPES)
	}
	flags := payload[7]
	headerDataLength := int(payload[8])
	dataStart := 9 + headerDataLength
	if dataStart > len(payload) {
		return nil, 0, fmt.Errorf("%w: header data length %d overruns packet", ErrCorruptedPES, headerDataLength)
	}

	oh := &PESOptionalHeader{HeaderDataLength: headerDataLength}
	h.OptionalHeader = oh

	if flags&pesFlagPTS != 0 && headerDataLength >= 5 {
		// Marker nibble 0010 means PTS only, 0011 means PTS followed by DTS.
		if marker := payload[9] >> 4; marker == 0x2 || marker == 0x3 {
			oh.PTS = parsePTSOrDTS(payload[9:14])
		}
		if flags&pesFlagDTS != 0 && headerDataLength >= 10 {
			oh.DTS = parsePTSOrDTS(payload[14:19])
		}
	}

	return h, dataStart, nil
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}
