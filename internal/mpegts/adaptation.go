package mpegts

import "fmt"

// Adaptation field flag bits, in wire order.
const (
	afDiscontinuity = 0x80
	afRandomAccess  = 0x40
	afESPriority    = 0x20
	afPCR           = 0x10
	afOPCR          = 0x08
	afSplicing      = 0x04
	afPrivateData   = 0x02
	afExtension     = 0x01
)

// parseAdaptationField decodes the adaptation field body, i.e. the bytes
// following adaptation_field_length. body must be non-empty.
func parseAdaptationField(body []byte) (*AdaptationField, error) {
	af := &AdaptationField{Length: len(body)}
	flags := body[0]
	af.DiscontinuityIndicator = flags&afDiscontinuity != 0
	af.RandomAccessIndicator = flags&afRandomAccess != 0
	af.ElementaryStreamPriorityIndicator = flags&afESPriority != 0
	af.HasPCR = flags&afPCR != 0
	af.HasOPCR = flags&afOPCR != 0
	af.HasSplicingCountdown = flags&afSplicing != 0
	af.HasTransportPrivateData = flags&afPrivateData != 0
	af.HasExtension = flags&afExtension != 0

	offset := 1
	if af.HasPCR {
		if offset+6 > len(body) {
			return nil, fmt.Errorf("adaptation field too short for PCR (%d bytes)", len(body))
		}
		af.PCR = parsePCR(body[offset : offset+6])
		offset += 6
	}
	if af.HasOPCR {
		if offset+6 > len(body) {
			return nil, fmt.Errorf("adaptation field too short for OPCR (%d bytes)", len(body))
		}
		af.OPCR = parsePCR(body[offset : offset+6])
		offset += 6
	}
	if af.HasSplicingCountdown {
		if offset+1 > len(body) {
			return nil, fmt.Errorf("adaptation field too short for splice countdown")
		}
		af.SpliceCountdown = int8(body[offset])
	}
	return af, nil
}

// parsePCR decodes a 6-byte program clock reference: 33-bit base,
// 6 reserved bits, 9-bit extension.
func parsePCR(bs []byte) *ClockReference {
	base := int64(bs[0])<<25 |
		int64(bs[1])<<17 |
		int64(bs[2])<<9 |
		int64(bs[3])<<1 |
		int64(bs[4])>>7
	ext := int64(bs[4]&0x01)<<8 | int64(bs[5])
	return &ClockReference{Base: base, Extension: ext}
}
