package mpegts

import "fmt"

const (
	packetSize = 188
	syncByte   = 0x47
	headerSize = 4

	pidPAT  = 0x0000
	pidNull = 0x1FFF
)

// PacketSize is the size of one transport stream cell.
const PacketSize = packetSize

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("%w: invalid sync byte 0x%02X", ErrSyncLost, buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.TransportPriority = buf[1]&0x20 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.ScramblingControl = buf[3] >> 6 & 0x03
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := headerSize

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if offset+1+afLen > packetSize {
			return p, fmt.Errorf("mpegts: adaptation field length %d overruns packet on PID 0x%04X", afLen, p.Header.PID)
		}
		if afLen > 0 {
			af, err := parseAdaptationField(buf[offset+1 : offset+1+afLen])
			if err != nil {
				return p, fmt.Errorf("mpegts: PID 0x%04X: %w", p.Header.PID, err)
			}
			p.AdaptationField = af
		} else {
			p.AdaptationField = &AdaptationField{}
		}
		offset += 1 + afLen
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = make([]byte, packetSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}
