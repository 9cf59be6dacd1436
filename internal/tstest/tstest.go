// Package tstest builds MPEG-TS packets, PSI sections and PES packets for
// tests. Everything it returns is wire-format bytes.
package tstest

import (
	"encoding/binary"
)

// PacketSize is the fixed size of an MPEG-TS packet.
const PacketSize = 188

// Program is one PAT entry.
type Program struct {
	Number uint16
	PMTPID uint16
}

// Stream is one PMT elementary stream entry. Descriptors is the raw
// ES_info loop.
type Stream struct {
	Type        uint8
	PID         uint16
	Descriptors []byte
}

// Packet builds a payload-only packet. The payload is zero padded to fill
// the cell.
func Packet(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = 0x47
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

// NullPacket builds a packet on PID 0x1FFF.
func NullPacket() []byte {
	buf := Packet(0x1FFF, 0, false, nil)
	for i := 4; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

// PCRPacket builds an adaptation-only packet carrying a PCR with the given
// 90 kHz base.
func PCRPacket(pid uint16, cc uint8, base int64, discontinuity bool) []byte {
	buf := make([]byte, PacketSize)
	buf[0] = 0x47
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x20 | (cc & 0x0F)
	buf[4] = 183
	buf[5] = 0x10
	if discontinuity {
		buf[5] |= 0x80
	}
	copy(buf[6:12], EncodePCR(base, 0))
	for i := 12; i < PacketSize; i++ {
		buf[i] = 0xFF
	}
	return buf
}

// EncodePCR encodes a 6-byte program clock reference.
func EncodePCR(base, ext int64) []byte {
	b := make([]byte, 6)
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base&0x01)<<7 | 0x7E | byte(ext>>8)&0x01
	b[5] = byte(ext)
	return b
}

// EncodePTS encodes a 5-byte PES timestamp with the given marker nibble
// (0x2 for PTS only, 0x3 for PTS followed by DTS, 0x1 for that DTS).
func EncodePTS(marker uint8, value int64) []byte {
	b := make([]byte, 5)
	b[0] = (marker << 4) | byte((value>>29)&0x0E) | 0x01
	b[1] = byte(value >> 22)
	b[2] = byte((value>>14)&0xFE) | 0x01
	b[3] = byte(value >> 7)
	b[4] = byte((value<<1)&0xFE) | 0x01
	return b
}

// PES builds a PES packet with an optional header. When hasPTS is set the
// header carries a PTS; when hasDTS is also set it carries a DTS too.
func PES(streamID uint8, pts, dts int64, hasPTS, hasDTS bool, data []byte) []byte {
	var optional []byte
	flags := byte(0)
	if hasPTS && hasDTS {
		flags = 0xC0
		optional = append(optional, EncodePTS(0x3, pts)...)
		optional = append(optional, EncodePTS(0x1, dts)...)
	} else if hasPTS {
		flags = 0x80
		optional = append(optional, EncodePTS(0x2, pts)...)
	}

	pesLen := 3 + len(optional) + len(data)
	if pesLen > 0xFFFF {
		pesLen = 0
	}
	pes := []byte{0x00, 0x00, 0x01, streamID, byte(pesLen >> 8), byte(pesLen), 0x80, flags, byte(len(optional))}
	pes = append(pes, optional...)
	return append(pes, data...)
}

// Packetize splits pesData into packets on pid, setting PUSI on the first
// and stuffing the last through its adaptation field so that no padding
// reaches the payload. cc is advanced per packet.
func Packetize(pesData []byte, pid uint16, cc *uint8) []byte {
	var result []byte
	offset := 0
	first := true

	for offset < len(pesData) {
		var pkt [PacketSize]byte
		pkt[0] = 0x47
		pkt[1] = byte(pid>>8) & 0x1F
		pkt[2] = byte(pid)
		if first {
			pkt[1] |= 0x40
			first = false
		}
		pkt[3] = 0x10 | (*cc & 0x0F)
		*cc = (*cc + 1) & 0x0F

		remaining := len(pesData) - offset
		capacity := PacketSize - 4

		if remaining < capacity {
			stuffLen := capacity - remaining
			pkt[3] |= 0x20
			pkt[4] = byte(stuffLen - 1)
			if stuffLen > 1 {
				pkt[5] = 0
				for i := 6; i < 4+stuffLen; i++ {
					pkt[i] = 0xFF
				}
			}
			copy(pkt[4+stuffLen:], pesData[offset:])
			offset = len(pesData)
		} else {
			copy(pkt[4:], pesData[offset:offset+capacity])
			offset += capacity
		}
		result = append(result, pkt[:]...)
	}
	return result
}

// PATSection builds a complete PAT section including its CRC32.
func PATSection(tsID uint16, programs ...Program) []byte {
	body := make([]byte, 0, 4*len(programs))
	for _, p := range programs {
		body = append(body, byte(p.Number>>8), byte(p.Number), 0xE0|byte(p.PMTPID>>8)&0x1F, byte(p.PMTPID))
	}
	return longSection(0x00, tsID, body)
}

// PMTSection builds a complete PMT section including its CRC32.
func PMTSection(programNumber, pcrPID uint16, streams ...Stream) []byte {
	body := []byte{0xE0 | byte(pcrPID>>8)&0x1F, byte(pcrPID), 0xF0, 0x00}
	for _, s := range streams {
		body = append(body,
			s.Type,
			0xE0|byte(s.PID>>8)&0x1F, byte(s.PID),
			0xF0|byte(len(s.Descriptors)>>8)&0x0F, byte(len(s.Descriptors)))
		body = append(body, s.Descriptors...)
	}
	return longSection(0x02, programNumber, body)
}

func longSection(tableID uint8, idExt uint16, body []byte) []byte {
	sectionLen := 5 + len(body) + 4
	s := []byte{
		tableID,
		0xB0 | byte(sectionLen>>8)&0x0F, byte(sectionLen),
		byte(idExt >> 8), byte(idExt),
		0xC1, // version 0, current_next 1
		0x00, 0x00,
	}
	s = append(s, body...)
	return binary.BigEndian.AppendUint32(s, CRC32(s))
}

// PSIPackets carries section on pid behind a zero pointer_field, splitting it
// across as many packets as needed and padding the last with 0xFF.
func PSIPackets(pid uint16, section []byte, cc *uint8) []byte {
	data := append([]byte{0x00}, section...)
	var result []byte
	first := true
	for len(data) > 0 {
		n := min(len(data), PacketSize-4)
		pkt := Packet(pid, *cc, first, data[:n])
		for i := 4 + n; i < PacketSize; i++ {
			pkt[i] = 0xFF
		}
		*cc = (*cc + 1) & 0x0F
		first = false
		data = data[n:]
		result = append(result, pkt...)
	}
	return result
}

// PAT builds a single PAT packet.
func PAT(cc uint8, tsID uint16, programs ...Program) []byte {
	return PSIPackets(0, PATSection(tsID, programs...), &cc)
}

// PMT builds the packets of one PMT on pmtPID.
func PMT(pmtPID uint16, cc uint8, programNumber, pcrPID uint16, streams ...Stream) []byte {
	return PSIPackets(pmtPID, PMTSection(programNumber, pcrPID, streams...), &cc)
}

// Cells splits a packet stream into 188-byte cells.
func Cells(ts []byte) [][]byte {
	var cells [][]byte
	for off := 0; off+PacketSize <= len(ts); off += PacketSize {
		cells = append(cells, ts[off:off+PacketSize])
	}
	return cells
}

var crcTable [256]uint32

func init() {
	for i := range crcTable {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC32 computes the MPEG-2 CRC32 of data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
