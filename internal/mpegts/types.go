// Package mpegts implements MPEG-TS demultiplexing: packet alignment
// recovery, header and adaptation field parsing, PAT/PMT discovery with
// CRC32 validation, PCR discontinuity detection, and per-track PES
// reassembly into bounded output queues.
package mpegts

// Packet is a parsed 188-byte MPEG-TS transport stream packet.
type Packet struct {
	Header          PacketHeader
	AdaptationField *AdaptationField
	Payload         []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	ScramblingControl         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	TransportPriority         bool
}

// AdaptationField carries the optional per-packet timing and control fields.
type AdaptationField struct {
	Length                            int
	DiscontinuityIndicator            bool
	RandomAccessIndicator             bool
	ElementaryStreamPriorityIndicator bool
	HasPCR                            bool
	HasOPCR                           bool
	HasSplicingCountdown              bool
	HasTransportPrivateData           bool
	HasExtension                      bool
	PCR                               *ClockReference
	OPCR                              *ClockReference
	SpliceCountdown                   int8
}

// ClockReference holds a 33-bit 90 kHz base and, for PCR/OPCR, the 9-bit
// 27 MHz extension.
type ClockReference struct {
	Base      int64
	Extension int64
}

// Ticks27MHz returns the full 27 MHz clock value.
func (c *ClockReference) Ticks27MHz() int64 {
	return c.Base*300 + c.Extension
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	TransportStreamID uint16
	Version           uint8
	Programs          []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table of one program.
type PMTData struct {
	ProgramNumber     uint16
	Version           uint8
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
// DescriptorTags lists the tags of its ES descriptors in PMT order.
type PMTElementaryStream struct {
	ElementaryPID  uint16
	StreamType     uint8
	DescriptorTags []uint8
}

// HasDescriptor reports whether the stream carries a descriptor with tag.
func (es *PMTElementaryStream) HasDescriptor(tag uint8) bool {
	for _, t := range es.DescriptorTags {
		if t == tag {
			return true
		}
	}
	return false
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	StreamID       uint8
	PacketLength   uint16
	OptionalHeader *PESOptionalHeader
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS              *ClockReference
	DTS              *ClockReference
	HeaderDataLength int
}
