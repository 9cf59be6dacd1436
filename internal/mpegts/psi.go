package mpegts

import (
	"github.com/q191201771/naza/pkg/bele"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02

	// psiHeaderSize covers table_id and the 2-byte section_length field.
	psiHeaderSize = 3
	maxSectionLen = 1021
)

// sectionLength returns section_length from the first three section bytes.
func sectionLength(b []byte) int {
	return int(bele.BeUint16(b[1:3]) & 0x0FFF)
}

// checkLongSection validates the long-form header shared by PAT and PMT and
// the CRC32 trailer. section spans table_id through the CRC.
func checkLongSection(section []byte, tableID uint8, minLen int) error {
	if len(section) < minLen {
		return malformed("%d bytes, need at least %d", len(section), minLen)
	}
	if section[0] != tableID {
		return malformed("table_id 0x%02X, expected 0x%02X", section[0], tableID)
	}
	if section[1]&0x80 == 0 {
		return malformed("section_syntax_indicator not set")
	}
	if section[5]&0x01 == 0 {
		return malformed("current_next_indicator is 0")
	}
	return verifyCRC32(section)
}

func parsePATSection(section []byte) (*PATData, error) {
	// section layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  transport_stream_id
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8..N-4] program entries (4 bytes each)
	// [N-4..N] CRC32
	if err := checkLongSection(section, tableIDPAT, 12); err != nil {
		return nil, err
	}
	if section[6] != 0 || section[7] != 0 {
		return nil, malformed("multi-section PAT (section %d of %d) is not supported", section[6], section[7])
	}

	pat := &PATData{
		TransportStreamID: bele.BeUint16(section[3:5]),
		Version:           section[5] >> 1 & 0x1F,
	}
	entryEnd := len(section) - 4
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := bele.BeUint16(section[i : i+2])
		pmtPID := bele.BeUint16(section[i+2:i+4]) & 0x1FFF
		if programNumber == 0 {
			continue // NIT PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

func parsePMTSection(section []byte) (*PMTData, error) {
	// section layout:
	// [0]    table_id
	// [1-2]  section_syntax_indicator(1) + zero(1) + reserved(2) + section_length(12)
	// [3-4]  program_number
	// [5]    reserved(2) + version(5) + current_next(1)
	// [6]    section_number
	// [7]    last_section_number
	// [8-9]  reserved(3) + PCR_PID(13)
	// [10-11] reserved(4) + program_info_length(12)
	// [...] program descriptors
	// [...] elementary stream entries
	// [...] CRC32
	if err := checkLongSection(section, tableIDPMT, 16); err != nil {
		return nil, err
	}

	pmt := &PMTData{
		ProgramNumber: bele.BeUint16(section[3:5]),
		Version:       section[5] >> 1 & 0x1F,
		PCRPID:        bele.BeUint16(section[8:10]) & 0x1FFF,
	}

	esEnd := len(section) - 4
	programInfoLength := int(bele.BeUint16(section[10:12]) & 0x0FFF)
	offset := 12 + programInfoLength
	if offset > esEnd {
		return nil, malformed("program_info_length %d overruns section", programInfoLength)
	}

	for offset+5 <= esEnd {
		es := &PMTElementaryStream{
			StreamType:    section[offset],
			ElementaryPID: bele.BeUint16(section[offset+1:offset+3]) & 0x1FFF,
		}
		esInfoLength := int(bele.BeUint16(section[offset+3:offset+5]) & 0x0FFF)
		offset += 5
		if offset+esInfoLength > esEnd {
			return nil, malformed("ES_info_length %d overruns section for PID 0x%04X", esInfoLength, es.ElementaryPID)
		}
		es.DescriptorTags = descriptorTags(section[offset : offset+esInfoLength])
		offset += esInfoLength
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, es)
	}

	return pmt, nil
}

// descriptorTags walks a descriptor loop. A descriptor whose length runs
// past the loop ends the walk.
func descriptorTags(loop []byte) []uint8 {
	var tags []uint8
	for i := 0; i+2 <= len(loop); i += 2 + int(loop[i+1]) {
		if i+2+int(loop[i+1]) > len(loop) {
			break
		}
		tags = append(tags, loop[i])
	}
	return tags
}
