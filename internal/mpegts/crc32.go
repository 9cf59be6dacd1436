package mpegts

import (
	"fmt"

	"github.com/q191201771/naza/pkg/bele"
)

// MPEG-2 CRC32 with polynomial 0x04C11DB7, no reflection, initial value
// 0xFFFFFFFF, no final XOR.
var crc32Table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

func computeCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crc32Table[byte(crc>>24)^b]
	}
	return crc
}

// verifyCRC32 checks that the last 4 bytes of section are the CRC32 of the
// bytes preceding them.
func verifyCRC32(section []byte) error {
	if len(section) < 4 {
		return fmt.Errorf("%w: %d bytes is too short for CRC32", ErrMalformedSection, len(section))
	}
	n := len(section) - 4
	computed := computeCRC32(section[:n])
	stored := bele.BeUint32(section[n:])
	if computed != stored {
		return fmt.Errorf("%w: computed 0x%08X, stored 0x%08X", ErrCRCMismatch, computed, stored)
	}
	return nil
}
