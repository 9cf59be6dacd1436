package mpegts

// sectionBuffer reassembles one PSI section, sized by its declared
// section_length, across consecutive packets on the same PID.
type sectionBuffer struct {
	pid  uint16
	data []byte
	want int
}

func newSectionBuffer(pid uint16) *sectionBuffer {
	return &sectionBuffer{pid: pid}
}

// begin starts a new section from the payload of a PUSI packet, first
// completing any section still in progress with the bytes ahead of the
// pointer field. It reports whether the new section is already complete
// and whether the previous one was finished by the leading bytes.
func (sb *sectionBuffer) begin(payload []byte) (complete bool, prev []byte, err error) {
	if len(payload) < 1 {
		return false, nil, malformed("empty PSI payload")
	}
	pointer := int(payload[0])
	offset := 1 + pointer
	if offset >= len(payload) {
		sb.reset()
		return false, nil, malformed("pointer_field %d out of range", pointer)
	}
	if sb.inProgress() && pointer > 0 {
		if sb.add(payload[1:offset]) {
			prev = sb.data
		}
	}
	sb.reset()

	if payload[offset] == 0xFF {
		return false, prev, nil // stuffing only
	}
	if offset+psiHeaderSize > len(payload) {
		return false, prev, malformed("section header straddles packet boundary")
	}
	l := sectionLength(payload[offset:])
	if l > maxSectionLen {
		return false, prev, malformed("section_length %d exceeds %d", l, maxSectionLen)
	}
	sb.want = psiHeaderSize + l
	sb.data = make([]byte, 0, sb.want)
	return sb.add(payload[offset:]), prev, nil
}

// add appends continuation bytes and reports whether the section is full.
// Bytes past the declared length are stuffing and ignored.
func (sb *sectionBuffer) add(b []byte) bool {
	n := sb.want - len(sb.data)
	if n > len(b) {
		n = len(b)
	}
	sb.data = append(sb.data, b[:n]...)
	return sb.want > 0 && len(sb.data) == sb.want
}

func (sb *sectionBuffer) inProgress() bool {
	return sb.want > 0 && len(sb.data) < sb.want
}

func (sb *sectionBuffer) bytes() []byte {
	return sb.data
}

func (sb *sectionBuffer) reset() {
	sb.data = nil
	sb.want = 0
}
