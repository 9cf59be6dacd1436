package mpegts

import (
	"errors"
	"fmt"
)

// Sentinel errors for transport stream parsing. Only ErrNoSync and
// ErrStalledInput are terminal; the rest are handled where they occur and
// surface only in logs and Stats.
var (
	ErrSyncLost         = errors.New("mpegts: sync lost")
	ErrNoSync           = errors.New("mpegts: no packet alignment found")
	ErrStalledInput     = errors.New("mpegts: input stalled")
	ErrCRCMismatch      = errors.New("mpegts: CRC32 mismatch")
	ErrMalformedSection = errors.New("mpegts: malformed section")
	ErrScrambled        = errors.New("mpegts: scrambled PID")
	ErrCorruptedPES     = errors.New("mpegts: corrupted PES header")
)

// SectionError records which table on which PID failed to parse.
type SectionError struct {
	Table string
	PID   uint16
	Err   error
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("mpegts: %s on PID 0x%04X: %v", e.Table, e.PID, e.Err)
}

func (e *SectionError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformedSection}, args...)...)
}
