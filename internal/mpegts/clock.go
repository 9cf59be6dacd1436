package mpegts

// pcrJumpThreshold is the PCR step (90 kHz units, one second) beyond which
// the timeline is treated as discontinuous.
const pcrJumpThreshold = 90000

// clock follows the program clock reference of the bound program and
// detects jumps in it.
type clock struct {
	lastPCR int64
	hasPCR  bool
	// ignoreNext suppresses discontinuity detection for exactly one sample.
	ignoreNext bool
}

// observe records a PCR sample (90 kHz base) and reports the signed jump
// when it must be signalled downstream. resetPending means a timeline reset
// is already queued and the jump would be redundant.
func (c *clock) observe(pcr int64, resetPending bool) (int64, bool) {
	if !c.hasPCR {
		c.lastPCR = pcr
		c.hasPCR = true
		return 0, false
	}
	diff := pcr - c.lastPCR
	c.lastPCR = pcr

	if c.ignoreNext {
		c.ignoreNext = false
		return 0, false
	}
	if (diff > pcrJumpThreshold || diff < -pcrJumpThreshold) && !resetPending {
		c.ignoreNext = true
		return diff, true
	}
	return 0, false
}

// forget drops the last sample, as when the PCR PID changes.
func (c *clock) forget() {
	c.lastPCR = 0
	c.hasPCR = false
}
