package mpegts

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/zsiec/tsdemux/media"
)

// Stats counts what the demuxer has seen. Every counter only grows.
type Stats struct {
	Packets           int64
	NullPackets       int64
	TransportErrors   int64
	ContinuityErrors  int64
	Duplicates        int64
	CRCErrors         int64
	MalformedSections int64
	MalformedPackets  int64
	ScrambledPIDs     int64
	CorruptedPES      int64
	Buffers           int64
	Discontinuities   int64
	PATs              int64
	PMTs              int64
}

type pidState struct {
	lastCC uint8
	seen   bool
}

// Demuxer turns aligned 188-byte cells into elementary stream buffers on
// the video and audio output queues. It is not safe for concurrent use:
// one goroutine feeds it and owns all of its state.
type Demuxer struct {
	log *slog.Logger
	out media.Outputs

	pids      map[uint16]*pidState
	scrambled map[uint16]bool

	// pmtPIDs maps program_number to the PMT PID announced by the PAT.
	pmtPIDs  map[uint16]uint16
	sections map[uint16]*sectionBuffer
	programs map[uint16]*PMTData

	tracks map[uint16]*track
	bound  map[media.TrackKind]*track

	pcrPID    uint16
	hasPCRPID bool
	clock     clock

	newPTSPending bool
	newPTSFlags   media.Flag

	onProgram func(*PMTData)
	stats     Stats
}

// NewDemuxer creates a demuxer delivering to out. If log is nil,
// slog.Default() is used.
func NewDemuxer(out media.Outputs, log *slog.Logger, opts ...func(*Demuxer)) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:       log.With("component", "ts-demux"),
		out:       out,
		pids:      make(map[uint16]*pidState),
		scrambled: make(map[uint16]bool),
		pmtPIDs:   make(map[uint16]uint16),
		sections:  make(map[uint16]*sectionBuffer),
		programs:  make(map[uint16]*PMTData),
		tracks:    make(map[uint16]*track),
		bound:     make(map[media.TrackKind]*track),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DemuxerOptProgramHandler sets a callback invoked with every PMT that
// passes validation.
func DemuxerOptProgramHandler(fn func(*PMTData)) func(*Demuxer) {
	return func(d *Demuxer) {
		d.onProgram = fn
	}
}

// Feed processes one aligned cell read at input offset pos. Malformed input
// is logged and counted; the only errors returned come from the output
// queues (typically context cancellation) and end the demux.
func (d *Demuxer) Feed(ctx context.Context, cell []byte, pos int64) error {
	if d.newPTSPending && len(d.bound) > 0 {
		if err := d.sendNewPTS(ctx); err != nil {
			return err
		}
	}

	p, err := parsePacket(cell)
	if err != nil {
		d.stats.MalformedPackets++
		d.log.Debug("dropping packet", "error", err)
		return nil
	}
	d.stats.Packets++

	pid := p.Header.PID
	if pid == pidNull {
		d.stats.NullPackets++
		return nil
	}
	if p.Header.TransportErrorIndicator {
		d.stats.TransportErrors++
		d.log.Debug("transport error indicator set", "pid", pid)
		return nil
	}

	if af := p.AdaptationField; af != nil && af.PCR != nil && d.hasPCRPID && pid == d.pcrPID {
		if err := d.handlePCR(ctx, af.PCR); err != nil {
			return err
		}
	}

	if p.Header.ScramblingControl != 0 && !d.scrambled[pid] {
		d.scrambled[pid] = true
		d.stats.ScrambledPIDs++
		d.log.Warn("PID is scrambled, discarding its payload", "pid", pid, "scrambling_control", p.Header.ScramblingControl)
	}
	if d.scrambled[pid] {
		return nil
	}

	if !p.Header.HasPayload || len(p.Payload) == 0 {
		return nil
	}

	discontinuity := p.AdaptationField != nil && p.AdaptationField.DiscontinuityIndicator
	ccOK, dup := d.checkContinuity(pid, p.Header.ContinuityCounter, discontinuity)
	if dup {
		return nil
	}

	if pid == pidPAT {
		return d.handlePAT(ctx, p, pos)
	}
	if sb, ok := d.sections[pid]; ok {
		if !ccOK {
			sb.reset()
		}
		return d.handlePMT(ctx, sb, p, pos)
	}
	if t, ok := d.tracks[pid]; ok && d.bound[t.kind] == t {
		return d.handlePES(ctx, t, p, pos)
	}
	return nil
}

// Flush delivers the PES still buffered on every bound track, as at end of
// input.
func (d *Demuxer) Flush(ctx context.Context, pos int64) error {
	for _, kind := range []media.TrackKind{media.KindVideo, media.KindAudio} {
		if t, ok := d.bound[kind]; ok {
			if err := t.finish(ctx, pos); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset discards per-track and continuity state after the input was
// repositioned, and queues exactly one timeline reset for delivery before
// the next packet is processed. Program tables, bindings and the last PCR
// sample survive; the first PCR after the reset is never reported as a jump.
func (d *Demuxer) Reset(flags media.Flag) {
	for _, t := range d.tracks {
		t.reset()
	}
	for _, sb := range d.sections {
		sb.reset()
	}
	clear(d.pids)
	d.clock.ignoreNext = false
	d.newPTSPending = true
	d.newPTSFlags = flags
}

// Stats returns a copy of the counters.
func (d *Demuxer) Stats() Stats {
	st := d.stats
	for _, t := range d.tracks {
		st.Buffers += t.emitted
	}
	return st
}

// VideoPID returns the bound video PID.
func (d *Demuxer) VideoPID() (uint16, bool) {
	return d.boundPID(media.KindVideo)
}

// AudioPID returns the bound audio PID.
func (d *Demuxer) AudioPID() (uint16, bool) {
	return d.boundPID(media.KindAudio)
}

// PCRPID returns the PCR PID of the bound program.
func (d *Demuxer) PCRPID() (uint16, bool) {
	return d.pcrPID, d.hasPCRPID
}

// Program returns the current PMT of a program.
func (d *Demuxer) Program(number uint16) (*PMTData, bool) {
	pmt, ok := d.programs[number]
	return pmt, ok
}

// ScrambledPIDs returns the PIDs found scrambled, in ascending order.
func (d *Demuxer) ScrambledPIDs() []uint16 {
	pids := make([]uint16, 0, len(d.scrambled))
	for pid := range d.scrambled {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

func (d *Demuxer) boundPID(kind media.TrackKind) (uint16, bool) {
	t, ok := d.bound[kind]
	if !ok {
		return 0, false
	}
	return t.pid, true
}

// checkContinuity compares cc against the last counter seen on pid. It
// reports whether the counter was in sequence and whether the packet
// repeats the previous one.
func (d *Demuxer) checkContinuity(pid uint16, cc uint8, discontinuity bool) (ok, dup bool) {
	st, exists := d.pids[pid]
	if !exists {
		st = &pidState{}
		d.pids[pid] = st
	}
	defer func() {
		st.lastCC = cc
		st.seen = true
	}()

	if !st.seen || discontinuity {
		return true, false
	}
	if cc == st.lastCC {
		d.stats.Duplicates++
		return true, true
	}
	if expected := (st.lastCC + 1) & 0x0F; cc != expected {
		d.stats.ContinuityErrors++
		d.log.Debug("continuity counter gap", "pid", pid, "expected", expected, "got", cc)
		return false, false
	}
	return true, false
}

func (d *Demuxer) handlePAT(ctx context.Context, p *Packet, pos int64) error {
	if !p.Header.PayloadUnitStartIndicator {
		d.log.Debug("ignoring PAT packet without unit start")
		return nil
	}

	sb := newSectionBuffer(pidPAT)
	complete, _, err := sb.begin(p.Payload)
	if err == nil && !complete && sb.want > 0 {
		err = malformed("PAT spans more than one TS packet")
	}
	if err != nil {
		d.sectionFailed("PAT", pidPAT, err)
		return nil
	}
	if !complete {
		return nil
	}

	pat, err := parsePATSection(sb.bytes())
	if err != nil {
		d.sectionFailed("PAT", pidPAT, err)
		return nil
	}
	d.stats.PATs++

	for _, prog := range pat.Programs {
		prev, known := d.pmtPIDs[prog.ProgramNumber]
		if known && prev == prog.ProgramMapID {
			continue
		}
		d.log.Info("program map PID changed",
			"program", prog.ProgramNumber, "pmt_pid", prog.ProgramMapID, "previous", prev, "known", known)
		if err := d.unbindAll(ctx, pos); err != nil {
			return err
		}
		if known {
			delete(d.sections, prev)
		}
		d.pmtPIDs[prog.ProgramNumber] = prog.ProgramMapID
		d.sections[prog.ProgramMapID] = newSectionBuffer(prog.ProgramMapID)
		delete(d.programs, prog.ProgramNumber)
	}
	return nil
}

func (d *Demuxer) handlePMT(ctx context.Context, sb *sectionBuffer, p *Packet, pos int64) error {
	if p.Header.PayloadUnitStartIndicator {
		complete, prev, err := sb.begin(p.Payload)
		if prev != nil {
			if err := d.applyPMT(ctx, sb.pid, prev, pos); err != nil {
				return err
			}
		}
		if err != nil {
			d.sectionFailed("PMT", sb.pid, err)
			return nil
		}
		if !complete {
			return nil
		}
	} else {
		if !sb.inProgress() {
			return nil
		}
		if !sb.add(p.Payload) {
			return nil
		}
	}

	section := sb.bytes()
	sb.reset()
	return d.applyPMT(ctx, sb.pid, section, pos)
}

func (d *Demuxer) applyPMT(ctx context.Context, pid uint16, section []byte, pos int64) error {
	pmt, err := parsePMTSection(section)
	if err != nil {
		d.sectionFailed("PMT", pid, err)
		return nil
	}
	d.stats.PMTs++
	d.programs[pmt.ProgramNumber] = pmt

	owns := false
	for _, es := range pmt.ElementaryStreams {
		kind, codec := classify(es)
		if kind == media.KindPrivate {
			continue
		}
		if t, ok := d.bound[kind]; ok {
			if t.pid == es.ElementaryPID {
				owns = true
			}
			continue
		}
		d.bind(kind, codec, es)
		owns = true
	}

	if owns && (!d.hasPCRPID || d.pcrPID != pmt.PCRPID) {
		d.log.Info("PCR PID", "pid", pmt.PCRPID, "program", pmt.ProgramNumber)
		d.pcrPID = pmt.PCRPID
		d.hasPCRPID = true
		d.clock.forget()
	}

	if d.onProgram != nil {
		d.onProgram(pmt)
	}
	return nil
}

func (d *Demuxer) bind(kind media.TrackKind, codec string, es *PMTElementaryStream) {
	t, ok := d.tracks[es.ElementaryPID]
	if !ok {
		t = newTrack(es.ElementaryPID)
		d.tracks[es.ElementaryPID] = t
	}
	t.reset()
	t.kind = kind
	t.codec = codec
	t.streamType = es.StreamType
	t.out = d.out.For(kind)
	d.bound[kind] = t
	d.log.Info("bound track", "kind", kind, "pid", es.ElementaryPID, "codec", codec,
		"stream_type", es.StreamType, "delivered", t.out != nil)
}

// unbindAll releases the video and audio bindings so the next PMT binds
// afresh. Buffered data is delivered first.
func (d *Demuxer) unbindAll(ctx context.Context, pos int64) error {
	for kind, t := range d.bound {
		if err := t.finish(ctx, pos); err != nil {
			return err
		}
		delete(d.bound, kind)
		d.log.Info("unbound track", "kind", kind, "pid", t.pid)
	}
	d.hasPCRPID = false
	d.clock.forget()
	return nil
}

func (d *Demuxer) handlePES(ctx context.Context, t *track, p *Packet, pos int64) error {
	var err error
	if p.Header.PayloadUnitStartIndicator {
		err = t.unitStart(ctx, p.Payload, pos)
	} else {
		err = t.continuation(ctx, p.Payload, pos)
	}
	if errors.Is(err, ErrCorruptedPES) {
		d.stats.CorruptedPES++
		d.log.Debug("dropping PES until next unit start", "pid", t.pid, "error", err)
		return nil
	}
	return err
}

func (d *Demuxer) handlePCR(ctx context.Context, pcr *ClockReference) error {
	offset, jump := d.clock.observe(pcr.Base, d.newPTSPending)
	if !jump {
		return nil
	}
	d.stats.Discontinuities++
	d.log.Info("PCR discontinuity", "pid", d.pcrPID, "offset", offset, "pcr", pcr.Base)
	for _, kind := range []media.TrackKind{media.KindVideo, media.KindAudio} {
		t, ok := d.bound[kind]
		if !ok || t.out == nil {
			continue
		}
		if err := media.SendDiscontinuity(ctx, t.out, offset); err != nil {
			return err
		}
	}
	return nil
}

func (d *Demuxer) sendNewPTS(ctx context.Context) error {
	for _, kind := range []media.TrackKind{media.KindVideo, media.KindAudio} {
		t, ok := d.bound[kind]
		if !ok || t.out == nil {
			continue
		}
		if err := media.SendNewPTS(ctx, t.out, d.newPTSFlags); err != nil {
			return err
		}
	}
	d.newPTSPending = false
	d.newPTSFlags = 0
	d.clock.ignoreNext = true
	return nil
}

func (d *Demuxer) sectionFailed(table string, pid uint16, err error) {
	serr := &SectionError{Table: table, PID: pid, Err: err}
	if errors.Is(err, ErrCRCMismatch) {
		d.stats.CRCErrors++
	} else {
		d.stats.MalformedSections++
	}
	d.log.Warn("discarding section", "error", serr)
}
