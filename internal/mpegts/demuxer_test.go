package mpegts

import (
	"bytes"
	"context"
	"testing"

	"github.com/zsiec/tsdemux/internal/tstest"
	"github.com/zsiec/tsdemux/media"
)

// tsWriter builds a packet stream keeping a continuity counter per PID.
type tsWriter struct {
	buf bytes.Buffer
	cc  map[uint16]*uint8
}

func newTSWriter() *tsWriter {
	return &tsWriter{cc: make(map[uint16]*uint8)}
}

func (w *tsWriter) counter(pid uint16) *uint8 {
	c, ok := w.cc[pid]
	if !ok {
		c = new(uint8)
		w.cc[pid] = c
	}
	return c
}

func (w *tsWriter) pat(programs ...tstest.Program) *tsWriter {
	w.buf.Write(tstest.PSIPackets(0, tstest.PATSection(1, programs...), w.counter(0)))
	return w
}

func (w *tsWriter) pmt(pid, program, pcrPID uint16, streams ...tstest.Stream) *tsWriter {
	w.buf.Write(tstest.PSIPackets(pid, tstest.PMTSection(program, pcrPID, streams...), w.counter(pid)))
	return w
}

func (w *tsWriter) pes(pid uint16, streamID uint8, pts int64, hasPTS bool, data []byte) *tsWriter {
	w.buf.Write(tstest.Packetize(tstest.PES(streamID, pts, 0, hasPTS, false, data), pid, w.counter(pid)))
	return w
}

// pcr writes an adaptation-only packet, which repeats the counter of the
// last payload packet on pid.
func (w *tsWriter) pcr(pid uint16, base int64) *tsWriter {
	w.buf.Write(tstest.PCRPacket(pid, (*w.counter(pid)-1)&0x0F, base, false))
	return w
}

func (w *tsWriter) raw(pkt []byte) *tsWriter {
	w.buf.Write(pkt)
	return w
}

func (w *tsWriter) bytes() []byte {
	return w.buf.Bytes()
}

// scenario writes the PAT and PMT of program 1: PMT on 0x20, MPEG-2 video on
// 0x21 (also the PCR PID), MPEG audio on 0x22.
func scenario() *tsWriter {
	return newTSWriter().
		pat(tstest.Program{Number: 1, PMTPID: 0x20}).
		pmt(0x20, 1, 0x21,
			tstest.Stream{Type: 0x02, PID: 0x21},
			tstest.Stream{Type: 0x04, PID: 0x22})
}

func newTestDemuxer(opts ...func(*Demuxer)) (*Demuxer, *recordingFifo, *recordingFifo) {
	video, audio := &recordingFifo{}, &recordingFifo{}
	d := NewDemuxer(media.Outputs{Video: video, Audio: audio}, nil, opts...)
	return d, video, audio
}

func feedAll(t *testing.T, d *Demuxer, ts []byte) {
	t.Helper()
	ctx := context.Background()
	for i, cell := range tstest.Cells(ts) {
		if err := d.Feed(ctx, cell, int64(i*packetSize)); err != nil {
			t.Fatalf("feed packet %d: %v", i, err)
		}
	}
}

func joined(bufs []*media.Buffer) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b.Data...)
	}
	return out
}

func TestDemuxer_ExampleScenario(t *testing.T) {
	t.Parallel()
	d, video, audio := newTestDemuxer()

	w := scenario().
		pes(0x21, 0xE0, 90000, true, []byte("picture-one")).
		pes(0x21, 0xE0, 93600, true, []byte("picture-two"))
	feedAll(t, d, w.bytes())

	if pid, ok := d.VideoPID(); !ok || pid != 0x21 {
		t.Errorf("video PID = 0x%X (%v), want 0x21", pid, ok)
	}
	if pid, ok := d.AudioPID(); !ok || pid != 0x22 {
		t.Errorf("audio PID = 0x%X (%v), want 0x22", pid, ok)
	}
	if pid, ok := d.PCRPID(); !ok || pid != 0x21 {
		t.Errorf("PCR PID = 0x%X (%v), want 0x21", pid, ok)
	}

	got := video.payloads()
	if len(got) != 1 {
		t.Fatalf("video buffers = %d, want 1", len(got))
	}
	if !got[0].HasPTS || got[0].PTS != 90000 {
		t.Errorf("PTS = %d, want 90000", got[0].PTS)
	}
	if string(got[0].Data) != "picture-one" {
		t.Errorf("data = %q", got[0].Data)
	}
	if got[0].StreamID != 0xE0 || got[0].Kind != media.KindVideo {
		t.Errorf("buffer = %+v", got[0])
	}
	if len(audio.bufs) != 0 {
		t.Errorf("audio buffers = %d, want 0", len(audio.bufs))
	}

	if err := d.Flush(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := video.payloads(); len(got) != 2 || string(got[1].Data) != "picture-two" {
		t.Errorf("flush did not deliver the pending PES")
	}

	st := d.Stats()
	if st.PATs != 1 || st.PMTs != 1 {
		t.Errorf("PATs = %d, PMTs = %d", st.PATs, st.PMTs)
	}
	if st.Buffers != 2 {
		t.Errorf("buffers = %d, want 2", st.Buffers)
	}
}

func TestDemuxer_PESRoundTrip(t *testing.T) {
	t.Parallel()
	payload := func(n int, seed byte) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = seed + byte(i*7)
		}
		return b
	}
	tests := []struct {
		name   string
		size   int
		hasPTS bool
	}{
		{"single_packet_pts", 100, true},
		{"single_packet_no_pts", 170, false},
		{"exactly_one_cell", 184 - 14, true},
		{"multi_packet_pts", 1500, true},
		{"multi_packet_no_pts", 900, false},
		{"segmented", 7000, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d, video, audio := newTestDemuxer()
			vdata := payload(tc.size, 1)
			adata := payload(tc.size/2+1, 9)
			w := scenario().
				pes(0x21, 0xE0, 1000, tc.hasPTS, vdata).
				pes(0x22, 0xC0, 1000, tc.hasPTS, adata).
				pes(0x21, 0xE0, 4600, true, []byte{0}).
				pes(0x22, 0xC0, 4600, true, []byte{0})
			feedAll(t, d, w.bytes())

			if got := joined(video.payloads()); !bytes.Equal(got, vdata) {
				t.Errorf("video: got %d bytes, want %d", len(got), len(vdata))
			}
			if got := joined(audio.payloads()); !bytes.Equal(got, adata) {
				t.Errorf("audio: got %d bytes, want %d", len(got), len(adata))
			}
			first := video.payloads()[0]
			if first.HasPTS != tc.hasPTS {
				t.Errorf("HasPTS = %v, want %v", first.HasPTS, tc.hasPTS)
			}
			if d.Stats().ContinuityErrors != 0 {
				t.Errorf("continuity errors = %d", d.Stats().ContinuityErrors)
			}
		})
	}
}

func TestDemuxer_CorruptedPSIKeepsBindings(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDemuxer()
	w := scenario()

	// A PMT moving video to 0x31 with a broken CRC.
	var cc uint8 = 1
	bad := tstest.PMTSection(1, 0x31, tstest.Stream{Type: 0x02, PID: 0x31})
	bad[len(bad)-1] ^= 0xFF
	w.raw(tstest.PSIPackets(0x20, bad, &cc))

	// A PAT moving program 1 to PMT PID 0x40 with a broken CRC.
	cc = 1
	badPAT := tstest.PATSection(1, tstest.Program{Number: 1, PMTPID: 0x40})
	badPAT[len(badPAT)-2] ^= 0x01
	w.raw(tstest.PSIPackets(0, badPAT, &cc))

	feedAll(t, d, w.bytes())

	if pid, _ := d.VideoPID(); pid != 0x21 {
		t.Errorf("video PID = 0x%X, want 0x21", pid)
	}
	if pid, _ := d.AudioPID(); pid != 0x22 {
		t.Errorf("audio PID = 0x%X, want 0x22", pid)
	}
	if st := d.Stats(); st.CRCErrors != 2 {
		t.Errorf("CRC errors = %d, want 2", st.CRCErrors)
	}
	if pmt, ok := d.Program(1); !ok || pmt.PCRPID != 0x21 {
		t.Error("previous program map should survive")
	}
}

func TestDemuxer_PCRJumpSignalsOnce(t *testing.T) {
	t.Parallel()
	d, video, audio := newTestDemuxer()
	w := scenario().
		pcr(0x21, 0).
		pcr(0x21, 3600).
		pcr(0x21, 3600+pcrJumpThreshold+1).
		pcr(0x21, 3600+pcrJumpThreshold+3601).
		pcr(0x21, 3600+pcrJumpThreshold+7201)
	feedAll(t, d, w.bytes())

	for name, f := range map[string]*recordingFifo{"video": video, "audio": audio} {
		ctrl := f.controls()
		if len(ctrl) != 1 || ctrl[0] != media.ControlDiscontinuity {
			t.Errorf("%s controls = %v, want one discontinuity", name, ctrl)
			continue
		}
		if f.bufs[0].Offset != pcrJumpThreshold+1 {
			t.Errorf("%s offset = %d", name, f.bufs[0].Offset)
		}
	}
	if st := d.Stats(); st.Discontinuities != 1 {
		t.Errorf("discontinuities = %d, want 1", st.Discontinuities)
	}
}

func TestDemuxer_PCROnOtherPIDIgnored(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario().
		pcr(0x22, 0).
		pcr(0x22, 50000000)
	feedAll(t, d, w.bytes())
	if len(video.controls()) != 0 {
		t.Error("PCR on a non-PCR PID should be ignored")
	}
}

func TestDemuxer_ScrambledPIDContributesNothing(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario()

	var cc uint8
	scrambled := tstest.Packetize(tstest.PES(0xE0, 90000, 0, true, false, make([]byte, 600)), 0x21, &cc)
	for off := 0; off < len(scrambled); off += packetSize {
		scrambled[off+3] |= 0x80
	}
	w.raw(scrambled)
	// Clear packets on the same PID afterwards stay dropped.
	w.cc[0x21] = &cc
	w.pes(0x21, 0xE0, 93600, true, []byte("clear")).
		pes(0x21, 0xE0, 97200, true, []byte("clear"))
	feedAll(t, d, w.bytes())
	if err := d.Flush(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	if n := len(joined(video.payloads())); n != 0 {
		t.Errorf("video received %d bytes from a scrambled PID", n)
	}
	if got := d.ScrambledPIDs(); len(got) != 1 || got[0] != 0x21 {
		t.Errorf("scrambled PIDs = %v", got)
	}
	if d.Stats().ScrambledPIDs != 1 {
		t.Errorf("scrambled count = %d", d.Stats().ScrambledPIDs)
	}
}

func TestDemuxer_ContinuityGapContinues(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario().pes(0x21, 0xE0, 0, true, []byte("one"))
	*w.counter(0x21) += 3
	w.pes(0x21, 0xE0, 3600, true, []byte("two")).
		pes(0x21, 0xE0, 7200, true, []byte("three"))
	feedAll(t, d, w.bytes())

	if d.Stats().ContinuityErrors != 1 {
		t.Errorf("continuity errors = %d, want 1", d.Stats().ContinuityErrors)
	}
	got := video.payloads()
	if len(got) != 2 || string(got[0].Data) != "one" || string(got[1].Data) != "two" {
		t.Errorf("parsing should continue across a gap, got %d buffers", len(got))
	}
}

func TestDemuxer_DuplicatePacketDropped(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario()
	var cc uint8
	pkts := tstest.Cells(tstest.Packetize(tstest.PES(0xE0, 0, 0, true, false, make([]byte, 400)), 0x21, &cc))
	w.raw(pkts[0]).raw(pkts[1]).raw(pkts[1]).raw(pkts[2])
	w.cc[0x21] = &cc
	w.pes(0x21, 0xE0, 3600, true, []byte{1})
	feedAll(t, d, w.bytes())

	if d.Stats().Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", d.Stats().Duplicates)
	}
	if n := len(joined(video.payloads())); n != 400 {
		t.Errorf("video bytes = %d, want 400", n)
	}
}

func TestDemuxer_TransportErrorAndNullPackets(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario()
	var cc uint8
	pkts := tstest.Cells(tstest.Packetize(tstest.PES(0xE0, 0, 0, true, false, []byte("payload")), 0x21, &cc))
	tei := append([]byte(nil), pkts[0]...)
	tei[1] |= 0x80
	w.raw(tei).raw(tstest.NullPacket()).raw(tstest.NullPacket())
	feedAll(t, d, w.bytes())
	if err := d.Flush(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	st := d.Stats()
	if st.TransportErrors != 1 || st.NullPackets != 2 {
		t.Errorf("TEI = %d, null = %d", st.TransportErrors, st.NullPackets)
	}
	if len(video.payloads()) != 0 {
		t.Error("packet with TEI set should be dropped")
	}
}

func TestDemuxer_ResetEmitsNewPTSOnce(t *testing.T) {
	t.Parallel()
	d, video, audio := newTestDemuxer()
	feedAll(t, d, scenario().pcr(0x21, 0).pes(0x21, 0xE0, 0, true, []byte("before")).bytes())

	d.Reset(media.FlagSeek)

	// After the seek the PCR is far away; that jump is absorbed.
	w := newTSWriter().
		pcr(0x21, 50000000).
		pcr(0x21, 50003600).
		pes(0x21, 0xE0, 50000000, true, []byte("after")).
		pes(0x21, 0xE0, 50003600, true, []byte("next"))
	feedAll(t, d, w.bytes())

	for name, f := range map[string]*recordingFifo{"video": video, "audio": audio} {
		ctrl := f.controls()
		if len(ctrl) != 1 || ctrl[0] != media.ControlNewPTS {
			t.Errorf("%s controls = %v, want one newpts", name, ctrl)
			continue
		}
		for _, b := range f.bufs {
			if b.Control == media.ControlNewPTS && b.Flags&media.FlagSeek == 0 {
				t.Errorf("%s newpts missing seek flag", name)
			}
		}
	}

	got := video.payloads()
	if len(got) != 1 || string(got[0].Data) != "after" {
		t.Fatalf("video payloads = %d, want only the post-seek PES", len(got))
	}
	if video.bufs[0].Control != media.ControlNewPTS {
		t.Error("newpts should precede post-seek data")
	}
	if d.Stats().Discontinuities != 0 {
		t.Errorf("discontinuities = %d, want 0", d.Stats().Discontinuities)
	}
	if d.Stats().ContinuityErrors != 0 {
		t.Errorf("continuity errors after reset = %d", d.Stats().ContinuityErrors)
	}
}

func TestDemuxer_PMTAcrossPackets(t *testing.T) {
	t.Parallel()
	streams := []tstest.Stream{
		{Type: 0x86, PID: 0x30, Descriptors: bytes.Repeat([]byte{0x05, 0x04, 'C', 'U', 'E', 'I'}, 30)},
		{Type: 0x1B, PID: 0x31},
		{Type: 0x06, PID: 0x32, Descriptors: []byte{0x6A, 0x01, 0x00}},
	}
	var programs []*PMTData
	d, _, _ := newTestDemuxer(DemuxerOptProgramHandler(func(p *PMTData) {
		programs = append(programs, p)
	}))
	w := newTSWriter().
		pat(tstest.Program{Number: 7, PMTPID: 0x100}).
		pmt(0x100, 7, 0x31, streams...)
	if len(w.bytes()) < 3*packetSize {
		t.Fatal("PMT should span packets")
	}
	feedAll(t, d, w.bytes())

	if len(programs) != 1 || programs[0].ProgramNumber != 7 || len(programs[0].ElementaryStreams) != 3 {
		t.Fatalf("program handler saw %d programs", len(programs))
	}
	if pid, _ := d.VideoPID(); pid != 0x31 {
		t.Errorf("video PID = 0x%X, want 0x31", pid)
	}
	if pid, _ := d.AudioPID(); pid != 0x32 {
		t.Errorf("audio PID = 0x%X, want 0x32 (AC-3 by descriptor)", pid)
	}
}

func TestDemuxer_AC3BehindLanguageDescriptorBinds(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDemuxer()
	w := newTSWriter().
		pat(tstest.Program{Number: 1, PMTPID: 0x20}).
		pmt(0x20, 1, 0x21,
			tstest.Stream{Type: 0x02, PID: 0x21},
			tstest.Stream{Type: 0x06, PID: 0x22, Descriptors: []byte{0x0A, 0x04, 'e', 'n', 'g', 0x00, 0x6A, 0x01, 0x00}})
	feedAll(t, d, w.bytes())

	if pid, ok := d.AudioPID(); !ok || pid != 0x22 {
		t.Errorf("audio PID = 0x%X (bound %v), want 0x22", pid, ok)
	}
}

func TestDemuxer_PMTBeforePATIgnored(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDemuxer()
	w := newTSWriter().
		pmt(0x20, 1, 0x21, tstest.Stream{Type: 0x02, PID: 0x21}).
		pat(tstest.Program{Number: 1, PMTPID: 0x20})
	feedAll(t, d, w.bytes())
	if _, ok := d.VideoPID(); ok {
		t.Error("PMT seen before its PAT entry should not bind")
	}

	w.buf.Reset()
	feedAll(t, d, w.pmt(0x20, 1, 0x21, tstest.Stream{Type: 0x02, PID: 0x21}).bytes())
	if pid, ok := d.VideoPID(); !ok || pid != 0x21 {
		t.Error("PMT after PAT should bind")
	}
}

func TestDemuxer_FirstPIDWins(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDemuxer()
	w := newTSWriter().
		pat(tstest.Program{Number: 1, PMTPID: 0x20}, tstest.Program{Number: 2, PMTPID: 0x40}).
		pmt(0x20, 1, 0x21,
			tstest.Stream{Type: 0x02, PID: 0x21},
			tstest.Stream{Type: 0x1B, PID: 0x23},
			tstest.Stream{Type: 0x04, PID: 0x22},
			tstest.Stream{Type: 0x0F, PID: 0x24}).
		pmt(0x40, 2, 0x41,
			tstest.Stream{Type: 0x02, PID: 0x41},
			tstest.Stream{Type: 0x04, PID: 0x42})
	feedAll(t, d, w.bytes())

	if pid, _ := d.VideoPID(); pid != 0x21 {
		t.Errorf("video PID = 0x%X, want 0x21", pid)
	}
	if pid, _ := d.AudioPID(); pid != 0x22 {
		t.Errorf("audio PID = 0x%X, want 0x22", pid)
	}
	if pid, _ := d.PCRPID(); pid != 0x21 {
		t.Errorf("PCR PID = 0x%X, want 0x21", pid)
	}
	if _, ok := d.Program(2); !ok {
		t.Error("program 2 should still be recorded")
	}
}

func TestDemuxer_PMTPIDChangeRebinds(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario().
		pes(0x21, 0xE0, 0, true, []byte("old-program")).
		pat(tstest.Program{Number: 1, PMTPID: 0x50}).
		pmt(0x50, 1, 0x51,
			tstest.Stream{Type: 0x1B, PID: 0x51},
			tstest.Stream{Type: 0x0F, PID: 0x52}).
		pes(0x51, 0xE0, 0, true, []byte("new-program")).
		pes(0x21, 0xE0, 0, true, []byte("stale"))
	feedAll(t, d, w.bytes())
	if err := d.Flush(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	if pid, _ := d.VideoPID(); pid != 0x51 {
		t.Errorf("video PID = 0x%X, want 0x51", pid)
	}
	if pid, _ := d.PCRPID(); pid != 0x51 {
		t.Errorf("PCR PID = 0x%X, want 0x51", pid)
	}
	got := video.payloads()
	if len(got) != 2 || string(got[0].Data) != "old-program" || string(got[1].Data) != "new-program" {
		t.Errorf("video payloads = %q", joined(got))
	}
}

func TestDemuxer_CorruptedPESRecovers(t *testing.T) {
	t.Parallel()
	d, video, _ := newTestDemuxer()
	w := scenario()
	w.raw(tstest.Packet(0x21, *w.counter(0x21), true, []byte{0x00, 0x00, 0x02, 0xE0}))
	*w.counter(0x21)++
	w.pes(0x21, 0xE0, 0, true, []byte("good")).
		pes(0x21, 0xE0, 0, true, []byte("next"))
	feedAll(t, d, w.bytes())

	if d.Stats().CorruptedPES != 1 {
		t.Errorf("corrupted PES = %d, want 1", d.Stats().CorruptedPES)
	}
	got := video.payloads()
	if len(got) != 1 || string(got[0].Data) != "good" {
		t.Errorf("video payloads = %q", joined(got))
	}
}

func TestDemuxer_NilAudioOutput(t *testing.T) {
	t.Parallel()
	video := &recordingFifo{}
	d := NewDemuxer(media.Outputs{Video: video}, nil)
	w := scenario().
		pes(0x22, 0xC0, 0, true, []byte("audio")).
		pes(0x22, 0xC0, 0, true, []byte("audio")).
		pcr(0x21, 0).
		pcr(0x21, 10000000)
	feedAll(t, d, w.bytes())
	if pid, ok := d.AudioPID(); !ok || pid != 0x22 {
		t.Error("audio should bind even without a consumer")
	}
	if len(video.controls()) != 1 {
		t.Errorf("video controls = %v", video.controls())
	}
}

func TestDemuxer_CancelledContext(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDemuxer()
	feedAll(t, d, scenario().pes(0x21, 0xE0, 0, true, []byte("x")).bytes())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var cc uint8 = 1
	next := tstest.Packetize(tstest.PES(0xE0, 0, 0, true, false, []byte("y")), 0x21, &cc)
	if err := d.Feed(ctx, next[:packetSize], 0); err == nil {
		t.Error("expected the output error to surface")
	}
}
