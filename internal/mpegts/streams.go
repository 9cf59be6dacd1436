package mpegts

import "github.com/zsiec/tsdemux/media"

// PMT stream_type values the demuxer recognizes.
const (
	streamTypeMPEG1Video = 0x01
	streamTypeMPEG2Video = 0x02
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypePESPrivate = 0x06
	streamTypeAAC        = 0x0F
	streamTypeMPEG4Video = 0x10
	streamTypeLATM       = 0x11
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeAC3        = 0x81

	descriptorTagAC3 = 0x6A
)

// classify maps a PMT entry to a track kind and a codec label.
func classify(es *PMTElementaryStream) (media.TrackKind, string) {
	switch es.StreamType {
	case streamTypeMPEG1Video:
		return media.KindVideo, "mpeg1video"
	case streamTypeMPEG2Video:
		return media.KindVideo, "mpeg2video"
	case streamTypeMPEG4Video:
		return media.KindVideo, "mpeg4video"
	case streamTypeH264:
		return media.KindVideo, "h264"
	case streamTypeH265:
		return media.KindVideo, "h265"
	case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
		return media.KindAudio, "mpega"
	case streamTypeAAC:
		return media.KindAudio, "aac"
	case streamTypeLATM:
		return media.KindAudio, "aac-latm"
	case streamTypeAC3:
		return media.KindAudio, "ac3"
	case streamTypePESPrivate:
		if es.HasDescriptor(descriptorTagAC3) {
			return media.KindAudio, "ac3"
		}
	}
	return media.KindPrivate, ""
}
