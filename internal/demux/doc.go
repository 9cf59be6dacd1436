// Package demux adapts the transport stream engine in internal/mpegts to
// the [format.Demuxer] contract. [Demuxer] pulls aligned cells from an
// [input.Source] in fixed-size chunks and delivers elementary stream
// buffers to the outputs it was opened with; [Handler] registers it with a
// [format.Registry].
package demux
