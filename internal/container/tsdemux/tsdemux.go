// Package tsdemux adapts the teacher's internal/mpegts PAT/PMT/PES parser
// into a source.Demuxer, adding the backward-seek support a frame-accurate
// index reader needs but a forward-only live relay never does (spec.md §6.2).
package tsdemux

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ffms2go/ffms2go/internal/mpegts"
	"github.com/ffms2go/ffms2go/internal/source"
)

const clockRate = 90000

// streamType maps MPEG-TS PMT stream_type values this port recognizes to a
// StreamKind and CodecID string (ISO/IEC 13818-1 Table 2-34).
var streamType = map[uint8]struct {
	kind    source.StreamKind
	codecID string
}{
	0x02: {source.StreamVideo, "mpeg2video"},
	0x1b: {source.StreamVideo, "h264"},
	0x24: {source.StreamVideo, "hevc"},
	0x0f: {source.StreamAudio, "aac"},
	0x03: {source.StreamAudio, "mp2"},
	0x04: {source.StreamAudio, "mp2"},
	0x81: {source.StreamAudio, "ac3"},
	0x06: {source.StreamAudio, "ac3"}, // PES-private, commonly AC-3 in broadcast TS
}

// Demuxer implements source.Demuxer over an MPEG transport stream file.
//
// Seeking re-opens the underlying file at a packet-aligned byte offset and
// starts a fresh internal/mpegts.Demuxer. The PID-to-stream map built by
// Open is kept across seeks, and the fresh demuxer recognizes PES packets by
// their start code, so packets after a seek are attributed to their streams
// whether or not a PAT/PMT follows the seek point.
type Demuxer struct {
	path        string
	file        *os.File
	counter     *countingReader
	baseOffset  int64
	inner       *mpegts.Demuxer
	streams     []source.StreamInfo
	pidToStream map[uint16]int
}

// countingReader tracks total bytes read so NextPacket can report an
// approximate FilePos for each packet (the byte offset immediately after
// its containing TS packets were consumed) for later SeekByByte use.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Open probes path far enough to discover the PAT/PMT and enumerate
// elementary streams, then rewinds to the beginning.
func Open(path string) (*Demuxer, error) {
	d := &Demuxer{path: path, pidToStream: map[uint16]int{}}
	if err := d.reopen(0); err != nil {
		return nil, err
	}
	if err := d.probe(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.reopen(0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) reopen(byteOffset int64) error {
	if d.file != nil {
		d.file.Close()
	}
	f, err := os.Open(d.path)
	if err != nil {
		return fmt.Errorf("tsdemux: open %s: %w", d.path, err)
	}
	aligned := (byteOffset / 188) * 188
	if aligned > 0 {
		if _, err := f.Seek(aligned, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("tsdemux: seek %s: %w", d.path, err)
		}
	}
	d.file = f
	d.baseOffset = aligned
	d.counter = &countingReader{r: f}
	d.inner = mpegts.NewDemuxer(context.Background(), d.counter)
	return nil
}

// probe reads forward until a PAT and a PMT with at least one recognized
// elementary stream have been seen, building the elementary-stream table
// Streams() reports. It stops there: PMTs of further programs listed in the
// PAT are not waited for.
func (d *Demuxer) probe() error {
	seenPrograms := map[uint16]bool{}
	wantPrograms := map[uint16]bool{}
	for {
		data, err := d.inner.NextData()
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("tsdemux: probe: %w", err)
		}
		if data.PAT != nil {
			for _, p := range data.PAT.Programs {
				wantPrograms[p.ProgramMapID] = true
			}
		}
		if data.PMT != nil {
			for _, es := range data.PMT.ElementaryStreams {
				if _, ok := d.pidToStream[es.ElementaryPID]; ok {
					continue
				}
				info, ok := streamType[es.StreamType]
				if !ok {
					continue
				}
				idx := len(d.streams)
				d.streams = append(d.streams, source.StreamInfo{
					Index:       idx,
					Kind:        info.kind,
					CodecID:     info.codecID,
					TimebaseNum: 1,
					TimebaseDen: clockRate,
				})
				d.pidToStream[es.ElementaryPID] = idx
			}
			seenPrograms[0] = true // presence of any PMT is enough for single-program captures
		}
		if len(wantPrograms) > 0 && len(d.streams) > 0 {
			break
		}
	}
	if len(d.streams) == 0 {
		return fmt.Errorf("tsdemux: no recognized elementary streams in %s", d.path)
	}
	return nil
}

// Streams implements source.Demuxer.
func (d *Demuxer) Streams() []source.StreamInfo { return d.streams }

// NextPacket implements source.Demuxer, skipping PSI and unrecognized PIDs.
func (d *Demuxer) NextPacket(ctx context.Context) (source.Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return source.Packet{}, err
		}
		data, err := d.inner.NextData()
		if err != nil {
			return source.Packet{}, err
		}
		if data.PES == nil || data.FirstPacket == nil {
			continue
		}
		idx, ok := d.pidToStream[data.FirstPacket.Header.PID]
		if !ok {
			continue
		}
		pkt := source.Packet{
			StreamIndex: idx,
			PTS:         source.PTSUnset,
			DTS:         source.PTSUnset,
			FilePos:     d.baseOffset + d.counter.n,
			Payload:     data.PES.Data,
		}
		if h := data.PES.Header; h != nil && h.OptionalHeader != nil {
			if h.OptionalHeader.PTS != nil {
				pkt.PTS = h.OptionalHeader.PTS.Base
			}
			if h.OptionalHeader.DTS != nil {
				pkt.DTS = h.OptionalHeader.DTS.Base
			} else {
				pkt.DTS = pkt.PTS
			}
		}
		return pkt, nil
	}
}

// SeekByPTS is not supported directly: this container carries no PTS index,
// so callers seek by FilePos (recorded at index-build time) instead.
func (d *Demuxer) SeekByPTS(stream int, pts int64) error {
	return fmt.Errorf("tsdemux: PTS-based seek unsupported, use SeekByByte")
}

// SeekByByte implements source.Demuxer by reopening the file at filePos
// rounded down to a 188-byte packet boundary.
func (d *Demuxer) SeekByByte(stream int, filePos int64) error {
	return d.reopen(filePos)
}

// Close implements source.Demuxer.
func (d *Demuxer) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
