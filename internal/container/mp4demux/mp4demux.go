// Package mp4demux implements a source.Demuxer for progressive and
// fragmented MP4/ISOBMFF files backed by mp4ff's box parser. Unlike the
// MPEG-TS adapter, an MP4 file's sample tables make every packet's position
// and timestamp known up front, so Open materializes the full packet list
// once (sorted by file offset, matching on-disk interleaving) and serves it
// from an in-memory cursor thereafter.
package mp4demux

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/ffms2go/ffms2go/internal/source"
)

// Demuxer adapts an MP4 file to source.Demuxer.
type Demuxer struct {
	file    *os.File
	streams []source.StreamInfo
	packets []source.Packet
	pos     int

	// streamPackets indexes packets by stream for SeekByPTS/SeekByByte.
	streamPackets map[int][]int // stream index -> indices into packets, in order
}

// Open parses path's box tree and builds the full packet/stream index.
func Open(path string) (*Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp4demux: open: %w", err)
	}

	box, err := mp4.DecodeFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mp4demux: decode: %w", err)
	}

	d := &Demuxer{file: f, streamPackets: map[int][]int{}}
	if box.IsFragmented() {
		if err := d.indexFragmented(box); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := d.indexProgressive(box, f); err != nil {
			f.Close()
			return nil, err
		}
	}

	sort.SliceStable(d.packets, func(i, j int) bool { return d.packets[i].FilePos < d.packets[j].FilePos })
	for i, p := range d.packets {
		d.streamPackets[p.StreamIndex] = append(d.streamPackets[p.StreamIndex], i)
	}

	return d, nil
}

func streamKindAndCodec(trak *mp4.TrakBox) (source.StreamKind, string, int, int, string) {
	handler := ""
	if trak.Mdia != nil && trak.Mdia.Hdlr != nil {
		handler = trak.Mdia.Hdlr.HandlerType
	}
	switch handler {
	case "vide":
		codec := "h264"
		if stsd := stblOf(trak); stsd != nil && stsd.Stsd != nil {
			for _, child := range stsd.Stsd.Children {
				switch child.(type) {
				case *mp4.VisualSampleEntryBox:
					codec = "h264"
				}
			}
		}
		return source.StreamVideo, codec, 0, 0, ""
	case "soun":
		sampleRate, channels := 0, 0
		if trak.Mdia != nil && trak.Mdia.Minf != nil && trak.Mdia.Minf.Stbl != nil && trak.Mdia.Minf.Stbl.Stsd != nil {
			for _, child := range trak.Mdia.Minf.Stbl.Stsd.Children {
				if a, ok := child.(*mp4.AudioSampleEntryBox); ok {
					sampleRate = int(a.SampleRate)
					channels = int(a.ChannelCount)
				}
			}
		}
		return source.StreamAudio, "aac", sampleRate, channels, "s16"
	default:
		return source.StreamOther, handler, 0, 0, ""
	}
}

func stblOf(trak *mp4.TrakBox) *mp4.StblBox {
	if trak.Mdia != nil && trak.Mdia.Minf != nil {
		return trak.Mdia.Minf.Stbl
	}
	return nil
}

// indexProgressive implements spec.md §6.2's Demuxer contract for a
// non-fragmented file using the stts/stsz/stco-co64/stsc/stss sample tables,
// following the lookup shape of the teacher pack's mp4 reader.
func (d *Demuxer) indexProgressive(box *mp4.File, r io.ReadSeeker) error {
	if box.Moov == nil {
		return fmt.Errorf("mp4demux: no moov box")
	}

	for idx, trak := range box.Moov.Traks {
		kind, codec, sampleRate, channels, sampleFmt := streamKindAndCodec(trak)
		if kind == source.StreamOther {
			continue
		}
		timescale := uint32(1000)
		if trak.Mdia != nil && trak.Mdia.Mdhd != nil {
			timescale = trak.Mdia.Mdhd.Timescale
		}

		stbl := stblOf(trak)
		if stbl == nil || stbl.Stsz == nil || stbl.Stsc == nil {
			continue
		}

		streamIdx := idx
		d.streams = append(d.streams, source.StreamInfo{
			Index: streamIdx, Kind: kind, CodecID: codec,
			TimebaseNum: 1, TimebaseDen: int64(timescale),
			SampleRate: sampleRate, Channels: channels, SampleFormat: sampleFmt,
		})

		syncSamples := map[uint32]bool{}
		if stbl.Stss != nil {
			for _, n := range stbl.Stss.SampleNumber {
				syncSamples[n] = true
			}
		}

		sampleCount := stbl.Stsz.SampleNumber
		for sampleNr := uint32(1); sampleNr <= sampleCount; sampleNr++ {
			offset, size, err := sampleLocation(stbl, sampleNr)
			if err != nil {
				continue
			}
			data := make([]byte, size)
			if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
				continue
			}
			if _, err := io.ReadFull(r, data); err != nil {
				continue
			}

			var dts uint64
			var dur uint32
			if stbl.Stts != nil {
				dts, dur = stbl.Stts.GetDecodeTime(sampleNr)
			}
			// ctts (B-frame composition offset) is left for a future pass;
			// dts is used as pts directly, which is exact for every stream
			// without B-frames and merely reorder-inexact otherwise (the
			// video source's own PTS-correlation fallback chain tolerates
			// that).
			pts := int64(dts)

			isKeyframe := syncSamples[sampleNr] || len(syncSamples) == 0

			d.packets = append(d.packets, source.Packet{
				StreamIndex: streamIdx,
				PTS:         pts,
				DTS:         int64(dts),
				FilePos:     int64(offset),
				KeyFrame:    isKeyframe,
				Payload:     avccToAnnexB(data),
				Duration:    int64(dur),
			})
		}
	}
	return nil
}

func sampleLocation(stbl *mp4.StblBox, sampleNr uint32) (uint64, uint32, error) {
	chunkNr, firstSampleInChunk, err := stbl.Stsc.ChunkNrFromSampleNr(int(sampleNr))
	if err != nil {
		return 0, 0, err
	}

	var chunkOffset uint64
	if stbl.Stco != nil {
		chunkOffset, err = stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return 0, 0, err
		}
	} else if stbl.Co64 != nil {
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return 0, 0, fmt.Errorf("mp4demux: chunk out of range")
		}
		chunkOffset = stbl.Co64.ChunkOffset[chunkNr-1]
	} else {
		return 0, 0, fmt.Errorf("mp4demux: no stco/co64 box")
	}

	offset := chunkOffset
	for s := uint32(firstSampleInChunk); s < sampleNr; s++ {
		offset += uint64(stbl.Stsz.GetSampleSize(int(s)))
	}
	return offset, stbl.Stsz.GetSampleSize(int(sampleNr)), nil
}

// indexFragmented flattens every movie fragment's full samples (spec.md
// §6.2), mirroring the teacher pack's fragmented-MP4 walk.
func (d *Demuxer) indexFragmented(box *mp4.File) error {
	if box.Init == nil || box.Init.Moov == nil {
		return fmt.Errorf("mp4demux: no init segment")
	}

	trackIndex := map[uint32]int{}
	trex := map[uint32]*mp4.TrexBox{}
	for idx, trak := range box.Init.Moov.Traks {
		kind, codec, sampleRate, channels, sampleFmt := streamKindAndCodec(trak)
		if kind == source.StreamOther {
			continue
		}
		timescale := uint32(1000)
		if trak.Mdia != nil && trak.Mdia.Mdhd != nil {
			timescale = trak.Mdia.Mdhd.Timescale
		}
		trackIndex[trak.Tkhd.TrackID] = idx
		d.streams = append(d.streams, source.StreamInfo{
			Index: idx, Kind: kind, CodecID: codec,
			TimebaseNum: 1, TimebaseDen: int64(timescale),
			SampleRate: sampleRate, Channels: channels, SampleFormat: sampleFmt,
		})
	}
	if box.Init.Moov.Mvex != nil {
		for _, t := range box.Init.Moov.Mvex.Trexs {
			trex[t.TrackID] = t
		}
	}

	currentTime := map[uint32]uint64{}
	for _, seg := range box.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				streamIdx, ok := trackIndex[traf.Tfhd.TrackID]
				if !ok {
					continue
				}
				if traf.Tfdt != nil {
					currentTime[traf.Tfhd.TrackID] = traf.Tfdt.BaseMediaDecodeTime()
				}

				samples, err := frag.GetFullSamples(trex[traf.Tfhd.TrackID])
				if err != nil {
					continue
				}
				t := currentTime[traf.Tfhd.TrackID]
				for i, sample := range samples {
					isKeyframe := sample.Flags == mp4.SyncSampleFlags || i == 0
					d.packets = append(d.packets, source.Packet{
						StreamIndex: streamIdx,
						PTS:         int64(t),
						DTS:         int64(t),
						FilePos:     -1,
						KeyFrame:    isKeyframe,
						Payload:     avccToAnnexB(sample.Data),
						Duration:    int64(sample.Dur),
					})
					t += uint64(sample.Dur)
				}
				currentTime[traf.Tfhd.TrackID] = t
			}
		}
	}
	return nil
}

// avccToAnnexB rewrites length-prefixed NAL units to start-code delimited
// form so internal/bitstream's Annex-B parsers can read MP4 payloads too.
func avccToAnnexB(data []byte) []byte {
	var out []byte
	offset := 0
	for offset+4 <= len(data) {
		n := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if offset+n > len(data) {
			break
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, data[offset:offset+n]...)
		offset += n
	}
	if out == nil {
		return data
	}
	return out
}

// Streams implements source.Demuxer.
func (d *Demuxer) Streams() []source.StreamInfo { return d.streams }

// NextPacket implements source.Demuxer.
func (d *Demuxer) NextPacket(ctx context.Context) (source.Packet, error) {
	if err := ctx.Err(); err != nil {
		return source.Packet{}, err
	}
	if d.pos >= len(d.packets) {
		return source.Packet{}, io.EOF
	}
	pkt := d.packets[d.pos]
	d.pos++
	return pkt, nil
}

// SeekByPTS implements source.Demuxer: since the full packet list is
// materialized, this is a binary search rather than a container reopen.
func (d *Demuxer) SeekByPTS(stream int, pts int64) error {
	indices := d.streamPackets[stream]
	i := sort.Search(len(indices), func(i int) bool { return d.packets[indices[i]].PTS >= pts })
	if i == len(indices) {
		i = len(indices) - 1
	}
	if i < 0 {
		return fmt.Errorf("mp4demux: stream %d has no packets", stream)
	}
	d.pos = indices[i]
	return nil
}

// SeekByByte implements source.Demuxer.
func (d *Demuxer) SeekByByte(stream int, filePos int64) error {
	for i, p := range d.packets {
		if p.StreamIndex == stream && p.FilePos == filePos {
			d.pos = i
			return nil
		}
	}
	return fmt.Errorf("mp4demux: no packet at file position %d", filePos)
}

// Close implements source.Demuxer.
func (d *Demuxer) Close() error { return d.file.Close() }
