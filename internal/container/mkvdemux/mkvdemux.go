// Package mkvdemux implements a source.Demuxer for Matroska/WebM using
// matroska-go's block-level demuxer. matroska-go exposes no native seek
// primitive, so Open reads the file once end-to-end and materializes a
// packet index (PTS plus a synthetic, monotonically increasing file
// position derived from cumulative bytes read) that SeekByPTS then scans
// and SeekByByte looks up against.
package mkvdemux

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/luispater/matroska-go"

	"github.com/ffms2go/ffms2go/internal/source"
)

const (
	trackTypeVideo = 1
	trackTypeAudio = 2
)

// Demuxer adapts a Matroska/WebM file to source.Demuxer.
type Demuxer struct {
	file    *os.File
	streams []source.StreamInfo
	packets []source.Packet
	byByte  map[int64]int
	pos     int
}

// Open parses path and materializes its full packet index.
func Open(path string) (*Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mkvdemux: open: %w", err)
	}

	demux, err := matroska.NewDemuxer(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mkvdemux: new demuxer: %w", err)
	}
	defer demux.Close()

	numTracks, err := demux.GetNumTracks()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mkvdemux: track count: %w", err)
	}

	d := &Demuxer{file: f, byByte: map[int64]int{}}
	trackNumberToIndex := make(map[uint8]int, numTracks)

	for i := uint(0); i < numTracks; i++ {
		info, err := demux.GetTrackInfo(i)
		if err != nil {
			continue
		}
		trackNumberToIndex[info.Number] = int(i)

		kind := source.StreamOther
		codecID := info.CodecID
		switch info.Type {
		case trackTypeVideo:
			kind = source.StreamVideo
		case trackTypeAudio:
			kind = source.StreamAudio
		}
		d.streams = append(d.streams, source.StreamInfo{
			Index: int(i), Kind: kind, CodecID: codecID,
			TimebaseNum: 1, TimebaseDen: 1000, // matroska-go reports Start/EndTime in ms
		})
	}

	var syntheticPos int64
	for {
		pkt, err := demux.ReadPacket()
		if err != nil {
			if err == io.EOF {
				break
			}
			f.Close()
			return nil, fmt.Errorf("mkvdemux: read packet: %w", err)
		}

		streamIdx, ok := trackNumberToIndex[pkt.Track]
		if !ok {
			continue
		}

		filePos := syntheticPos
		syntheticPos += int64(len(pkt.Data))

		d.packets = append(d.packets, source.Packet{
			StreamIndex: streamIdx,
			PTS:         int64(pkt.StartTime),
			DTS:         int64(pkt.StartTime),
			FilePos:     filePos,
			KeyFrame:    pkt.KeyFrame,
			Payload:     pkt.Data,
			Duration:    int64(pkt.EndTime) - int64(pkt.StartTime),
		})
		d.byByte[filePos] = len(d.packets) - 1
	}

	return d, nil
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

// SeekByPTS implements source.Demuxer: linear scan over the materialized
// index (tables are small enough in practice that this stays cheap; a
// binary search would require per-stream sub-slices kept in PTS order,
// which matroska's packet interleaving does not otherwise guarantee).
func (d *Demuxer) SeekByPTS(stream int, pts int64) error {
	best := -1
	for i, p := range d.packets {
		if p.StreamIndex != stream {
			continue
		}
		if p.PTS > pts {
			break
		}
		best = i
	}
	if best < 0 {
		return fmt.Errorf("mkvdemux: stream %d has no packet at or before pts %d", stream, pts)
	}
	d.pos = best
	return nil
}

// SeekByByte implements source.Demuxer.
func (d *Demuxer) SeekByByte(stream int, filePos int64) error {
	i, ok := d.byByte[filePos]
	if !ok {
		return fmt.Errorf("mkvdemux: no packet at synthetic position %d", filePos)
	}
	d.pos = i
	return nil
}

// Close implements source.Demuxer.
func (d *Demuxer) Close() error { return d.file.Close() }
