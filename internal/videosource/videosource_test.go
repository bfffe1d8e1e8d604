package videosource

import (
	"context"
	"io"
	"testing"

	"github.com/ffms2go/ffms2go/internal/source"
	"github.com/ffms2go/ffms2go/internal/track"
)

type stubDemuxer struct {
	packets    []source.Packet
	pos        int
	seeksByPTS int
	seekErr    error
}

func (d *stubDemuxer) Streams() []source.StreamInfo { return nil }

func (d *stubDemuxer) NextPacket(ctx context.Context) (source.Packet, error) {
	if d.pos >= len(d.packets) {
		return source.Packet{}, io.EOF
	}
	pkt := d.packets[d.pos]
	d.pos++
	return pkt, nil
}

func (d *stubDemuxer) SeekByPTS(stream int, pts int64) error {
	d.seeksByPTS++
	for i, p := range d.packets {
		if p.PTS == pts {
			d.pos = i
			return nil
		}
	}
	return d.seekErr
}

func (d *stubDemuxer) SeekByByte(stream int, filePos int64) error {
	for i, p := range d.packets {
		if p.FilePos == filePos {
			d.pos = i
			return nil
		}
	}
	return nil
}

func (d *stubDemuxer) Close() error { return nil }

// stubDecoder is a pass-through: every SendPacket is immediately available
// from ReceiveFrame (delay=0), keyed by the packet's own PTS.
type stubDecoder struct {
	queued  []int64
	hasB    bool
	codecID string
}

func (d *stubDecoder) SendPacket(ctx context.Context, pkt source.Packet) error {
	d.queued = append(d.queued, pkt.PTS)
	return nil
}

func (d *stubDecoder) ReceiveFrame(ctx context.Context) (source.VideoFrame, error) {
	if len(d.queued) == 0 {
		return source.VideoFrame{}, source.ErrAgain
	}
	pts := d.queued[0]
	d.queued = d.queued[1:]
	return source.VideoFrame{PTS: pts}, nil
}

func (d *stubDecoder) Flush() error                  { d.queued = nil; return nil }
func (d *stubDecoder) SetSkipNonReference(skip bool) {}
func (d *stubDecoder) HasBFrames() bool              { return d.hasB }
func (d *stubDecoder) ThreadCount() int              { return 1 }
func (d *stubDecoder) CodecID() string                { return d.codecID }

func buildLinearTable(n int) *track.TrackTable {
	tbl := track.NewTable(track.Video, 1, 90000)
	for i := 0; i < n; i++ {
		tbl.Append(track.FrameRecord{
			PTS:      int64(i * 1000),
			FilePos:  int64(i * 4096),
			KeyFrame: i%10 == 0,
			Type:     track.FrameP,
		})
	}
	tbl.Finalize(track.FinalizeOptions{})
	return tbl
}

func buildPackets(tbl *track.TrackTable) []source.Packet {
	var pkts []source.Packet
	for _, r := range tbl.Records {
		pkts = append(pkts, source.Packet{PTS: r.PTS, FilePos: r.FilePos, KeyFrame: r.KeyFrame})
	}
	return pkts
}

func TestGetFrameLinearDecodeNoSeek(t *testing.T) {
	tbl := buildLinearTable(20)
	demux := &stubDemuxer{packets: buildPackets(tbl)}
	dec := &stubDecoder{codecID: "h264"}
	src := Open(demux, dec, tbl, 0, Normal)

	frame, err := src.GetFrame(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if frame.PTS != 5000 {
		t.Fatalf("PTS = %d, want 5000", frame.PTS)
	}
}

func TestGetFrameCachesLastFrame(t *testing.T) {
	tbl := buildLinearTable(20)
	demux := &stubDemuxer{packets: buildPackets(tbl)}
	dec := &stubDecoder{codecID: "h264"}
	src := Open(demux, dec, tbl, 0, Normal)

	if _, err := src.GetFrame(context.Background(), 5); err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	seeksBefore := demux.seeksByPTS
	frame, err := src.GetFrame(context.Background(), 5)
	if err != nil {
		t.Fatalf("GetFrame (cached): %v", err)
	}
	if frame.PTS != 5000 {
		t.Fatalf("cached PTS = %d, want 5000", frame.PTS)
	}
	if demux.seeksByPTS != seeksBefore {
		t.Fatalf("expected no additional seek for cached frame")
	}
}

// TestGetFrameSeeksPastOffsetStep is spec.md §8 concrete scenario 5: current
// frame 500, target 550. buildLinearTable puts a keyframe every 10 records,
// so the closest keyframe at or before 550 is 550 itself, more than
// SEEK_OFFSET_STEP=10 ahead of current, so Normal mode must seek.
func TestGetFrameSeeksPastOffsetStep(t *testing.T) {
	tbl := buildLinearTable(1000)
	demux := &stubDemuxer{packets: buildPackets(tbl)}
	dec := &stubDecoder{codecID: "h264"}
	src := Open(demux, dec, tbl, 0, Normal)
	src.currentFrame = 500

	frame, err := src.GetFrame(context.Background(), 550)
	if err != nil {
		t.Fatalf("GetFrame: %v", err)
	}
	if frame.PTS != 550000 {
		t.Fatalf("PTS = %d, want 550000", frame.PTS)
	}
	if demux.seeksByPTS == 0 {
		t.Fatalf("expected a seek when target is far ahead of current frame")
	}
}

func TestGetFrameLinearNoRewindRejectsBackwardAccess(t *testing.T) {
	tbl := buildLinearTable(20)
	demux := &stubDemuxer{packets: buildPackets(tbl)}
	dec := &stubDecoder{codecID: "h264"}
	src := Open(demux, dec, tbl, 0, LinearNoRewind)
	src.currentFrame = 10

	_, err := src.GetFrame(context.Background(), 5)
	if err == nil {
		t.Fatalf("expected NONLINEAR_ACCESS error")
	}
}
