package audiosource

import (
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/ffms2go/ffms2go/internal/source"
	"github.com/ffms2go/ffms2go/internal/track"
)

const bytesPerFrame = 4 // stereo s16

type fakeDemuxer struct {
	packets []source.Packet
	pos     int
}

func (d *fakeDemuxer) Streams() []source.StreamInfo { return nil }

func (d *fakeDemuxer) NextPacket(ctx context.Context) (source.Packet, error) {
	if d.pos >= len(d.packets) {
		return source.Packet{}, io.EOF
	}
	pkt := d.packets[d.pos]
	d.pos++
	return pkt, nil
}

func (d *fakeDemuxer) SeekByPTS(stream int, pts int64) error {
	for i, p := range d.packets {
		if p.PTS == pts {
			d.pos = i
			return nil
		}
	}
	return errNotFound
}

func (d *fakeDemuxer) SeekByByte(stream int, filePos int64) error {
	for i, p := range d.packets {
		if p.FilePos == filePos {
			d.pos = i
			return nil
		}
	}
	return errNotFound
}

func (d *fakeDemuxer) Close() error { return nil }

var errNotFound = errSentinel("packet not found")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// fakeAudioDecoder decodes each packet into one chunk of samplesPerPacket
// frames, filled with an ascending byte pattern keyed on the packet's
// sample offset so tests can verify which bytes landed where.
type fakeAudioDecoder struct {
	samplesPerPacket int
	sampleOf         map[int64]int64 // packet.PTS -> sample offset
	pending          []source.AudioChunk
}

func (d *fakeAudioDecoder) SendPacket(ctx context.Context, pkt source.Packet) error {
	sampleStart := d.sampleOf[pkt.PTS]
	bytes := make([]byte, d.samplesPerPacket*bytesPerFrame)
	for i := range bytes {
		binary.LittleEndian.PutUint32(bytes[i/4*4:], uint32(sampleStart)+1) // nonzero marker
	}
	d.pending = append(d.pending, source.AudioChunk{
		Samples: d.samplesPerPacket, Channels: 2, SampleRate: 48000, SampleFormat: "s16", Bytes: bytes,
	})
	return nil
}

func (d *fakeAudioDecoder) ReceiveChunk(ctx context.Context) (source.AudioChunk, error) {
	if len(d.pending) == 0 {
		return source.AudioChunk{}, source.ErrAgain
	}
	c := d.pending[0]
	d.pending = d.pending[1:]
	return c, nil
}

func (d *fakeAudioDecoder) Flush() error { d.pending = nil; return nil }

func buildAudioTable(totalSamples, samplesPerPacket int64) (*track.TrackTable, []source.Packet, map[int64]int64) {
	tbl := track.NewTable(track.Audio, 1, 48000)
	var pkts []source.Packet
	sampleOf := map[int64]int64{}
	var sample int64
	var pts int64
	for sample < totalSamples {
		n := samplesPerPacket
		if sample+n > totalSamples {
			n = totalSamples - sample
		}
		tbl.Append(track.FrameRecord{
			PTS:         pts,
			FilePos:     pts,
			SampleStart: sample,
			SampleCount: n,
			RepeatPict:  -1,
		})
		pkts = append(pkts, source.Packet{PTS: pts, FilePos: pts})
		sampleOf[pts] = sample
		sample += n
		pts += n
	}
	tbl.Finalize(track.FinalizeOptions{})
	return tbl, pkts, sampleOf
}

func TestGetAudioFillsFromDecodeWhenCacheEmpty(t *testing.T) {
	tbl, pkts, sampleOf := buildAudioTable(1000, 100)
	demux := &fakeDemuxer{packets: pkts}
	dec := &fakeAudioDecoder{samplesPerPacket: 100, sampleOf: sampleOf}
	src := Open(demux, dec, tbl, 0, bytesPerFrame, Options{})

	dst := make([]byte, 200*bytesPerFrame)
	if err := src.GetAudio(context.Background(), 0, 200, dst); err != nil {
		t.Fatalf("GetAudio: %v", err)
	}
	for i := 0; i < len(dst); i += 4 {
		if binary.LittleEndian.Uint32(dst[i:]) == 0 {
			t.Fatalf("byte offset %d unfilled", i)
		}
	}
}

// TestGetAudioEndOfTrackPadsWithSilence is spec.md §8 concrete scenario 6:
// total_samples=1000, get_audio(900,200,dst) must return the first 100
// frames of real audio and leave the remaining 100 frames zeroed.
func TestGetAudioEndOfTrackPadsWithSilence(t *testing.T) {
	tbl, pkts, sampleOf := buildAudioTable(1000, 100)
	demux := &fakeDemuxer{packets: pkts}
	dec := &fakeAudioDecoder{samplesPerPacket: 100, sampleOf: sampleOf}
	src := Open(demux, dec, tbl, 0, bytesPerFrame, Options{})

	dst := make([]byte, 200*bytesPerFrame)
	if err := src.GetAudio(context.Background(), 900, 200, dst); err != nil {
		t.Fatalf("GetAudio: %v", err)
	}

	for i := 0; i < 100*bytesPerFrame; i += 4 {
		if binary.LittleEndian.Uint32(dst[i:]) == 0 {
			t.Fatalf("frame %d expected real audio, got silence", i/bytesPerFrame)
		}
	}
	for i := 100 * bytesPerFrame; i < len(dst); i += 4 {
		if binary.LittleEndian.Uint32(dst[i:]) != 0 {
			t.Fatalf("frame %d expected silence padding, got nonzero", i/bytesPerFrame)
		}
	}
}

func TestGetAudioRepeatedRequestUsesCacheWithoutReseeking(t *testing.T) {
	tbl, pkts, sampleOf := buildAudioTable(1000, 100)
	demux := &fakeDemuxer{packets: pkts}
	dec := &fakeAudioDecoder{samplesPerPacket: 100, sampleOf: sampleOf}
	src := Open(demux, dec, tbl, 0, bytesPerFrame, Options{})

	dst := make([]byte, 100*bytesPerFrame)
	if err := src.GetAudio(context.Background(), 0, 100, dst); err != nil {
		t.Fatalf("GetAudio: %v", err)
	}
	posBefore := demux.pos

	dst2 := make([]byte, 100*bytesPerFrame)
	if err := src.GetAudio(context.Background(), 0, 100, dst2); err != nil {
		t.Fatalf("GetAudio (cached): %v", err)
	}
	if demux.pos != posBefore {
		t.Fatalf("expected cached request to avoid demuxing further packets")
	}
	if string(dst) != string(dst2) {
		t.Fatalf("cached replay produced different bytes")
	}
}
