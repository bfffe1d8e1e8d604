package tsdemux

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ffms2go/ffms2go/internal/source"
)

// mpeg2CRC32 reimplements the MPEG-2 CRC32 variant (polynomial 0x04C11DB7)
// PSI sections are protected with, so this test can synthesize a PAT/PMT
// the teacher's internal/mpegts parser (unexported verifyCRC32) will accept.
func mpeg2CRC32(data []byte) uint32 {
	var table [256]uint32
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ table[byte(crc>>24)^b]
	}
	return crc
}

func tsPacket(pid uint16, pusi bool, payload []byte) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	b1 := byte(pid >> 8 & 0x1F)
	if pusi {
		b1 |= 0x40
	}
	pkt[1] = b1
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // payload present, no adaptation field, CC=0
	copy(pkt[4:], payload)
	for i := 4 + len(payload); i < 188; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

func patSection(pmtPID uint16) []byte {
	body := []byte{
		0x00,       // program_number hi
		0x01,       // program_number lo (program 1)
		byte(0xE0 | pmtPID>>8), byte(pmtPID),
	}
	header := []byte{0x00, 0xB0, byte(5 + len(body) + 4), 0x00, 0x01, 0xC1, 0x00, 0x00}
	section := append(header, body...)
	crc := mpeg2CRC32(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	out := append([]byte{0x00}, section...) // pointer_field=0
	return out
}

func pmtSection(videoPID uint16) []byte {
	header := []byte{
		0x02,             // table_id
		0xB0, 0x00,       // section_length placeholder
		0x00, 0x01, // program_number
		0xC1, 0x00, 0x00, // version/current_next, section_number, last_section_number
		0xE0, 0x00, // PCR_PID placeholder
		0xF0, 0x00, // program_info_length=0
	}
	esEntry := []byte{0x1b, byte(0xE0 | videoPID>>8), byte(videoPID), 0xF0, 0x00}
	section := append(append([]byte{}, header...), esEntry...)
	sectionLength := len(section) - 3 + 4
	section[1] = 0xB0 | byte(sectionLength>>8)
	section[2] = byte(sectionLength)
	crc := mpeg2CRC32(section)
	section = append(section, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return append([]byte{0x00}, section...)
}

func pesPacket(pts int64) []byte {
	p := make([]byte, 0, 19)
	p = append(p, 0x00, 0x00, 0x01, 0xE0) // start code + stream_id (video)
	p = append(p, 0x00, 0x00)             // PES_packet_length = unbounded
	p = append(p, 0x80, 0x80, 0x05)       // flags: PTS only, header_data_length=5
	p = appendPTS(p, pts)
	p = append(p, 0xAA, 0xBB, 0xCC) // elementary stream payload
	return p
}

func appendPTS(p []byte, pts int64) []byte {
	b0 := byte(0x20) | byte((pts>>30)&0x07)<<1 | 0x01
	b1 := byte(pts >> 22)
	b2 := byte((pts>>15)&0x7F)<<1 | 0x01
	b3 := byte(pts >> 7)
	b4 := byte((pts&0x7F)<<1) | 0x01
	return append(p, b0, b1, b2, b3, b4)
}

func writeSampleTS(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.ts")

	const pmtPID = 0x100
	const videoPID = 0x101

	var out []byte
	out = append(out, tsPacket(0x00, true, patSection(pmtPID))...)
	out = append(out, tsPacket(pmtPID, true, pmtSection(videoPID))...)
	out = append(out, tsPacket(videoPID, true, pesPacket(90000))...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write sample ts: %v", err)
	}
	return path
}

func TestOpenDiscoversVideoStream(t *testing.T) {
	path := writeSampleTS(t)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	streams := d.Streams()
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	if streams[0].Kind != source.StreamVideo || streams[0].CodecID != "h264" {
		t.Fatalf("unexpected stream info: %+v", streams[0])
	}
}

func TestNextPacketReturnsPTS(t *testing.T) {
	path := writeSampleTS(t)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	pkt, err := d.NextPacket(context.Background())
	if err != nil {
		t.Fatalf("NextPacket: %v", err)
	}
	if pkt.PTS != 90000 {
		t.Fatalf("PTS = %d, want 90000", pkt.PTS)
	}
	if pkt.FilePos <= 0 {
		t.Fatalf("FilePos = %d, want > 0", pkt.FilePos)
	}
}

// writeRepeatingSampleTS writes two PES packets, each preceded by its own
// PAT/PMT repetition, the way a broadcast-origin capture repeats PSI
// periodically so a reader that seeks in mid-stream can still resynchronize
// its PID map (see Demuxer's seek doc comment).
func writeRepeatingSampleTS(t *testing.T) (path string, secondPESOffset int64) {
	t.Helper()
	dir := t.TempDir()
	path = filepath.Join(dir, "sample.ts")

	const pmtPID = 0x100
	const videoPID = 0x101

	var out []byte
	out = append(out, tsPacket(0x00, true, patSection(pmtPID))...)
	out = append(out, tsPacket(pmtPID, true, pmtSection(videoPID))...)
	out = append(out, tsPacket(videoPID, true, pesPacket(90000))...)

	secondPESOffset = int64(len(out))
	out = append(out, tsPacket(0x00, true, patSection(pmtPID))...)
	out = append(out, tsPacket(pmtPID, true, pmtSection(videoPID))...)
	out = append(out, tsPacket(videoPID, true, pesPacket(180000))...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write sample ts: %v", err)
	}
	return path, secondPESOffset
}

// TestSeekByByteResynchronizesAcrossPIDMap exercises the adaptation this
// package adds over the teacher's forward-only parser: SeekByByte reopens
// the file on a fresh internal/mpegts.Demuxer, which relearns PAT/PMT from
// the seek point, while the PID-to-stream mapping built at Open time is
// kept, so the packet read after a mid-stream seek is still attributed to
// the video stream.
func TestSeekByByteResynchronizesAcrossPIDMap(t *testing.T) {
	path, secondPESOffset := writeRepeatingSampleTS(t)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.SeekByByte(0, secondPESOffset); err != nil {
		t.Fatalf("SeekByByte: %v", err)
	}
	pkt, err := d.NextPacket(context.Background())
	if err != nil {
		t.Fatalf("NextPacket after seek: %v", err)
	}
	if pkt.PTS != 180000 {
		t.Fatalf("PTS after seek = %d, want 180000", pkt.PTS)
	}
}

// TestSeekByByteRoundsDownToPacketBoundary confirms a mid-packet filePos is
// realigned to the 188-byte TS packet boundary before reopening, so a seek
// target derived from an indexed record's FilePos never starts mid-packet.
func TestSeekByByteRoundsDownToPacketBoundary(t *testing.T) {
	path, secondPESOffset := writeRepeatingSampleTS(t)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.SeekByByte(0, secondPESOffset+50); err != nil {
		t.Fatalf("SeekByByte: %v", err)
	}
	pkt, err := d.NextPacket(context.Background())
	if err != nil {
		t.Fatalf("NextPacket after seek: %v", err)
	}
	if pkt.PTS != 180000 {
		t.Fatalf("PTS after mid-packet seek = %d, want 180000", pkt.PTS)
	}
}

func TestSeekByByteReopensAtOffset(t *testing.T) {
	path := writeSampleTS(t)
	d, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.SeekByByte(0, 0); err != nil {
		t.Fatalf("SeekByByte: %v", err)
	}
	pkt, err := d.NextPacket(context.Background())
	if err != nil {
		t.Fatalf("NextPacket after seek: %v", err)
	}
	if pkt.PTS != 90000 {
		t.Fatalf("PTS after seek = %d, want 90000", pkt.PTS)
	}
}
