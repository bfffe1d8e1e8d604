// Package avidemux implements a source.Demuxer for RIFF/AVI using
// aviio's chunk-header and stream-header readers. The 'movi' LIST is
// walked once at Open to build a byte-offset packet index (zipped against
// idx1's per-entry keyframe flags, which the AVI format guarantees share
// the same sequential order as the chunks themselves); NextPacket then
// seeks and reads payload bytes lazily from that index.
package avidemux

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec"
	"github.com/deepch/vdk/codec/aacparser"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/codec/h265parser"
	"github.com/deepch/vdk/format/avi/aviio"

	"github.com/ffms2go/ffms2go/internal/source"
)

type streamInfo struct {
	header  *aviio.StreamHeader
	codec   av.CodecData
	isVideo bool
	isAudio bool
}

type indexedPacket struct {
	streamIdx int
	filePos   int64
	size      uint32
	keyFrame  bool
	pts       int64
}

// Demuxer adapts an AVI file to source.Demuxer.
type Demuxer struct {
	file    *os.File
	streams []source.StreamInfo
	infos   []streamInfo

	packets []indexedPacket
	byByte  map[int64]int
	pos     int
}

// Open parses path's RIFF/AVI headers and materializes the packet index.
func Open(path string) (*Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("avidemux: open: %w", err)
	}
	d := &Demuxer{file: f, byByte: map[int64]int{}}
	if err := d.index(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func (d *Demuxer) index() error {
	cr := &countingReader{r: bufio.NewReader(d.file)}

	riffHeader, err := aviio.ReadChunkHeader(cr)
	if err != nil {
		return fmt.Errorf("avidemux: riff header: %w", err)
	}
	if riffHeader.FourCC != aviio.FourCCRIFF {
		return aviio.ErrInvalidFormat
	}
	var aviSig uint32
	if err := readLE32(cr, &aviSig); err != nil {
		return err
	}
	if aviSig != aviio.FourCCAVI {
		return aviio.ErrInvalidFormat
	}

	var moviEntries []int64 // file offset of each chunk header within movi, in order
	var moviSizes []uint32
	var moviIDs []string

	for {
		header, err := aviio.ReadChunkHeader(cr)
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}

		switch header.FourCC {
		case aviio.FourCCLIST:
			var listType uint32
			if err := readLE32(cr, &listType); err != nil {
				return err
			}
			switch listType {
			case aviio.FourCChdrl:
				if err := d.parseHdrlList(cr, header.Size-4); err != nil {
					return err
				}
			case aviio.FourCCmovi:
				if err := d.walkMovi(cr, header.Size-4, &moviEntries, &moviSizes, &moviIDs); err != nil {
					return err
				}
			default:
				if _, err := cr.Discard(int(header.Size - 4)); err != nil {
					return err
				}
			}
		case aviio.FourCCidx1:
			entries, err := readIndex(cr, header.Size)
			if err != nil {
				return err
			}
			d.zipIndex(moviEntries, moviSizes, moviIDs, entries)
		default:
			if _, err := cr.Discard(int(header.Size)); err != nil {
				return err
			}
		}
		if header.Size&1 == 1 {
			cr.Discard(1)
		}
	}

	if len(d.packets) == 0 && len(moviEntries) > 0 {
		// No idx1 present: fall back to keyframe-unknown sequential order.
		d.zipIndex(moviEntries, moviSizes, moviIDs, nil)
	}

	d.byByte = make(map[int64]int, len(d.packets))
	for i, p := range d.packets {
		d.byByte[p.filePos] = i
	}
	return nil
}

func (d *Demuxer) walkMovi(cr *countingReader, size uint32, entries *[]int64, sizes *[]uint32, ids *[]string) error {
	var consumed uint32
	for consumed < size {
		chunkStart := cr.n
		header, err := aviio.ReadChunkHeader(cr)
		if err != nil {
			return err
		}
		consumed += 8

		idStr := aviio.FourCCString(header.FourCC)
		*entries = append(*entries, chunkStart)
		*sizes = append(*sizes, header.Size)
		*ids = append(*ids, idStr)

		if _, err := cr.Discard(int(header.Size)); err != nil {
			return err
		}
		consumed += header.Size
		if header.Size&1 == 1 {
			cr.Discard(1)
			consumed++
		}
	}
	return nil
}

func (d *Demuxer) zipIndex(entries []int64, sizes []uint32, ids []string, idxEntries []aviio.IndexEntry) {
	rate := map[int]float64{}
	for i, info := range d.infos {
		if info.header != nil && info.header.Scale > 0 {
			rate[i] = float64(info.header.Rate) / float64(info.header.Scale)
		}
	}
	count := map[int]int64{}

	for i, off := range entries {
		idStr := ids[i]
		if len(idStr) < 4 {
			continue
		}
		streamNum := int(idStr[0]-'0')*10 + int(idStr[1]-'0')
		if streamNum < 0 || streamNum >= len(d.infos) {
			continue
		}
		tag := idStr[2:4]
		info := d.infos[streamNum]
		if !((info.isVideo && (tag == "dc" || tag == "db")) || (info.isAudio && tag == "wb")) {
			continue
		}

		keyFrame := true
		if idxEntries != nil && i < len(idxEntries) {
			keyFrame = idxEntries[i].Flags&aviio.AVIIF_KEYFRAME != 0
		}

		var pts int64
		n := count[streamNum]
		if info.isVideo && rate[streamNum] > 0 {
			pts = int64(float64(n) / rate[streamNum] * 1e9)
		} else if info.isAudio && info.header != nil && info.header.Rate > 0 {
			pts = int64(float64(n) / float64(info.header.Rate) * 1e9)
		}
		count[streamNum] = n + 1

		d.packets = append(d.packets, indexedPacket{
			streamIdx: streamNum,
			filePos:   off,
			size:      sizes[i],
			keyFrame:  keyFrame,
			pts:       pts,
		})
	}

	sort.SliceStable(d.packets, func(i, j int) bool { return d.packets[i].filePos < d.packets[j].filePos })
}

func (d *Demuxer) parseHdrlList(cr *countingReader, size uint32) error {
	var bytesRead uint32
	for bytesRead < size {
		header, err := aviio.ReadChunkHeader(cr)
		if err != nil {
			return err
		}
		bytesRead += 8

		switch header.FourCC {
		case aviio.FourCCavih:
			if _, err := aviio.ReadMainAVIHeader(cr); err != nil {
				return err
			}
		case aviio.FourCCLIST:
			var listType uint32
			if err := readLE32(cr, &listType); err != nil {
				return err
			}
			if listType == aviio.FourCCstrl {
				if err := d.parseStrlList(cr, header.Size-4); err != nil {
					return err
				}
			} else if _, err := cr.Discard(int(header.Size - 4)); err != nil {
				return err
			}
		default:
			if _, err := cr.Discard(int(header.Size)); err != nil {
				return err
			}
		}

		bytesRead += header.Size
		if header.Size&1 == 1 {
			cr.Discard(1)
			bytesRead++
		}
	}
	return nil
}

func (d *Demuxer) parseStrlList(cr *countingReader, size uint32) error {
	var info streamInfo
	var bytesRead uint32

	for bytesRead < size {
		header, err := aviio.ReadChunkHeader(cr)
		if err != nil {
			return err
		}
		bytesRead += 8

		switch header.FourCC {
		case aviio.FourCCstrh:
			info.header, err = aviio.ReadStreamHeader(cr)
			if err != nil {
				return err
			}
			info.isVideo = info.header.Type == aviio.FourCCvids
			info.isAudio = info.header.Type == aviio.FourCCauds

		case aviio.FourCCstrf:
			data := make([]byte, header.Size)
			if _, err := io.ReadFull(cr, data); err != nil {
				return err
			}
			if info.isVideo {
				if err := parseVideoFormat(&info, data, header.Size); err != nil {
					return err
				}
			} else if info.isAudio {
				if err := parseAudioFormat(&info, data); err != nil {
					return err
				}
			}

		default:
			if _, err := cr.Discard(int(header.Size)); err != nil {
				return err
			}
		}

		bytesRead += header.Size
		if header.Size&1 == 1 {
			cr.Discard(1)
			bytesRead++
		}
	}

	if info.codec != nil {
		idx := len(d.infos)
		kind := source.StreamVideo
		codecID := "h264"
		if info.isAudio {
			kind = source.StreamAudio
			codecID = "aac"
		}
		sampleRate, channels := 0, 0
		if cd, ok := info.codec.(av.AudioCodecData); ok {
			sampleRate = cd.SampleRate()
			channels = cd.ChannelLayout().Count()
		}
		d.streams = append(d.streams, source.StreamInfo{
			Index: idx, Kind: kind, CodecID: codecID,
			TimebaseNum: 1, TimebaseDen: 1_000_000_000,
			SampleRate: sampleRate, Channels: channels, SampleFormat: "s16",
		})
		d.infos = append(d.infos, info)
	}
	return nil
}

func parseVideoFormat(info *streamInfo, data []byte, size uint32) error {
	bih, err := aviio.ReadBitmapInfoHeader(byteReaderOf(data))
	if err != nil {
		return err
	}
	switch aviio.FourCCString(bih.Compression) {
	case "H264", "h264", "avc1", "AVC1":
		extra := extraData(data, size)
		if cd, err := h264parser.NewCodecDataFromAVCDecoderConfRecord(extra); err == nil {
			info.codec = cd
		} else {
			info.codec = &h264parser.CodecData{}
		}
	case "H265", "h265", "hvc1", "HVC1", "hevc", "HEVC":
		extra := extraData(data, size)
		if cd, err := h265parser.NewCodecDataFromAVCDecoderConfRecord(extra); err == nil {
			info.codec = cd
		} else {
			info.codec = &h265parser.CodecData{}
		}
	}
	return nil
}

func parseAudioFormat(info *streamInfo, data []byte) error {
	wfx, err := aviio.ReadWaveFormatEx(byteReaderOf(data))
	if err != nil {
		return err
	}
	switch wfx.FormatTag {
	case 0xFF:
		if len(data) > 18 && wfx.CbSize > 0 {
			if cd, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(data[18:]); err == nil {
				info.codec = cd
				return nil
			}
		}
		info.codec = &aacparser.CodecData{Config: aacparser.MPEG4AudioConfig{
			SampleRate: int(wfx.SamplesPerSec), ChannelLayout: av.CH_STEREO, ObjectType: aacparser.AOT_AAC_LC,
		}}
	case 0x07:
		info.codec = codec.NewPCMMulawCodecData()
	case 0x06:
		info.codec = codec.NewPCMAlawCodecData()
	}
	return nil
}

func extraData(data []byte, size uint32) []byte {
	const bitmapInfoHeaderSize = 40
	n := int(size) - bitmapInfoHeaderSize
	if n <= 0 {
		return nil
	}
	return data[bitmapInfoHeaderSize:]
}

func readIndex(cr *countingReader, size uint32) ([]aviio.IndexEntry, error) {
	entries := make([]aviio.IndexEntry, size/16)
	for i := range entries {
		if err := binary.Read(cr, binary.LittleEndian, &entries[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
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
	p := d.packets[d.pos]
	d.pos++

	if _, err := d.file.Seek(p.filePos+8, io.SeekStart); err != nil {
		return source.Packet{}, fmt.Errorf("avidemux: seek packet: %w", err)
	}
	payload := make([]byte, p.size)
	if _, err := io.ReadFull(d.file, payload); err != nil {
		return source.Packet{}, fmt.Errorf("avidemux: read packet: %w", err)
	}

	return source.Packet{
		StreamIndex: p.streamIdx,
		PTS:         p.pts,
		DTS:         p.pts,
		FilePos:     p.filePos,
		KeyFrame:    p.keyFrame,
		Payload:     payload,
	}, nil
}

// SeekByPTS implements source.Demuxer via a linear scan over the
// materialized packet index, skipping other streams' packets.
func (d *Demuxer) SeekByPTS(stream int, pts int64) error {
	best := -1
	for i, p := range d.packets {
		if p.streamIdx != stream {
			continue
		}
		if p.pts > pts {
			break
		}
		best = i
	}
	if best < 0 {
		return fmt.Errorf("avidemux: stream %d has no packet at or before pts %d", stream, pts)
	}
	d.pos = best
	return nil
}

// SeekByByte implements source.Demuxer.
func (d *Demuxer) SeekByByte(stream int, filePos int64) error {
	i, ok := d.byByte[filePos]
	if !ok {
		return fmt.Errorf("avidemux: no packet at file position %d", filePos)
	}
	d.pos = i
	return nil
}

// Close implements source.Demuxer.
func (d *Demuxer) Close() error { return d.file.Close() }

func readLE32(r io.Reader, v *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*v = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return nil
}

func byteReaderOf(b []byte) *sliceReader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// countingReader wraps a *bufio.Reader and tracks the number of bytes
// consumed, giving us a byte offset for each chunk header even though
// aviio's readers take only an io.Reader.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Discard(n int) (int, error) {
	d, err := c.r.Discard(n)
	c.n += int64(d)
	return d, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
