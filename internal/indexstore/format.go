package indexstore

import (
	"bufio"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ffms2go/ffms2go/internal/ffmserr"
	"github.com/ffms2go/ffms2go/internal/track"
)

// Write serializes ix to path as a single deflate-compressed stream, per
// the literal layout in spec.md §6.1.
func (ix *Index) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("indexstore: create %s: %w", path, err)
	}
	defer f.Close()

	fw, err := flate.NewWriter(f, flate.DefaultCompression)
	if err != nil {
		return fmt.Errorf("indexstore: new flate writer: %w", err)
	}
	bw := bufio.NewWriter(fw)

	if err := ix.encode(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("indexstore: flush: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("indexstore: close flate writer: %w", err)
	}
	return nil
}

// ReadIndex deserializes the index stream at path, validating it against
// the host's current ffmsVersion/component fingerprint (spec.md §4.2).
func ReadIndex(path string, ffmsVersion uint32, components ComponentVersions) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", path, err)
	}
	defer f.Close()

	fr := flate.NewReader(f)
	defer fr.Close()
	br := bufio.NewReader(fr)

	ix, err := decode(br, ffmsVersion, components)
	if err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) encode(w io.Writer) error {
	if err := writeU32(w, Magic); err != nil {
		return err
	}
	if err := writeU32(w, ix.FFMSVersion); err != nil {
		return err
	}
	if err := writeU16(w, FormatVersion); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(ix.Tracks))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(ix.ErrorHandlingMode)); err != nil {
		return err
	}
	for _, c := range ix.Components {
		if err := writeU32(w, c); err != nil {
			return err
		}
	}
	if err := writeI64(w, ix.Signature.Size); err != nil {
		return err
	}
	if _, err := w.Write(ix.Signature.Digest[:]); err != nil {
		return fmt.Errorf("indexstore: write digest: %w", err)
	}

	if err := writeU32(w, uint32(len(ix.DemuxerOptions))); err != nil {
		return err
	}
	for k, v := range ix.DemuxerOptions {
		if err := writeString(w, k); err != nil {
			return err
		}
		if err := writeString(w, v); err != nil {
			return err
		}
	}

	for _, t := range ix.Tracks {
		if err := encodeTrack(w, t); err != nil {
			return err
		}
	}
	return nil
}

func encodeTrack(w io.Writer, t *track.TrackTable) error {
	if _, err := w.Write([]byte{byte(t.Kind)}); err != nil {
		return fmt.Errorf("indexstore: write track type: %w", err)
	}
	if err := writeI64(w, t.TimebaseNum); err != nil {
		return err
	}
	if err := writeI64(w, t.TimebaseDen); err != nil {
		return err
	}
	if err := writeI32(w, int32(t.MaxBFrames)); err != nil {
		return err
	}
	if err := writeBool(w, t.UseDTS); err != nil {
		return err
	}
	if err := writeBool(w, t.HasTS); err != nil {
		return err
	}
	if err := writeU64(w, uint64(len(t.Records))); err != nil {
		return err
	}

	var prev track.FrameRecord
	for i, r := range t.Records {
		ptsDelta := r.PTS
		filePosDelta := r.FilePos
		if i > 0 {
			ptsDelta = r.PTS - prev.PTS
			filePosDelta = r.FilePos - prev.FilePos
		}
		if err := writeI64(w, ptsDelta); err != nil {
			return err
		}
		if err := writeI8(w, boolToI8(r.KeyFrame)); err != nil {
			return err
		}
		if err := writeI64(w, filePosDelta); err != nil {
			return err
		}
		if t.Kind == track.Audio {
			sampleCountDelta := r.SampleCount
			if i > 0 {
				sampleCountDelta = r.SampleCount - prev.SampleCount
			}
			if err := writeU32(w, uint32(sampleCountDelta)); err != nil {
				return err
			}
		} else {
			// original_pos_delta_plus_one: encodes OriginalPos-OriginalPos(prev)+1
			// so that zero is never a valid "no delta" collision with -1 meaning
			// unknown; this library always has a defined OriginalPos for video.
			delta := r.OriginalPos
			if i > 0 {
				delta = r.OriginalPos - prev.OriginalPos
			}
			if err := writeU64(w, uint64(delta+1)); err != nil {
				return err
			}
			if err := writeI32(w, int32(r.RepeatPict)); err != nil {
				return err
			}
			if err := writeBool(w, r.Hidden); err != nil {
				return err
			}
		}
		prev = r
	}
	return nil
}

func decode(r io.Reader, expectFFMSVersion uint32, expectComponents ComponentVersions) (*Index, error) {
	magic, err := readU32(r)
	if err != nil {
		return nil, corrupt(err)
	}
	ffmsVersion, err := readU32(r)
	if err != nil {
		return nil, corrupt(err)
	}
	formatVersion, err := readU16(r)
	if err != nil {
		return nil, corrupt(err)
	}
	numTracks, err := readU32(r)
	if err != nil {
		return nil, corrupt(err)
	}
	errMode, err := readU32(r)
	if err != nil {
		return nil, corrupt(err)
	}

	var components ComponentVersions
	for i := range components {
		v, err := readU32(r)
		if err != nil {
			return nil, corrupt(err)
		}
		components[i] = v
	}

	if err := checkVersion(magic, formatVersion, ffmsVersion, components, expectFFMSVersion, expectComponents); err != nil {
		return nil, err
	}

	size, err := readI64(r)
	if err != nil {
		return nil, corrupt(err)
	}
	var digest [20]byte
	if _, err := io.ReadFull(r, digest[:]); err != nil {
		return nil, corrupt(err)
	}

	numOpts, err := readU32(r)
	if err != nil {
		return nil, corrupt(err)
	}
	opts := make(map[string]string, numOpts)
	for i := uint32(0); i < numOpts; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, corrupt(err)
		}
		v, err := readString(r)
		if err != nil {
			return nil, corrupt(err)
		}
		opts[k] = v
	}

	ix := &Index{
		FFMSVersion:       ffmsVersion,
		Components:        components,
		ErrorHandlingMode: ErrorHandlingMode(errMode),
		Signature:         FileSignature{Size: size, Digest: digest},
		DemuxerOptions:    opts,
	}

	for i := uint32(0); i < numTracks; i++ {
		t, err := decodeTrack(r)
		if err != nil {
			return nil, err
		}
		ix.Tracks = append(ix.Tracks, t)
	}
	return ix, nil
}

func decodeTrack(r io.Reader) (*track.TrackTable, error) {
	var kindByte [1]byte
	if _, err := io.ReadFull(r, kindByte[:]); err != nil {
		return nil, corrupt(err)
	}
	kind := track.Kind(kindByte[0])

	tbNum, err := readI64(r)
	if err != nil {
		return nil, corrupt(err)
	}
	tbDen, err := readI64(r)
	if err != nil {
		return nil, corrupt(err)
	}
	maxB, err := readI32(r)
	if err != nil {
		return nil, corrupt(err)
	}
	useDTS, err := readBool(r)
	if err != nil {
		return nil, corrupt(err)
	}
	hasTS, err := readBool(r)
	if err != nil {
		return nil, corrupt(err)
	}
	numFrames, err := readU64(r)
	if err != nil {
		return nil, corrupt(err)
	}

	records := make([]track.FrameRecord, numFrames)
	var prev track.FrameRecord
	for i := uint64(0); i < numFrames; i++ {
		ptsDelta, err := readI64(r)
		if err != nil {
			return nil, corrupt(err)
		}
		keyByte, err := readI8(r)
		if err != nil {
			return nil, corrupt(err)
		}
		filePosDelta, err := readI64(r)
		if err != nil {
			return nil, corrupt(err)
		}

		rec := track.FrameRecord{KeyFrame: keyByte != 0}
		if i == 0 {
			rec.PTS = ptsDelta
			rec.FilePos = filePosDelta
		} else {
			rec.PTS = prev.PTS + ptsDelta
			rec.FilePos = prev.FilePos + filePosDelta
		}

		if kind == track.Audio {
			sampleCountDelta, err := readU32(r)
			if err != nil {
				return nil, corrupt(err)
			}
			if i == 0 {
				rec.SampleCount = int64(sampleCountDelta)
			} else {
				rec.SampleCount = prev.SampleCount + int64(sampleCountDelta)
			}
			if i == 0 {
				rec.SampleStart = 0
			} else {
				rec.SampleStart = prev.SampleStart + prev.SampleCount
			}
		} else {
			encodedDelta, err := readU64(r)
			if err != nil {
				return nil, corrupt(err)
			}
			delta := int64(encodedDelta) - 1
			if i == 0 {
				rec.OriginalPos = delta
			} else {
				rec.OriginalPos = prev.OriginalPos + delta
			}
			repeatPict, err := readI32(r)
			if err != nil {
				return nil, corrupt(err)
			}
			rec.RepeatPict = int(repeatPict)
			hidden, err := readBool(r)
			if err != nil {
				return nil, corrupt(err)
			}
			rec.Hidden = hidden
		}
		records[i] = rec
		prev = rec
	}

	return track.LoadFinalized(kind, tbNum, tbDen, int(maxB), hasTS, useDTS, records), nil
}

func corrupt(err error) error {
	return ffmserr.New(ffmserr.CategoryIndex, fmt.Errorf("%w: %v", ffmserr.ErrIndexFileCorrupt, err))
}

func boolToI8(b bool) int8 {
	if b {
		return 1
	}
	return 0
}

// --- little-endian primitive helpers -------------------------------------

func writeU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI32(w io.Writer, v int32) error { return writeU32(w, uint32(v)) }
func writeI64(w io.Writer, v int64) error { return writeU64(w, uint64(v)) }

func writeI8(w io.Writer, v int8) error {
	_, err := w.Write([]byte{byte(v)})
	return err
}

func writeBool(w io.Writer, b bool) error {
	if b {
		return writeI8(w, 1)
	}
	return writeI8(w, 0)
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readI8(r io.Reader) (int8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int8(buf[0]), nil
}

func readBool(r io.Reader) (bool, error) {
	v, err := readI8(r)
	return v != 0, err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
