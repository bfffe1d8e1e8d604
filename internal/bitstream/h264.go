package bitstream

import "github.com/ffms2go/ffms2go/internal/source"

// NALUnit is one Annex-B network abstraction layer unit, start code
// stripped, adapted from the teacher's H.264 NAL scanner.
type NALUnit struct {
	Type byte
	Data []byte
}

const (
	nalSlice    = 1
	nalIDRSlice = 5
	nalSEI      = 6
	nalSPS      = 7
	nalPPS      = 8
)

// ParseAnnexB splits an Annex-B byte stream (start codes 0x000001 or
// 0x00000001) into NAL units, adapted from the teacher's generic start-code
// scanner.
func ParseAnnexB(data []byte) []NALUnit {
	return parseAnnexBGeneric(data, func(first byte) byte { return first & 0x1F })
}

func parseAnnexBGeneric(data []byte, nalType func(byte) byte) []NALUnit {
	var units []NALUnit
	starts := findStartCodes(data)
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].pos
		}
		payload := data[s.pos+s.len : end]
		if len(payload) == 0 {
			continue
		}
		units = append(units, NALUnit{Type: nalType(payload[0]), Data: payload})
	}
	return units
}

type startCode struct {
	pos int
	len int
}

func findStartCodes(data []byte) []startCode {
	var out []startCode
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			out = append(out, startCode{pos: i, len: 3})
			i += 2
			continue
		}
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			out = append(out, startCode{pos: i, len: 4})
			i += 3
		}
	}
	return out
}

// IsKeyframe reports whether nalType is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == nalIDRSlice }

// IsSliceNAL reports whether nalType carries a slice header worth parsing.
func IsSliceNAL(nalType byte) bool { return nalType == nalSlice || nalType == nalIDRSlice }

// SPSInfo holds the subset of sequence_parameter_set_rbsp fields the indexer
// needs, adapted from the teacher's ParseSPS (which additionally decoded
// cropping/VUI/HRD for timecode reconstruction — not needed here and
// trimmed).
type SPSInfo struct {
	SeqParameterSetID  uint
	FrameMbsOnlyFlag   bool
	Log2MaxFrameNum    int
	PicOrderCntType    uint
	Log2MaxPicOrderCnt int
}

// ParseSPS decodes a sequence_parameter_set_rbsp NAL payload (emulation
// prevention already present; this strips it) far enough to recover the
// fields ParseSliceHeader needs to locate field_pic_flag.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 2 {
		return SPSInfo{}, errTruncated
	}
	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.readBits(8); err != nil { // constraint flags + reserved
		return SPSInfo{}, err
	}
	if _, err := br.readBits(8); err != nil { // level_idc
		return SPSInfo{}, err
	}
	spsID, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIdc, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			if _, err := br.readBit(); err != nil { // separate_colour_plane_flag
				return SPSInfo{}, err
			}
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.readBit(); err != nil { // qpprime_y_zero_transform_bypass_flag
			return SPSInfo{}, err
		}
		seqScalingPresent, err := br.readBit()
		if err != nil {
			return SPSInfo{}, err
		}
		if seqScalingPresent == 1 {
			count := 8
			if chromaFormatIdc == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				present, err := br.readBit()
				if err != nil {
					return SPSInfo{}, err
				}
				if present == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return SPSInfo{}, err
					}
				}
			}
		}
	}

	log2MaxFrameNumMinus4, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}

	picOrderCntType, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	log2MaxPicOrderCnt := 0
	if picOrderCntType == 0 {
		v, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		log2MaxPicOrderCnt = int(v) + 4
	} else if picOrderCntType == 1 {
		if _, err := br.readBit(); err != nil { // delta_pic_order_always_zero_flag
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_non_ref_pic
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil { // offset_for_top_to_bottom_field
			return SPSInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.readBit(); err != nil { // gaps_in_frame_num_value_allowed_flag
		return SPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // pic_width_in_mbs_minus1
		return SPSInfo{}, err
	}
	if _, err := br.readUE(); err != nil { // pic_height_in_map_units_minus1
		return SPSInfo{}, err
	}
	frameMbsOnly, err := br.readBit()
	if err != nil {
		return SPSInfo{}, err
	}

	return SPSInfo{
		SeqParameterSetID:  spsID,
		FrameMbsOnlyFlag:   frameMbsOnly == 1,
		Log2MaxFrameNum:    int(log2MaxFrameNumMinus4) + 4,
		PicOrderCntType:    picOrderCntType,
		Log2MaxPicOrderCnt: log2MaxPicOrderCnt,
	}, nil
}

// ParseSliceHeader reads the leading fields of a slice_header, stopping as
// soon as field_pic_flag/bottom_field_flag are known. sps must come from the
// active SPS referenced by this slice's pic_parameter_set_id (this port, like
// the teacher, assumes a single active SPS per track: Parser keeps only the
// most recently seen SPS).
//
// This has no teacher precedent: prism's H.264 parser never needed
// field-picture detection since it only serves live relay, not frame-accurate
// seeking. It reuses the teacher's bitReader/exp-Golomb plumbing.
func ParseSliceHeader(nalu []byte, sps SPSInfo) (sliceType uint, fieldPicture, bottomField bool, err error) {
	if len(nalu) < 2 {
		return 0, false, false, errTruncated
	}
	rbsp := removeEmulationPrevention(nalu[1:])
	br := newBitReader(rbsp)

	if _, err := br.readUE(); err != nil { // first_mb_in_slice
		return 0, false, false, err
	}
	st, err := br.readUE() // slice_type
	if err != nil {
		return 0, false, false, err
	}
	if _, err := br.readUE(); err != nil { // pic_parameter_set_id
		return st, false, false, err
	}
	if _, err := br.readBits(sps.Log2MaxFrameNum); err != nil { // frame_num
		return st, false, false, err
	}

	if sps.FrameMbsOnlyFlag {
		return st, false, false, nil
	}

	fp, err := br.readBit()
	if err != nil {
		return st, false, false, err
	}
	if fp == 0 {
		return st, false, false, nil
	}
	bf, err := br.readBit()
	if err != nil {
		return st, true, false, err
	}
	return st, true, bf == 1, nil
}

// pictTypeFromSliceType maps H.264's slice_type (ITU-T H.264 Table 7-6) to
// the P/B/I enumeration the indexer reorders on. slice_type is only ever
// meaningful mod 5 (values 5-9 repeat 0-4 to signal that every slice in the
// picture shares the same type); SP and SI slices are indexed as P and I
// respectively since neither changes the reorder/reference semantics that
// matter here.
func pictTypeFromSliceType(sliceType uint) source.PictType {
	switch sliceType % 5 {
	case 0, 3: // P, SP
		return source.PictP
	case 1: // B
		return source.PictB
	case 2, 4: // I, SI
		return source.PictI
	default:
		return source.PictUnknown
	}
}

// Parser implements source.BitstreamParser for H.264 Annex-B elementary
// streams, tracking the most recently seen SPS the way a real H.264 decoder
// would.
type Parser struct {
	sps    SPSInfo
	hasSPS bool
}

// NewParser returns an H.264 bitstream parser.
func NewParser() *Parser { return &Parser{} }

// ParsePicture inspects payload's NAL units for a key frame and, when the
// active SPS allows field pictures, for field_pic_flag/bottom_field_flag
// (spec.md §4.3's PAFF field-pair detection).
func (p *Parser) ParsePicture(payload []byte) (source.ParsedPicture, error) {
	pic := source.ParsedPicture{RepeatPict: -1} // H.264 has no repeat_pict; -1 is the "unknown" sentinel
	for _, nal := range ParseAnnexB(payload) {
		switch nal.Type {
		case nalSPS:
			sps, err := ParseSPS(nal.Data)
			if err == nil {
				p.sps = sps
				p.hasSPS = true
			}
		case nalIDRSlice, nalSlice:
			if nal.Type == nalIDRSlice {
				pic.PictType = source.PictI
			}
			if p.hasSPS {
				sliceType, fieldPic, bottom, err := ParseSliceHeader(nal.Data, p.sps)
				if err == nil {
					pic.PictType = pictTypeFromSliceType(sliceType)
					if fieldPic {
						pic.FieldPicture = true
						pic.BottomField = bottom
					}
				}
			}
		}
	}
	return pic, nil
}
