package bitstream

import "github.com/ffms2go/ffms2go/internal/source"

// HEVC NAL unit type constants (ITU-T H.265 Table 7-1), adapted from the
// teacher's top-level demux package.
const (
	hevcNALBlaWLP   = 16
	hevcNALIDRWRadl = 19
	hevcNALIDRNlp   = 20
	hevcNALCraNut   = 21
)

func hevcNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

func hevcIsKeyframe(nalType byte) bool {
	return nalType >= hevcNALBlaWLP && nalType <= hevcNALCraNut
}

// parseAnnexBHEVC splits an Annex-B stream into NALs using HEVC's 2-byte NAL
// header for type extraction; start codes are identical to H.264.
func parseAnnexBHEVC(data []byte) []NALUnit {
	return parseAnnexBGeneric(data, func(first byte) byte { return hevcNALType(first) })
}

// HEVCParser implements source.BitstreamParser for HEVC elementary streams.
// HEVC has no PAFF-style field-coding mode (spec.md §4.3 scopes field-pair
// detection to H.264), so this only reports key-frame status.
type HEVCParser struct{}

// NewHEVCParser returns an HEVC bitstream parser.
func NewHEVCParser() *HEVCParser { return &HEVCParser{} }

// ParsePicture reports whether payload contains an HEVC random-access NAL.
func (p *HEVCParser) ParsePicture(payload []byte) (source.ParsedPicture, error) {
	var pic source.ParsedPicture
	for _, nal := range parseAnnexBHEVC(payload) {
		if hevcIsKeyframe(nal.Type) {
			pic.PictType = source.PictI
		}
	}
	return pic, nil
}
