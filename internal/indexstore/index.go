// Package indexstore serializes and deserializes the set of per-track
// tables an Indexer builds, plus the file signature and demuxer options
// needed to reproduce the same demuxer behavior on reopen (spec.md §3, §4.2,
// §6.1).
package indexstore

import (
	"github.com/ffms2go/ffms2go/internal/ffmserr"
	"github.com/ffms2go/ffms2go/internal/track"
)

// Magic is the literal value spec.md §6.1 assigns the format.
const Magic = 0x53920873

// FormatVersion is bumped on any layout change to the serialized format
// (spec.md's "index_version").
const FormatVersion = 1

// ErrorHandlingMode is the per-track error policy recorded in the index
// (spec.md §7) so readers know whether they are looking at complete data.
type ErrorHandlingMode uint32

const (
	Abort ErrorHandlingMode = iota
	ClearTrack
	StopTrack
	Ignore
)

// ComponentVersions is the stricter fingerprint spec.md §6.1 builds from
// avutil/avformat/avcodec/swscale version numbers. This port has no libav*
// dependency, so the four slots are generic: index 0 is the Demuxer
// implementation's version, 1 the VideoDecoder's, 2 the AudioDecoder's, 3
// the BitstreamParser's (see SPEC_FULL.md §9, "index fingerprinting against
// the exact decoder version").
type ComponentVersions [4]uint32

// Index is the document persisted and reloaded (spec.md §3).
type Index struct {
	FFMSVersion       uint32
	Components        ComponentVersions
	ErrorHandlingMode ErrorHandlingMode
	Signature         FileSignature
	DemuxerOptions    map[string]string
	Tracks            []*track.TrackTable

	// incompleteTracks records the indices of tracks the indexer cleared or
	// stopped under a non-Abort error policy. It is not part of the
	// serialized format, so an Index returned by ReadIndex has none.
	incompleteTracks []int
}

// New creates an Index ready to have tracks attached by the indexer.
func New(ffmsVersion uint32, components ComponentVersions, mode ErrorHandlingMode, sig FileSignature, demuxerOpts map[string]string) *Index {
	return &Index{
		FFMSVersion:       ffmsVersion,
		Components:        components,
		ErrorHandlingMode: mode,
		Signature:         sig,
		DemuxerOptions:    demuxerOpts,
	}
}

// MarkIncomplete records that track idx was cut short by the error policy.
func (ix *Index) MarkIncomplete(idx int) {
	ix.incompleteTracks = append(ix.incompleteTracks, idx)
}

// IncompleteTracks returns the indices of tracks marked by MarkIncomplete on
// this Index value. The list is not written to the index file; an Index read
// back with ReadIndex reports no incomplete tracks.
func (ix *Index) IncompleteTracks() []int {
	return ix.incompleteTracks
}

// MatchesFile recomputes path's FileSignature and compares it byte-for-byte
// against the signature stored at build time (spec.md §4.2, property P3).
func (ix *Index) MatchesFile(path string) (bool, error) {
	return ix.Signature.Matches(path)
}

// checkVersion validates the magic, format version, and component
// fingerprint read back from disk against what this build expects.
func checkVersion(magic uint32, formatVersion uint16, ffmsVersion uint32, components ComponentVersions, expectFFMSVersion uint32, expectComponents ComponentVersions) error {
	if magic != Magic {
		return ffmserr.New(ffmserr.CategoryIndex, ffmserr.ErrIndexFileCorrupt)
	}
	if formatVersion != FormatVersion {
		return ffmserr.New(ffmserr.CategoryIndex, ffmserr.ErrIndexVersionMismatch)
	}
	if ffmsVersion != expectFFMSVersion || components != expectComponents {
		return ffmserr.New(ffmserr.CategoryIndex, ffmserr.ErrIndexVersionMismatch)
	}
	return nil
}
