// Package track holds the per-track frame/sample table built by the indexer
// and queried by the video and audio sources. A TrackTable is pure data plus
// query operators; it performs no I/O and, once Finalize has run, is
// immutable and safe to share across goroutines.
package track

import "math"

// UnsetPTS marks a FrameRecord whose container packet carried no
// presentation timestamp.
const UnsetPTS = int64(math.MinInt64)

// Kind identifies what a TrackTable holds. Only Video and Audio tracks are
// materialized; Other tracks are discovered but never indexed.
type Kind int

const (
	Video Kind = iota
	Audio
	Other
)

// FrameType tags the picture coding type of a video record. It is ignored
// for audio.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameI
	FrameP
	FrameB
)

// FrameRecord is one demuxer packet belonging to an indexed track.
type FrameRecord struct {
	PTS      int64 // UnsetPTS if not supplied and not yet synthesized
	FilePos  int64 // -1 if unknown
	KeyFrame bool
	Type     FrameType

	// RepeatPict is the pulldown/RFF hint; negative means unknown.
	RepeatPict int

	// Hidden records correspond to packets that produce no visible frame:
	// a PAFF second field, a VPx alt-ref, a DISCARD-flagged packet, or a
	// duplicated field. Hidden records are skipped when mapping visible
	// frame numbers to records.
	Hidden bool

	// Audio only. SampleStart of record i equals SampleStart+SampleCount
	// of record i-1.
	SampleStart int64
	SampleCount int64

	// OriginalPos is video-only: before sorting it is populated with i (the
	// decode-order rank); after Finalize's sort it holds the inverse
	// permutation, so iterating in OriginalPos order reproduces decode
	// order.
	OriginalPos int64
}

// TrackTable is the finalized, queryable table for one track.
type TrackTable struct {
	Kind Kind

	TimebaseNum int64
	TimebaseDen int64

	Records []FrameRecord

	// MaxBFrames is the observed maximum run of consecutive B-frames.
	MaxBFrames int

	// HasTS is false iff every record had an unset PTS and PTS values were
	// synthesized: 0 for the first record, then the previous PTS plus the
	// packet's duration (plus 1 when the packet carries no duration).
	HasTS bool

	// UseDTS is true iff PTS is unreliable for this track and DTS was
	// substituted at index time.
	UseDTS bool

	// visible maps a visible frame number to a record index; built by
	// Finalize and frozen thereafter.
	visible []int

	finalized bool
}

// Finalized reports whether Finalize has run. Queries other than building
// the table are only valid after this returns true.
func (t *TrackTable) Finalized() bool {
	return t.finalized
}
