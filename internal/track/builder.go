package track

import (
	"bufio"
	"fmt"
	"os"
)

// NewTable creates an empty, mutable TrackTable for indexing.
func NewTable(kind Kind, timebaseNum, timebaseDen int64) *TrackTable {
	return &TrackTable{
		Kind:        kind,
		TimebaseNum: timebaseNum,
		TimebaseDen: timebaseDen,
		HasTS:       true,
	}
}

// LoadFinalized reconstructs an already-finalized TrackTable from records
// read back from an Index (internal/indexstore): the records are already in
// presentation order with OriginalPos holding the inverse permutation, so
// this only needs to rebuild the derived visible-frame map, not re-run the
// reorder/hide heuristics.
func LoadFinalized(kind Kind, timebaseNum, timebaseDen int64, maxBFrames int, hasTS, useDTS bool, records []FrameRecord) *TrackTable {
	t := &TrackTable{
		Kind:        kind,
		TimebaseNum: timebaseNum,
		TimebaseDen: timebaseDen,
		Records:     records,
		MaxBFrames:  maxBFrames,
		HasTS:       hasTS,
		UseDTS:      useDTS,
	}
	t.buildVisibleMap()
	t.finalized = true
	return t
}

// Append adds a record during indexing. It must only be called before
// Finalize.
func (t *TrackTable) Append(r FrameRecord) {
	if t.finalized {
		panic("track: Append after Finalize")
	}
	t.Records = append(t.Records, r)
}

// Len returns the number of records appended so far (demuxer emission
// order, including hidden ones).
func (t *TrackTable) Len() int {
	return len(t.Records)
}

// DropLast removes the most recently appended record. Used by the indexer
// to discard a pathological trailing audio record (spec.md §4.3).
func (t *TrackTable) DropLast() {
	if len(t.Records) > 0 {
		t.Records = t.Records[:len(t.Records)-1]
	}
}

// WriteTimecodes dumps one PTS-converted-to-milliseconds value per visible
// frame, v2 timecode format, to path. This is the Track.write_timecodes
// operation named in spec.md §6.3 (detail supplemented from
// original_source/ffvideosource.cpp's FFMS_WriteTimecodes).
func (t *TrackTable) WriteTimecodes(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("track: create timecode file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString("# timecode format v2\n"); err != nil {
		return fmt.Errorf("track: write timecode header: %w", err)
	}
	for _, recordIdx := range t.visible {
		r := t.Records[recordIdx]
		ms := ptsToMillis(r.PTS, t.TimebaseNum, t.TimebaseDen)
		if _, err := fmt.Fprintf(w, "%d\n", ms); err != nil {
			return fmt.Errorf("track: write timecode line: %w", err)
		}
	}
	return w.Flush()
}

func ptsToMillis(pts, num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return (pts * num * 1000) / den
}
