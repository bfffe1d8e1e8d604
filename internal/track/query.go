package track

import "sort"

// FrameFromPTS performs an exact lookup: the binary search assumes Records
// is sorted by PTS non-decreasing, which Finalize guarantees for video and
// which holds for audio in practice since audio records are never
// reordered. Returns the visible frame number whose PTS equals pts, or
// (-1, false) if no record matches exactly.
func (t *TrackTable) FrameFromPTS(pts int64) (int, bool) {
	n := len(t.Records)
	i := sort.Search(n, func(i int) bool { return t.Records[i].PTS >= pts })
	if i >= n || t.Records[i].PTS != pts {
		return -1, false
	}
	return t.visibleFrameForRecord(i)
}

// ClosestFrameFromPTS performs a lower-bound binary search, then returns the
// visible frame number of whichever of the two bracketing records has the
// smaller absolute PTS difference from pts.
func (t *TrackTable) ClosestFrameFromPTS(pts int64) (int, bool) {
	n := len(t.Records)
	if n == 0 {
		return -1, false
	}
	i := sort.Search(n, func(i int) bool { return t.Records[i].PTS >= pts })

	switch {
	case i == 0:
		return t.visibleFrameForRecord(0)
	case i >= n:
		return t.visibleFrameForRecord(n - 1)
	default:
		before := i - 1
		diffAfter := absInt64(t.Records[i].PTS - pts)
		diffBefore := absInt64(pts - t.Records[before].PTS)
		if diffBefore <= diffAfter {
			return t.visibleFrameForRecord(before)
		}
		return t.visibleFrameForRecord(i)
	}
}

// FrameFromPos linearly scans for the visible frame whose packet begins at
// filePos, used as a fallback when PTS is unreliable. Tables indexed by
// this library are small enough that a linear scan is not a bottleneck.
func (t *TrackTable) FrameFromPos(filePos int64) int {
	for i, r := range t.Records {
		if r.FilePos == filePos {
			if vf, ok := t.visibleFrameForRecord(i); ok {
				return vf
			}
			return -1
		}
	}
	return -1
}

// ClosestKeyFrameBefore walks backward from record index n (inclusive)
// until it finds a non-hidden keyframe. Under open-GOP, a keyframe may
// still depend on leading frames presented after it but decoded before it
// (records between the candidate and n whose OriginalPos precedes the
// candidate's own OriginalPos); when that is detected, the search continues
// to an earlier keyframe so the decode run actually covers the dependency.
func (t *TrackTable) ClosestKeyFrameBefore(n int) int {
	if n < 0 || n >= len(t.Records) {
		return -1
	}

	for k := n; k >= 0; k-- {
		if !t.Records[k].KeyFrame || t.Records[k].Hidden {
			continue
		}
		if t.openGOPDependsOnEarlier(k, n) {
			continue
		}
		return k
	}
	return -1
}

// openGOPDependsOnEarlier reports whether any record in (k, n] decodes
// before k (i.e. has a smaller decode-order rank), which would mean it
// reaches back past the candidate keyframe k for reference data.
func (t *TrackTable) openGOPDependsOnEarlier(k, n int) bool {
	candidateRank := t.Records[k].OriginalPos
	for i := k + 1; i <= n; i++ {
		if t.Records[i].OriginalPos < candidateRank {
			return true
		}
	}
	return false
}

// VisibleFrameCount returns the length of the visible-to-record map.
func (t *TrackTable) VisibleFrameCount() int {
	return len(t.visible)
}

// RealFrameNumber returns the record index corresponding to the n-th
// visible frame.
func (t *TrackTable) RealFrameNumber(n int) int {
	if n < 0 || n >= len(t.visible) {
		return -1
	}
	return t.visible[n]
}

func (t *TrackTable) visibleFrameForRecord(recordIdx int) (int, bool) {
	if t.Records[recordIdx].Hidden {
		return -1, false
	}
	// visible is sorted (built in record-index order which is
	// presentation order for video), so this is another binary search.
	i := sort.Search(len(t.visible), func(i int) bool { return t.visible[i] >= recordIdx })
	if i < len(t.visible) && t.visible[i] == recordIdx {
		return i, true
	}
	return -1, false
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
