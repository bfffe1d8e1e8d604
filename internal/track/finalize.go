package track

import "sort"

// FinalizeOptions controls the optional heuristics Finalize applies before
// freezing the table.
type FinalizeOptions struct {
	// TryReorder enables maybeReorderFrames (video only).
	TryReorder bool

	// TryHidePAFFPairs enables maybeHideFrames (video only). Containers
	// whose packets legitimately share a PTS without being PAFF field
	// pairs (ASF is the documented example) should pass false.
	TryHidePAFFPairs bool
}

// Finalize is the one mutation-producing-invariants step (spec.md §4.1).
// Before Finalize, Records holds packets in demuxer emission (decode) order.
// After Finalize the table is frozen: Finalized() returns true and further
// mutation of Records breaks every query's invariants.
func (t *TrackTable) Finalize(opts FinalizeOptions) {
	if t.Kind == Video {
		if opts.TryReorder {
			t.maybeReorderFrames()
		}
		if opts.TryHidePAFFPairs {
			t.maybeHideFrames()
		}

		for i := range t.Records {
			t.Records[i].OriginalPos = int64(i)
		}
		sort.SliceStable(t.Records, func(a, b int) bool {
			ra, rb := t.Records[a], t.Records[b]
			if ra.PTS != rb.PTS {
				return ra.PTS < rb.PTS
			}
			return ra.OriginalPos < rb.OriginalPos
		})
		// Records now iterate in presentation order. Write the inverse
		// permutation back into OriginalPos so that iterating in
		// OriginalPos order reproduces decode order.
		inverse := make([]int64, len(t.Records))
		for presentationIdx, rec := range t.Records {
			inverse[rec.OriginalPos] = int64(presentationIdx)
		}
		for i := range t.Records {
			t.Records[i].OriginalPos = inverse[i]
		}
	}

	t.buildVisibleMap()
	t.finalized = true
}

// maybeReorderFrames covers the single-B-frame-run case described in
// spec.md §4.3/§8 scenario 1: if PTS is monotonic non-decreasing across the
// whole table (i.e. the values are actually DTS) and the track has
// B-frames, swap each isolated B-frame's PTS with the following record's
// PTS. If any run of two or more consecutive B-frames is found, the
// heuristic is abandoned entirely and the stream's PTS values are trusted
// as given.
func (t *TrackTable) maybeReorderFrames() {
	n := len(t.Records)
	if n == 0 {
		return
	}

	monotonic := true
	hasB := false
	maxRun := 0
	run := 0
	for i, r := range t.Records {
		if i > 0 && r.PTS < t.Records[i-1].PTS {
			monotonic = false
		}
		if r.Type == FrameB {
			hasB = true
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	t.MaxBFrames = maxRun

	if !monotonic || !hasB {
		return
	}
	if maxRun > 1 {
		// Multiple consecutive B-frames with monotonic PTS: abandon the
		// heuristic and trust the stream (spec.md §4.3).
		return
	}

	for i := 0; i < n; i++ {
		if t.Records[i].Type == FrameB && i+1 < n {
			t.Records[i].PTS, t.Records[i+1].PTS = t.Records[i+1].PTS, t.Records[i].PTS
		}
	}
}

// maybeHideFrames marks H.264 PAFF second fields as hidden: a packet that
// shares its predecessor's PTS and carries no independent file position is
// the second field of a frame split across two packets.
func (t *TrackTable) maybeHideFrames() {
	for i := 1; i < len(t.Records); i++ {
		cur := &t.Records[i]
		prev := t.Records[i-1]
		if cur.PTS == prev.PTS && cur.FilePos == -1 {
			cur.Hidden = true
		}
	}
}

func (t *TrackTable) buildVisibleMap() {
	t.visible = t.visible[:0]
	for i, r := range t.Records {
		if !r.Hidden {
			t.visible = append(t.visible, i)
		}
	}
}
