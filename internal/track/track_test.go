package track

import "testing"

// TestMaybeReorderFramesSingleBRun matches spec.md §8 scenario 1: H.264
// with B-frames, monotonic DTS masquerading as PTS.
func TestMaybeReorderFramesSingleBRun(t *testing.T) {
	tbl := NewTable(Video, 1, 1000)
	pts := []int64{0, 40, 80, 120, 160}
	types := []FrameType{FrameI, FrameB, FrameP, FrameB, FrameP}
	for i := range pts {
		tbl.Append(FrameRecord{PTS: pts[i], FilePos: int64(i), Type: types[i], KeyFrame: i == 0})
	}

	tbl.Finalize(FinalizeOptions{TryReorder: true})

	want := []int64{0, 40, 80, 120, 160}
	// After reorder + sort by pts, presentation order pts should be
	// 0,40,80,120,160 and OriginalPos the inverse permutation [0,2,1,4,3].
	for i, r := range tbl.Records {
		if r.PTS != want[i] {
			t.Fatalf("record %d PTS = %d, want %d", i, r.PTS, want[i])
		}
	}
	wantInverse := []int64{0, 2, 1, 4, 3}
	for i, r := range tbl.Records {
		if r.OriginalPos != wantInverse[i] {
			t.Fatalf("record %d OriginalPos = %d, want %d", i, r.OriginalPos, wantInverse[i])
		}
	}
}

// TestMaybeReorderFramesAbandonsOnConsecutiveB covers the guard: multiple
// consecutive B-frames with monotonic PTS must leave PTS untouched.
func TestMaybeReorderFramesAbandonsOnConsecutiveB(t *testing.T) {
	tbl := NewTable(Video, 1, 1000)
	pts := []int64{0, 40, 80, 120, 160}
	types := []FrameType{FrameI, FrameB, FrameB, FrameP, FrameP}
	for i := range pts {
		tbl.Append(FrameRecord{PTS: pts[i], FilePos: int64(i), Type: types[i], KeyFrame: i == 0})
	}
	tbl.Finalize(FinalizeOptions{TryReorder: true})
	for i, r := range tbl.Records {
		if r.PTS != pts[i] {
			t.Fatalf("record %d PTS = %d, want untouched %d", i, r.PTS, pts[i])
		}
	}
}

// TestMaybeHideFramesPAFFPair matches spec.md §8 scenario 2.
func TestMaybeHideFramesPAFFPair(t *testing.T) {
	tbl := NewTable(Video, 1, 1000)
	tbl.Append(FrameRecord{PTS: 1000, FilePos: 4096, KeyFrame: true})
	tbl.Append(FrameRecord{PTS: 1000, FilePos: -1})
	tbl.Append(FrameRecord{PTS: 1040, FilePos: 8192})

	before := tbl.VisibleFrameCount()
	_ = before
	tbl.Finalize(FinalizeOptions{TryHidePAFFPairs: true})

	if !tbl.Records[1].Hidden {
		t.Fatalf("expected second field of PAFF pair to be hidden")
	}
	if tbl.VisibleFrameCount() != 2 {
		t.Fatalf("visible frame count = %d, want 2", tbl.VisibleFrameCount())
	}
	if got := tbl.RealFrameNumber(1); got != 2 {
		t.Fatalf("RealFrameNumber(1) = %d, want 2 (hidden record skipped)", got)
	}
}

// TestVisibleFrameBijection is property P4: RealFrameNumber restricted to
// [0, VisibleFrameCount) is strictly increasing into [0, len(Records)) and
// its image is exactly the non-hidden records.
func TestVisibleFrameBijection(t *testing.T) {
	tbl := NewTable(Video, 1, 1000)
	hiddenAt := map[int]bool{1: true, 3: true}
	for i := 0; i < 10; i++ {
		tbl.Append(FrameRecord{PTS: int64(i * 40), FilePos: int64(i), KeyFrame: i == 0, Hidden: hiddenAt[i]})
	}
	tbl.Finalize(FinalizeOptions{})

	last := -1
	seen := map[int]bool{}
	for n := 0; n < tbl.VisibleFrameCount(); n++ {
		rn := tbl.RealFrameNumber(n)
		if rn <= last {
			t.Fatalf("RealFrameNumber not strictly increasing at n=%d: %d <= %d", n, rn, last)
		}
		last = rn
		seen[rn] = true
	}
	for i, r := range tbl.Records {
		if r.Hidden && seen[i] {
			t.Fatalf("hidden record %d unexpectedly in visible image", i)
		}
		if !r.Hidden && !seen[i] {
			t.Fatalf("non-hidden record %d missing from visible image", i)
		}
	}
}

func TestFrameFromPTSAndClosest(t *testing.T) {
	tbl := NewTable(Video, 1, 1000)
	for i := 0; i < 5; i++ {
		tbl.Append(FrameRecord{PTS: int64(i * 100), FilePos: int64(i), KeyFrame: i == 0})
	}
	tbl.Finalize(FinalizeOptions{})

	if n, ok := tbl.FrameFromPTS(200); !ok || n != 2 {
		t.Fatalf("FrameFromPTS(200) = (%d, %v), want (2, true)", n, ok)
	}
	if _, ok := tbl.FrameFromPTS(250); ok {
		t.Fatalf("FrameFromPTS(250) should miss")
	}
	if n, _ := tbl.ClosestFrameFromPTS(240); n != 2 {
		t.Fatalf("ClosestFrameFromPTS(240) = %d, want 2", n)
	}
	if n, _ := tbl.ClosestFrameFromPTS(260); n != 3 {
		t.Fatalf("ClosestFrameFromPTS(260) = %d, want 3", n)
	}
}

func TestClosestKeyFrameBefore(t *testing.T) {
	tbl := NewTable(Video, 1, 1000)
	keyAt := map[int]bool{0: true, 5: true}
	for i := 0; i < 10; i++ {
		tbl.Append(FrameRecord{PTS: int64(i * 40), FilePos: int64(i), KeyFrame: keyAt[i]})
	}
	tbl.Finalize(FinalizeOptions{})

	if k := tbl.ClosestKeyFrameBefore(7); k != 5 {
		t.Fatalf("ClosestKeyFrameBefore(7) = %d, want 5", k)
	}
	if k := tbl.ClosestKeyFrameBefore(3); k != 0 {
		t.Fatalf("ClosestKeyFrameBefore(3) = %d, want 0", k)
	}
}
