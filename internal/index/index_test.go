package index

import (
	"fmt"
	"math"
	"reflect"
	"testing"
)

// unit returns a unit vector pointing mostly along axis i of dim d.
func unit(d, axis int) []float32 {
	v := make([]float32, d)
	v[axis] = 1
	return v
}

// angled returns a unit vector between axes a and b with the given mix.
func angled(d, a, b int, mix float64) []float32 {
	v := make([]float32, d)
	v[a] = float32(math.Cos(mix))
	v[b] = float32(math.Sin(mix))
	return v
}

func buildIndex(t *testing.T, d, n int) *Index {
	t.Helper()
	ix := New(d)
	vecs := make([][]float32, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		vecs[i] = unit(d, i%d)
		ids[i] = fmt.Sprintf("chunk-%d", i)
	}
	slots, err := ix.Upsert(vecs, ids)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i, slot := range slots {
		if slot != int64(i) {
			t.Fatalf("slot %d assigned %d, want contiguous", i, slot)
		}
	}
	return ix
}

func TestUpsert_ContiguousSlots(t *testing.T) {
	ix := New(4)
	slots1, err := ix.Upsert([][]float32{unit(4, 0), unit(4, 1)}, []string{"a", "b"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	slots2, err := ix.Upsert([][]float32{unit(4, 2)}, []string{"c"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !reflect.DeepEqual(slots1, []int64{0, 1}) || !reflect.DeepEqual(slots2, []int64{2}) {
		t.Errorf("slots = %v, %v; want [0 1], [2]", slots1, slots2)
	}
}

func TestUpsert_DimensionMismatch(t *testing.T) {
	ix := New(4)
	if _, err := ix.Upsert([][]float32{make([]float32, 3)}, []string{"a"}); err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestSearch_TopKOrder(t *testing.T) {
	ix := New(2)
	_, err := ix.Upsert([][]float32{
		angled(2, 0, 1, 0.0), // aligned with query
		angled(2, 0, 1, 0.5),
		angled(2, 0, 1, 1.0), // farthest
	}, []string{"near", "mid", "far"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits := ix.Search(unit(2, 0), 2)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "near" || hits[1].ChunkID != "mid" {
		t.Errorf("order = %s, %s; want near, mid", hits[0].ChunkID, hits[1].ChunkID)
	}
	if hits[0].Score < hits[1].Score {
		t.Error("scores not descending")
	}
}

func TestSearch_TieBreaksToSmallerSlot(t *testing.T) {
	ix := New(2)
	same := unit(2, 0)
	_, err := ix.Upsert([][]float32{same, same, same}, []string{"s0", "s1", "s2"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits := ix.Search(unit(2, 0), 2)
	if hits[0].Slot != 0 || hits[1].Slot != 1 {
		t.Errorf("tie-break slots = %d, %d; want 0, 1", hits[0].Slot, hits[1].Slot)
	}
}

func TestRemove_SkipsTombstones(t *testing.T) {
	ix := buildIndex(t, 4, 4)
	ix.Remove([]int64{1})

	hits := ix.Search(unit(4, 1), 4)
	for _, h := range hits {
		if h.Slot == 1 {
			t.Error("tombstoned slot returned by search")
		}
	}
	if ix.Live() != 3 {
		t.Errorf("Live = %d, want 3", ix.Live())
	}
}

func TestNeedsCompaction_Threshold(t *testing.T) {
	ix := buildIndex(t, 4, 4)
	if ix.NeedsCompaction() {
		t.Error("fresh index should not need compaction")
	}
	ix.Remove([]int64{0})
	if ix.NeedsCompaction() { // 1/4 is not > 0.25
		t.Error("exactly 25% tombstoned should not trigger compaction")
	}
	ix.Remove([]int64{1})
	if !ix.NeedsCompaction() {
		t.Error("50% tombstoned should trigger compaction")
	}
}

func TestCompact_PreservesSearchResults(t *testing.T) {
	ix := New(2)
	_, err := ix.Upsert([][]float32{
		angled(2, 0, 1, 0.1),
		angled(2, 0, 1, 0.9), // to be removed
		angled(2, 0, 1, 0.3),
	}, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	ix.Remove([]int64{1})

	before := ix.Search(unit(2, 0), 3)

	plan := ix.CompactionPlan()
	remap := ix.Compact()
	if !reflect.DeepEqual(plan, remap) {
		t.Errorf("plan %v differs from applied remap %v", plan, remap)
	}

	after := ix.Search(unit(2, 0), 3)
	if len(before) != len(after) {
		t.Fatalf("result count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ChunkID != after[i].ChunkID {
			t.Errorf("result %d changed: %s -> %s", i, before[i].ChunkID, after[i].ChunkID)
		}
		if remap[before[i].Slot] != after[i].Slot {
			t.Errorf("slot %d should remap to %d, search returned %d",
				before[i].Slot, remap[before[i].Slot], after[i].Slot)
		}
	}
	if ix.Slots() != 2 || ix.Live() != 2 {
		t.Errorf("Slots/Live = %d/%d, want 2/2", ix.Slots(), ix.Live())
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	ix := buildIndex(t, 4, 6)
	ix.Remove([]int64{2})

	blob := ix.EncodeBlob()
	side, err := ix.EncodeSidecar()
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}

	decoded, err := Decode(blob, side)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Slots() != 6 || decoded.Live() != 5 || decoded.Dim() != 4 {
		t.Errorf("decoded shape %d/%d/%d, want 6/5/4", decoded.Slots(), decoded.Live(), decoded.Dim())
	}

	query := unit(4, 3)
	want := ix.Search(query, 3)
	got := decoded.Search(query, 3)
	if !reflect.DeepEqual(want, got) {
		t.Errorf("search differs after round trip: %v vs %v", want, got)
	}
}

func TestDecode_ChecksumFailure(t *testing.T) {
	ix := buildIndex(t, 4, 3)
	blob := ix.EncodeBlob()
	side, err := ix.EncodeSidecar()
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}

	blob[20] ^= 0xff // flip a payload bit
	if _, err := Decode(blob, side); err != ErrChecksum {
		t.Errorf("got %v, want ErrChecksum", err)
	}
}

func TestDecode_SidecarMismatch(t *testing.T) {
	ix := buildIndex(t, 4, 3)
	blob := ix.EncodeBlob()

	other := buildIndex(t, 4, 2)
	side, err := other.EncodeSidecar()
	if err != nil {
		t.Fatalf("EncodeSidecar: %v", err)
	}

	if _, err := Decode(blob, side); err != ErrChecksum {
		t.Errorf("got %v, want ErrChecksum for mismatched sidecar", err)
	}
}
