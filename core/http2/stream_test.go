package http2

import "testing"

// TestStreamTreeReparentExclusive exercises the exact scenario in §8:
// streams 1, 3, 5 with 3 depending on 1 and 5 depending on 3; after
// reparenting 5 under 1 exclusively, 3 becomes a child of 5.
func TestStreamTreeReparentExclusive(t *testing.T) {
	tr := NewTree()
	tr.Add(1, 0, 16, false)
	tr.Add(3, 1, 16, false)
	tr.Add(5, 3, 16, false)

	if !tr.IsAncestor(5, 1) {
		t.Fatalf("IsAncestor(5, 1) = false, want true")
	}
	if tr.IsAncestor(1, 5) {
		t.Fatalf("IsAncestor(1, 5) = true, want false")
	}

	tr.Reparent(5, 1, 0, true)

	parent3 := tr.Get(3).parent
	slot5 := tr.byID[5]
	if parent3 != slot5 {
		t.Fatalf("stream 3's parent slot = %d, want slot of 5 (%d)", parent3, slot5)
	}

	first, ok := tr.FirstDependant(1)
	if !ok || first != 5 {
		t.Fatalf("FirstDependant(1) = (%d, %v), want (5, true)", first, ok)
	}
}

func TestStreamTreeWeightBounds(t *testing.T) {
	tr := NewTree()
	tr.Add(1, 0, 1, false)
	tr.Add(3, 0, 0, false) // 0 -> default weight 16, not an out-of-range wire weight

	if w := tr.Weight(1); w != 1 {
		t.Fatalf("Weight(1) = %d, want 1", w)
	}
	if w := tr.Weight(3); w != 16 {
		t.Fatalf("Weight(3) = %d, want 16", w)
	}
}

func TestStreamTreeRemovePromotesChildren(t *testing.T) {
	tr := NewTree()
	tr.Add(1, 0, 16, false)
	tr.Add(3, 1, 16, false)
	tr.Add(5, 3, 16, false)

	tr.Remove(3)

	if !tr.IsAncestor(5, 1) {
		t.Fatalf("after removing 3, 1 should still be an ancestor of 5 (promoted)")
	}
	if _, ok := tr.FirstDependant(3); ok {
		t.Fatalf("removed stream 3 should have no recorded children")
	}

	// the freed slot is recycled for a new stream id without corrupting
	// the remaining tree.
	tr.Add(7, 1, 16, false)
	if tr.Get(7) == nil {
		t.Fatalf("expected stream 7 to be present after reusing a freed slot")
	}
	if !tr.IsAncestor(5, 1) {
		t.Fatalf("slot reuse corrupted stream 5's ancestry")
	}
}

func TestStreamTreeDefaultsToRoot(t *testing.T) {
	tr := NewTree()
	tr.Add(1, 0, 16, false)
	if !tr.IsAncestor(1, 0) {
		t.Fatalf("every stream should descend from the implicit root (id 0)")
	}
}
