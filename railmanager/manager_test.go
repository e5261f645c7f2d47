package railmanager

import "testing"

func TestChunkSizesCoversEveryByte(t *testing.T) {
	chunks := ChunkSizes(10, 3)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	var total uint64
	for _, c := range chunks {
		total += c
	}
	if total != 10 {
		t.Fatalf("sum(chunks) = %d, want 10", total)
	}
	// ceil(10/3) = 4 for the first (10 mod 3 = 1) rail, floor for the rest.
	want := []uint64{4, 3, 3}
	for i, w := range want {
		if chunks[i] != w {
			t.Errorf("chunks[%d] = %d, want %d", i, chunks[i], w)
		}
	}
}

func TestChunkSizesEvenSplit(t *testing.T) {
	chunks := ChunkSizes(12, 4)
	for i, c := range chunks {
		if c != 3 {
			t.Errorf("chunks[%d] = %d, want 3", i, c)
		}
	}
}

func TestShouldUseStriping(t *testing.T) {
	if ShouldUseStriping(StripeThreshold) {
		t.Error("exactly at threshold should not stripe")
	}
	if !ShouldUseStriping(StripeThreshold + 1) {
		t.Error("above threshold should stripe")
	}
}

func TestPostControlMessageRejectsInvalidRail(t *testing.T) {
	m := &Manager{}
	if err := m.PostControlMessage(0, 0, 0, nil, false); err == nil {
		t.Fatal("expected error for manager with no rails")
	}
}
