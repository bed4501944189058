package vm

import "testing"

func TestSwapBitmapAllocFree(t *testing.T) {
	b := NewSwapBitmap(2)

	idx1, ok := b.Alloc()
	if !ok {
		t.Fatal("first alloc failed")
	}
	idx2, ok := b.Alloc()
	if !ok {
		t.Fatal("second alloc failed")
	}
	if idx1 == idx2 {
		t.Fatalf("alloc returned the same slot twice: %d", idx1)
	}

	if _, ok := b.Alloc(); ok {
		t.Fatal("alloc succeeded past bitmap capacity")
	}

	b.Free(idx1)
	idx3, ok := b.Alloc()
	if !ok {
		t.Fatal("alloc failed after a slot was freed")
	}
	if idx3 != idx1 {
		t.Fatalf("alloc returned %d, want reused slot %d", idx3, idx1)
	}
}

func TestSwapBitmapWraparound(t *testing.T) {
	b := NewSwapBitmap(3)
	a, _ := b.Alloc()
	bb, _ := b.Alloc()
	c, _ := b.Alloc()

	b.Free(bb)
	got, ok := b.Alloc()
	if !ok || got != bb {
		t.Fatalf("expected reuse of freed slot %d, got %d ok=%v", bb, got, ok)
	}

	seen := map[int]bool{a: true, got: true, c: true}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct slots, saw %v", seen)
	}
}
