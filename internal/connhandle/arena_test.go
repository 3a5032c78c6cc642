package connhandle

import "testing"

func TestInsertLookupRemove(t *testing.T) {
	a := New(4)

	h := a.Insert("hello")
	v, ok := a.Lookup(h)
	if !ok || v != "hello" {
		t.Fatalf("Lookup(%v) = %v, %v; want hello, true", h, v, ok)
	}

	if !a.Remove(h) {
		t.Fatalf("Remove(%v) = false, want true", h)
	}
	if _, ok := a.Lookup(h); ok {
		t.Fatalf("Lookup after Remove should fail")
	}
}

func TestStaleHandleRejectedAfterSlotReuse(t *testing.T) {
	a := New(1)

	h1 := a.Insert("first")
	a.Remove(h1)
	h2 := a.Insert("second")

	if h1.Slot != h2.Slot {
		t.Fatalf("expected slot reuse, got %v and %v", h1, h2)
	}
	if h1.Gen == h2.Gen {
		t.Fatalf("expected generation to change on reuse, both are %d", h1.Gen)
	}

	if _, ok := a.Lookup(h1); ok {
		t.Fatalf("stale handle %v resolved after reuse", h1)
	}
	v, ok := a.Lookup(h2)
	if !ok || v != "second" {
		t.Fatalf("Lookup(%v) = %v, %v; want second, true", h2, v, ok)
	}
}

func TestRemoveTwiceFails(t *testing.T) {
	a := New(1)
	h := a.Insert(42)
	if !a.Remove(h) {
		t.Fatalf("first Remove should succeed")
	}
	if a.Remove(h) {
		t.Fatalf("second Remove of the same handle should fail")
	}
}

func TestLenAndRange(t *testing.T) {
	a := New(4)
	handles := make([]Handle, 0, 3)
	for i := 0; i < 3; i++ {
		handles = append(handles, a.Insert(i))
	}
	if got := a.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	a.Remove(handles[1])
	if got := a.Len(); got != 2 {
		t.Fatalf("Len() after Remove = %d, want 2", got)
	}

	seen := map[uint32]bool{}
	a.Range(func(h Handle, v any) bool {
		seen[h.Slot] = true
		return true
	})
	if len(seen) != 2 {
		t.Fatalf("Range visited %d slots, want 2", len(seen))
	}
}
