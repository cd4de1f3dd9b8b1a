package frame

import (
	"testing"

	"kestrel/defs"
)

func mustPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	f()
}

func newTestAllocator(npages uint32) *Allocator {
	a := New()
	a.AddRegion(0, npages)
	return a
}

func TestAllocSetsRefcountOne(t *testing.T) {
	a := newTestAllocator(4)
	pa, err := a.AllocFrames(1)
	if err != 0 {
		t.Fatalf("err=%v", err)
	}
	if got := a.Refcount(pa); got != 1 {
		t.Fatalf("refcount=%d", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := newTestAllocator(2)
	if _, err := a.AllocFrames(1); err != 0 {
		t.Fatalf("err=%v", err)
	}
	if _, err := a.AllocFrames(1); err != 0 {
		t.Fatalf("err=%v", err)
	}
	if _, err := a.AllocFrames(1); err != defs.ENOMEM {
		t.Fatalf("expected ENOMEM, got %v", err)
	}
}

func TestReleaseReturnsToFreePool(t *testing.T) {
	a := newTestAllocator(4)
	pa, _ := a.AllocFrames(1)
	a.ReleaseFrames(pa, 1)
	if got := a.Refcount(pa); got != 0 {
		t.Fatalf("refcount=%d", got)
	}
	// should be immediately reallocatable
	if _, err := a.AllocFrames(4); err != 0 {
		t.Fatalf("err=%v", err)
	}
}

func TestReleaseSharedFramePanics(t *testing.T) {
	a := newTestAllocator(4)
	pa, _ := a.AllocFrames(1)
	if err := a.Refup(pa); err != 0 {
		t.Fatalf("err=%v", err)
	}
	mustPanic(t, func() { a.ReleaseFrames(pa, 1) })
}

func TestRefdownReturnsFreedBool(t *testing.T) {
	a := newTestAllocator(4)
	pa, _ := a.AllocFrames(1)
	if err := a.Refup(pa); err != 0 {
		t.Fatalf("err=%v", err)
	}
	if freed := a.Refdown(pa); freed {
		t.Fatal("should not be freed yet")
	}
	if freed := a.Refdown(pa); !freed {
		t.Fatal("should be freed now")
	}
	if got := a.Refcount(pa); got != 0 {
		t.Fatalf("refcount=%d", got)
	}
}

func TestRefdownUnderflowPanics(t *testing.T) {
	a := newTestAllocator(4)
	pa, _ := a.AllocFrames(1)
	a.Refdown(pa)
	mustPanic(t, func() { a.Refdown(pa) })
}

func TestDecrementIfSharedLeavesSoleOwnerUntouched(t *testing.T) {
	a := newTestAllocator(4)
	pa, _ := a.AllocFrames(1)
	if shared := a.DecrementIfShared(pa); shared {
		t.Fatal("sole-owned frame must not report shared")
	}
	if got := a.Refcount(pa); got != 1 {
		t.Fatalf("refcount should be untouched, got %d", got)
	}
}

func TestDecrementIfSharedDecrementsWhenShared(t *testing.T) {
	a := newTestAllocator(4)
	pa, _ := a.AllocFrames(1)
	if err := a.Refup(pa); err != 0 {
		t.Fatalf("err=%v", err)
	}
	if shared := a.DecrementIfShared(pa); !shared {
		t.Fatal("two-owner frame must report shared")
	}
	if got := a.Refcount(pa); got != 1 {
		t.Fatalf("expected refcount 1 after decrement, got %d", got)
	}
}

func TestRefupSaturationReturnsOutOfMemory(t *testing.T) {
	a := newTestAllocator(1)
	pa, _ := a.AllocFrames(1)
	a.setRefcount(pa, MaxRefcount)
	if err := a.Refup(pa); err != defs.ENOMEM {
		t.Fatalf("expected ENOMEM, got %v", err)
	}
}

func TestAllocatorStressRoundTrip(t *testing.T) {
	const n = 64
	a := newTestAllocator(n)
	var got []uintptr
	for i := 0; i < n; i++ {
		pa, err := a.AllocFrames(1)
		if err != 0 {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		got = append(got, pa)
	}
	if _, err := a.AllocFrames(1); err != defs.ENOMEM {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	for _, pa := range got {
		a.ReleaseFrames(pa, 1)
	}
	st := a.Stats()
	if st.FreeBytes != n*PageSize {
		t.Fatalf("free bytes = %d, want %d", st.FreeBytes, n*PageSize)
	}
}

func TestPercpuCacheFastPath(t *testing.T) {
	a := newTestAllocator(8)
	a.CurrentCPU = func() int { return 3 }
	pa, _ := a.AllocFrames(1)
	a.ReleaseFrames(pa, 1)
	if got := a.Stats().CachedFrames; got != 1 {
		t.Fatalf("cached=%d", got)
	}
	pa2, err := a.AllocFrames(1)
	if err != 0 || pa2 != pa {
		t.Fatalf("expected cache hit reusing %#x, got %#x err=%v", pa, pa2, err)
	}
}
