package stack

import (
	"testing"
	"unsafe"

	"kestrel/aspace"
	"kestrel/defs"
	"kestrel/frame"
	"kestrel/linear"
	"kestrel/pagepool"
	"kestrel/paging"
)

func newTestKernel(t *testing.T, pages int) *aspace.Kernel {
	t.Helper()
	ram := make([]byte, pages*linear.PageSize)
	old := linear.Access
	linear.Access = func(pa uintptr) unsafe.Pointer {
		if int(pa) >= len(ram) {
			t.Fatalf("out of simulated RAM: pa=%#x", pa)
		}
		return unsafe.Pointer(&ram[pa])
	}
	t.Cleanup(func() { linear.Access = old })

	a := frame.New()
	a.AddRegion(0, uint32(pages))
	kernelPML4, err := a.AllocFrames(1)
	if err != 0 {
		t.Fatalf("alloc kernel pml4: %v", err)
	}
	linear.Zero(kernelPML4, linear.PageSize)
	return &aspace.Kernel{Frames: a, KernelPML4: kernelPML4}
}

func avail(a *frame.Allocator) uintptr {
	s := a.Stats()
	return s.FreeBytes + uintptr(s.CachedFrames)*frame.PageSize
}

func TestMapStackLeavesGuardPageUnmapped(t *testing.T) {
	k := newTestKernel(t, 64)
	s, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pool := pagepool.New(aspace.UserStart, aspace.UserEnd)

	st, err := MapStack(k, s, pool, 2*PageSize, true)
	if err != 0 {
		t.Fatalf("map stack: %v", err)
	}
	if st.Top != st.Base+2*PageSize {
		t.Fatalf("top=%#x base=%#x", st.Top, st.Base)
	}
	if st.Base != st.GuardBase+PageSize {
		t.Fatalf("expected one guard page below base")
	}
	if _, _, err := paging.Translate(s.PML4, st.GuardBase); err != defs.ENOTMAPPED {
		t.Fatalf("expected guard page unmapped, got %v", err)
	}
	if _, perm, err := paging.Translate(s.PML4, st.Base); err != 0 {
		t.Fatalf("expected first stack page mapped: %v", err)
	} else if perm&paging.RW == 0 || perm&paging.USER == 0 {
		t.Fatalf("expected rw+user stack page, got %v", perm)
	}
	if _, _, err := paging.Translate(s.PML4, st.Top-PageSize); err != 0 {
		t.Fatalf("expected last stack page mapped: %v", err)
	}
}

func TestUnmapStackReturnsEverything(t *testing.T) {
	k := newTestKernel(t, 64)
	s, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pool := pagepool.New(aspace.UserStart, aspace.UserEnd)
	before := avail(k.Frames)
	beforeVirt := pool.FreeBytes()

	st, err := MapStack(k, s, pool, 3*PageSize, false)
	if err != 0 {
		t.Fatalf("map stack: %v", err)
	}
	if err := UnmapStack(k, s, pool, st); err != 0 {
		t.Fatalf("unmap stack: %v", err)
	}
	if got := avail(k.Frames); got != before {
		t.Fatalf("leaked physical frames: before=%d after=%d", before, got)
	}
	if got := pool.FreeBytes(); got != beforeVirt {
		t.Fatalf("leaked virtual range: before=%d after=%d", beforeVirt, got)
	}
}

func TestMapStackRejectsZeroSize(t *testing.T) {
	k := newTestKernel(t, 16)
	s, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pool := pagepool.New(aspace.UserStart, aspace.UserEnd)
	if _, err := MapStack(k, s, pool, 0, true); err != defs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}
