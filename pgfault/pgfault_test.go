package pgfault

import (
	"testing"
	"unsafe"

	"kestrel/aspace"
	"kestrel/defs"
	"kestrel/frame"
	"kestrel/linear"
	"kestrel/paging"
	"kestrel/tlb"
)

type recordingSink struct {
	faultAddr, instAddr uintptr
	called              bool
}

func (r *recordingSink) ReportFault(faultAddr, instAddr uintptr) {
	r.called = true
	r.faultAddr, r.instAddr = faultAddr, instAddr
}

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

func TestHandleStaleTLBReinstallsSilently(t *testing.T) {
	k := newTestKernel(t, 32)
	s, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pa, err := k.Frames.AllocFrames(1)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := k.Map(s, aspace.UserStart, pa, 1, paging.USER|paging.RW); err != 0 {
		t.Fatalf("map: %v", err)
	}

	tlb.ResetCounts()
	sink := &recordingSink{}
	if err := Handle(k, s, aspace.UserStart, 0x1000, User, sink); err != 0 {
		t.Fatalf("handle: %v", err)
	}
	if sink.called {
		t.Fatal("stale TLB fault must not be reported as fatal")
	}
	local, _ := tlb.Counts()
	if local != 1 {
		t.Fatalf("expected one local invalidation, got %d", local)
	}
}

func TestHandleFatalOnUnmapped(t *testing.T) {
	k := newTestKernel(t, 32)
	s, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	sink := &recordingSink{}
	if err := Handle(k, s, aspace.UserStart, 0x2000, Present|Write|User, sink); err != defs.EFAULT {
		t.Fatalf("handle: %v", err)
	}
	if !sink.called || sink.faultAddr != aspace.UserStart || sink.instAddr != 0x2000 {
		t.Fatalf("expected fault reported, got %+v", sink)
	}
}

func TestHandleCOWSharedFrameCopies(t *testing.T) {
	k := newTestKernel(t, 32)
	src, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pa, err := k.Frames.AllocFrames(1)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := k.Map(src, aspace.UserStart, pa, 1, paging.USER|paging.RW); err != 0 {
		t.Fatalf("map: %v", err)
	}
	dst, err := k.Clone(src)
	if err != 0 {
		t.Fatalf("clone: %v", err)
	}

	sink := &recordingSink{}
	if err := Handle(k, dst, aspace.UserStart, 0x3000, Present|Write|User, sink); err != 0 {
		t.Fatalf("handle: %v", err)
	}
	if sink.called {
		t.Fatalf("COW fault must not be fatal, got %+v", sink)
	}

	dstPhys, dstPerm, err := paging.Translate(dst.PML4, aspace.UserStart)
	if err != 0 {
		t.Fatalf("translate dst: %v", err)
	}
	if dstPhys == pa {
		t.Fatal("expected dst to have been given a private copy")
	}
	if dstPerm&paging.RW == 0 || paging.IsCOW(dstPerm) {
		t.Fatalf("expected dst writable and COW cleared, perm=%v", dstPerm)
	}
	if got := k.Frames.Refcount(pa); got != 1 {
		t.Fatalf("expected src frame refcount back to 1, got %d", got)
	}
	if got := k.Frames.Refcount(dstPhys); got != 1 {
		t.Fatalf("expected new frame refcount 1, got %d", got)
	}

	srcPhys, srcPerm, err := paging.Translate(src.PML4, aspace.UserStart)
	if err != 0 || srcPhys != pa {
		t.Fatalf("src translate changed unexpectedly: phys=%#x err=%v", srcPhys, err)
	}
	if srcPerm&paging.RW != 0 || !paging.IsCOW(srcPerm) {
		t.Fatalf("expected src still COW before this test's fault, perm=%v", srcPerm)
	}
}

func TestHandleCOWSoleOwnerReusesFrame(t *testing.T) {
	k := newTestKernel(t, 32)
	src, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pa, err := k.Frames.AllocFrames(1)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := k.Map(src, aspace.UserStart, pa, 1, paging.USER|paging.COW); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if got := k.Frames.Refcount(pa); got != 1 {
		t.Fatalf("expected refcount 1 before fault, got %d", got)
	}

	sink := &recordingSink{}
	if err := Handle(k, src, aspace.UserStart, 0x4000, Present|Write|User, sink); err != 0 {
		t.Fatalf("handle: %v", err)
	}
	if sink.called {
		t.Fatalf("sole-owner COW fault must not be fatal, got %+v", sink)
	}

	phys, perm, err := paging.Translate(src.PML4, aspace.UserStart)
	if err != 0 || phys != pa {
		t.Fatalf("expected same frame reused, got phys=%#x err=%v", phys, err)
	}
	if perm&paging.RW == 0 || paging.IsCOW(perm) {
		t.Fatalf("expected RW set and COW cleared in place, perm=%v", perm)
	}
}

func TestHandleRejectsWriteToReadOnlyNonCOW(t *testing.T) {
	k := newTestKernel(t, 32)
	s, err := k.Create()
	if err != 0 {
		t.Fatalf("create: %v", err)
	}
	pa, err := k.Frames.AllocFrames(1)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if err := k.Map(s, aspace.UserStart, pa, 1, paging.USER); err != 0 {
		t.Fatalf("map: %v", err)
	}
	sink := &recordingSink{}
	if err := Handle(k, s, aspace.UserStart, 0x5000, Present|Write|User, sink); err != defs.EFAULT {
		t.Fatalf("handle: %v", err)
	}
	if !sink.called {
		t.Fatal("expected write to read-only non-COW page to be fatal")
	}
}
