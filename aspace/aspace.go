// Package aspace implements the address-space object (spec component
// C7): the per-process bundle of a PML4 root, a user virtual-page
// pool, and the lock that serializes every mutation against it.
// Grounded on the teacher's vm.Vm_t, which plays the same coordinating
// role (Pmap + Vmregion + embedded mutex) but around a lazily-faulted
// region list rather than the eagerly-walked PML4 tree spec.md §4.7
// describes; the clone/destroy walks here are new, built on package
// paging's slot primitives the way vm.Vm_t.Uvmfree walks Pmap pages
// directly instead of going through its own lazy fault machinery.
package aspace

import (
	"sync"

	"kestrel/defs"
	"kestrel/frame"
	"kestrel/linear"
	"kestrel/pagepool"
	"kestrel/paging"
	"kestrel/tlb"
)

const slotSize = uintptr(1) << 39

// Shared PML4 slot indices, matching the teacher's VDIRECT/VEND/VUSER
// scheme: the K-mem linear window and the shared kernel image live
// below the user window, which runs from UserStartIndex up to the top
// of the canonical low half.
const (
	KMemSlotIndex   = 0x44
	KernelSlotIndex = 0x50
	UserStartIndex  = 0x59
	UserEndIndex    = 0x100
)

var (
	UserStart = uintptr(UserStartIndex) * slotSize
	UserEnd   = uintptr(UserEndIndex) * slotSize
)

/// KernelWindow returns the virtual bounds of the shared-kernel PML4
/// slot, the window kmem's own VA allocator (kernel_alloc/kernel_free)
/// hands out of.
func KernelWindow() (base, limit uintptr) {
	return uintptr(KernelSlotIndex) * slotSize, uintptr(KernelSlotIndex+1) * slotSize
}

/// Space is one process's address space: a PML4 root plus the free
/// virtual-page pool carved out of its user window. The embedded
/// mutex is the address-space lock of spec.md §5, held across every
/// map, unmap, clone, and page-fault touching this space.
type Space struct {
	sync.Mutex
	PML4  uintptr
	Pages *pagepool.Pool
}

/// Kernel bundles the collaborators every address space shares: the
/// global frame allocator and the reference PML4 whose K-mem and
/// shared-kernel slots every new address space copies verbatim.
type Kernel struct {
	Frames     *frame.Allocator
	KernelPML4 uintptr
}

func (k *Kernel) installSharedSlots(pml4 uintptr) {
	paging.WriteSlot(pml4, KMemSlotIndex, paging.ReadSlot(k.KernelPML4, KMemSlotIndex))
	paging.WriteSlot(pml4, KernelSlotIndex, paging.ReadSlot(k.KernelPML4, KernelSlotIndex))
}

/// Create allocates a fresh address space: a zeroed PML4 with the two
/// shared top-level slots installed, and an empty user page pool
/// covering [UserStart, UserEnd) (spec.md §4.7).
func (k *Kernel) Create() (*Space, defs.Err_t) {
	pml4, err := k.Frames.AllocFrames(1)
	if err != 0 {
		return nil, err
	}
	linear.Zero(pml4, linear.PageSize)
	k.installSharedSlots(pml4)
	return &Space{PML4: pml4, Pages: pagepool.New(UserStart, UserEnd)}, 0
}

/// Destroy recursively walks the user range of s's PML4, decrementing
/// every leaf frame's refcount (returning it to the free pool once it
/// reaches zero), releasing every intermediate table frame, then the
/// PML4 frame itself (spec.md §4.7).
func (k *Kernel) Destroy(s *Space) {
	s.Lock()
	defer s.Unlock()
	destroyRange(k, s.PML4, 0, UserStartIndex, UserEndIndex)
	k.Frames.ReleaseFrames(s.PML4, 1)
}

func destroyRange(k *Kernel, table uintptr, tableLevel, idxLo, idxHi int) {
	for idx := idxLo; idx < idxHi; idx++ {
		raw := paging.ReadSlot(table, idx)
		if !paging.SlotPresent(raw) {
			continue
		}
		if tableLevel == 3 {
			if !paging.SlotIsHardware(raw) {
				k.Frames.Refdown(paging.SlotFrame(raw))
			}
			continue
		}
		child := paging.SlotFrame(raw)
		destroyRange(k, child, tableLevel+1, 0, 512)
		k.Frames.ReleaseFrames(child, 1)
	}
}

/// cloneState accumulates every allocation and refcount bump made
/// during a clone walk so a failure partway through can be unwound in
/// full (spec.md §4.7 step 5).
type cloneState struct {
	k           *Kernel
	tableFrames []uintptr
	refupFrames []uintptr
}

func (cs *cloneState) unwind() {
	for i := len(cs.refupFrames) - 1; i >= 0; i-- {
		cs.k.Frames.Refdown(cs.refupFrames[i])
	}
	for i := len(cs.tableFrames) - 1; i >= 0; i-- {
		cs.k.Frames.ReleaseFrames(cs.tableFrames[i], 1)
	}
}

func (cs *cloneState) cloneLeaf(srcTable uintptr, idx int, raw uint64) (uint64, defs.Err_t) {
	if paging.SlotIsHardware(raw) {
		return raw, 0
	}
	phys := paging.SlotFrame(raw)
	if err := cs.k.Frames.Refup(phys); err != 0 {
		return 0, err
	}
	cs.refupFrames = append(cs.refupFrames, phys)
	newRaw := raw
	if paging.SlotWritable(raw) {
		newRaw = paging.MakeCOWFromWritable(raw)
		paging.WriteSlot(srcTable, idx, newRaw)
	}
	return newRaw, 0
}

func (cs *cloneState) cloneInto(srcTable, dstTable uintptr, tableLevel, idxLo, idxHi int) defs.Err_t {
	for idx := idxLo; idx < idxHi; idx++ {
		raw := paging.ReadSlot(srcTable, idx)
		if !paging.SlotPresent(raw) {
			continue
		}
		if tableLevel == 3 {
			newRaw, err := cs.cloneLeaf(srcTable, idx, raw)
			if err != 0 {
				return err
			}
			paging.WriteSlot(dstTable, idx, newRaw)
			continue
		}
		childDst, err := cs.k.Frames.AllocFrames(1)
		if err != 0 {
			return err
		}
		linear.Zero(childDst, linear.PageSize)
		cs.tableFrames = append(cs.tableFrames, childDst)
		if err := cs.cloneInto(paging.SlotFrame(raw), childDst, tableLevel+1, 0, 512); err != 0 {
			return err
		}
		paging.WriteSlot(dstTable, idx, paging.MakeIntermediateSlot(childDst))
	}
	return 0
}

/// Clone implements spec.md §4.7's clone(src): a new address space
/// whose PML4 shares the kernel slots with src and deep-copies the
/// user-land subtree, sharing hardware leaves byte-for-byte and
/// converting every other leaf to copy-on-write in both address
/// spaces. Any failure unwinds every allocation and refcount bump
/// made so far and returns the original error.
func (k *Kernel) Clone(src *Space) (*Space, defs.Err_t) {
	src.Lock()
	defer src.Unlock()

	dst, err := k.Create()
	if err != 0 {
		return nil, err
	}

	cs := &cloneState{k: k}
	if err := cs.cloneInto(src.PML4, dst.PML4, 0, UserStartIndex, UserEndIndex); err != 0 {
		cs.unwind()
		k.Frames.ReleaseFrames(dst.PML4, 1)
		return nil, err
	}

	dst.Pages = src.Pages.Clone()
	tlb.FlushAllLocal()
	return dst, 0
}

/// Map installs n pages at va in s mapping physical pages starting at
/// pa, allocating any intermediate page tables from the shared frame
/// allocator (spec.md §4.6, under the address-space lock).
func (k *Kernel) Map(s *Space, va, pa uintptr, n int, perm paging.Perm) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	alloc := func() (uintptr, defs.Err_t) { return k.Frames.AllocFrames(1) }
	free := func(pa uintptr) { k.Frames.ReleaseFrames(pa, 1) }
	return paging.Map(s.PML4, va, pa, n, perm, alloc, free)
}

/// Unmap clears n pages at va in s, decrementing each leaf frame's
/// refcount unless it was a hardware mapping (spec.md §6).
func (k *Kernel) Unmap(s *Space, va uintptr, n int) defs.Err_t {
	s.Lock()
	defer s.Unlock()
	free := func(pa uintptr) { k.Frames.ReleaseFrames(pa, 1) }
	onLeaf := func(phys uintptr, perm paging.Perm) {
		if !paging.IsHardware(perm) {
			k.Frames.Refdown(phys)
		}
	}
	return paging.Unmap(s.PML4, va, n, free, onLeaf)
}

/// Translate resolves va in s to a physical address and permission
/// set (spec.md §4.6).
func (k *Kernel) Translate(s *Space, va uintptr) (uintptr, paging.Perm, defs.Err_t) {
	s.Lock()
	defer s.Unlock()
	return paging.Translate(s.PML4, va)
}
