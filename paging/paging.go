// Package paging implements the 4-level page-table walker and mapper
// (spec component C6): IsMapped, Map, Unmap and Translate against an
// arbitrary page-directory root, using the linear physical window
// (package linear) to read and write table memory directly rather
// than through transient mappings or a recursive self-map slot —
// grounded on spec.md §4.5's rationale and on the teacher's dmap.go,
// generalized from biscuit's GOPATH-era recursive-mapping scheme
// (VREC) to the simpler direct-access scheme the distilled spec calls
// for.
package paging

import (
	"kestrel/addr"
	"kestrel/defs"
	"kestrel/linear"
	"kestrel/tlb"
)

/// PageSize is the leaf mapping granularity.
const PageSize = 1 << 12

//go:generate stringer -type=Perm

/// Perm is the caller-facing request flag set translated into
/// hardware PTE bits by permBits (spec.md §4.6's "flag translation"
/// table).
type Perm uint32

const (
	/// KERNEL marks a page supervisor-only and global.
	KERNEL Perm = 1 << iota
	/// USER marks a page user-accessible.
	USER
	/// RW marks a page writable; its absence means read-only.
	RW
	/// EXEC allows instruction fetch; its absence sets NX.
	EXEC
	/// CACHE_DISABLED sets PCD.
	CACHE_DISABLED
	/// WRITE_COMBINING selects the PAT slot pre-programmed to WC.
	WRITE_COMBINING
	/// HARDWARE marks a page as a fixed device/MMIO mapping: PCD is
	/// set and the dedicated hw bit is set so Unmap's caller knows
	/// not to decrement the frame's reference count.
	HARDWARE
	/// COW marks a page copy-on-write; the PTE is otherwise
	/// read-only regardless of the RW bit in the request.
	COW
)

// entry is one raw 8-byte page-table entry. Bits 9-10 are available
// for software use on every x86-64 implementation; we use them for
// COW and HARDWARE since neither participates in any hardware walk.
type entry uint64

const (
	bitPresent entry = 1 << 0
	bitWrite   entry = 1 << 1
	bitUser    entry = 1 << 2
	bitPWT     entry = 1 << 3
	bitPCD     entry = 1 << 4
	bitAccessed entry = 1 << 5
	bitDirty   entry = 1 << 6
	bitPAT     entry = 1 << 7
	bitPS      entry = 1 << 7
	bitGlobal  entry = 1 << 8
	bitCOW     entry = 1 << 9
	bitHW      entry = 1 << 10
	bitNX      entry = 1 << 63
	addrMask   entry = 0x000f_ffff_ffff_f000
)

func permToBits(p Perm) entry {
	var e entry
	if p&USER != 0 {
		e |= bitUser
	}
	if p&KERNEL != 0 {
		e |= bitGlobal
	}
	if p&RW != 0 && p&COW == 0 {
		e |= bitWrite
	}
	if p&EXEC == 0 {
		e |= bitNX
	}
	if p&CACHE_DISABLED != 0 {
		e |= bitPCD
	}
	if p&WRITE_COMBINING != 0 {
		e |= bitPAT
	}
	if p&HARDWARE != 0 {
		e |= bitPCD | bitHW
	}
	if p&COW != 0 {
		e |= bitCOW
	}
	return e
}

func bitsToPerm(e entry) Perm {
	var p Perm
	if e&bitUser != 0 {
		p |= USER
	} else {
		p |= KERNEL
	}
	if e&bitWrite != 0 {
		p |= RW
	}
	if e&bitNX == 0 {
		p |= EXEC
	}
	if e&bitPCD != 0 {
		p |= CACHE_DISABLED
	}
	if e&bitPAT != 0 {
		p |= WRITE_COMBINING
	}
	if e&bitHW != 0 {
		p |= HARDWARE
	}
	if e&bitCOW != 0 {
		p |= COW
	}
	return p
}

/// IsCOW reports whether phys/flags, as returned by Translate, name a
/// copy-on-write mapping.
func IsCOW(p Perm) bool { return p&COW != 0 }

/// IsHardware reports whether p names a fixed hardware mapping whose
/// frame the mapper never owns a reference count on.
func IsHardware(p Perm) bool { return p&HARDWARE != 0 }

/// FrameAllocFn allocates one physical frame for use as an
/// intermediate page-table level, returning its physical address; the
/// walker zeroes the frame itself before installing it. Mirrors
/// gopher-os's FrameAllocatorFn.
type FrameAllocFn func() (uintptr, defs.Err_t)

/// FrameFreeFn releases a physical frame previously obtained from a
/// FrameAllocFn, used when Unmap collapses an empty intermediate
/// table.
type FrameFreeFn func(uintptr)

func indices(v uintptr) [4]int {
	return [4]int{
		int(v>>39) & 0x1ff,
		int(v>>30) & 0x1ff,
		int(v>>21) & 0x1ff,
		int(v>>12) & 0x1ff,
	}
}

// span returns the number of 4 KiB pages one entry at the given level
// (0=PML4 ... 3=PML1) covers: 512^(3-level).
func span(level int) int {
	n := 1
	for i := 0; i < 3-level; i++ {
		n *= 512
	}
	return n
}

func entryPtr(tablePhys uintptr, idx int) *entry {
	return (*entry)(linear.Access(tablePhys + uintptr(idx)*8))
}

// descend returns the PML1 entry for v. If create is non-nil, missing
// intermediate tables are allocated and zeroed; intermediate entries
// are always installed permissively (user+writable) since the leaf
// entry is what actually enforces the requested protection. If create
// is nil and a table is missing, ok is false.
func descend(root uintptr, v uintptr, create FrameAllocFn) (pte *entry, ok bool, err defs.Err_t) {
	idx := indices(v)
	table := root
	for lvl := 0; lvl < 3; lvl++ {
		p := entryPtr(table, idx[lvl])
		if *p&bitPresent == 0 {
			if create == nil {
				return nil, false, 0
			}
			frame, ferr := create()
			if ferr != 0 {
				return nil, false, ferr
			}
			linear.Zero(frame, PageSize)
			*p = entry(frame)&addrMask | bitPresent | bitWrite | bitUser
		}
		table = uintptr(*p & addrMask)
	}
	return entryPtr(table, idx[3]), true, 0
}

/// IsMapped implements spec.md §4.6: walks v..v+n*PageSize. In "all"
/// mode it returns true iff every page is present; otherwise it
/// returns true on the first present page. Absent intermediate tables
/// cause whole subtrees to be skipped.
func IsMapped(root uintptr, v uintptr, n int, all bool) bool {
	end := v + uintptr(n)*PageSize
	for cur := v; cur < end; {
		idx := indices(cur)
		table := root
		present := true
		stepPages := 1
		for lvl := 0; lvl < 4; lvl++ {
			p := entryPtr(table, idx[lvl])
			if *p&bitPresent == 0 {
				present = false
				stepPages = span(lvl)
				break
			}
			if lvl < 3 {
				table = uintptr(*p & addrMask)
			}
		}
		if present {
			if !all {
				return true
			}
		} else if all {
			return false
		}
		// advance to the next page not covered by the subtree we just
		// resolved (or skipped), rounding down first so partial
		// overlap at the start of the range still advances minimally.
		stepBytes := uintptr(stepPages) * PageSize
		next := (cur/stepBytes + 1) * stepBytes
		if next <= cur {
			next = cur + PageSize
		}
		cur = next
	}
	return all
}

/// Map implements spec.md §4.6: installs n present leaf mappings
/// starting at virtual v to physical p, with hardware bits translated
/// from perm. It is AlreadyExists (and a no-op) if any target page is
/// already mapped; otherwise every page is mapped or none are. If a
/// mid-range allocation failure strikes after some pages are already
/// installed, Map unwinds every leaf and intermediate table it wrote
/// before returning, so no partial mapping is ever visible to a caller
/// (spec.md §7, the same unwind discipline aspace.Clone applies to its
/// own partial failures).
func Map(root uintptr, v, p uintptr, n int, perm Perm, alloc FrameAllocFn, free FrameFreeFn) defs.Err_t {
	if v%PageSize != 0 || p%PageSize != 0 || n <= 0 {
		return defs.EINVAL
	}
	if err := addr.Current().CheckCanonical(addr.Va_t(v)); err != 0 {
		return err
	}
	if IsMapped(root, v, n, false) {
		return defs.EEXIST
	}
	bits := permToBits(perm) | bitPresent
	for i := 0; i < n; i++ {
		va := v + uintptr(i)*PageSize
		pa := p + uintptr(i)*PageSize
		pte, _, err := descend(root, va, alloc)
		if err != 0 {
			unwindMap(root, v, i, free)
			collapseEmptyTables(root, va, free)
			return err
		}
		*pte = entry(pa)&addrMask | bits
		tlb.InvalidateLocal(va)
		tlb.BroadcastInvalidate(va)
	}
	return 0
}

// unwindMap clears the first `mapped` leaf entries a failed Map call
// already installed and collapses whatever intermediate tables that
// leaves empty, restoring v..v+n*PageSize to its pre-Map state.
func unwindMap(root, v uintptr, mapped int, free FrameFreeFn) {
	for i := 0; i < mapped; i++ {
		va := v + uintptr(i)*PageSize
		pte, ok, _ := descend(root, va, nil)
		if !ok {
			continue
		}
		*pte = 0
		tlb.InvalidateLocal(va)
		tlb.BroadcastInvalidate(va)
		collapseEmptyTables(root, va, free)
	}
}

/// Unmap implements spec.md §4.6: clears every leaf entry in
/// v..v+n*PageSize, invalidating the TLB for each. onLeaf, if
/// non-nil, is invoked once per cleared mapping with its physical
/// frame and the permission bits it carried (so callers can decide
/// whether to decrement the frame's reference count — never, for
/// HARDWARE mappings). Whole-range preconditions: every target page
/// must currently be mapped, else NotMapped and nothing is changed.
func Unmap(root uintptr, v uintptr, n int, free FrameFreeFn, onLeaf func(phys uintptr, perm Perm)) defs.Err_t {
	if v%PageSize != 0 || n <= 0 {
		return defs.EINVAL
	}
	if !IsMapped(root, v, n, true) {
		return defs.ENOTMAPPED
	}
	for i := 0; i < n; i++ {
		va := v + uintptr(i)*PageSize
		pte, ok, _ := descend(root, va, nil)
		if !ok {
			defs.Panicf("paging", "Unmap: page %#x vanished mid-range", va)
		}
		phys := uintptr(*pte & addrMask)
		perm := bitsToPerm(*pte)
		*pte = 0
		tlb.InvalidateLocal(va)
		tlb.BroadcastInvalidate(va)
		if onLeaf != nil {
			onLeaf(phys, perm)
		}
		collapseEmptyTables(root, va, free)
	}
	return 0
}

// collapseEmptyTables walks down from the root along va's index chain
// as far as present entries go, then walks back up freeing every
// now-empty table it passed through and clearing its parent entry,
// cascading toward the root (spec.md §4.6). Stopping at the deepest
// present table, rather than assuming the PML1 exists, lets Map's
// unwind reuse this for a table chain that was partially built and
// never reached a leaf.
func collapseEmptyTables(root, va uintptr, free FrameFreeFn) {
	if free == nil {
		return
	}
	idx := indices(va)
	tables := [4]uintptr{root}
	depth := 1
	for lvl := 0; lvl < 3; lvl++ {
		p := entryPtr(tables[lvl], idx[lvl])
		if *p&bitPresent == 0 {
			break
		}
		tables[lvl+1] = uintptr(*p & addrMask)
		depth++
	}
	for lvl := depth - 1; lvl > 0; lvl-- {
		if !tableEmpty(tables[lvl]) {
			return
		}
		parent := entryPtr(tables[lvl-1], idx[lvl-1])
		free(tables[lvl])
		*parent = 0
	}
}

func tableEmpty(tablePhys uintptr) bool {
	for i := 0; i < 512; i++ {
		if *entryPtr(tablePhys, i)&bitPresent != 0 {
			return false
		}
	}
	return true
}

/// Translate implements spec.md §4.6: walks to the PML1 entry for v;
/// if present, returns the physical address (base | offset) and the
/// decoded permission bits, else NotMapped.
func Translate(root uintptr, v uintptr) (uintptr, Perm, defs.Err_t) {
	if err := addr.Current().CheckCanonical(addr.Va_t(v)); err != 0 {
		return 0, 0, err
	}
	pte, ok, _ := descend(root, v, nil)
	if !ok || *pte&bitPresent == 0 {
		return 0, 0, defs.ENOTMAPPED
	}
	base := uintptr(*pte & addrMask)
	return base | (v & (PageSize - 1)), bitsToPerm(*pte), 0
}

/// RawEntry exposes the live PTE pointer for v so the page-fault
/// handler (package pgfault) can rewrite it in place under the
/// address-space lock, matching spec.md §4.8's handle_cow, which
/// mutates the existing entry rather than unmap-then-remap.
func RawEntry(root uintptr, v uintptr) (*entry, bool) {
	pte, ok, _ := descend(root, v, nil)
	return pte, ok
}

/// EntryPresent reports whether e is a present mapping.
func EntryPresent(e *entry) bool { return e != nil && *e&bitPresent != 0 }

/// EntryCOW reports whether e carries the copy-on-write bit.
func EntryCOW(e *entry) bool { return e != nil && *e&bitCOW != 0 }

/// EntryFrame returns the physical frame e maps.
func EntryFrame(e *entry) uintptr { return uintptr(*e & addrMask) }

/// EntryPerm decodes e's permission bits.
func EntryPerm(e *entry) Perm { return bitsToPerm(*e) }

/// RewriteCOWToPrivate clears the COW bit and sets RW on e, preserving
/// every other flag and optionally repointing it at a new frame
/// (newFrame==0 keeps the existing one) — spec.md §4.8 steps 4-5.
func RewriteCOWToPrivate(e *entry, newFrame uintptr) {
	bits := *e &^ (addrMask | bitCOW)
	bits |= bitWrite
	frame := uintptr(*e & addrMask)
	if newFrame != 0 {
		frame = newFrame
	}
	*e = entry(frame)&addrMask | bits
}

/// InstallLeaf writes a present leaf entry directly into a PML1 entry
/// obtained from RawEntry, without going through Map's AlreadyExists
/// precondition or its TLB invalidation; the caller must hold the
/// address-space lock and know the entry is empty.
func InstallLeaf(e *entry, phys uintptr, perm Perm) {
	*e = entry(phys)&addrMask | permToBits(perm) | bitPresent
}

/// ClearLeaf empties e, e.g. when a fault handler backs out of a
/// failed allocation.
func ClearLeaf(e *entry) { *e = 0 }

/// ReadSlot reads the raw 64-bit entry at index idx of the table at
/// tablePhys. Exposed so package aspace can walk and clone a PML4
/// without reaching into paging's unexported entry type.
func ReadSlot(tablePhys uintptr, idx int) uint64 {
	return uint64(*entryPtr(tablePhys, idx))
}

/// WriteSlot writes raw into index idx of the table at tablePhys.
func WriteSlot(tablePhys uintptr, idx int, raw uint64) {
	*entryPtr(tablePhys, idx) = entry(raw)
}

/// SlotPresent reports whether raw names a present entry.
func SlotPresent(raw uint64) bool { return entry(raw)&bitPresent != 0 }

/// SlotIsHuge reports whether raw is a PS (2 MiB/1 GiB) leaf.
func SlotIsHuge(raw uint64) bool { return entry(raw)&bitPS != 0 }

/// SlotIsHardware reports whether raw carries the software-defined
/// hardware-mapping bit.
func SlotIsHardware(raw uint64) bool { return entry(raw)&bitHW != 0 }

/// SlotWritable reports whether raw is currently writable.
func SlotWritable(raw uint64) bool { return entry(raw)&bitWrite != 0 }

/// SlotFrame extracts the physical frame raw points at.
func SlotFrame(raw uint64) uintptr { return uintptr(entry(raw) & addrMask) }

/// SlotPerm decodes raw's permission bits.
func SlotPerm(raw uint64) Perm { return bitsToPerm(entry(raw)) }

/// MakeIntermediateSlot builds a present, permissive (user+writable)
/// non-leaf entry pointing at frame — the convention descend() uses
/// for every newly allocated PML4/PML3/PML2 entry, exposed so callers
/// walking a tree by hand (clone, destroy) build identical entries.
func MakeIntermediateSlot(frame uintptr) uint64 {
	return uint64(entry(frame)&addrMask | bitPresent | bitWrite | bitUser)
}

/// MakeLeafSlot builds a present leaf entry mapping frame with perm.
func MakeLeafSlot(frame uintptr, perm Perm) uint64 {
	return uint64(entry(frame)&addrMask | permToBits(perm) | bitPresent)
}

/// MakeCOWFromWritable clears the writable bit and sets COW on raw,
/// preserving every other flag — spec.md §4.7's clone step 3: "clear
/// RW and set COW in both the src and dst entries."
func MakeCOWFromWritable(raw uint64) uint64 {
	e := entry(raw)
	e = (e &^ bitWrite) | bitCOW
	return uint64(e)
}

/// MapGigabytePages installs count consecutive 1 GiB present leaf
/// entries starting at index idx of the PML3 table at pml3Phys,
/// mapping physBase..physBase+count*1GiB 1:1. Used only by the boot
/// linear-window installer (spec.md §4.5); ordinary Map never
/// produces huge pages.
func MapGigabytePages(pml3Phys uintptr, idx, count int, physBase uintptr, perm Perm) {
	bits := permToBits(perm) | bitPresent | bitPS
	const oneGiB = uintptr(1) << 30
	for i := 0; i < count; i++ {
		p := entryPtr(pml3Phys, idx+i)
		*p = entry(physBase+uintptr(i)*oneGiB)&addrMask | bits
	}
}
