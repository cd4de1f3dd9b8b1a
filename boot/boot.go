// Package boot implements the bootstrap sequence (spec component C9):
// discover physical memory from the device-tree collaborator, install
// the linear window's 1 GiB pages, map the kernel's own ELF sections,
// and program the PAT MSR. Grounded on the teacher's mem.Phys_init and
// dmap.Dmap_init, which perform the same discover/carve/map sequence
// (region scan, reserved-range removal, 1 GiB Dmap construction)
// before anything resembling a heap exists, hence the same
// plain-fmt.Printf logging style carried here as Logf.
package boot

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"kestrel/aspace"
	"kestrel/defs"
	"kestrel/diag"
	"kestrel/frame"
	"kestrel/linear"
	"kestrel/paging"
	"kestrel/util"
)

/// PageSize is the boot-time page granularity.
const PageSize = paging.PageSize

/// Region describes a device-tree memory or reserved node.
type Region struct {
	Base, Size uintptr
}

/// Section describes one kernel ELF section to be mapped into the
/// shared-kernel PML4 slot. Code carries the section's leading bytes
/// so an executable section can be sanity-checked before it is made
/// non-writable; it may be nil for non-executable sections.
type Section struct {
	Name               string
	VirtBase, PhysBase uintptr
	Size               uintptr
	Perm               paging.Perm
	Code               []byte
}

/// Logf is the boot-time logger. Defaults to fmt.Printf because
/// nothing fancier can run before paging and the heap exist;
/// overridable by tests and by whatever console driver wires itself
/// in once boot completes.
var Logf = fmt.Printf

var printer = message.NewPrinter(language.English)

/// writePATFn programs the Page-Attribute-Table MSR. Mockable since it
/// is a privileged WRMSR; production code installs the real intrinsic.
var writePATFn = func(uint64) {}

/// InstallWritePAT wires the real PAT MSR write in at boot.
func InstallWritePAT(f func(uint64)) {
	if f == nil {
		f = func(uint64) {}
	}
	writePATFn = f
}

// patWriteCombiningSlot4 reprograms PAT slot 4 from its power-on
// default (write-back) to write-combining, leaving every other slot
// at the SDM's default encoding: slot0 WB, slot1 WT, slot2 UC-,
// slot3 UC, slot4 WC, slot5 WT, slot6 UC-, slot7 UC.
const patWriteCombiningSlot4 = 0x00_07_04_01_00_07_04_06

func alignMemory(r Region) Region {
	base := util.Roundup(r.Base, uintptr(PageSize))
	end := util.Rounddown(r.Base+r.Size, uintptr(PageSize))
	if end <= base {
		return Region{}
	}
	return Region{Base: base, Size: end - base}
}

func alignReserved(r Region) Region {
	base := util.Rounddown(r.Base, uintptr(PageSize))
	end := util.Roundup(r.Base+r.Size, uintptr(PageSize))
	return Region{Base: base, Size: end - base}
}

/// InitPhysicalMemory implements spec.md §4.9 steps 1, 3 and 5: aligns
/// and registers every memory node as free, removes every reserved
/// node and the kernel image itself from the free pool, and logs the
/// resulting map.
func InitPhysicalMemory(frames *frame.Allocator, memNodes, reservedNodes []Region, kernelImage Region) {
	for _, n := range memNodes {
		a := alignMemory(n)
		if a.Size == 0 {
			continue
		}
		frames.AddRegion(a.Base, uint32(a.Size/uintptr(PageSize)))
	}
	for _, n := range reservedNodes {
		a := alignReserved(n)
		if a.Size == 0 {
			continue
		}
		frames.Reserve(a.Base, a.Size)
	}
	ki := alignReserved(kernelImage)
	if ki.Size != 0 {
		frames.Reserve(ki.Base, ki.Size)
	}
	logMemoryMap(frames, memNodes, reservedNodes, kernelImage)
}

func logMemoryMap(frames *frame.Allocator, memNodes, reservedNodes []Region, kernelImage Region) {
	stats := frames.Stats()
	Logf("%s", printer.Sprintf("memory: %d region(s), %d bytes free after reservations\n",
		len(memNodes), stats.FreeBytes))
	Logf("memory: kernel image [%#x, %#x)\n", kernelImage.Base, kernelImage.Base+kernelImage.Size)
	for _, r := range reservedNodes {
		Logf("memory: reserved [%#x, %#x)\n", r.Base, r.Base+r.Size)
	}
}

/// InstallLinearWindow maps enough 1 GiB present pages into
/// linearPML3 to cover every discovered memory node, then points
/// kernelPML4's K-mem slot at it — spec.md §4.9's "simultaneously
/// create the 1 GiB linear-phys entries."
func InstallLinearWindow(kernelPML4, linearPML3 uintptr, memNodes []Region) {
	var highest uintptr
	for _, n := range memNodes {
		a := alignMemory(n)
		if end := a.Base + a.Size; end > highest {
			highest = end
		}
	}
	gigabyte := uintptr(1) << linear.GigabyteShift
	gigs := int((highest + gigabyte - 1) / gigabyte)
	if gigs > 0 {
		paging.MapGigabytePages(linearPML3, 0, gigs, 0, paging.KERNEL|paging.RW)
	}
	paging.WriteSlot(kernelPML4, aspace.KMemSlotIndex, paging.MakeIntermediateSlot(linearPML3))
}

func sectionsOverlap(a, b Section) bool {
	aEnd := a.VirtBase + a.Size
	bEnd := b.VirtBase + b.Size
	return a.VirtBase < bEnd && b.VirtBase < aEnd
}

/// MapKernelSections installs each section into root's shared-kernel
/// range with the global bit set (via KERNEL), refusing any pair of
/// overlapping sections, and refuses to map an executable section
/// whose leading bytes do not disassemble cleanly (spec.md §4.9,
/// SPEC_FULL.md §4's diagnostic addition to C9).
func MapKernelSections(frames *frame.Allocator, root uintptr, sections []Section) defs.Err_t {
	for i, s := range sections {
		for j := i + 1; j < len(sections); j++ {
			if sectionsOverlap(s, sections[j]) {
				return defs.EEXIST
			}
		}
		if s.Perm&paging.EXEC != 0 && len(s.Code) > 0 && !diag.ValidateCodeSection(s.Code) {
			defs.Panicf("boot", "section %s does not disassemble cleanly", s.Name)
		}
		pageCount := int((s.Size + uintptr(PageSize) - 1) / uintptr(PageSize))
		alloc := func() (uintptr, defs.Err_t) { return frames.AllocFrames(1) }
		free := func(pa uintptr) { frames.ReleaseFrames(pa, 1) }
		perm := s.Perm | paging.KERNEL
		if err := paging.Map(root, s.VirtBase, s.PhysBase, pageCount, perm, alloc, free); err != 0 {
			return err
		}
	}
	return 0
}

/// ProgramPAT writes the write-combining PAT layout (spec.md §4.9
/// step 8), making the WRITE_COMBINING permission bit usable.
func ProgramPAT() {
	writePATFn(patWriteCombiningSlot4)
}
