// Package linear implements the linear physical window (spec
// component C5): a fixed PML4 slot mapping all of RAM 1:1 at a known
// virtual offset, so the kernel can touch any physical frame without a
// transient mapping. Grounded on the teacher's mem/dmap.go, which
// calls the same concept "Dmap" and reserves PML4 slot VDIRECT for it;
// here the slot geometry is a parameter rather than a hardcoded
// constant so tests can install a small simulated window.
package linear

import (
	"unsafe"

	"kestrel/addr"
	"kestrel/defs"
)

/// PageSize is the kernel's page granularity.
const PageSize = 1 << 12

/// GigabyteShift is the size of one linear-window PML3 leaf.
const GigabyteShift = 30

/// DefaultSlotBase is the virtual address of the K-mem slot used by
/// production boot code: PML4 index 0x44, matching the teacher's
/// VDIRECT (same index, same reasoning — low enough to leave room for
/// the recursive/self-map slot and the kernel slot above it).
const DefaultSlotBase = uintptr(0x44) << 39

/// Window is a linear physical-memory view: Base + p is always a
/// valid pointer to physical address p, for any p this window has
/// been told about by the boot-time region scan.
type Window struct {
	Base uintptr
	// Span is the number of bytes of physical address space the
	// window promises to cover (bounded by the 1 GiB pages the
	// memory detector has installed).
	Span uintptr
}

/// New returns a window rooted at base.
func New(base uintptr) *Window {
	return &Window{Base: base}
}

/// PhysToLinear implements spec.md §4.5's phys_to_linear helper:
/// canonicalise_virt(p + slot_base), so a window rooted near the top of
/// the canonical low half (or inside the high half) still produces an
/// address the CPU accepts rather than one that silently wraps into the
/// non-canonical hole.
func (w *Window) PhysToLinear(p uintptr) uintptr {
	return uintptr(addr.Current().CanonicalizeVirt(addr.Va_t(w.Base + p)))
}

/// LinearToPhys is PhysToLinear's inverse; panics if va is not inside
/// this window.
func (w *Window) LinearToPhys(va uintptr) uintptr {
	if va < w.Base {
		defs.Panicf("linear", "address %#x is below the linear window base %#x", va, w.Base)
	}
	return va - w.Base
}

/// accessHook abstracts "dereference a physical address" so paging and
/// boot code can read/write page-table words without depending on a
/// real hardware-mapped address space. Production code installs
/// RealAccess; tests install a fake backed by a Go byte slice, the
/// same indirection gopher-os uses for ptePtrFn in kernel/mem/vmm.
type accessHook func(pa uintptr) unsafe.Pointer

/// Access is the installed physical-memory access hook. Defaults to a
/// hook that panics, so forgetting to install a backend at boot (or
/// in a test) fails loudly instead of corrupting arbitrary memory.
var Access accessHook = func(pa uintptr) unsafe.Pointer {
	defs.Panicf("linear", "no physical memory access backend installed (pa=%#x)", pa)
	return nil
}

/// InstallRealAccess points Access at the window's own linear
/// mapping: Base+pa cast directly to a pointer. Called once by boot
/// after the window's 1 GiB pages are live.
func (w *Window) InstallRealAccess() {
	base := w.Base
	Access = func(pa uintptr) unsafe.Pointer {
		return unsafe.Pointer(base + pa) //nolint:govet
	}
}

/// ReadWord reads the 64-bit word at physical address pa.
func ReadWord(pa uintptr) uint64 {
	return *(*uint64)(Access(pa))
}

/// WriteWord writes the 64-bit word v at physical address pa.
func WriteWord(pa uintptr, v uint64) {
	*(*uint64)(Access(pa)) = v
}

/// Zero zeroes n bytes starting at physical address pa. n must be a
/// multiple of 8.
func Zero(pa uintptr, n uintptr) {
	if n%8 != 0 {
		defs.Panicf("linear", "Zero: length %#x not 8-byte aligned", n)
	}
	for off := uintptr(0); off < n; off += 8 {
		WriteWord(pa+off, 0)
	}
}

/// CopyPage copies PageSize bytes from physical address src to dst,
/// used by the copy-on-write fault path (spec.md §4.8).
func CopyPage(dst, src uintptr) {
	for off := uintptr(0); off < PageSize; off += 8 {
		WriteWord(dst+off, ReadWord(src+off))
	}
}

/// ReadBytes returns a []byte view over n bytes of physical memory
/// starting at pa (for diagnostics: disassembly, byte-granular
/// copies). The slice aliases live memory and must not outlive its
/// use.
func ReadBytes(pa uintptr, n int) []byte {
	p := Access(pa)
	return unsafe.Slice((*byte)(p), n)
}
