// Package addr implements canonical-address arithmetic (spec component
// C1): sign-extension/truncation of virtual and physical addresses to
// the widths the running CPU actually implements.
package addr

import "kestrel/defs"

/// Va_t is a canonical virtual address.
type Va_t uintptr

/// Pa_t is a physical address, always within Widths.Phys bits.
type Pa_t uintptr

/// Widths_t records the address widths CPUID reports for this core.
/// Every core in a well-formed system reports the same widths; the
/// kernel probes once at boot and treats the result as immutable.
type Widths_t struct {
	Phys uint // <= 52
	Virt uint // <= 48
}

/// CPUID is overridable so tests can probe without executing the
/// instruction; production code points it at the real leaf-0x80000008
/// read. Mirrors gopher-os's activePDTFn/switchPDTFn indirection for
/// anything that would otherwise require ring 0.
var CPUID = func(leaf uint32) (eax, ebx, ecx, edx uint32) {
	panic("addr.CPUID: no hardware backend installed")
}

/// ProbeWidths reads CPUID leaf 0x80000008 and returns the physical
/// and virtual address widths it reports.
func ProbeWidths() Widths_t {
	eax, _, _, _ := CPUID(0x80000008)
	return Widths_t{
		Phys: uint(eax & 0xff),
		Virt: uint((eax >> 8) & 0xff),
	}
}

// current holds the widths probed at boot. Defaults to the common
// 52/48-bit split so packages that consult Current before MemoryInit
// runs (or in tests that never call SetWidths) get a sane canonical
// bound instead of a zero-width one that rejects every address.
var current = Widths_t{Phys: 52, Virt: 48}

/// SetWidths installs w as the widths every later CanonicalizeVirt,
/// CanonicalizePhys and CheckCanonical call consults. Called once at
/// boot with the result of ProbeWidths.
func SetWidths(w Widths_t) { current = w }

/// Current returns the widths last installed by SetWidths.
func Current() Widths_t { return current }

/// PhysMask returns the mask of bits a physical address may occupy.
func (w Widths_t) PhysMask() Pa_t {
	return Pa_t(1)<<w.Phys - 1
}

/// CanonicalBound returns (1<<(virt_width-1))-1, the largest
/// "low half" canonical virtual address.
func (w Widths_t) CanonicalBound() Va_t {
	return Va_t(1)<<(w.Virt-1) - 1
}

/// CanonicalizeVirt implements spec.md §4.1: sign-extend or truncate a
/// to a canonical address of this CPU's virtual width.
func (w Widths_t) CanonicalizeVirt(a Va_t) Va_t {
	bound := w.CanonicalBound()
	topBit := Va_t(1) << (w.Virt - 1)
	if a&topBit != 0 {
		return a | ^bound
	}
	return a & bound
}

/// CanonicalizePhys masks p to this CPU's physical width.
func (w Widths_t) CanonicalizePhys(p Pa_t) Pa_t {
	return p & w.PhysMask()
}

/// CheckCanonical validates that a's high bits above virt_width-1 are
/// either all zero or all one, matching bit virt_width-1, per
/// spec.md §4.1. It does not modify a.
func (w Widths_t) CheckCanonical(a Va_t) defs.Err_t {
	if w.CanonicalizeVirt(a) != a {
		return defs.EINVAL
	}
	return 0
}
