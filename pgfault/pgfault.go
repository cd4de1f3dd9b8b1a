// Package pgfault implements the page-fault handler (spec component
// C8): classifies a hardware fault as a stale TLB entry, a
// copy-on-write fault, or fatal, and resolves the copy-on-write case
// in place. Grounded on the teacher's vm.Sys_pgfault, which walks the
// same three cases (stale/wasCOW reinstall, COW with a shared vs.
// solely-owned frame, fatal) though over Vminfo_t-described regions
// rather than an always-present PML1 entry.
package pgfault

import (
	"kestrel/aspace"
	"kestrel/defs"
	"kestrel/linear"
	"kestrel/paging"
	"kestrel/tlb"
)

/// Code decodes the CPU-supplied page-fault error code (spec.md §4.8).
type Code uint32

const (
	/// Present is set when the fault was a protection violation on an
	/// already-present entry, clear when no translation existed.
	Present Code = 1 << iota
	/// Write marks a write access.
	Write
	/// User marks a fault taken from user mode.
	User
	/// InstructionFetch marks a fault on instruction fetch (NX).
	InstructionFetch
)

/// FaultSink receives an unrecoverable fault so the scheduler can
/// populate the faulting thread's error table with {exception,
/// fault_addr, inst_addr} and deliver it a segmentation-violation
/// signal (spec.md §4.8's fatal path, spec.md §6's collaborator list).
type FaultSink interface {
	ReportFault(faultAddr, instAddr uintptr)
}

/// Handle resolves a page fault at faultVA in s under the
/// address-space lock, following spec.md §4.8's three-way
/// classification. A fatal fault is handed to sink and reported back
/// as EFAULT; the scheduler still acts on the signal sink recorded at
/// its next dispatch rather than unwinding the trap path itself.
func Handle(k *aspace.Kernel, s *aspace.Space, faultVA, instAddr uintptr, code Code, sink FaultSink) defs.Err_t {
	s.Lock()
	defer s.Unlock()

	pte, ok := paging.RawEntry(s.PML4, faultVA)
	if !ok {
		sink.ReportFault(faultVA, instAddr)
		return defs.EFAULT
	}

	present := paging.EntryPresent(pte)
	if code&Present == 0 && present {
		// another core installed this mapping after we took the
		// fault; our TLB entry was simply stale.
		tlb.InvalidateLocal(faultVA)
		return 0
	}

	if present && code&Write != 0 && paging.EntryCOW(pte) {
		// handle_cow (spec.md §4.8): share the frame unless we are
		// its sole owner, in which case just drop the COW bit. The
		// refcount test and the decrement it implies happen under one
		// lock acquisition so a sibling faulting on the same frame on
		// another core can't also observe it as shared.
		phys := paging.EntryFrame(pte)
		if k.Frames.DecrementIfShared(phys) {
			newFrame, aerr := k.Frames.AllocFrames(1)
			if aerr != 0 {
				k.Frames.Refup(phys)
				sink.ReportFault(faultVA, instAddr)
				return defs.EFAULT
			}
			linear.CopyPage(newFrame, phys)
			paging.RewriteCOWToPrivate(pte, newFrame)
		} else {
			paging.RewriteCOWToPrivate(pte, 0)
		}
		tlb.InvalidateLocal(faultVA)
		tlb.BroadcastInvalidate(faultVA)
		return 0
	}

	sink.ReportFault(faultVA, instAddr)
	return defs.EFAULT
}
