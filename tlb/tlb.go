// Package tlb implements TLB coherence (spec component C10):
// per-core invalidation plus IPI broadcast of invalidate messages.
// Every hardware-touching call is a package-level function variable,
// following gopher-os's activePDTFn/flushTLBEntryFn indirection and
// the teacher's reliance on runtime intrinsics (runtime.Condflush,
// the unexported tlb_shootdown called from vm.Vm_t.Tlbshoot) for
// anything that would otherwise require ring 0 or a real IPI
// controller.
package tlb

import "sync/atomic"

/// IPIFacility is the external inter-processor-interrupt collaborator
/// (spec.md §6): Broadcast enqueues an invalidate-page message for
/// every other active core and returns once the message has been
/// dispatched, not once every core has acted on it (spec.md §4.10
/// and §5's ordering guarantees).
type IPIFacility interface {
	Broadcast(va uintptr)
}

type noopFacility struct{}

func (noopFacility) Broadcast(uintptr) {}

var facility IPIFacility = noopFacility{}

/// InstallFacility wires the real IPI controller in at boot.
func InstallFacility(f IPIFacility) {
	if f == nil {
		f = noopFacility{}
	}
	facility = f
}

/// invlpgFn executes the local invlpg instruction for one virtual
/// address. Overridable so tests never execute privileged
/// instructions; production code installs the real intrinsic at boot.
var invlpgFn = func(va uintptr) {}

/// InstallInvlpg wires the real invlpg intrinsic in at boot.
func InstallInvlpg(f func(uintptr)) {
	if f == nil {
		f = func(uintptr) {}
	}
	invlpgFn = f
}

/// reloadCR3Fn reloads %cr3 with its current value, flushing every
/// non-global TLB entry on this core in one shot — used after
/// clone_address_space to discard stale COW translations (spec.md
/// §4.10).
var reloadCR3Fn = func() {}

/// InstallReloadCR3 wires the real %cr3 reload intrinsic in at boot.
func InstallReloadCR3(f func()) {
	if f == nil {
		f = func() {}
	}
	reloadCR3Fn = f
}

var (
	localCount     int64
	broadcastCount int64
)

/// InvalidateLocal flushes va from this core's TLB.
func InvalidateLocal(va uintptr) {
	atomic.AddInt64(&localCount, 1)
	invlpgFn(va)
}

/// BroadcastInvalidate asks every other active core to flush va.
func BroadcastInvalidate(va uintptr) {
	atomic.AddInt64(&broadcastCount, 1)
	facility.Broadcast(va)
}

/// FlushAllLocal reloads %cr3 on this core, discarding every
/// non-global translation (spec.md §4.10's post-clone fence).
func FlushAllLocal() {
	reloadCR3Fn()
}

/// Counts reports how many local invalidations and broadcasts have
/// been issued, for tests and diagnostics.
func Counts() (local, broadcast int64) {
	return atomic.LoadInt64(&localCount), atomic.LoadInt64(&broadcastCount)
}

/// ResetCounts zeroes the diagnostic counters; test-only.
func ResetCounts() {
	atomic.StoreInt64(&localCount, 0)
	atomic.StoreInt64(&broadcastCount, 0)
}
