// Package kmem is the single facade the rest of the kernel calls into
// (spec.md §6): it owns the frame allocator, the kernel address space,
// and the kernel's own virtual-page pool, and wires the page-fault
// handler into whatever exception dispatcher the caller supplies.
// Grounded on the teacher's vm.Vm_t and mem.Physmem_t, which together
// play the same role — the only two objects the rest of biscuit
// touches directly; every other package here is reached only through
// this one.
package kmem

import (
	"sync"

	"kestrel/addr"
	"kestrel/aspace"
	"kestrel/boot"
	"kestrel/defs"
	"kestrel/diag"
	"kestrel/frame"
	"kestrel/linear"
	"kestrel/pagepool"
	"kestrel/paging"
	"kestrel/pgfault"
	"kestrel/stack"
	"kestrel/tlb"
)

/// DeviceTree is the boot-time collaborator that supplies the
/// physical memory layout (spec.md §6): the firmware/device-tree
/// memory and reserved nodes, the kernel's own image bounds, and the
/// section table to map executable/read-only/writable.
type DeviceTree interface {
	MemoryNodes() []boot.Region
	ReservedNodes() []boot.Region
	KernelImage() boot.Region
	KernelSections() []boot.Section
}

/// ExceptionDispatcher is the collaborator that owns the IDT/vector
/// table; MemoryInit hands it the page-fault entry point rather than
/// touching interrupt hardware itself.
type ExceptionDispatcher interface {
	InstallPageFaultHandler(func(faultVA, instAddr uintptr, code pgfault.Code))
}

/// IPIFacility is re-exported from tlb so callers wire a single
/// implementation into both kmem and the TLB coherence layer.
type IPIFacility = tlb.IPIFacility

/// Thread identifies the execution context a page fault occurred in,
/// for both address-space lookup and fatal-fault signalling.
type Thread interface {
	AddressSpace() *aspace.Space
	Kill(reason string)
}

/// Scheduler resolves the thread running on the current core.
type Scheduler interface {
	Current() Thread
}

/// Kernel is the memory manager's single instance, returned by
/// MemoryInit and threaded through every other facade call.
type Kernel struct {
	frames      *frame.Allocator
	as          *aspace.Kernel
	kernelSpace *aspace.Space
	kernelPages *pagepool.Pool
	sched       Scheduler
}

var (
	initMu   sync.Mutex
	instance *Kernel
)

/// MemoryInit implements spec.md §4.9/§6: discovers physical memory,
/// builds the kernel's own address space (linear window plus mapped
/// sections), programs the PAT, and installs the page-fault handler.
/// Idempotent in the sense that a double call is a fatal
/// inconsistency, never a silent no-op, since it would mean two
/// independent kernel address spaces exist.
func MemoryInit(dt DeviceTree, dispatcher ExceptionDispatcher, ipi IPIFacility, sched Scheduler) *Kernel {
	initMu.Lock()
	defer initMu.Unlock()
	if instance != nil {
		defs.Panicf("kmem", "MemoryInit called twice")
	}

	addr.SetWidths(addr.ProbeWidths())

	frames := frame.New()
	mem := dt.MemoryNodes()
	reserved := dt.ReservedNodes()
	image := dt.KernelImage()
	boot.InitPhysicalMemory(frames, mem, reserved, image)

	kernelPML4, err := frames.AllocFrames(1)
	if err != 0 {
		defs.Panicf("kmem", "failed to allocate kernel PML4: %v", err)
	}
	linear.Zero(kernelPML4, linear.PageSize)

	linearPML3, err := frames.AllocFrames(1)
	if err != 0 {
		defs.Panicf("kmem", "failed to allocate linear-window PML3: %v", err)
	}
	linear.Zero(linearPML3, linear.PageSize)
	boot.InstallLinearWindow(kernelPML4, linearPML3, mem)

	if err := boot.MapKernelSections(frames, kernelPML4, dt.KernelSections()); err != 0 {
		defs.Panicf("kmem", "failed to map kernel sections: %v", err)
	}
	boot.ProgramPAT()

	base, limit := aspace.KernelWindow()
	k := &Kernel{
		frames:      frames,
		as:          &aspace.Kernel{Frames: frames, KernelPML4: kernelPML4},
		kernelSpace: &aspace.Space{PML4: kernelPML4, Pages: pagepool.New(base, limit)},
		sched:       sched,
	}
	k.kernelPages = k.kernelSpace.Pages

	tlb.InstallFacility(ipi)
	dispatcher.InstallPageFaultHandler(k.handleFault)

	instance = k
	return k
}

/// resetForTests discards the singleton guard so package tests can
/// call MemoryInit more than once; never called outside _test.go.
func resetForTests() {
	initMu.Lock()
	defer initMu.Unlock()
	instance = nil
}

type threadSink struct {
	k      *Kernel
	space  *aspace.Space
	thread Thread
}

func (s threadSink) ReportFault(faultAddr, instAddr uintptr) {
	// pgfault.Handle calls ReportFault with s.space already locked, so
	// the walk goes to paging directly rather than through the locking
	// aspace.Kernel.Translate.
	toPhys := func(va uintptr) (uintptr, bool) {
		phys, _, err := paging.Translate(s.space.PML4, va)
		if err != 0 {
			return 0, false
		}
		return phys, true
	}
	trace := diag.DumpFault(instAddr, toPhys, 8)
	boot.Logf("kmem: fatal page fault at %#x (rip %#x)\n%s", faultAddr, instAddr, trace)
	s.thread.Kill("segmentation fault")
}

func (k *Kernel) handleFault(faultVA, instAddr uintptr, code pgfault.Code) {
	th := k.sched.Current()
	space := th.AddressSpace()
	pgfault.Handle(k.as, space, faultVA, instAddr, code, threadSink{k: k, space: space, thread: th})
}

/// KernelSpace returns the kernel's own address space.
func (k *Kernel) KernelSpace() *aspace.Space { return k.kernelSpace }

/// CreateProcessMemory implements spec.md §4.7's create path.
func (k *Kernel) CreateProcessMemory() (*aspace.Space, defs.Err_t) {
	return k.as.Create()
}

/// DestroyProcessMemory implements spec.md §4.7's destroy path,
/// refusing to ever tear down the kernel's own address space.
func (k *Kernel) DestroyProcessMemory(s *aspace.Space) defs.Err_t {
	if s == k.kernelSpace {
		return defs.EPERM
	}
	k.as.Destroy(s)
	return 0
}

/// CloneProcessMemory implements spec.md §4.7's fork path.
func (k *Kernel) CloneProcessMemory(s *aspace.Space) (*aspace.Space, defs.Err_t) {
	return k.as.Clone(s)
}

// checkKernelWindow rejects a [va, va+n*PageSize) range that falls
// outside the kernel's own VA window (spec.md §6/§7's OutOfBound),
// the range kernelPages hands virtual addresses out of.
func checkKernelWindow(va uintptr, n int) defs.Err_t {
	base, limit := aspace.KernelWindow()
	end := va + uintptr(n)*uintptr(paging.PageSize)
	if va < base || end > limit || end < va {
		return defs.EOOB
	}
	return 0
}

/// KernelMap implements spec.md §6's kernel_map(phys, size, flags) →
/// virt: allocates n pages from the kernel's own VA pool and maps them
/// to phys, returning the chosen base. Unwinds the VA reservation if
/// the mapping fails.
func (k *Kernel) KernelMap(pa uintptr, n int, perm paging.Perm) (uintptr, defs.Err_t) {
	va, err := k.kernelPages.AllocPages(n, false)
	if err != 0 {
		return 0, err
	}
	if merr := k.as.Map(k.kernelSpace, va, pa, n, perm|paging.KERNEL); merr != 0 {
		k.kernelPages.ReleasePages(va, n)
		return 0, merr
	}
	return va, 0
}

/// KernelUnmap implements spec.md §6's kernel_unmap: the reverse of
/// KernelMap, releasing va back to the kernel VA pool once the mapping
/// is cleared. Rejects a range outside the kernel window with EOOB
/// before touching the page tables.
func (k *Kernel) KernelUnmap(va uintptr, n int) defs.Err_t {
	if err := checkKernelWindow(va, n); err != 0 {
		return err
	}
	if err := k.as.Unmap(k.kernelSpace, va, n); err != 0 {
		return err
	}
	k.kernelPages.ReleasePages(va, n)
	return 0
}

func (k *Kernel) unwindKernelAlloc(va uintptr, mapped int) {
	for i := 0; i < mapped; i++ {
		k.as.Unmap(k.kernelSpace, va+uintptr(i)*uintptr(paging.PageSize), 1)
	}
}

/// KernelAlloc reserves n pages of kernel virtual space and backs
/// each with a freshly allocated frame, unwinding every partial
/// allocation and mapping on failure.
func (k *Kernel) KernelAlloc(n int) (uintptr, defs.Err_t) {
	va, err := k.kernelPages.AllocPages(n, false)
	if err != 0 {
		return 0, err
	}
	for i := 0; i < n; i++ {
		pa, ferr := k.frames.AllocFrames(1)
		if ferr != 0 {
			k.unwindKernelAlloc(va, i)
			k.kernelPages.ReleasePages(va, n)
			return 0, ferr
		}
		target := va + uintptr(i)*uintptr(paging.PageSize)
		if merr := k.as.Map(k.kernelSpace, target, pa, 1, paging.KERNEL|paging.RW); merr != 0 {
			k.frames.ReleaseFrames(pa, 1)
			k.unwindKernelAlloc(va, i)
			k.kernelPages.ReleasePages(va, n)
			return 0, merr
		}
	}
	return va, 0
}

/// KernelFree reverses KernelAlloc. Rejects a range outside the
/// kernel window with EOOB before touching the page tables.
func (k *Kernel) KernelFree(va uintptr, n int) defs.Err_t {
	if err := checkKernelWindow(va, n); err != 0 {
		return err
	}
	if err := k.as.Unmap(k.kernelSpace, va, n); err != 0 {
		return err
	}
	k.kernelPages.ReleasePages(va, n)
	return 0
}

/// UserMapDirect installs a fixed hardware/device mapping into a
/// user address space (spec.md §4.6): never subject to copy-on-write,
/// never refcounted, never freed by the fault handler or destroy walk.
func (k *Kernel) UserMapDirect(s *aspace.Space, va, pa uintptr, n int, perm paging.Perm) defs.Err_t {
	return k.as.Map(s, va, pa, n, perm|paging.HARDWARE)
}

/// UserUnmap removes n user pages, returning owned frames to the pool.
func (k *Kernel) UserUnmap(s *aspace.Space, va uintptr, n int) defs.Err_t {
	return k.as.Unmap(s, va, n)
}

/// Translate resolves va within s to its backing frame and permissions.
func (k *Kernel) Translate(s *aspace.Space, va uintptr) (uintptr, paging.Perm, defs.Err_t) {
	return k.as.Translate(s, va)
}

/// MapStack implements spec.md §4.11's stack allocator, through s's
/// own user-page pool.
func (k *Kernel) MapStack(s *aspace.Space, size int, isUser bool) (stack.Stack, defs.Err_t) {
	return stack.MapStack(k.as, s, s.Pages, size, isUser)
}

/// UnmapStack reverses MapStack.
func (k *Kernel) UnmapStack(s *aspace.Space, st stack.Stack) defs.Err_t {
	return stack.UnmapStack(k.as, s, s.Pages, st)
}

/// AllocFrames hands out n raw physical frames, for callers (page
/// cache, device buffers) that manage their own mapping.
func (k *Kernel) AllocFrames(n int) (uintptr, defs.Err_t) {
	return k.frames.AllocFrames(n)
}

/// ReleaseFrames returns n sole-owned frames to the pool.
func (k *Kernel) ReleaseFrames(base uintptr, n int) {
	k.frames.ReleaseFrames(base, n)
}

/// UserStart returns the lowest address of the user window shared by
/// every address space (spec.md §4.4).
func UserStart() uintptr { return aspace.UserStart }

/// UserEnd returns the first address above the user window.
func UserEnd() uintptr { return aspace.UserEnd }
