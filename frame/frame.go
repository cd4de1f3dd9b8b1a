// Package frame implements the physical frame allocator (spec
// component C3): one range list of free physical memory plus one
// reference-count table per physical region discovered at boot.
// Grounded on the teacher's mem.Physmem_t, which plays the same role
// for biscuit (refcounted pages, per-CPU free-list sharding, a
// dedicated zero page) but over individual pages rather than the
// discovered-region layout spec.md §3/§4.9 call for.
package frame

import (
	"sort"
	"sync"

	"kestrel/defs"
	"kestrel/rangelist"
)

/// PageSize is the frame granularity.
const PageSize = rangelist.PageSize

/// MaxRefcount is the saturation point of a region's 16-bit per-frame
/// counters (spec.md §3).
const MaxRefcount = 0xffff

/// Region holds the reference-count table for one contiguous physical
/// span discovered at boot. The table is protected by its own mutex,
/// the innermost lock in the §5 hierarchy.
type Region struct {
	sync.Mutex
	base  uintptr
	npg   uint32
	refcs []uint16
}

func (r *Region) indexOf(pa uintptr) uint32 {
	return uint32((pa - r.base) / PageSize)
}

func (r *Region) contains(pa uintptr) bool {
	return pa >= r.base && pa < r.base+uintptr(r.npg)*PageSize
}

/// maxCPUs bounds the per-core free-frame cache; sized generously
/// since unused slots cost one empty slice header each.
const maxCPUs = 256

type percpuCache struct {
	sync.Mutex
	frames []uintptr
}

const percpuCacheMax = 64

/// Allocator is the global physical frame allocator: one free-frame
/// range list shared process-wide, plus the per-region refcount
/// tables spec.md §3 requires. The zero value is not ready to use;
/// construct with New.
type Allocator struct {
	free    rangelist.List_t
	mu      sync.Mutex // protects regions slice only; ranges have their own lock
	regions []*Region
	percpu  [maxCPUs]percpuCache

	/// CurrentCPU identifies the calling core for per-CPU cache
	/// sharding. Overridable in tests; production code installs the
	/// scheduler's logical-CPU-ID hook here. Mirrors the teacher's
	/// runtime.CPUHint().
	CurrentCPU func() int
}

/// New returns an empty allocator with no regions registered yet.
func New() *Allocator {
	return &Allocator{CurrentCPU: func() int { return 0 }}
}

/// AddRegion registers a newly discovered contiguous physical span
/// [base, base+npages*PageSize) and adds all of it to the free pool.
/// base must be page aligned.
func (a *Allocator) AddRegion(base uintptr, npages uint32) {
	if base%PageSize != 0 {
		defs.Panicf("frame", "AddRegion: unaligned base %#x", base)
	}
	r := &Region{base: base, npg: npages, refcs: make([]uint16, npages)}
	a.mu.Lock()
	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].base < a.regions[j].base })
	a.mu.Unlock()
	a.free.Add(base, uintptr(npages)*PageSize)
}

/// Reserve removes [base, base+length) from the free pool without
/// touching any refcount table, used to carve out reserved nodes and
/// the kernel image during boot (spec.md §4.9).
func (a *Allocator) Reserve(base, length uintptr) {
	a.free.Remove(base, length)
}

func (a *Allocator) regionFor(pa uintptr) *Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].base+uintptr(a.regions[i].npg)*PageSize > pa })
	if i < len(a.regions) && a.regions[i].contains(pa) {
		return a.regions[i]
	}
	defs.Panicf("frame", "address %#x belongs to no known region", pa)
	return nil
}

/// Refcount returns the current reference count of the frame at pa.
func (a *Allocator) Refcount(pa uintptr) int {
	r := a.regionFor(pa)
	r.Lock()
	defer r.Unlock()
	return int(r.refcs[r.indexOf(pa)])
}

/// refup increments the refcount of pa and reports OutOfMemory if
/// doing so would saturate the 16-bit counter (spec.md §3, §4.3).
func (a *Allocator) refup(pa uintptr) defs.Err_t {
	r := a.regionFor(pa)
	r.Lock()
	defer r.Unlock()
	idx := r.indexOf(pa)
	if r.refcs[idx] == MaxRefcount {
		return defs.ENOMEM
	}
	r.refcs[idx]++
	return 0
}

/// Refup increments the reference count of pa, sharing it as a
/// copy-on-write frame. The counter never overflows silently:
/// saturation returns OutOfMemory instead.
func (a *Allocator) Refup(pa uintptr) defs.Err_t {
	return a.refup(pa)
}

/// Refdown decrements the reference count of pa and returns true if
/// it reached zero, in which case the frame has also been returned to
/// the free pool. Fatal if the count is already zero.
func (a *Allocator) Refdown(pa uintptr) bool {
	r := a.regionFor(pa)
	r.Lock()
	idx := r.indexOf(pa)
	if r.refcs[idx] == 0 {
		r.Unlock()
		defs.Panicf("frame", "refcount underflow at %#x", pa)
	}
	r.refcs[idx]--
	zero := r.refcs[idx] == 0
	r.Unlock()
	if zero {
		a.free.Add(pa, PageSize)
	}
	return zero
}

/// DecrementIfShared atomically tests and, if true, decrements pa's
/// refcount under a single acquisition of its region's lock: if the
/// frame is currently shared (refcount > 1) it is decremented and
/// DecrementIfShared returns true; otherwise the refcount is left
/// untouched and it returns false. Built for handle_cow (spec.md §4.8
/// steps 3-5, and §5's "refcount lock is strictly the innermost
/// lock"): two cores faulting on the same copy-on-write frame under
/// their own address-space locks must still serialize on this single
/// test-and-decrement, or both can observe refcount > 1, both
/// decrement, and drive a still-in-use frame to zero.
func (a *Allocator) DecrementIfShared(pa uintptr) bool {
	r := a.regionFor(pa)
	r.Lock()
	defer r.Unlock()
	idx := r.indexOf(pa)
	if r.refcs[idx] <= 1 {
		return false
	}
	r.refcs[idx]--
	return true
}

func (a *Allocator) setRefcount(pa uintptr, v uint16) {
	r := a.regionFor(pa)
	r.Lock()
	r.refcs[r.indexOf(pa)] = v
	r.Unlock()
}

func (a *Allocator) cpuCache() *percpuCache {
	id := a.CurrentCPU()
	if id < 0 || id >= maxCPUs {
		return nil
	}
	return &a.percpu[id]
}

/// AllocFrames implements spec.md §4.3: take n*PageSize from the free
/// list and set each frame's refcount to 1. Returns the base of the
/// contiguous run. A single-frame request is first served from this
/// core's cache, the supplemental fast path grounded on the teacher's
/// Physmem_t.percpu sharding.
func (a *Allocator) AllocFrames(n int) (uintptr, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	if n == 1 {
		if c := a.cpuCache(); c != nil {
			c.Lock()
			if l := len(c.frames); l > 0 {
				pa := c.frames[l-1]
				c.frames = c.frames[:l-1]
				c.Unlock()
				a.setRefcount(pa, 1)
				return pa, 0
			}
			c.Unlock()
		}
	}
	base, ok := a.free.Take(uintptr(n) * PageSize)
	if !ok {
		// Frames parked in per-CPU caches are still free: hand them
		// back to the shared list before reporting exhaustion.
		for i := range a.percpu {
			c := &a.percpu[i]
			c.Lock()
			for _, pa := range c.frames {
				a.free.Add(pa, PageSize)
			}
			c.frames = c.frames[:0]
			c.Unlock()
		}
		base, ok = a.free.Take(uintptr(n) * PageSize)
	}
	if !ok {
		return 0, defs.ENOMEM
	}
	for i := 0; i < n; i++ {
		a.setRefcount(base+uintptr(i)*PageSize, 1)
	}
	return base, 0
}

/// ReleaseFrames implements spec.md §4.3: every frame in the range
/// must have refcount exactly 1 (sole ownership); releasing a shared
/// frame without first decrementing its count is a programming error
/// and is fatal, since a caller that shared a frame must decrement
/// explicitly and free only when the counter reaches zero.
func (a *Allocator) ReleaseFrames(base uintptr, n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		pa := base + uintptr(i)*PageSize
		r := a.regionFor(pa)
		r.Lock()
		idx := r.indexOf(pa)
		if r.refcs[idx] != 1 {
			ref := r.refcs[idx]
			r.Unlock()
			defs.Panicf("frame", "ReleaseFrames: frame %#x has refcount %d, want 1", pa, ref)
		}
		r.refcs[idx] = 0
		r.Unlock()
	}
	if n == 1 {
		if c := a.cpuCache(); c != nil {
			c.Lock()
			if len(c.frames) < percpuCacheMax {
				c.frames = append(c.frames, base)
				c.Unlock()
				return
			}
			c.Unlock()
		}
	}
	a.free.Add(base, uintptr(n)*PageSize)
}

/// Stats summarizes live allocator state for diagnostics (spec.md's
/// teacher-derived supplement, see SPEC_FULL.md §9).
type Stats struct {
	FreeBytes    uintptr
	RegionCount  int
	CachedFrames int
}

/// Stats reports the current free-byte total, region count, and
/// number of frames parked in per-CPU caches — generalizes the
/// teacher's Physmem_t.Pgcount.
func (a *Allocator) Stats() Stats {
	s := Stats{FreeBytes: a.free.Total()}
	a.mu.Lock()
	s.RegionCount = len(a.regions)
	a.mu.Unlock()
	for i := range a.percpu {
		a.percpu[i].Lock()
		s.CachedFrames += len(a.percpu[i].frames)
		a.percpu[i].Unlock()
	}
	return s
}
