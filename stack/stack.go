// Package stack implements the stack allocator (spec component C11):
// reserve a virtual range with a leading unmapped guard page, then map
// every page above it to a freshly allocated frame. Grounded on the
// teacher's Vm_t.Vmadd_anon call sites for kernel/user stacks, which
// reserve a region and let the fault handler populate it lazily; here
// the spec calls for eager population instead, so map happens up
// front and the guard page is simply never mapped.
package stack

import (
	"kestrel/aspace"
	"kestrel/defs"
	"kestrel/pagepool"
	"kestrel/paging"
)

/// PageSize is the stack allocator's page granularity.
const PageSize = paging.PageSize

/// Stack describes a mapped stack: Top is the end address (exclusive,
/// the initial stack pointer), Base is the first mapped page, and
/// GuardBase is the unmapped overflow-guard page below Base.
type Stack struct {
	GuardBase uintptr
	Base      uintptr
	Top       uintptr
	pages     int
}

/// MapStack implements spec.md §4.11: round size up to a whole number
/// of pages, add one guard page, reserve page_count+1 pages from the
/// top of pool, map the upper page_count pages RW (+USER for user
/// stacks), and leave the bottom page unmapped.
func MapStack(k *aspace.Kernel, s *aspace.Space, pool *pagepool.Pool, size int, isUser bool) (Stack, defs.Err_t) {
	if size <= 0 {
		return Stack{}, defs.EINVAL
	}
	pageCount := (size + PageSize - 1) / PageSize
	base, err := pool.AllocPages(pageCount+1, true)
	if err != 0 {
		return Stack{}, err
	}

	perm := paging.RW
	if isUser {
		perm |= paging.USER
	}

	mappedBase := base + PageSize
	for i := 0; i < pageCount; i++ {
		va := mappedBase + uintptr(i)*PageSize
		frame, ferr := k.Frames.AllocFrames(1)
		if ferr != 0 {
			unwindStack(k, s, mappedBase, i)
			pool.ReleasePages(base, pageCount+1)
			return Stack{}, ferr
		}
		if merr := k.Map(s, va, frame, 1, perm); merr != 0 {
			k.Frames.ReleaseFrames(frame, 1)
			unwindStack(k, s, mappedBase, i)
			pool.ReleasePages(base, pageCount+1)
			return Stack{}, merr
		}
	}

	top := mappedBase + uintptr(pageCount)*PageSize
	return Stack{GuardBase: base, Base: mappedBase, Top: top, pages: pageCount}, 0
}

func unwindStack(k *aspace.Kernel, s *aspace.Space, mappedBase uintptr, mapped int) {
	for i := 0; i < mapped; i++ {
		k.Unmap(s, mappedBase+uintptr(i)*PageSize, 1)
	}
}

/// UnmapStack reverses MapStack: unmaps and releases every mapped
/// frame, then returns the whole reserved virtual range, guard page
/// included, to pool.
func UnmapStack(k *aspace.Kernel, s *aspace.Space, pool *pagepool.Pool, st Stack) defs.Err_t {
	if err := k.Unmap(s, st.Base, st.pages); err != 0 {
		return err
	}
	pool.ReleasePages(st.GuardBase, st.pages+1)
	return 0
}
