// Package pagepool implements the kernel and per-address-space user
// virtual page pools (spec component C4): each is one range list over
// a fixed virtual window, handing out contiguous page runs.
package pagepool

import (
	"kestrel/defs"
	"kestrel/rangelist"
)

/// PageSize is the page granularity of every allocation.
const PageSize = rangelist.PageSize

/// Pool is a free-page range list over one virtual window. The
/// kernel has exactly one Pool, shared process-wide; every address
/// space owns one more for its user window (spec.md §4.4).
type Pool struct {
	rl rangelist.List_t
}

/// New creates a pool covering the half-open window [base, limit).
func New(base, limit uintptr) *Pool {
	p := &Pool{}
	if limit > base {
		p.rl.Add(base, limit-base)
	}
	return p
}

/// AllocPages reserves n contiguous pages, from the bottom of the
/// window unless fromTop is set (used by the stack allocator to grow
/// stacks downward from the top of the window).
func (p *Pool) AllocPages(n int, fromTop bool) (uintptr, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	length := uintptr(n) * PageSize
	var base uintptr
	var ok bool
	if fromTop {
		base, ok = p.rl.TakeFromTop(length)
	} else {
		base, ok = p.rl.Take(length)
	}
	if !ok {
		return 0, defs.ENOMEM
	}
	return base, 0
}

/// ReleasePages returns n pages starting at base to the pool.
func (p *Pool) ReleasePages(base uintptr, n int) {
	if n <= 0 {
		return
	}
	p.rl.Add(base, uintptr(n)*PageSize)
}

/// FreeBytes reports the total free virtual space remaining.
func (p *Pool) FreeBytes() uintptr {
	return p.rl.Total()
}

/// Ranges exposes the underlying free ranges for diagnostics/tests.
func (p *Pool) Ranges() []rangelist.Range_t {
	return p.rl.Ranges()
}

/// Clone returns a new pool with an independent copy of this pool's
/// free ranges, used by address-space clone (spec.md §4.7 step 4) to
/// hand the child the parent's exact free-page list rather than a
/// fresh full-window pool.
func (p *Pool) Clone() *Pool {
	c := &Pool{}
	for _, r := range p.rl.Ranges() {
		c.rl.Add(r.Base, r.Len())
	}
	return c
}
