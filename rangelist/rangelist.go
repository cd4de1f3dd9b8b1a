// Package rangelist implements an ordered, disjoint set of half-open
// [base, limit) byte ranges (spec component C2), used as the free-frame
// pool, the free kernel-page window and each address space's free
// user-page window.
package rangelist

import (
	"sort"
	"sync"

	"kestrel/defs"
)

/// PageSize is the alignment granularity every range boundary must
/// respect; a violation is a programming error, not a runtime error.
const PageSize = 1 << 12

/// Range_t is one half-open [Base, Limit) span.
type Range_t struct {
	Base  uintptr
	Limit uintptr
}

/// Len returns the size of the range in bytes.
func (r Range_t) Len() uintptr {
	return r.Limit - r.Base
}

/// List_t is a sorted, coalesced, mutex-protected collection of
/// disjoint ranges. The zero value is an empty list ready to use.
type List_t struct {
	sync.Mutex
	rs []Range_t
}

func checkAligned(module string, vals ...uintptr) {
	for _, v := range vals {
		if v%PageSize != 0 {
			defs.Panicf(module, "unaligned value %#x", v)
		}
	}
}

// index of the first range whose Base >= base
func (l *List_t) lowerBound(base uintptr) int {
	return sort.Search(len(l.rs), func(i int) bool {
		return l.rs[i].Base >= base
	})
}

/// Add inserts [base, base+len) and coalesces it with any adjacent
/// range. It is a programming error (fatal) for the new range to
/// intersect an existing one.
func (l *List_t) Add(base, length uintptr) {
	checkAligned("rangelist", base, length)
	if length == 0 {
		return
	}
	limit := base + length

	l.Lock()
	defer l.Unlock()

	i := l.lowerBound(base)
	// check overlap/adjacency with predecessor
	if i > 0 && l.rs[i-1].Limit >= base {
		if l.rs[i-1].Limit > base {
			defs.Panicf("rangelist", "Add(%#x,%#x) overlaps [%#x,%#x)", base, length, l.rs[i-1].Base, l.rs[i-1].Limit)
		}
		if i < len(l.rs) && limit > l.rs[i].Base {
			defs.Panicf("rangelist", "Add(%#x,%#x) overlaps [%#x,%#x)", base, length, l.rs[i].Base, l.rs[i].Limit)
		}
		// exactly adjacent: merge into predecessor, fall through to
		// continue checking successors against the merged limit
		l.rs[i-1].Limit = limit
		i--
		l.coalesceForward(i)
		return
	}
	if i < len(l.rs) && limit >= l.rs[i].Base {
		if limit > l.rs[i].Base {
			defs.Panicf("rangelist", "Add(%#x,%#x) overlaps [%#x,%#x)", base, length, l.rs[i].Base, l.rs[i].Limit)
		}
		// exactly adjacent to successor: merge
		l.rs[i].Base = base
		l.coalesceForward(i)
		return
	}
	// no adjacency: insert fresh entry at i
	l.rs = append(l.rs, Range_t{})
	copy(l.rs[i+1:], l.rs[i:])
	l.rs[i] = Range_t{Base: base, Limit: limit}
}

// after extending l.rs[i], merge any now-adjacent successors into it.
func (l *List_t) coalesceForward(i int) {
	j := i + 1
	for j < len(l.rs) && l.rs[j].Base <= l.rs[i].Limit {
		if l.rs[j].Limit > l.rs[i].Limit {
			l.rs[i].Limit = l.rs[j].Limit
		}
		j++
	}
	if j > i+1 {
		l.rs = append(l.rs[:i+1], l.rs[j:]...)
	}
}

/// Remove subtracts [base, base+len) from the list, splitting a range
/// into two when the removed span lies strictly inside it. It is a
/// programming error (fatal) for the removed span not to be fully
/// covered by existing free ranges.
func (l *List_t) Remove(base, length uintptr) {
	checkAligned("rangelist", base, length)
	if length == 0 {
		return
	}
	limit := base + length

	l.Lock()
	defer l.Unlock()

	i := l.lowerBound(base + 1)
	if i == 0 {
		defs.Panicf("rangelist", "Remove(%#x,%#x): not covered", base, length)
	}
	i--
	r := l.rs[i]
	if r.Base > base || r.Limit < limit {
		defs.Panicf("rangelist", "Remove(%#x,%#x): not covered by [%#x,%#x)", base, length, r.Base, r.Limit)
	}
	switch {
	case r.Base == base && r.Limit == limit:
		l.rs = append(l.rs[:i], l.rs[i+1:]...)
	case r.Base == base:
		l.rs[i].Base = limit
	case r.Limit == limit:
		l.rs[i].Limit = base
	default:
		// split: shrink r to its left half, insert new right half after it
		right := Range_t{Base: limit, Limit: r.Limit}
		l.rs[i].Limit = base
		l.rs = append(l.rs, Range_t{})
		copy(l.rs[i+2:], l.rs[i+1:])
		l.rs[i+1] = right
	}
}

/// Take removes len bytes from the first range that fits and returns
/// its base. It returns (0, false) if no range is large enough.
func (l *List_t) Take(length uintptr) (uintptr, bool) {
	checkAligned("rangelist", length)
	if length == 0 {
		return 0, false
	}
	l.Lock()
	defer l.Unlock()

	for i := range l.rs {
		if l.rs[i].Len() >= length {
			base := l.rs[i].Base
			l.rs[i].Base += length
			if l.rs[i].Len() == 0 {
				l.rs = append(l.rs[:i], l.rs[i+1:]...)
			}
			return base, true
		}
	}
	return 0, false
}

/// TakeFromTop removes len bytes from the end of the last range that
/// fits and returns limit-len, used to grow stacks downward. It
/// returns (0, false) if no range is large enough.
func (l *List_t) TakeFromTop(length uintptr) (uintptr, bool) {
	checkAligned("rangelist", length)
	if length == 0 {
		return 0, false
	}
	l.Lock()
	defer l.Unlock()

	for i := len(l.rs) - 1; i >= 0; i-- {
		if l.rs[i].Len() >= length {
			l.rs[i].Limit -= length
			base := l.rs[i].Limit
			if l.rs[i].Len() == 0 {
				l.rs = append(l.rs[:i], l.rs[i+1:]...)
			}
			return base, true
		}
	}
	return 0, false
}

/// Ranges returns a snapshot copy of the current ranges, sorted by
/// base, for inspection (tests, diagnostics).
func (l *List_t) Ranges() []Range_t {
	l.Lock()
	defer l.Unlock()
	out := make([]Range_t, len(l.rs))
	copy(out, l.rs)
	return out
}

/// Total returns the sum of all free bytes in the list.
func (l *List_t) Total() uintptr {
	l.Lock()
	defer l.Unlock()
	var t uintptr
	for _, r := range l.rs {
		t += r.Len()
	}
	return t
}
