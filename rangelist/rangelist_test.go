package rangelist

import "testing"

const pg = PageSize

func mustPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	f()
}

func TestAddCoalescesAdjacent(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	l.Add(pg, pg)
	rs := l.Ranges()
	if len(rs) != 1 || rs[0] != (Range_t{0, 2 * pg}) {
		t.Fatalf("got %+v", rs)
	}
}

func TestAddNonAdjacentStaysSeparate(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	l.Add(4*pg, pg)
	rs := l.Ranges()
	if len(rs) != 2 {
		t.Fatalf("got %+v", rs)
	}
}

func TestAddOverlapPanics(t *testing.T) {
	var l List_t
	l.Add(0, 4*pg)
	mustPanic(t, func() { l.Add(pg, pg) })
}

func TestAddUnalignedPanics(t *testing.T) {
	var l List_t
	mustPanic(t, func() { l.Add(1, pg) })
}

func TestRemoveSplitsRange(t *testing.T) {
	var l List_t
	l.Add(0, 4*pg)
	l.Remove(pg, pg)
	rs := l.Ranges()
	if len(rs) != 2 || rs[0] != (Range_t{0, pg}) || rs[1] != (Range_t{2 * pg, 4 * pg}) {
		t.Fatalf("got %+v", rs)
	}
}

func TestRemoveWholeRange(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	l.Add(4*pg, pg)
	l.Remove(0, pg)
	rs := l.Ranges()
	if len(rs) != 1 || rs[0] != (Range_t{4 * pg, 5 * pg}) {
		t.Fatalf("got %+v", rs)
	}
}

func TestRemoveUncoveredPanics(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	mustPanic(t, func() { l.Remove(pg, pg) })
}

func TestRemovePartiallyCoveredPanics(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	mustPanic(t, func() { l.Remove(0, 2*pg) })
}

func TestTakeFirstFit(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	l.Add(4*pg, 4*pg)
	base, ok := l.Take(2 * pg)
	if !ok || base != 4*pg {
		t.Fatalf("got base=%#x ok=%v", base, ok)
	}
	rs := l.Ranges()
	if len(rs) != 2 || rs[1] != (Range_t{6 * pg, 8 * pg}) {
		t.Fatalf("got %+v", rs)
	}
}

func TestTakeExhaustion(t *testing.T) {
	var l List_t
	l.Add(0, pg)
	if _, ok := l.Take(2 * pg); ok {
		t.Fatal("expected failure")
	}
}

func TestTakeFromTopReturnsUpperBase(t *testing.T) {
	var l List_t
	l.Add(0, 4*pg)
	base, ok := l.TakeFromTop(pg)
	if !ok || base != 3*pg {
		t.Fatalf("got base=%#x ok=%v", base, ok)
	}
	rs := l.Ranges()
	if len(rs) != 1 || rs[0] != (Range_t{0, 3 * pg}) {
		t.Fatalf("got %+v", rs)
	}
}

func TestRoundTripCoalescesBackToOriginal(t *testing.T) {
	var l List_t
	l.Add(0, 16*pg)
	var taken []uintptr
	for i := 0; i < 16; i++ {
		b, ok := l.Take(pg)
		if !ok {
			t.Fatalf("take %d failed", i)
		}
		taken = append(taken, b)
	}
	if _, ok := l.Take(pg); ok {
		t.Fatal("expected exhaustion")
	}
	for i := len(taken) - 1; i >= 0; i-- {
		l.Add(taken[i], pg)
	}
	rs := l.Ranges()
	if len(rs) != 1 || rs[0] != (Range_t{0, 16 * pg}) {
		t.Fatalf("got %+v", rs)
	}
}
