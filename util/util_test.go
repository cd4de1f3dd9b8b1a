package util

import "testing"

func TestRounddown(t *testing.T) {
	if got := Rounddown(4097, 4096); got != 4096 {
		t.Fatalf("got %d", got)
	}
	if got := Rounddown(uintptr(4096), uintptr(4096)); got != 4096 {
		t.Fatalf("got %d", got)
	}
}

func TestRoundup(t *testing.T) {
	if got := Roundup(1, 4096); got != 4096 {
		t.Fatalf("got %d", got)
	}
	if got := Roundup(4096, 4096); got != 4096 {
		t.Fatalf("got %d", got)
	}
}
