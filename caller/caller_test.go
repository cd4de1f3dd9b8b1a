package caller

import "testing"

func TestCallerdumpDoesNotPanic(t *testing.T) {
	Callerdump(0)
}
