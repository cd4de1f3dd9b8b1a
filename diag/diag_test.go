package diag

import (
	"strings"
	"testing"
	"unsafe"

	"kestrel/frame"
	"kestrel/linear"
)

func installFakeRAM(t *testing.T, size int) []byte {
	t.Helper()
	ram := make([]byte, size)
	old := linear.Access
	linear.Access = func(pa uintptr) unsafe.Pointer {
		if int(pa) >= len(ram) {
			t.Fatalf("out of simulated RAM: pa=%#x", pa)
		}
		return unsafe.Pointer(&ram[pa])
	}
	t.Cleanup(func() { linear.Access = old })
	return ram
}

func TestFrameProfileReportsBuckets(t *testing.T) {
	p := FrameProfile(frame.Stats{FreeBytes: 8192, RegionCount: 2, CachedFrames: 3})
	if len(p.Sample) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(p.Sample))
	}
	if p.Sample[0].Value[0] != 8192 {
		t.Fatalf("got %d", p.Sample[0].Value[0])
	}
	if got := p.Sample[1].Value[0]; got != 3*int64(frame.PageSize) {
		t.Fatalf("got %d", got)
	}
}

func TestDumpFaultDecodesInstructions(t *testing.T) {
	ram := installFakeRAM(t, 64)
	copy(ram, []byte{0x90, 0x90, 0xc3}) // nop; nop; ret

	identity := func(va uintptr) (uintptr, bool) { return va, true }
	out := DumpFault(0, identity, 3)
	if !strings.Contains(out, "NOP") && !strings.Contains(out, "nop") {
		t.Fatalf("expected nop decoded, got %q", out)
	}
	if strings.Contains(out, "bad instruction") || strings.Contains(out, "unmapped") {
		t.Fatalf("unexpected decode failure: %q", out)
	}
}

func TestDumpFaultStopsOnUnmapped(t *testing.T) {
	unmapped := func(uintptr) (uintptr, bool) { return 0, false }
	out := DumpFault(0x1000, unmapped, 3)
	if !strings.Contains(out, "unmapped") {
		t.Fatalf("expected unmapped marker, got %q", out)
	}
}

func TestValidateCodeSectionAcceptsWellFormedStream(t *testing.T) {
	code := []byte{0x90, 0x90, 0xc3}
	if !ValidateCodeSection(code) {
		t.Fatal("expected well-formed nop/ret stream to validate")
	}
}

func TestValidateCodeSectionRejectsTruncatedInstruction(t *testing.T) {
	code := []byte{0xb8} // mov eax, imm32 missing its 4 operand bytes
	if ValidateCodeSection(code) {
		t.Fatal("expected truncated instruction to fail validation")
	}
}
