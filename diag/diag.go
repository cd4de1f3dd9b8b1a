// Package diag implements the kernel's memory diagnostics: a pprof
// export of the frame allocator's live statistics, and an oops-style
// instruction dump at the faulting RIP of a fatal page fault. Neither
// is a named spec component; both supplement C3 and C8 the way the
// teacher exposes allocator and fault state through its own
// /proc-style statistics and profiling devices, just routed through a
// Go profile.Profile instead of a character device.
package diag

import (
	"fmt"
	"strings"

	"github.com/google/pprof/profile"
	"golang.org/x/arch/x86/x86asm"

	"kestrel/frame"
	"kestrel/linear"
)

/// FrameProfile snapshots stats into a pprof profile with one sample
/// per accounting bucket: free bytes, per-CPU cached bytes, and the
/// region count (a plain count, not bytes), so an
/// external profiler attached to the running kernel can render
/// allocator occupancy the same way it renders a heap profile.
func FrameProfile(stats frame.Stats) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "bytes", Unit: "bytes"}},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}
	p.Sample = append(p.Sample,
		&profile.Sample{
			Value: []int64{int64(stats.FreeBytes)},
			Label: map[string][]string{"bucket": {"free"}},
		},
		&profile.Sample{
			Value: []int64{int64(stats.CachedFrames) * int64(frame.PageSize)},
			Label: map[string][]string{"bucket": {"percpu_cached"}},
		},
		&profile.Sample{
			Value: []int64{int64(stats.RegionCount)},
			Label: map[string][]string{"bucket": {"region_count"}},
		},
	)
	return p
}

/// DumpFault disassembles up to maxInsns instructions starting at rip,
/// reading code bytes through toPhys+the linear window, and formats an
/// oops-style listing for the fatal page-fault path (spec.md §4.8).
/// toPhys resolves a faulting thread's own virtual address space, so
/// the dump reflects what the thread was actually executing.
func DumpFault(rip uintptr, toPhys func(va uintptr) (uintptr, bool), maxInsns int) string {
	var b strings.Builder
	addr := rip
	for i := 0; i < maxInsns; i++ {
		phys, ok := toPhys(addr)
		if !ok {
			fmt.Fprintf(&b, "%#x: <unmapped>\n", addr)
			break
		}
		code := linear.ReadBytes(phys, 16)
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			fmt.Fprintf(&b, "%#x: <bad instruction: %v>\n", addr, err)
			break
		}
		fmt.Fprintf(&b, "%#x: %s\n", addr, x86asm.GNUSyntax(inst, uint64(addr), nil))
		addr += uintptr(inst.Len)
	}
	return b.String()
}

/// ValidateCodeSection decodes code sequentially and reports whether
/// every byte belongs to a well-formed instruction, used by boot to
/// refuse mapping a kernel section RX if its head does not disassemble
/// cleanly (spec.md §4.9's "refuse overlapping sections" neighbor
/// check, extended to a basic well-formedness check the teacher's
/// static ELF loader never needed but a from-scratch boot path should).
func ValidateCodeSection(code []byte) bool {
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 64)
		if err != nil || inst.Len == 0 {
			return false
		}
		code = code[inst.Len:]
	}
	return true
}
