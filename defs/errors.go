package defs

import (
	"fmt"

	"kestrel/caller"
)

/// Err_t is the kernel's errno-style error code. Zero means success;
/// negative values name one of the errors below. Matches the calling
/// convention used throughout the teacher codebase (Sys_pgfault,
/// Cb_init, MkFile, ...): every fallible kernel operation returns one
/// of these instead of the standard library error interface, since
/// the memory manager runs before `errors.New` has anywhere to put an
/// allocation.
type Err_t int

const (
	/// EINVAL means an alignment or canonicalisation precondition was
	/// violated by the caller.
	EINVAL Err_t = -1
	/// ENOMEM means a frame or page pool was exhausted, or a
	/// reference count saturated.
	ENOMEM Err_t = -2
	/// EEXIST means a mapping was requested over an already-present
	/// one.
	EEXIST Err_t = -3
	/// ENOTMAPPED means unmap/translate targeted an unmapped range.
	ENOTMAPPED Err_t = -4
	/// EOOB means a kernel virtual address fell outside the kernel
	/// window.
	EOOB Err_t = -5
	/// EPERM means an operation (destroying the kernel address
	/// space) is not permitted.
	EPERM Err_t = -6
	/// EFAULT means a page fault could not be resolved: access to an
	/// unmapped address, a write to a read-only non-COW page, or any
	/// other permission violation the fault handler cannot repair.
	EFAULT Err_t = -7
)

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EINVAL:
		return "invalid argument"
	case ENOMEM:
		return "out of memory"
	case EEXIST:
		return "already exists"
	case ENOTMAPPED:
		return "not mapped"
	case EOOB:
		return "out of bound"
	case EPERM:
		return "unauthorized"
	case EFAULT:
		return "bad address"
	default:
		return fmt.Sprintf("err_t(%d)", int(e))
	}
}

/// Panicf reports an internal consistency violation: a double-free, a
/// refcount underflow, a corrupted page-table walk. These indicate
/// memory safety is already lost, so the kernel panics rather than
/// returning an error, recording the originating module and a call
/// chain the way the teacher's caller.Callerdump does.
func Panicf(module, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	caller.Callerdump(2)
	panic(fmt.Sprintf("[%s] fatal: %s", module, msg))
}
