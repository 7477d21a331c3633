// Package vmerr defines the small POSIX-style error taxonomy the VM
// subsystem reports at the kernel boundary.
package vmerr

import "fmt"

// Err_t is a kernel-boundary error code. The zero value means success;
// functions that can fail return a positive Err_t (never negative —
// unlike the C original, Go callers compare against the named
// constants directly rather than testing sign).
type Err_t int

const (
	// EFAULT: no process/address space, unresolvable region, heap
	// access past break, read of non-readable, write of non-writable.
	EFAULT Err_t = iota + 1
	// EINVAL: unknown fault type, heap shrink below base, heap grow
	// into the stack guard.
	EINVAL
	// ENOMEM: frame allocation exhausted, or metadata allocation failed.
	ENOMEM
	// ENOHEAP: kernel ran out of heap while servicing a user copy.
	ENOHEAP
	// ENAMETOOLONG: a bounded copy (e.g. a string) exceeded its limit.
	ENAMETOOLONG
)

var names = map[Err_t]string{
	EFAULT:       "EFAULT",
	EINVAL:       "EINVAL",
	ENOMEM:       "ENOMEM",
	ENOHEAP:      "ENOHEAP",
	ENAMETOOLONG: "ENAMETOOLONG",
}

// Error implements the error interface so an Err_t can be returned
// anywhere stdlib code expects one, without losing the kernel-style
// named-constant comparisons callers already do.
func (e Err_t) Error() string {
	if e == 0 {
		return "success"
	}
	if n, ok := names[e]; ok {
		return n
	}
	return fmt.Sprintf("vmerr.Err_t(%d)", int(e))
}

// Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == 0
}
