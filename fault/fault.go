// Package fault implements the TLB-miss fault handler (spec.md §4.5):
// region lookup, permission check, demand-paged page-table walk,
// copy-on-write split on a write fault, and TLB refill. Concurrent
// identical faults against the same address space and page collapse
// into a single page-table walk.
package fault

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"mipsvm/diag"
	"mipsvm/frame"
	"mipsvm/machine"
	"mipsvm/ptable"
	"mipsvm/tlb"
	"mipsvm/vmerr"
)

// Kind distinguishes why Handle was called, mirroring
// original_source/kern/vm/vm.c's VM_FAULT_READ / VM_FAULT_WRITE /
// VM_FAULT_READONLY.
type Kind int

const (
	Read Kind = iota
	Write
	ReadOnly
)

// Perm is the permission triple an address space's region lookup
// reports back to Handle.
type Perm struct {
	R, W, X bool
}

// AddressSpace is the subset of addrspace.AddressSpace the fault
// handler depends on: a page directory to walk, region lookup by
// faulting address, and the heap-guard test that catches a fault
// landing in the heap's reserved range but beyond its current break.
// Expressed as an interface so this package's only concrete domain
// dependencies are ptable, frame and tlb, the same cut
// original_source/kern/vm/vm.c makes by taking an as_t pointer and
// touching only as_regions/as_pages through it.
type AddressSpace interface {
	Directory() *ptable.Directory
	Lookup(va machine.Vaddr) (Perm, bool)
	HeapFault(va machine.Vaddr) bool
}

// Handler ties a frame allocator, a TLB device and an interrupt
// controller together into vm_fault. Its only mutable state is the
// singleflight group that deduplicates concurrent identical faults.
type Handler struct {
	ft  *frame.Table
	mem machine.MemoryView
	dev *tlb.Device
	ic  machine.InterruptController

	inflight singleflight.Group

	// Counters is optional; nil means diagnostics are not collected.
	Counters *diag.Counters
}

// New builds a fault handler around the given frame allocator, memory
// view, TLB device and interrupt controller.
func New(ft *frame.Table, mem machine.MemoryView, dev *tlb.Device, ic machine.InterruptController) *Handler {
	return &Handler{ft: ft, mem: mem, dev: dev, ic: ic}
}

// Handle resolves one TLB miss for virtual address va in address
// space as, of the given kind, and returns the physical frame now
// mapped for it, installing that mapping in the TLB before returning.
// It follows spec.md §4.5's procedure in order:
//
//  1. Region lookup; no region is vmerr.EFAULT.
//  2. Heap guard: a fault inside the heap's reserved range but at or
//     beyond the current break is vmerr.EFAULT.
//  3. Permission check against kind: ReadOnly is always a program
//     error (a stray write to a read-only mapping; COW splits a
//     shared page before this state can be reached) and always fails;
//     Read requires region.R; Write requires region.W; any other kind
//     is vmerr.EINVAL.
//  4. Page walk with create=true, COW split on a write fault, and a
//     TLB refill whose dirty bit is set iff the region is writable.
func (h *Handler) Handle(as AddressSpace, va machine.Vaddr, kind Kind) (machine.Paddr, vmerr.Err_t) {
	perm, ok := as.Lookup(va)
	if !ok {
		h.Counters.IncProtectionFault()
		return 0, vmerr.EFAULT
	}
	if as.HeapFault(va) {
		h.Counters.IncProtectionFault()
		return 0, vmerr.EFAULT
	}

	switch kind {
	case ReadOnly:
		h.Counters.IncProtectionFault()
		return 0, vmerr.EFAULT
	case Read:
		if !perm.R {
			h.Counters.IncProtectionFault()
			return 0, vmerr.EFAULT
		}
	case Write:
		if !perm.W {
			h.Counters.IncProtectionFault()
			return 0, vmerr.EFAULT
		}
	default:
		return 0, vmerr.EINVAL
	}

	preexisting, _ := as.Directory().Walk(h.ft, va, false)

	key := faultKey(as, va)
	v, err, _ := h.inflight.Do(key, func() (interface{}, error) {
		entry, verr := as.Directory().Walk(h.ft, va, true)
		if verr != 0 {
			h.Counters.IncOOM()
			return nil, verr
		}
		if preexisting == nil {
			h.Counters.IncDemandZero()
		}
		if kind != Read {
			wasShared := entry.Shared()
			if verr := entry.Split(h.ft, h.mem); verr != 0 {
				h.Counters.IncOOM()
				return nil, verr
			}
			if wasShared {
				h.Counters.IncCowSplit()
			}
		}
		return entry.PBase, nil
	})
	if err != nil {
		return 0, err.(vmerr.Err_t)
	}
	pbase := v.(machine.Paddr)

	h.dev.Refill(h.ic, va, pbase, perm.W)
	return pbase, 0
}

// faultKey identifies one (address space, page) pair for the
// singleflight group. The address space's own pointer identity is
// enough since no two distinct address spaces are ever the same
// object.
func faultKey(as AddressSpace, va machine.Vaddr) string {
	page := va &^ machine.Vaddr(machine.PageOffsetMask)
	return fmt.Sprintf("%p:%d", as, page)
}
