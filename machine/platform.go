// Package machine defines the hardware/bootloader collaborator
// contracts the VM subsystem consumes (spec.md §6) and a software
// simulator satisfying them, so the subsystem is testable without a
// real MIPS board.
package machine

const (
	// PageShift is the base-2 exponent of the page size.
	PageShift = 12
	// PageSize is the size of a single page in bytes.
	PageSize = 1 << PageShift
	// PageOffsetMask masks the intra-page offset of an address.
	PageOffsetMask = PageSize - 1
)

// Paddr is a physical address.
type Paddr uintptr

// Vaddr is a virtual address.
type Vaddr uintptr

// PageFrame rounds a down to its containing page-frame address.
func PageFrame(a Paddr) Paddr {
	return a &^ PageOffsetMask
}

// Platform is the bootloader/hardware collaborator the frame table
// consumes at bootstrap and, before bootstrap, for the boot stealer.
type Platform interface {
	// RAMSize returns the physical memory range [low, high) handed to
	// the kernel at boot.
	RAMSize() (low, high Paddr)
	// StealMem satisfies a pre-bootstrap physical allocation of npages
	// contiguous pages and returns its base address, or 0 on failure.
	// Only valid before the frame table is bootstrapped.
	StealMem(npages int) Paddr
}

// MemoryView is the kernel-virtual direct-map alias: given a physical
// address it returns a byte slice backing that page, standing in for
// PADDR_TO_KVADDR plus an already-mapped kernel address space.
type MemoryView interface {
	View(p Paddr) []byte
}

// InterruptController models raising and lowering interrupt priority
// around a short critical section, e.g. a TLB read/write sequence.
type InterruptController interface {
	RaiseIPL() (prior int)
	LowerIPL(prior int)
}

// TLB models the fixed-size, software-managed translation lookaside
// buffer. It exposes only its size and per-slot write/read —
// invalidation is a write of an invalid tag, and interrupt masking belongs to the caller of these methods, not to
// the device itself.
type TLB interface {
	NumEntries() int
	Write(index int, ehi, elo uint32)
	Read(index int) (ehi, elo uint32)
}
