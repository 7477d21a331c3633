// Package tlb encapsulates the fixed-size, software-managed
// translation lookaside buffer behind an object whose only operations
// are write, invalidate-all and next-victim selection (spec.md §4.6,
// §9). Refill and InvalidateAll raise interrupt priority themselves,
// through the InterruptController their caller passes in.
package tlb

import (
	"sync"

	"mipsvm/diag"
	"mipsvm/machine"
)

// Dirty and Valid are the EntryLo bits the fault handler and
// Device.Refill compose: Dirty clear makes an otherwise-present
// mapping trap on write, which is how read-only regions are enforced.
const (
	Dirty uint32 = 1 << 10
	Valid uint32 = 1 << 9
)

// Device wraps a machine.TLB with a monotonically advancing
// clock-hand replacement policy: every refill overwrites the pointed
// slot unconditionally, no reference-bit sweep.
type Device struct {
	mu        sync.Mutex
	raw       machine.TLB
	clockHand int

	// Counters is optional; nil means diagnostics are not collected.
	Counters *diag.Counters
}

// New wraps raw in a clock-hand replacement policy.
func New(raw machine.TLB) *Device {
	return &Device{raw: raw}
}

// NumEntries reports the size of the underlying TLB.
func (d *Device) NumEntries() int {
	return d.raw.NumEntries()
}

// ClockHand reports the index the next Refill will evict.
func (d *Device) ClockHand() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clockHand
}

// nextVictim advances and returns the clock hand.
func (d *Device) nextVictim() int {
	d.mu.Lock()
	idx := d.clockHand
	d.clockHand = (d.clockHand + 1) % d.raw.NumEntries()
	d.mu.Unlock()
	return idx
}

// Refill installs a mapping for the page containing vaddr at the
// clock hand's slot, bracketed by the interrupt controller's raised
// priority (spec.md §4.6: "interrupts are raised high around every
// tlb_read/tlb_write sequence"). It returns the slot written.
func (d *Device) Refill(ic machine.InterruptController, vaddr machine.Vaddr, paddr machine.Paddr, dirty bool) int {
	prior := ic.RaiseIPL()
	defer ic.LowerIPL(prior)

	idx := d.nextVictim()
	ehi := uint32(vaddr) &^ machine.PageOffsetMask
	elo := uint32(paddr) | Valid
	if dirty {
		elo |= Dirty
	}
	d.raw.Write(idx, ehi, elo)
	d.Counters.IncTlbRefill()
	return idx
}

// InvalidateAll writes a sentinel invalid tag to every slot. Called on
// address-space activate/deactivate.
func (d *Device) InvalidateAll(ic machine.InterruptController) {
	prior := ic.RaiseIPL()
	defer ic.LowerIPL(prior)

	n := d.raw.NumEntries()
	for i := 0; i < n; i++ {
		d.raw.Write(i, invalidHi(i), 0)
	}
	d.Counters.IncTlbShootdown()
}

// ShootdownOne is not supported in this uniprocessor configuration; it
// is fatal if invoked, matching spec.md §4.6.
func (d *Device) ShootdownOne(machine.Vaddr) {
	panic("tlb: per-entry shootdown is not supported in the uniprocessor configuration")
}

func invalidHi(slot int) uint32 {
	return 0x80000000 | uint32(slot)
}
