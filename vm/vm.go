// Package vm is the facade a kernel exposes to the rest of itself
// (spec.md §6): it wires the frame table, page directories, region
// lists, the TLB device and the fault handler into the small surface
// callers outside this module actually see — vm_bootstrap, vm_fault,
// vm_tlbshootdown_*, as_create/copy/destroy/activate/deactivate,
// alloc_kpages/free_kpages/getppages, sbrk.
package vm

import (
	"io"

	"mipsvm/addrspace"
	"mipsvm/diag"
	"mipsvm/fault"
	"mipsvm/frame"
	"mipsvm/machine"
	"mipsvm/ptable"
	"mipsvm/tlb"
	"mipsvm/vmerr"
)

// Re-exported constants from spec.md §6's "Constants exposed" list.
const (
	USERSTACK        = addrspace.USERSTACK
	USERStackPages   = addrspace.USERStackPages
	PageTableOneSize = ptable.PageTableOneSize
	PageTableTwoSize = ptable.PageTableTwoSize
)

// FaultType is the reason vm_fault was called.
type FaultType = fault.Kind

const (
	FaultRead     = fault.Read
	FaultWrite    = fault.Write
	FaultReadOnly = fault.ReadOnly
)

// AddressSpace is the handle the rest of the kernel holds per process.
type AddressSpace = addrspace.AddressSpace

// Subsystem bundles the kernel-wide singletons shared by every
// address space: one frame table and one TLB device. It is built once
// at kernel startup and bootstrapped once memory sizing is known.
type Subsystem struct {
	Frames   *frame.Table
	TLB      *tlb.Device
	Counters *diag.Counters

	faults *fault.Handler
	mem    machine.MemoryView
	ic     machine.InterruptController
}

// New wires a Subsystem around the given collaborators. It does not
// claim any memory yet; call Bootstrap once the platform can report
// RAM sizing (mirrors vm_bootstrap being a distinct, later call from
// kernel main in original_source/kern/main/main.c).
func New(plat machine.Platform, mem machine.MemoryView, rawTLB machine.TLB, ic machine.InterruptController) *Subsystem {
	ft := frame.New(plat, mem)
	dev := tlb.New(rawTLB)
	counters := &diag.Counters{}
	ft.Counters = counters
	dev.Counters = counters

	h := fault.New(ft, mem, dev, ic)
	h.Counters = counters

	return &Subsystem{Frames: ft, TLB: dev, Counters: counters, faults: h, mem: mem, ic: ic}
}

// Bootstrap is vm_bootstrap.
func (s *Subsystem) Bootstrap() {
	s.Frames.Bootstrap()
}

// Fault is vm_fault: resolve one TLB miss for va against as, of the
// given kind, installing a TLB mapping on success.
func (s *Subsystem) Fault(as *AddressSpace, va machine.Vaddr, kind FaultType) vmerr.Err_t {
	_, err := s.faults.Handle(as, va, kind)
	return err
}

// ShootdownAll is vm_tlbshootdown_all: invalidate every TLB entry,
// used on every address-space switch.
func (s *Subsystem) ShootdownAll() {
	s.TLB.InvalidateAll(s.ic)
}

// ShootdownOne is vm_tlbshootdown. Fatal: this configuration has no
// second CPU to target a single entry's invalidation at.
func (s *Subsystem) ShootdownOne(va machine.Vaddr) {
	s.TLB.ShootdownOne(va)
}

// CreateAddressSpace is as_create.
func (s *Subsystem) CreateAddressSpace() *AddressSpace {
	return addrspace.Create(s.Frames, s.mem)
}

// CopyAddressSpace is as_copy.
func (s *Subsystem) CopyAddressSpace(as *AddressSpace) *AddressSpace {
	return as.Copy()
}

// DestroyAddressSpace is as_destroy.
func (s *Subsystem) DestroyAddressSpace(as *AddressSpace) {
	as.Destroy()
}

// ActivateAddressSpace is as_activate.
func (s *Subsystem) ActivateAddressSpace(as *AddressSpace) {
	as.Activate(s.TLB, s.ic)
}

// DeactivateAddressSpace is as_deactivate.
func (s *Subsystem) DeactivateAddressSpace(as *AddressSpace) {
	as.Deactivate(s.TLB, s.ic)
}

// GetPPages is getppages: allocate n contiguous physical frames.
// Only n == 1 succeeds once Bootstrap has run (frame.Table.GetFrames).
func (s *Subsystem) GetPPages(n int) (machine.Paddr, vmerr.Err_t) {
	return s.Frames.GetFrames(n)
}

// AllocKPages is alloc_kpages: like GetPPages, but named for a kernel
// caller that means to treat the result as a kernel-virtual address.
// There is no separate kernel virtual address space modeled here — the
// MemoryView collaborator already stands in for the direct-map alias
// original_source's PADDR_TO_KVADDR performs.
func (s *Subsystem) AllocKPages(n int) (machine.Paddr, vmerr.Err_t) {
	return s.GetPPages(n)
}

// FreeKPages is free_kpages.
func (s *Subsystem) FreeKPages(p machine.Paddr) vmerr.Err_t {
	return s.Frames.FreeFrame(p)
}

// Sbrk is sbrk: grow or shrink as's heap break by increment bytes and
// return the break's prior value.
func (s *Subsystem) Sbrk(as *AddressSpace, increment int) (machine.Vaddr, vmerr.Err_t) {
	return as.Sbrk(increment)
}

// DiagSnapshot aggregates the subsystem's counters with the frame
// table's current free count and the TLB device's current clock-hand
// position (spec.md §4.8).
func (s *Subsystem) DiagSnapshot() diag.Report {
	return diag.Snapshot(s.Counters, s.Frames.FreeCount(), s.TLB.ClockHand())
}

// WriteDiagProfile writes the subsystem's current diagnostics to w as
// a pprof profile, for post-mortem inspection after an ENOMEM.
func (s *Subsystem) WriteDiagProfile(w io.Writer) error {
	return diag.WriteProfile(w, s.DiagSnapshot())
}
