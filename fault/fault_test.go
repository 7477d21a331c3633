package fault

import (
	"sync"
	"testing"

	"mipsvm/frame"
	"mipsvm/machine"
	"mipsvm/ptable"
	"mipsvm/tlb"
	"mipsvm/vmerr"
)

// testSpace is a minimal AddressSpace: one page directory and a
// single fixed region covering npages pages starting at base.
type testSpace struct {
	dir    *ptable.Directory
	perm   Perm
	base   machine.Vaddr
	npages int

	// heapGuard, if nonzero, makes HeapFault true at and beyond it,
	// standing in for a heap region's current break.
	heapGuard machine.Vaddr
}

func (s *testSpace) Directory() *ptable.Directory { return s.dir }

func (s *testSpace) HeapFault(va machine.Vaddr) bool {
	return s.heapGuard != 0 && va >= s.heapGuard
}

func (s *testSpace) Lookup(va machine.Vaddr) (Perm, bool) {
	end := s.base + machine.Vaddr(s.npages*machine.PageSize)
	if va < s.base || va >= end {
		return Perm{}, false
	}
	return s.perm, true
}

func newTestHandler(pages, numTLB int) (*Handler, *machine.Sim) {
	sim := machine.NewSim(0, pages*machine.PageSize, numTLB)
	ft := frame.New(sim, sim)
	ft.Bootstrap()
	dev := tlb.New(sim)
	return New(ft, sim, dev, sim), sim
}

func TestHandleOutsideAnyRegionIsEFAULT(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true}, base: 0x1000, npages: 1}

	if _, err := h.Handle(sp, 0x5000, Read); err != vmerr.EFAULT {
		t.Fatalf("Handle outside region = %v, want EFAULT", err)
	}
}

func TestHandleWriteToReadOnlyRegionIsEFAULT(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true, W: false}, base: 0x1000, npages: 1}

	if _, err := h.Handle(sp, 0x1000, Write); err != vmerr.EFAULT {
		t.Fatalf("Handle write to read-only region = %v, want EFAULT", err)
	}
}

func TestHandleReadOnlyFaultIsAlwaysEFAULT(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true, W: true}, base: 0x1000, npages: 1}

	if _, err := h.Handle(sp, 0x1000, ReadOnly); err != vmerr.EFAULT {
		t.Fatalf("Handle ReadOnly against a writable region = %v, want EFAULT", err)
	}
}

func TestHandleReadFaultRequiresRegionR(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: false, W: true}, base: 0x1000, npages: 1}

	if _, err := h.Handle(sp, 0x1000, Read); err != vmerr.EFAULT {
		t.Fatalf("Handle read against a non-readable region = %v, want EFAULT", err)
	}
}

func TestHandleHeapFaultBeyondBreakIsEFAULT(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true, W: true}, base: 0x1000, npages: 1, heapGuard: 0x1000}

	if _, err := h.Handle(sp, 0x1000, Write); err != vmerr.EFAULT {
		t.Fatalf("Handle write at the heap guard = %v, want EFAULT", err)
	}
}

func TestHandleReadFaultInstallsMapping(t *testing.T) {
	h, sim := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true, W: true}, base: 0x1000, npages: 1}

	pbase, err := h.Handle(sp, 0x1000, Read)
	if err != 0 {
		t.Fatalf("Handle: %v", err)
	}

	entry, _ := sp.dir.Walk(h.ft, 0x1000, false)
	if entry == nil || entry.PBase != pbase {
		t.Fatal("page table entry missing or mismatched after fault")
	}

	found := false
	for i := 0; i < sim.NumEntries(); i++ {
		hi, lo := sim.Read(i)
		if hi == 0x1000 && lo&tlb.Valid != 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("fault handling must install a valid TLB entry for the faulting page")
	}
}

func TestHandleWriteFaultSplitsSharedFrame(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true, W: true}, base: 0x1000, npages: 1}

	// Prime a shared mapping the way addrspace.Copy would.
	entry, _ := sp.dir.Walk(h.ft, 0x1000, true)
	nd := sp.dir.Copy()
	sibling := &testSpace{dir: nd, perm: sp.perm, base: sp.base, npages: sp.npages}

	if !entry.Shared() {
		t.Fatal("setup expected a shared entry before the write fault")
	}

	if _, err := h.Handle(sibling, 0x1000, Write); err != 0 {
		t.Fatalf("Handle write fault: %v", err)
	}

	siblingEntry, _ := nd.Walk(h.ft, 0x1000, false)
	if siblingEntry.PBase == entry.PBase {
		t.Fatal("write fault must detach the sibling onto its own frame")
	}
	if siblingEntry.Shared() {
		t.Fatal("sibling entry must be exclusive after its write fault")
	}
}

func TestHandleConcurrentIdenticalFaultsDeduplicate(t *testing.T) {
	h, _ := newTestHandler(4, 4)
	sp := &testSpace{dir: ptable.NewDirectory(), perm: Perm{R: true, W: true}, base: 0x1000, npages: 1}

	const n = 8
	results := make([]machine.Paddr, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			p, err := h.Handle(sp, 0x1000, Read)
			if err != 0 {
				t.Errorf("Handle goroutine %d: %v", i, err)
			}
			results[i] = p
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent identical faults returned different frames: %v", results)
		}
	}
}
