package machine

import "sync"

// Sim is an in-process software model of a MIPS-class machine: a flat
// byte arena standing in for physical RAM, a fixed-size TLB array, and
// a trivial interrupt-priority counter. It satisfies Platform,
// MemoryView, InterruptController and TLB, and exists purely so the
// VM subsystem can be exercised without real hardware.
type Sim struct {
	mu     sync.Mutex
	arena  []byte
	base   Paddr
	stolen Paddr // bump pointer for the pre-bootstrap stealer

	iplMu sync.Mutex
	ipl   int

	tlbMu   sync.Mutex
	tlbHi   []uint32
	tlbLo   []uint32
}

// NewSim allocates a simulated machine with totalBytes of RAM starting
// at physical address base, and a TLB with numTLB entries.
func NewSim(base Paddr, totalBytes int, numTLB int) *Sim {
	if totalBytes%PageSize != 0 {
		panic("machine: totalBytes must be page-aligned")
	}
	s := &Sim{
		arena: make([]byte, totalBytes),
		base:  base,
		tlbHi: make([]uint32, numTLB),
		tlbLo: make([]uint32, numTLB),
	}
	for i := range s.tlbHi {
		s.tlbHi[i] = invalidHi(i)
	}
	return s
}

func invalidHi(slot int) uint32 {
	// An address no valid mapping will ever use, keyed by slot so
	// distinct invalid entries never collide during a probe.
	return 0x80000000 | uint32(slot)
}

// RAMSize implements Platform.
func (s *Sim) RAMSize() (Paddr, Paddr) {
	return s.base, s.base + Paddr(len(s.arena))
}

// StealMem implements Platform. When base is 0 the first successful
// steal also returns 0, the value Platform uses to report failure.
func (s *Sim) StealMem(npages int) Paddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	need := Paddr(npages) * PageSize
	if s.stolen+need > Paddr(len(s.arena)) {
		return 0
	}
	p := s.base + s.stolen
	s.stolen += need
	return p
}

// View implements MemoryView.
func (s *Sim) View(p Paddr) []byte {
	off := int(p - s.base)
	if off < 0 || off+PageSize > len(s.arena) {
		panic("machine: physical address out of range")
	}
	return s.arena[off : off+PageSize]
}

// RaiseIPL implements InterruptController.
func (s *Sim) RaiseIPL() int {
	s.iplMu.Lock()
	prior := s.ipl
	s.ipl++
	s.iplMu.Unlock()
	return prior
}

// LowerIPL implements InterruptController.
func (s *Sim) LowerIPL(prior int) {
	s.iplMu.Lock()
	s.ipl = prior
	s.iplMu.Unlock()
}

// NumEntries implements TLB.
func (s *Sim) NumEntries() int {
	return len(s.tlbHi)
}

// Write implements TLB.
func (s *Sim) Write(index int, ehi, elo uint32) {
	s.tlbMu.Lock()
	s.tlbHi[index] = ehi
	s.tlbLo[index] = elo
	s.tlbMu.Unlock()
}

// Read implements TLB.
func (s *Sim) Read(index int) (uint32, uint32) {
	s.tlbMu.Lock()
	defer s.tlbMu.Unlock()
	return s.tlbHi[index], s.tlbLo[index]
}
