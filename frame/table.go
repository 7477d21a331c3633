// Package frame implements the process-wide physical frame allocator
// (spec.md §4.1): a single free list over all RAM handed to the
// kernel above a reserved low watermark, serialized by one lock.
package frame

import (
	"sync"

	"mipsvm/diag"
	"mipsvm/machine"
	"mipsvm/util"
	"mipsvm/vmerr"
)

const noNext = ^uint32(0)

// state is the frame table's per-frame bookkeeping. It plays the role
// of the C original's intrusive free-list node (which lives inside
// the free page's own bytes); here it lives in this shadow array
// instead, mirroring Physpg_t.nexti, since a Go allocator has a heap
// to put it in and gains nothing from the unsafe-pointer trick a
// bootstrap-time kernel needs.
type state struct {
	nexti     uint32
	allocated bool
}

// Table owns all physical RAM handed to it at bootstrap. Before
// Bootstrap runs, GetFrame(s) falls back to the platform's
// pre-bootstrap boot stealer.
type Table struct {
	sync.Mutex

	plat machine.Platform
	mem  machine.MemoryView

	states   []state
	startn   uint32 // absolute frame index of states[0]
	freeHead uint32 // index into states, or noNext
	freeLen  int

	bootstrapped bool

	// Counters is optional; nil means diagnostics are not collected.
	Counters *diag.Counters
}

// New returns an unbootstrapped frame table. Before Bootstrap is
// called, GetFrame falls through to the platform's boot stealer.
func New(plat machine.Platform, mem machine.MemoryView) *Table {
	return &Table{plat: plat, mem: mem}
}

// Bootstrap reads [paddr_low, paddr_high) from the platform, aligns
// paddr_low up to a page, and threads every frame from there to
// paddr_high onto the free list.
func (t *Table) Bootstrap() {
	low, high := t.plat.RAMSize()
	lowAligned := machine.Paddr(util.Roundup(int(low), machine.PageSize))
	total := uint32(high) / machine.PageSize
	startn := uint32(lowAligned) / machine.PageSize

	t.Lock()
	defer t.Unlock()

	if startn >= total {
		t.states = nil
		t.freeHead = noNext
		t.bootstrapped = true
		return
	}

	n := total - startn
	t.states = make([]state, n)
	for i := range t.states {
		t.states[i].nexti = uint32(i) + 1
	}
	t.states[n-1].nexti = noNext
	t.startn = startn
	t.freeHead = 0
	t.freeLen = int(n)
	t.bootstrapped = true
}

// GetFrame allocates a single zero-filled physical frame. It returns
// (0, vmerr.ENOMEM) when the free list is empty.
func (t *Table) GetFrame() (machine.Paddr, vmerr.Err_t) {
	return t.GetFrames(1)
}

// GetFrames allocates npages contiguous frames. Once Bootstrap has run,
// only npages == 1 is supported (spec.md §9, "Open questions": this
// pins the ambiguous multi-page-post-bootstrap behaviour to
// single-page-only). Before Bootstrap, it is satisfied by the
// platform's boot stealer, which may return a contiguous run.
func (t *Table) GetFrames(npages int) (machine.Paddr, vmerr.Err_t) {
	t.Lock()
	if !t.bootstrapped {
		t.Unlock()
		p := t.plat.StealMem(npages)
		if p == 0 {
			return 0, vmerr.ENOMEM
		}
		return p, 0
	}
	if npages != 1 {
		t.Unlock()
		return 0, vmerr.ENOMEM
	}
	if t.freeHead == noNext {
		t.Unlock()
		return 0, vmerr.ENOMEM
	}
	idx := t.freeHead
	t.freeHead = t.states[idx].nexti
	t.states[idx].allocated = true
	t.freeLen--
	t.Unlock()

	p := machine.Paddr(t.startn+idx) * machine.PageSize
	buf := t.mem.View(p)
	for i := range buf {
		buf[i] = 0
	}
	t.Counters.IncFrameAllocated()
	return p, 0
}

// FreeFrame returns a previously allocated frame to the free list.
// Addresses outside the frame table's managed range are silently
// ignored (spec.md §4.1). Freeing a frame that is already on the free
// list is a caller bug, not a benign stray address, and is reported
// as vmerr.EINVAL rather than corrupting the list.
func (t *Table) FreeFrame(p machine.Paddr) vmerr.Err_t {
	t.Lock()
	defer t.Unlock()

	idx, ok := t.localIndex(p)
	if !ok {
		return 0
	}
	st := &t.states[idx]
	if !st.allocated {
		return vmerr.EINVAL
	}
	st.allocated = false
	st.nexti = t.freeHead
	t.freeHead = idx
	t.freeLen++
	t.Counters.IncFrameFreed()
	return 0
}

func (t *Table) localIndex(p machine.Paddr) (uint32, bool) {
	if p%machine.PageSize != 0 {
		return 0, false
	}
	abs := uint32(p) / machine.PageSize
	if abs < t.startn {
		return 0, false
	}
	idx := abs - t.startn
	if int(idx) >= len(t.states) {
		return 0, false
	}
	return idx, true
}

// FreeCount reports the number of frames currently on the free list.
func (t *Table) FreeCount() int {
	t.Lock()
	defer t.Unlock()
	return t.freeLen
}

// TotalManaged reports the number of frames the table manages
// (everything at or above the post-boot watermark).
func (t *Table) TotalManaged() int {
	t.Lock()
	defer t.Unlock()
	return len(t.states)
}
