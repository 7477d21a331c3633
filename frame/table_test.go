package frame

import (
	"testing"

	"mipsvm/machine"
	"mipsvm/vmerr"
)

func newTestTable(totalPages int) (*Table, *machine.Sim) {
	sim := machine.NewSim(0, totalPages*machine.PageSize, 4)
	tbl := New(sim, sim)
	return tbl, sim
}

func TestPreBootstrapFallsToStealer(t *testing.T) {
	// A nonzero RAM base: the stealer reports failure as address 0, so
	// a successful first steal must land somewhere else.
	sim := machine.NewSim(machine.PageSize, 4*machine.PageSize, 4)
	tbl := New(sim, sim)
	p, err := tbl.GetFrame()
	if err != 0 {
		t.Fatalf("GetFrame before bootstrap: %v", err)
	}
	if p != machine.PageSize {
		t.Errorf("first steal = %#x, want %#x", p, machine.Paddr(machine.PageSize))
	}
}

func TestBootstrapAndAllocateAll(t *testing.T) {
	tbl, _ := newTestTable(4)
	tbl.Bootstrap()

	if got := tbl.TotalManaged(); got != 4 {
		t.Fatalf("TotalManaged() = %d, want 4", got)
	}
	seen := map[machine.Paddr]bool{}
	for i := 0; i < 4; i++ {
		p, err := tbl.GetFrame()
		if err != 0 {
			t.Fatalf("GetFrame() #%d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("GetFrame() returned duplicate frame %#x", p)
		}
		seen[p] = true
	}
	if _, err := tbl.GetFrame(); err != vmerr.ENOMEM {
		t.Fatalf("GetFrame() on exhausted table = %v, want ENOMEM", err)
	}
}

func TestGetFrameZeroFills(t *testing.T) {
	tbl, sim := newTestTable(2)
	tbl.Bootstrap()

	p, err := tbl.GetFrame()
	if err != 0 {
		t.Fatalf("GetFrame: %v", err)
	}
	buf := sim.View(p)
	buf[0] = 0xff
	if err := tbl.FreeFrame(p); err != 0 {
		t.Fatalf("FreeFrame: %v", err)
	}
	p2, err := tbl.GetFrame()
	if err != 0 {
		t.Fatalf("GetFrame reuse: %v", err)
	}
	if sim.View(p2)[0] != 0 {
		t.Errorf("reused frame not zero-filled")
	}
}

func TestFreeFrameOutOfRangeIsNoop(t *testing.T) {
	tbl, _ := newTestTable(2)
	tbl.Bootstrap()
	if err := tbl.FreeFrame(machine.Paddr(1 << 20)); err != 0 {
		t.Errorf("FreeFrame(out-of-range) = %v, want nil error", err)
	}
}

func TestFreeFrameDoubleFreeIsEINVAL(t *testing.T) {
	tbl, _ := newTestTable(2)
	tbl.Bootstrap()

	p, _ := tbl.GetFrame()
	if err := tbl.FreeFrame(p); err != 0 {
		t.Fatalf("first free: %v", err)
	}
	if err := tbl.FreeFrame(p); err != vmerr.EINVAL {
		t.Fatalf("double free = %v, want EINVAL", err)
	}
}

func TestGetFramesMultiPageAfterBootstrapFails(t *testing.T) {
	tbl, _ := newTestTable(4)
	tbl.Bootstrap()
	if _, err := tbl.GetFrames(2); err != vmerr.ENOMEM {
		t.Fatalf("GetFrames(2) post-bootstrap = %v, want ENOMEM", err)
	}
}

func TestFreeCount(t *testing.T) {
	tbl, _ := newTestTable(3)
	tbl.Bootstrap()
	if got := tbl.FreeCount(); got != 3 {
		t.Fatalf("FreeCount() = %d, want 3", got)
	}
	p, _ := tbl.GetFrame()
	if got := tbl.FreeCount(); got != 2 {
		t.Fatalf("FreeCount() after one alloc = %d, want 2", got)
	}
	tbl.FreeFrame(p)
	if got := tbl.FreeCount(); got != 3 {
		t.Fatalf("FreeCount() after free = %d, want 3", got)
	}
}
