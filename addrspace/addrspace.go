// Package addrspace implements per-process address space lifecycle
// (spec.md §4.4): a page directory plus a region list, created,
// copied (with COW sharing) and destroyed as a unit, activated and
// deactivated against the TLB, and grown via sbrk.
package addrspace

import (
	"sync"

	"mipsvm/fault"
	"mipsvm/frame"
	"mipsvm/machine"
	"mipsvm/ptable"
	"mipsvm/region"
	"mipsvm/tlb"
	"mipsvm/util"
	"mipsvm/vmerr"
)

// USERSTACK is the fixed top of every address space's stack region,
// and USERStackPages its fixed size, matching the OS/161 MIPS
// convention original_source/kern/vm/addrspace.c assumes but never
// spells out as a named constant.
const (
	USERSTACK       machine.Vaddr = 0x80000000
	USERStackPages                = 16
)

// AddressSpace is one process's page directory, region list and heap
// state. Every mutating method other than Sbrk is expected to run
// with no concurrent faults in flight against the same space (as
// original_source's as_* functions assume single-threaded use during
// fork/exec/exit); Sbrk takes its own lock since it can race a
// concurrent page fault walking the same directory.
type AddressSpace struct {
	mu sync.Mutex

	dir     *ptable.Directory
	regions *region.List

	ft  *frame.Table
	mem machine.MemoryView
}

// Create returns a freshly initialized, region-less address space.
func Create(ft *frame.Table, mem machine.MemoryView) *AddressSpace {
	return &AddressSpace{
		dir:     ptable.NewDirectory(),
		regions: &region.List{},
		ft:      ft,
		mem:     mem,
	}
}

// Directory exposes the page directory for the fault handler.
func (as *AddressSpace) Directory() *ptable.Directory {
	return as.dir
}

// Regions exposes the region list to callers that need to enumerate
// or mutate it directly (ELF loading, stack/heap setup).
func (as *AddressSpace) Regions() *region.List {
	return as.regions
}

// Lookup implements fault.AddressSpace: it finds the region
// containing va, if any, and reports its permissions.
func (as *AddressSpace) Lookup(va machine.Vaddr) (fault.Perm, bool) {
	r, ok := as.regions.Lookup(va)
	if !ok {
		return fault.Perm{}, false
	}
	return fault.Perm{R: r.R, W: r.W, X: r.X}, true
}

// HeapFault implements fault.AddressSpace: it reports whether va falls
// within the heap region's reserved page range but at or beyond the
// current break. The heap region's page count is a high-water mark
// that Sbrk never shrinks, so the gap between HeapEnd and the region's
// actual top must be faulted separately from an ordinary permission
// check (spec.md §4.5 step 3).
func (as *AddressSpace) HeapFault(va machine.Vaddr) bool {
	h := as.regions.Heap
	return h != nil && h.Contains(va) && va >= as.regions.HeapEnd
}

// Copy produces a child address space sharing every mapped frame with
// the parent via copy-on-write (spec.md §4.4, as_copy).
func (as *AddressSpace) Copy() *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()

	return &AddressSpace{
		dir:     as.dir.Copy(),
		regions: as.regions.Copy(),
		ft:      as.ft,
		mem:     as.mem,
	}
}

// Destroy drops the address space's reference to every mapped frame,
// freeing the frames it held alone (a frame still shared with another
// address space only has its shared refcount decremented), and drops
// its region list.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.dir.Destroy(as.ft)
	as.regions.Clear()
}

// Activate installs this address space as the current translation
// context, flushing any mappings the TLB held for the previous one
// (spec.md §4.4, as_activate: every TLB entry is invalidated on
// switch rather than tagged with an address-space id).
func (as *AddressSpace) Activate(dev *tlb.Device, ic machine.InterruptController) {
	dev.InvalidateAll(ic)
}

// Deactivate is as_deactivate: on this hardware it is identical to
// Activate's flush, since there is no per-space TLB tag to leave
// behind.
func (as *AddressSpace) Deactivate(dev *tlb.Device, ic machine.InterruptController) {
	dev.InvalidateAll(ic)
}

// DefineRegion registers a new fixed virtual range with the given
// permissions (as_define_region).
func (as *AddressSpace) DefineRegion(vaddr machine.Vaddr, size int, r, w, x bool) vmerr.Err_t {
	return as.regions.Define(vaddr, size, r, w, x)
}

// PrepareLoad and CompleteLoad bracket an ELF-style loader's writes
// into otherwise read-only regions, and CompleteLoad additionally
// installs the heap region immediately above the last segment.
func (as *AddressSpace) PrepareLoad() {
	as.regions.PrepareLoad()
}

func (as *AddressSpace) CompleteLoad() {
	as.regions.CompleteLoad()
}

// DefineStack installs the fixed-size user stack region immediately
// below USERSTACK and returns its initial stack pointer value
// (as_define_stack).
func (as *AddressSpace) DefineStack() (machine.Vaddr, vmerr.Err_t) {
	base := USERSTACK - machine.Vaddr(USERStackPages*machine.PageSize)
	if err := as.regions.Define(base, USERStackPages*machine.PageSize, true, true, false); err != 0 {
		return 0, err
	}
	as.regions.Stack = as.regions.Last()
	return USERSTACK, 0
}

// Sbrk grows or shrinks the heap break by n bytes (which may be
// negative or zero) and returns the break's value before the call.
// Shrinking below the heap's base fails with vmerr.EINVAL. Growing so
// that the page-aligned new break reaches or passes the stack's guard
// region also fails with vmerr.EINVAL (spec.md §8's boundary case:
// landing exactly on USERSTACK−USER_STACKPAGES·P is rejected, not
// just overshooting it). Shrinking never reclaims frames or un-maps
// pages (spec.md §9, open question: a later sbrk back up may reuse
// them without re-faulting).
func (as *AddressSpace) Sbrk(n int) (machine.Vaddr, vmerr.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()

	heap := as.regions.Heap
	if heap == nil {
		return 0, vmerr.EINVAL
	}

	old := as.regions.HeapEnd
	if n < 0 && machine.Vaddr(-n) > old-heap.VBase {
		return 0, vmerr.EINVAL
	}
	newEnd := old + machine.Vaddr(n)

	if n > 0 {
		wantBytes := util.Roundup(int(newEnd-heap.VBase), machine.PageSize)
		if as.regions.Stack != nil && heap.VBase+machine.Vaddr(wantBytes) >= as.regions.Stack.VBase {
			return 0, vmerr.EINVAL
		}
		wantPages := wantBytes / machine.PageSize
		if wantPages > heap.NPages {
			heap.NPages = wantPages
		}
	}

	as.regions.HeapEnd = newEnd
	return old, 0
}
