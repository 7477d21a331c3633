// Package region implements the per-address-space region list
// (spec.md §4.3): an ordered set of non-overlapping virtual ranges
// tagged with R/W/X permissions, consulted by the fault handler
// before any page-table walk.
package region

import (
	"mipsvm/machine"
	"mipsvm/util"
	"mipsvm/vmerr"
)

// Region is a single [VBase, VBase+NPages*PageSize) range.
type Region struct {
	VBase  machine.Vaddr
	NPages int
	R, W, X bool

	next *Region
}

// End returns the exclusive upper bound of the region.
func (r *Region) End() machine.Vaddr {
	return r.VBase + machine.Vaddr(r.NPages*machine.PageSize)
}

// Contains reports whether va falls within this region's range.
func (r *Region) Contains(va machine.Vaddr) bool {
	return va >= r.VBase && va < r.End()
}

func (r *Region) overlaps(o *Region) bool {
	return r.VBase < o.End() && o.VBase < r.End()
}

// List is a singly-linked, insertion-ordered set of regions belonging
// to one address space, plus the heap bookkeeping that CompleteLoad
// installs.
type List struct {
	head  *Region
	tail  *Region
	count int

	saved []*Region // readonly_saved[] from PrepareLoad, until CompleteLoad

	Heap    *Region
	HeapEnd machine.Vaddr
	Stack   *Region
}

// NumRegions returns the number of regions currently defined.
func (l *List) NumRegions() int {
	return l.count
}

// Define aligns [vaddr, vaddr+size) to whole pages and appends a new
// region with the given permissions. It rejects a definition that
// would overlap an existing region (adapted from
// original_source/kern/vm/addrspace.c's as_define_region, which is
// silent on overlap; a complete implementation must not corrupt the
// "non-overlapping" invariant spec.md §8 requires).
func (l *List) Define(vaddr machine.Vaddr, size int, r, w, x bool) vmerr.Err_t {
	if size <= 0 {
		return vmerr.EINVAL
	}
	base := machine.Vaddr(util.Rounddown(int(vaddr), machine.PageSize))
	length := int(vaddr-base) + size
	length = util.Roundup(length, machine.PageSize)
	npages := length / machine.PageSize

	nr := &Region{VBase: base, NPages: npages, R: r, W: w, X: x}
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.overlaps(nr) {
			return vmerr.EINVAL
		}
	}
	l.append(nr)
	return 0
}

func (l *List) append(nr *Region) {
	if l.head == nil {
		l.head = nr
	} else {
		l.tail.next = nr
	}
	l.tail = nr
	l.count++
}

// Last returns the most recently appended region, or nil if the list
// is empty. Callers that need to tag a just-defined region (e.g. the
// stack) call Define then Last.
func (l *List) Last() *Region {
	return l.tail
}

// Lookup performs the fault handler's linear search for the region
// containing fa.
func (l *List) Lookup(fa machine.Vaddr) (*Region, bool) {
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.Contains(fa) {
			return cur, true
		}
	}
	return nil, false
}

// Each calls fn for every region in insertion order.
func (l *List) Each(fn func(*Region)) {
	for cur := l.head; cur != nil; cur = cur.next {
		fn(cur)
	}
}

// PrepareLoad saves every read-only region and forces W=1, so an ELF
// loader may copy bytes into regions that are read-only at runtime.
func (l *List) PrepareLoad() {
	l.saved = l.saved[:0]
	for cur := l.head; cur != nil; cur = cur.next {
		if !cur.W {
			cur.W = true
			l.saved = append(l.saved, cur)
		}
	}
}

// CompleteLoad restores W=0 on every region PrepareLoad touched, then
// appends the heap region starting immediately above the last defined
// region: one page, R=1 W=1 X=0, with heap_end pinned to heap_start.
func (l *List) CompleteLoad() {
	for _, r := range l.saved {
		r.W = false
	}
	l.saved = nil

	var heapStart machine.Vaddr
	if l.tail != nil {
		heapStart = l.tail.End()
	}

	heap := &Region{VBase: heapStart, NPages: 1, R: true, W: true, X: false}
	l.append(heap)
	l.Heap = heap
	l.HeapEnd = heapStart
}

// Copy deep-copies every region (distinct structs, identical fields)
// into a fresh list, preserving which copied region is the heap.
func (l *List) Copy() *List {
	nl := &List{HeapEnd: l.HeapEnd}
	for cur := l.head; cur != nil; cur = cur.next {
		nr := &Region{VBase: cur.VBase, NPages: cur.NPages, R: cur.R, W: cur.W, X: cur.X}
		nl.append(nr)
		if cur == l.Heap {
			nl.Heap = nr
		}
		if cur == l.Stack {
			nl.Stack = nr
		}
	}
	return nl
}

// Clear empties the list. Region structs become unreachable and are
// reclaimed by the garbage collector; there is no frame bookkeeping
// here (that belongs to the page table).
func (l *List) Clear() {
	l.head, l.tail, l.saved, l.Heap, l.Stack = nil, nil, nil, nil, nil
	l.count, l.HeapEnd = 0, 0
}
