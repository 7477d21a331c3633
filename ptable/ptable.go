// Package ptable implements the per-address-space two-level demand
// paged page table (spec.md §4.2): a 1024-slot page directory of
// sorted page-entry lists, with lazy create-on-fault, copy-on-write
// sharing and refcounted destruction.
package ptable

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"mipsvm/frame"
	"mipsvm/machine"
	"mipsvm/vmerr"
)

// PageTableOneSize is the first-level (page directory) fan-out.
const PageTableOneSize = 1024

// PageTableTwoSize is the second-level fan-out within one directory slot.
const PageTableTwoSize = 1024

// Entry maps one virtual page to one physical frame. RefCount and
// Lock are shared by pointer across every Entry referencing the same
// frame (including across address spaces, for COW); an entry whose
// *RefCount is 0 is the sole referent and may be written in place.
type Entry struct {
	PBase    machine.Paddr
	Index    int // second-level slot, 0..1023
	Offset   int // intra-page offset of the address Walk created the entry for
	RefCount *int32
	Lock     *sync.Mutex

	next *Entry
}

// Directory is the first-level table: 1024 linked-list heads, each
// sorted ascending by second-level Index.
type Directory struct {
	buckets [PageTableOneSize]*Entry
}

// NewDirectory returns an empty, ready-to-use page directory.
func NewDirectory() *Directory {
	return &Directory{}
}

func split(va machine.Vaddr) (l1, l2, offset int) {
	v := uint32(va)
	l1 = int((v >> 22) & (PageTableOneSize - 1))
	l2 = int((v >> 12) & (PageTableTwoSize - 1))
	offset = int(v & machine.PageOffsetMask)
	return
}

// Walk splits va into (l1, l2, offset) and scans the sorted list at
// buckets[l1] for index l2. If no entry exists and create is true, a
// fresh frame is allocated and a new entry inserted in sorted order.
//
// Return convention: (entry, 0) on a hit or a successful create;
// (nil, 0) when not found and create is false (not an error — the
// spec's "walk returns page_entry | NULL"); (nil, vmerr.ENOMEM) when
// create was requested and frame allocation failed.
func (d *Directory) Walk(ft *frame.Table, va machine.Vaddr, create bool) (*Entry, vmerr.Err_t) {
	l1, l2, offset := split(va)

	var prev *Entry
	cur := d.buckets[l1]
	for cur != nil && cur.Index < l2 {
		prev = cur
		cur = cur.next
	}
	if cur != nil && cur.Index == l2 {
		return cur, 0
	}
	if !create {
		return nil, 0
	}

	pbase, err := ft.GetFrame()
	if err != 0 {
		return nil, vmerr.ENOMEM
	}
	ne := &Entry{
		PBase:    pbase,
		Index:    l2,
		Offset:   offset,
		RefCount: new(int32),
		Lock:     new(sync.Mutex),
		next:     cur,
	}
	if prev == nil {
		d.buckets[l1] = ne
	} else {
		prev.next = ne
	}
	return ne, 0
}

// Copy builds a new directory sharing every populated slot's frame
// with the receiver: each new entry points at the same PBase and
// shares the same RefCount/Lock, with *RefCount incremented under
// that lock. The two directories now share those frames read-mostly;
// Entry.Split resolves the first write to any of them. First-level
// slots are walked concurrently since each is independent once the
// shared refcount bump is serialized by its own lock.
func (d *Directory) Copy() *Directory {
	nd := &Directory{}
	var g errgroup.Group
	for i := range d.buckets {
		i := i
		g.Go(func() error {
			var tail *Entry
			for cur := d.buckets[i]; cur != nil; cur = cur.next {
				cur.Lock.Lock()
				*cur.RefCount++
				cur.Lock.Unlock()

				ne := &Entry{PBase: cur.PBase, Index: cur.Index, Offset: cur.Offset, RefCount: cur.RefCount, Lock: cur.Lock}
				if tail == nil {
					nd.buckets[i] = ne
				} else {
					tail.next = ne
				}
				tail = ne
			}
			return nil
		})
	}
	_ = g.Wait()
	return nd
}

// Destroy walks every slot, freeing each entry's backing frame when
// its shared refcount has dropped to zero and decrementing it
// otherwise, then drops the directory's own references.
func (d *Directory) Destroy(ft *frame.Table) {
	var g errgroup.Group
	for i := range d.buckets {
		i := i
		g.Go(func() error {
			cur := d.buckets[i]
			for cur != nil {
				next := cur.next
				cur.Lock.Lock()
				if *cur.RefCount == 0 {
					ft.FreeFrame(cur.PBase)
				} else {
					*cur.RefCount--
				}
				cur.Lock.Unlock()
				cur = next
			}
			d.buckets[i] = nil
			return nil
		})
	}
	_ = g.Wait()
}

// Split resolves a write fault against a possibly-shared frame. If
// the entry is already exclusive (*RefCount == 0) it is a no-op.
// Otherwise it allocates a fresh frame, copies the old frame's
// contents into it, retargets the entry at the new frame with a fresh
// private RefCount and Lock, and decrements the old shared RefCount.
// On allocation failure the entry is left untouched, still pointing
// at the shared frame, and vmerr.ENOMEM is returned.
func (e *Entry) Split(ft *frame.Table, mem machine.MemoryView) vmerr.Err_t {
	oldLock := e.Lock
	oldLock.Lock()
	defer oldLock.Unlock()

	if *e.RefCount == 0 {
		return 0
	}

	newPBase, err := ft.GetFrame()
	if err != 0 {
		return vmerr.ENOMEM
	}
	copy(mem.View(newPBase), mem.View(e.PBase))

	*e.RefCount--
	e.PBase = newPBase
	e.RefCount = new(int32)
	e.Lock = &sync.Mutex{}
	return 0
}

// Shared reports whether the entry's frame currently has other
// referents (i.e. a write to it must Split first).
func (e *Entry) Shared() bool {
	e.Lock.Lock()
	defer e.Lock.Unlock()
	return *e.RefCount > 0
}
