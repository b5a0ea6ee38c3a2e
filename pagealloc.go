package hqueue

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/hqueue/hqueue/interfaces"
)

// slotCount is the size of the per-thread slot ring (spec.md §4.1: "a
// fixed small ring of slots (e.g. 8)").
const slotCount = 8

// pageStack is a Treiber-style lock-free stack of free pages, linked
// through page.nextFree. Each allocSlot holds two of these: one for pages
// known to be all-zero, one for pages whose content is unspecified.
type pageStack struct {
	head atomic.Pointer[page]
}

func (s *pageStack) push(p *page) {
	for {
		old := s.head.Load()
		p.nextFree = old
		if s.head.CompareAndSwap(old, p) {
			return
		}
	}
}

func (s *pageStack) pop() *page {
	for {
		old := s.head.Load()
		if old == nil {
			return nil
		}
		next := old.nextFree
		if s.head.CompareAndSwap(old, next) {
			old.nextFree = nil
			return old
		}
	}
}

// popAll atomically detaches the whole stack and returns its head,
// implementing the "steal the victim slot's whole stack" step of
// spec.md §4.1's allocate algorithm.
func (s *pageStack) popAll() *page {
	for {
		old := s.head.Load()
		if s.head.CompareAndSwap(old, nil) {
			return old
		}
	}
}

func (s *pageStack) tryPop() (*page, bool) {
	p := s.pop()
	return p, p != nil
}

// allocSlot is one entry of the per-thread slot ring: two lock-free stacks
// of free pages, one per initialisation mode.
type allocSlot struct {
	zeroed pageStack
	dirty  pageStack
}

// PageAllocator implements spec.md §4.1/§6: fixed-size page supply with
// O(1) amortised cost across four progress regimes, plus pin/unpin so any
// thread can guarantee a page's content is not altered while it holds a
// pin. It is grounded on BufMgr's latch-hash-table / clock-sweep victim
// selection in the teacher (bufmgr.go PinLatch/UnpinLatch), generalised
// from "one buffer pool" to "a ring of per-thread free-page caches".
type PageAllocator struct {
	source     interfaces.PageSource
	pageSize   uintptr
	usableSize uintptr // pageSize minus whatever the footer would cost in the original layout; here the whole page is usable since the footer is out-of-band Go struct state.

	slots [slotCount]allocSlot

	// regionMu serializes calls into the PageSource. A successful
	// TryLock models the "wait-free: try to obtain a fresh page" step;
	// failure to acquire it is treated as contention, falling through to
	// the blocking path if the caller's progress guarantee allows it.
	regionMu sync.Mutex

	pageTable sync.Map // base uintptr -> *page, keeps every live page reachable and answers pin/unpin-by-address lookups

	nextHandle atomic.Uint32 // round-robins Local() callers across the slot ring

	// regionPages is how many pages are requested per AcquireRegion call
	// once a thread actually has to go to the PageSource in blocking mode.
	regionPages int
}

// NewPageAllocator creates an allocator drawing pages from source.
func NewPageAllocator(source interfaces.PageSource) *PageAllocator {
	ps := source.PageSize()
	return &PageAllocator{
		source:      source,
		pageSize:    ps,
		usableSize:  ps,
		regionPages: 16,
	}
}

func (a *PageAllocator) PageSize() uintptr { return a.pageSize }

// LocalPageAllocator is the "per-thread state" of spec.md §4.1: Go has no
// thread-local storage, so callers obtain one explicitly (once per
// producer/consumer goroutine, typically) and reuse it across operations,
// the same way the teacher's NewBLTree(mgr) hands each goroutine its own
// *BLTree wrapping a shared *BufMgr (see bltree_test_util.go,
// InsertAndFindConcurrently).
type LocalPageAllocator struct {
	alloc  *PageAllocator
	slot   uint32
	victim uint32

	stash []*page // thread-private stash, flushed by Release (spec.md's "pushed out at thread exit")
}

// Local creates a new per-thread handle, assigned a slot and a victim slot
// round-robin from the ring.
func (a *PageAllocator) Local() *LocalPageAllocator {
	idx := a.nextHandle.Add(1) - 1
	return &LocalPageAllocator{
		alloc:  a,
		slot:   idx % slotCount,
		victim: (idx + 1) % slotCount,
	}
}

// Release flushes this handle's private stash back into its slot. Callers
// that create short-lived LocalPageAllocators (e.g. one per request) should
// call Release when done; long-lived per-worker handles may simply be kept
// for the worker's lifetime.
func (l *LocalPageAllocator) Release() {
	for _, p := range l.stash {
		l.alloc.slots[l.slot].dirty.push(p)
	}
	l.stash = nil
}

func (a *PageAllocator) stackFor(slot uint32, zeroed bool) *pageStack {
	if zeroed {
		return &a.slots[slot].zeroed
	}
	return &a.slots[slot].dirty
}

// newPageFromRegion slices one page's worth of bytes out of a larger
// region and registers it in the page table.
func (a *PageAllocator) newPageFromRegion(base unsafe.Pointer, index int, zeroed bool) *page {
	start := uintptr(index) * a.pageSize
	data := unsafe.Slice((*byte)(unsafe.Add(base, start)), a.pageSize)
	p := &page{data: data, zeroed: zeroed, boxes: make([]elementBox, a.pageSize/G)}
	p.base = uintptr(unsafe.Pointer(&p.data[0]))
	a.pageTable.Store(p.base, p)
	return p
}

// acquireFreshPage implements the "try to obtain a fresh page from the
// System Page Source (wait-free)" step: a non-blocking attempt to grow by
// exactly one page, modelled as a TryLock over the region mutex so genuine
// contention (another goroutine already refilling) fails fast instead of
// queueing.
func (a *PageAllocator) acquireFreshPage(zeroed bool) (*page, bool) {
	if !a.regionMu.TryLock() {
		return nil, false
	}
	defer a.regionMu.Unlock()

	base, pages, err := a.source.AcquireRegion(1)
	if err != nil || pages == 0 {
		return nil, false
	}
	first := a.newPageFromRegion(base, 0, zeroed)
	// Any extra pages the source handed back beyond the one requested are
	// a bonus; bank them dirty for later instead of discarding them.
	for i := 1; i < pages; i++ {
		a.slots[0].dirty.push(a.newPageFromRegion(base, i, false))
	}
	if zeroed {
		first.zeroRange(0)
		first.zeroed = true
	}
	return first, true
}

// acquireRegionBlocking implements the blocking fallback: take the region
// mutex (may contend, which is acceptable because the caller has already
// confirmed its progress guarantee allows blocking), pull a whole batch of
// pages, keep one and distribute the rest into slot zero's dirty stack.
func (a *PageAllocator) acquireRegionBlocking(zeroed bool) (*page, error) {
	a.regionMu.Lock()
	defer a.regionMu.Unlock()

	base, pages, err := a.source.AcquireRegion(a.regionPages)
	if err != nil {
		return nil, &AllocationFailureError{Op: "AcquireRegion", Err: err}
	}
	first := a.newPageFromRegion(base, 0, zeroed)
	if zeroed {
		first.zeroRange(0)
		first.zeroed = true
	}
	for i := 1; i < pages; i++ {
		a.slots[0].dirty.push(a.newPageFromRegion(base, i, false))
	}
	return first, nil
}

// allocate implements spec.md §4.1's four-step allocate algorithm.
func (l *LocalPageAllocator) allocate(progress Progress, zeroed bool) (*page, error) {
	a := l.alloc

	// 1. pop from current slot's stack of the requested initialisation type
	if p, ok := a.stackFor(l.slot, zeroed).tryPop(); ok {
		return p, nil
	}
	// Each request is served only from stacks of its own initialisation
	// type: a dirty request never takes a page from a zeroed stack, and a
	// zeroed request never takes a dirty page; the fresh pages of steps 3
	// and 4 are zeroed here when asked for.
	if zeroed {
		// nothing extra: no dirty page is ever zeroed to serve this request.
	}

	// 2. else steal the victim slot's whole stack, retaining one page
	if stolen := a.stackFor(l.victim, zeroed).popAll(); stolen != nil {
		p := stolen
		rest := p.nextFree
		p.nextFree = nil
		for rest != nil {
			next := rest.nextFree
			rest.nextFree = nil
			a.stackFor(l.slot, zeroed).push(rest)
			rest = next
		}
		return p, nil
	}

	// 3. else try to obtain a fresh page from the System Page Source,
	// wait-free.
	if p, ok := a.acquireFreshPage(zeroed); ok {
		return p, nil
	}

	// 4. else, if the caller's progress guarantee permits blocking, ask
	// for a new region.
	if progress.allowsBlockingAcquire() {
		return a.acquireRegionBlocking(zeroed)
	}

	// 5. fail: no free page reachable under the requested guarantee.
	return nil, nil
}

// AllocatePage allocates a page under the Blocking guarantee, panicking
// only if the OS is genuinely exhausted.
func (l *LocalPageAllocator) AllocatePage() *page {
	p, err := l.allocate(Blocking, false)
	if err != nil {
		panic(err)
	}
	if p != nil && p.zeroed {
		p.zeroed = false // caller asked for unspecified content; don't advertise zero-ness they didn't ask for and won't re-zero.
	}
	return p
}

// TryAllocatePage allocates under the given progress guarantee, returning
// (nil, false) if that guarantee cannot be met right now.
func (l *LocalPageAllocator) TryAllocatePage(progress Progress) (*page, bool) {
	p, err := l.allocate(progress, false)
	if err != nil || p == nil {
		return nil, false
	}
	return p, true
}

// AllocatePageZeroed and TryAllocatePageZeroed are the zeroed counterparts
// required by the seq-cst and relaxed multi-producer tails (spec.md design
// notes, "Zeroed-page contract").
func (l *LocalPageAllocator) AllocatePageZeroed() *page {
	p, err := l.allocate(Blocking, true)
	if err != nil {
		panic(err)
	}
	return p
}

func (l *LocalPageAllocator) TryAllocatePageZeroed(progress Progress) (*page, bool) {
	p, err := l.allocate(progress, true)
	if err != nil || p == nil {
		return nil, false
	}
	return p, true
}

// DeallocatePage returns p to the free pool, wait-free, never failing
// (spec.md §4.1 "Deallocate: ... wait-free and never fails"). The page's
// content is treated as unspecified going forward.
func (l *LocalPageAllocator) DeallocatePage(p *page) {
	p.zeroed = false
	l.deallocate(p)
}

// DeallocatePageZeroed returns a page known to already be all-zero (the
// head layer zeroes a page's tail before reclaiming it when the owning
// tail variant requires zeroed pages; spec.md §4.3.2).
func (l *LocalPageAllocator) DeallocatePageZeroed(p *page) {
	p.zeroed = true
	l.deallocate(p)
}

func (l *LocalPageAllocator) deallocate(p *page) {
	a := l.alloc
	stack := a.stackFor(l.slot, p.zeroed)
	// The spec's "attempt to push onto the current slot; on contention,
	// rotate through slots" describes a bounded-probe design meant for a
	// genuinely lock-free stack where a push can spuriously fail under a
	// CAS race. This module's pageStack.push retries its own CAS loop
	// until it succeeds, so it never "contends" in a way that would need
	// rotation, and no rotation is implemented. Nothing in this package
	// adds pages to the private stash either; Release only flushes
	// whatever it holds.
	stack.push(p)
}

// PinPage increments p's hazard counter so the allocator will not hand it
// back out or alter it (spec.md §4.1 pin, §6 PinPage contract).
func (a *PageAllocator) PinPage(p *page) { p.pin() }

// UnpinPage decrements p's hazard counter.
func (a *PageAllocator) UnpinPage(p *page) { p.unpin() }

// TryPinPage is the wait-free pin variant: a single CAS, reporting failure
// instead of retrying (spec.md §4.1, §6).
func (a *PageAllocator) TryPinPage(p *page) bool { return p.tryPin() }

// GetPinCount is a relaxed, diagnostic-only load (spec.md §4.1, §6).
func (a *PageAllocator) GetPinCount(p *page) int32 { return p.pinCountValue() }

// pageContaining returns the *page whose usable region contains addr, by
// masking down to the page-aligned base and consulting the page table.
// Used by head/tail algorithms that only have a raw CB address and need to
// find (and pin) the page it lives in.
func (a *PageAllocator) pageContaining(addr unsafe.Pointer) *page {
	base := uintptr(addr) &^ (a.pageSize - 1)
	v, ok := a.pageTable.Load(base)
	if !ok {
		return nil
	}
	return v.(*page)
}

// locate resolves a raw control-block address, as stored in another
// control block's next word, back to the (*page, offset) pair the
// multi-producer tails' CAS-linking protocol addresses control blocks by.
// Used wherever a tail or head algorithm has only followed a tagged
// pointer and needs to get back to page-relative coordinates.
func (a *PageAllocator) locate(addr unsafe.Pointer) (*page, uintptr, bool) {
	p := a.pageContaining(addr)
	if p == nil {
		return nil, 0, false
	}
	return p, uintptr(addr) - p.base, true
}
