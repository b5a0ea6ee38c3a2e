package hqueue

import (
	"unsafe"

	"github.com/hqueue/hqueue/interfaces"
)

// consumeHandle is what a successful tryStartConsume hands back: enough
// to read the element, and enough for Commit/Cancel to find it again
// (spec.md §4.3 "ConsumeOperation").
type consumeHandle struct {
	page   *page
	offset uintptr
	pin    *PinGuard // held for the operation's lifetime by mcHead only; nil for scHead, which keeps one long-lived pin across its whole scan instead
}

// Element returns a pointer usable with typ (nil typ means a raw
// allocation, returned as raw instead), exactly like Allocation.Element
// on the producer side.
func (c *consumeHandle) Element() (ptr unsafe.Pointer, typ interfaces.RuntimeType, raw []byte) {
	return elementAt(c.page, c.offset)
}

// scHead is the single-consumer head variant (spec.md §4.3.1): exactly
// one goroutine ever scans, so there is nothing to CAS here either — the
// cursor is a plain field, advanced only by that goroutine. Grounded on
// the teacher's single-reader traversal pattern (`BLTree.findKey` walking
// forward through a page chain it alone holds a pin on at any moment).
type scHead struct {
	alloc *PageAllocator
	local *LocalPageAllocator

	page   *page
	offset uintptr
	pin    *PinGuard
}

// newSCHead starts scanning from start's sentinel.
func newSCHead(alloc *PageAllocator, local *LocalPageAllocator, start *page) *scHead {
	return &scHead{alloc: alloc, local: local, page: start, offset: 0, pin: pinPage(alloc, start)}
}

// tryStart scans forward from the current position, skipping dead and
// already-consumed nodes and crossing page boundaries, until it finds a
// live unconsumed element or runs out of committed chain (spec.md §4.3
// "try_start_consume"). progress is accepted for interface parity with
// mcHead.tryStart but never gates this loop: exactly one goroutine ever
// calls a given scHead, so there is no concurrent claimant to lose a race
// against — walking past a run of dead or already-consumed nodes is
// deterministic bookkeeping this cursor alone owns, not a retry against
// contention, and failing it fast under WaitFree would only make an
// uncontended scan return empty for no reason.
func (h *scHead) tryStart(progress Progress) (*consumeHandle, bool) {
	for {
		v := cbAt(h.page, h.offset).next.Load()
		view := decodeCB(v)

		if h.offset == 0 {
			// sentinel: never itself consumable.
			if view.terminal {
				return nil, false
			}
			h.advance(view)
			continue
		}

		if view.dead || view.consumed {
			if view.terminal {
				return nil, false
			}
			h.advance(view)
			continue
		}

		return &consumeHandle{page: h.page, offset: h.offset}, true
	}
}

// advance moves the cursor past the node whose view was just decoded,
// crossing into a fresh page (and reclaiming the old one, since a
// single-consumer head is the only reader that could still need it) when
// the link is a page turnover.
func (h *scHead) advance(view cbView) {
	if view.pageTurn {
		nextPage := h.alloc.pageContaining(view.next)
		newPin := pinPage(h.alloc, nextPage)
		oldPage := h.page
		h.pin.Release()
		h.pin = newPin
		h.page, h.offset = nextPage, 0
		h.local.DeallocatePage(oldPage)
		return
	}
	_, off, ok := h.alloc.locate(view.next)
	if !ok {
		return
	}
	h.offset = off
}

// commit destroys the element c refers to and marks its slot consumed, so
// a later scan recognises it as already taken rather than re-offering it.
func (h *scHead) commit(c *consumeHandle) {
	destroyBox(c.page.boxAt(c.offset))
	claimConsumed(c.page, c.offset)
}

// commitNoDestroy marks c's slot consumed without running the element's
// destructor (spec.md §4.4 "commit_nodestroy"): used when the caller has
// already moved the payload out by hand and destroying it again would be
// wrong.
func (h *scHead) commitNoDestroy(c *consumeHandle) {
	c.page.boxAt(c.offset).reset()
	claimConsumed(c.page, c.offset)
}

// cancel leaves c's slot exactly as it was: the cursor never moved past
// it, so the next tryStart call will simply offer the same element again.
func (h *scHead) cancel(c *consumeHandle) {}
