package hqueue

import (
	"sync"
	"sync/atomic"
)

// mcCursor is the shared scan position every consumer races over, CASed
// as a single unit the same way relaxedCursor is on the producer side.
type mcCursor struct {
	page   *page
	offset uintptr
}

// mcHead is the multi-consumer head variant (spec.md §4.3.2): any number
// of goroutines may call tryStart concurrently; claimConsumed's CAS is
// the sole point of mutual exclusion deciding which one actually takes a
// given element, and the shared cursor is advanced best-effort by
// whichever consumer happens to be scanning when a slot turns out to be
// dead, already claimed, or a page boundary, so no single consumer is
// forced to redo another's skip. Grounded on the teacher's
// `BufMgr.PinLatch`'s CAS-protected clock-sweep over a shared hash chain,
// applied here to a shared log position instead of a shared latch table
// bucket.
type mcHead struct {
	alloc *PageAllocator

	cursor  atomic.Pointer[mcCursor]
	backoff Backoff

	// localPool mirrors relaxedTail's/seqCstTail's: maybeReclaim runs from
	// whichever consumer goroutine happened to win a page-turn CAS, so a
	// single shared LocalPageAllocator's stash would race the same way a
	// single shared one would on the producer side.
	localPool sync.Pool
}

func newMCHead(alloc *PageAllocator, start *page, backoff Backoff) *mcHead {
	h := &mcHead{alloc: alloc, backoff: resolveBackoff(backoff)}
	h.localPool.New = func() any { return alloc.Local() }
	h.cursor.Store(&mcCursor{page: start, offset: 0})
	return h
}

// tryStart follows the safe-pin idiom (spec.md design notes, pinguard.go)
// to examine the cursor's current target without racing a concurrent
// page reclamation, then either claims a live element, helps advance the
// shared cursor past a dead/consumed/sentinel slot, or reports nothing
// ready. Every point below where a concurrent consumer's CAS beat this
// one to the cursor or to claimConsumed is genuine contention (spec.md
// §4.2's shared contract, generalised to the consume side): under
// WaitFree, the first such loss returns empty instead of retrying, rather
// than looping until some consumer — not necessarily this one — wins.
func (h *mcHead) tryStart(progress Progress) (*consumeHandle, bool) {
	for attempt := 0; ; attempt++ {
		old := h.cursor.Load()

		guard := pinPage(h.alloc, old.page)
		// Re-read the cursor: if it moved on while we were pinning old.page,
		// our pin protects a page nobody needs protected any more, but that
		// is harmless — we simply restart against the fresh value.
		cur := h.cursor.Load()
		if cur.page != old.page || cur.offset != old.offset {
			guard.Release()
			if !progress.allowsRetry() {
				return nil, false
			}
			h.backoff.Wait(attempt)
			continue
		}

		v := cbAt(cur.page, cur.offset).next.Load()
		view := decodeCB(v)

		if cur.offset == 0 {
			if view.terminal {
				guard.Release()
				return nil, false
			}
			h.tryAdvance(old, cur, view)
			guard.Release()
			continue
		}

		if view.dead || view.consumed {
			if view.terminal {
				guard.Release()
				return nil, false
			}
			h.tryAdvance(old, cur, view)
			guard.Release()
			continue
		}

		if !claimConsumed(cur.page, cur.offset) {
			// Another consumer claimed it first; help move the shared
			// cursor past it if nobody already has, then retry.
			if !view.terminal {
				h.tryAdvance(old, cur, view)
			}
			guard.Release()
			if !progress.allowsRetry() {
				return nil, false
			}
			h.backoff.Wait(attempt)
			continue
		}

		return &consumeHandle{page: cur.page, offset: cur.offset, pin: guard}, true
	}
}

// tryAdvance best-effort CASes the shared cursor past the node at cur,
// crossing a page boundary when view says to. Losing the CAS just means
// another consumer already moved the cursor; nothing further to do.
func (h *mcHead) tryAdvance(old *mcCursor, cur *mcCursor, view cbView) {
	var next *mcCursor
	if view.pageTurn {
		nextPage := h.alloc.pageContaining(view.next)
		next = &mcCursor{page: nextPage, offset: 0}
	} else {
		_, off, ok := h.alloc.locate(view.next)
		if !ok {
			return
		}
		next = &mcCursor{page: cur.page, offset: off}
	}
	if h.cursor.CompareAndSwap(old, next) && view.pageTurn {
		h.maybeReclaim(cur.page)
	}
}

// maybeReclaim returns p to the allocator if nothing is pinning it any
// more. A consumer that is still mid-tryStart against p at the moment the
// cursor moves past it holds its own pin, so this check never races a
// genuine reader into seeing reused memory; it is "best-effort" only in
// that a page left pinned a little longer than necessary is simply
// reclaimed by whichever later call observes the count reach zero,
// instead of synchronously at the exact moment the last pin drops.
func (h *mcHead) maybeReclaim(p *page) {
	if h.alloc.GetPinCount(p) == 0 {
		local := h.localPool.Get().(*LocalPageAllocator)
		local.DeallocatePage(p)
		h.localPool.Put(local)
	}
}

func (h *mcHead) commit(c *consumeHandle) {
	destroyBox(c.page.boxAt(c.offset))
	if c.pin != nil {
		c.pin.Release()
	}
}

// commitNoDestroy is mcHead's counterpart of scHead's method of the same
// name: flagConsumed was already set by tryStart's claimConsumed CAS, so
// there is nothing left to do here besides dropping the box's references
// and releasing the pin.
func (h *mcHead) commitNoDestroy(c *consumeHandle) {
	c.page.boxAt(c.offset).reset()
	if c.pin != nil {
		c.pin.Release()
	}
}

// cancel undoes tryStart's claimConsumed, returning the slot to Ready for
// a later consumer (spec.md §4.3/§4.5 "cancel_consume leaves the element
// consumable by a later consumer"): unlike commit, the payload was never
// destroyed, so there is nothing here but the flag to roll back.
func (h *mcHead) cancel(c *consumeHandle) {
	releaseConsumed(c.page, c.offset)
	if c.pin != nil {
		c.pin.Release()
	}
}
