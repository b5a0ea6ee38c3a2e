package hqueue

import (
	"sync"

	"github.com/hqueue/hqueue/interfaces"
)

// spinTail is the multi-producer-spin-locking tail variant (spec.md
// §4.2.4): any number of producers may call it, but a plain mutex
// serializes the bookkeeping step that claims a slot — exactly the part
// spec.md §4.2.4 calls out as "guards allocation" — rather than the whole
// reserve/construct/commit transaction. Once a claim is made, committing
// or cancelling it splices the node onto the chain the same deferred way
// relaxedTail/seqCstTail do, via awaitAndLink: a producer's own
// constructor, and whatever its predecessor's constructor is doing
// concurrently, run with no lock held at all, satisfying spec.md §5's "no
// user-visible lock is held across any user-supplied code." The blocking
// progress guarantee this variant offers is simply "however long the
// mutex takes to acquire." Grounded on the teacher's `BufMgr` latch mutex
// pattern (`sync.Mutex`-guarded page/latch table access) applied here to
// the tail's claim bookkeeping instead of the latch table.
type spinTail struct {
	local *LocalPageAllocator
	ext   interfaces.ByteAllocator
	backoff Backoff

	mu sync.Mutex
	// term and cursor are the same bookkeeping spTail keeps, but guarded
	// by mu instead of being exclusive to a single goroutine by
	// construction.
	termPage     *page
	termOffset   uintptr
	cursorPage   *page
	cursorOffset uintptr
}

func newSpinTail(local *LocalPageAllocator, ext interfaces.ByteAllocator, backoff Backoff) *spinTail {
	p := local.AllocatePage()
	initPageSentinel(p)
	return &spinTail{
		local: local, ext: ext, backoff: resolveBackoff(backoff),
		termPage: p, termOffset: 0,
		cursorPage: p, cursorOffset: firstElementOffset,
	}
}

// lock acquires mu under Blocking, or makes a progress-bounded attempt
// under any weaker guarantee: a mutex can always block an unbounded time
// regardless of what the caller asked for, so anything but Blocking must
// be willing to give up rather than actually wait on it.
func (t *spinTail) lock(progress Progress) bool {
	if progress == Blocking {
		t.mu.Lock()
		return true
	}
	for attempt := 0; !t.mu.TryLock(); attempt++ {
		if !progress.allowsRetry() {
			return false
		}
		t.backoff.Wait(attempt)
	}
	return true
}

// reserve claims a slot under mu, turning the page over first if needed,
// then releases mu before returning — the lock never survives past this
// call, so the caller's element construction and eventual commit/cancel
// never contend with any other producer's claim.
func (t *spinTail) reserve(progress Progress, typ interfaces.RuntimeType, rawSize, rawAlign uintptr) (*pendingPut, error) {
	var size, alignment uintptr
	if typ != nil {
		size, alignment = typ.Size(), typ.Alignment()
	} else {
		size, alignment = rawSize, rawAlign
	}
	granules, _ := footprintGranules(size, alignment)

	if !t.lock(progress) {
		return nil, nil
	}
	defer t.mu.Unlock()

	for !fitsBeforeEnd(t.cursorPage, t.cursorOffset, granules) {
		if !t.turnPage(progress) {
			return nil, nil
		}
	}

	myPage, myOffset := t.cursorPage, t.cursorOffset
	predPage, predOffset := t.termPage, t.termOffset
	t.termPage, t.termOffset = myPage, myOffset
	t.cursorPage, t.cursorOffset = myPage, myOffset+G+granules*G

	a, err := reserveAllocation(myPage, myOffset, typ, rawSize, rawAlign, t.ext)
	if err != nil {
		return nil, err
	}
	return &pendingPut{alloc: a, predPage: predPage, predOffset: predOffset}, nil
}

// turnPage must be called with mu held and returns with mu held, but
// drops it for the allocation and linking in between: the current
// terminal node may still belong to a different producer's in-flight
// construction (reserve has already returned to that caller), and this
// variant never blocks every other producer on one particular caller's
// constructor just to turn a page. Losing the race to install the
// turnover is not a failure — some call's turnover always lands — so this
// only reports false when no page could be obtained under progress at
// all.
func (t *spinTail) turnPage(progress Progress) bool {
	oldPage, oldOffset := t.termPage, t.termOffset
	t.mu.Unlock()

	next, ok := t.local.TryAllocatePage(progress)
	if !ok {
		t.mu.Lock()
		return false
	}
	initPageSentinel(next)

	won := false
	for attempt := 0; ; attempt++ {
		var v uint64
		if oldOffset == 0 {
			v = cbAt(oldPage, oldOffset).next.Load()
		} else {
			v = helpPublish(oldPage, oldOffset)
		}
		if stateOf(v)&flagBusy != 0 {
			t.backoff.Wait(attempt)
			continue
		}
		won = linkNextPageCAS(oldPage, oldOffset, stateOf(v), next)
		break
	}

	t.mu.Lock()
	if won {
		t.termPage, t.termOffset = next, 0
		t.cursorPage, t.cursorOffset = next, firstElementOffset
		return true
	}
	// Another reserve() call turned the page first; our speculative page
	// is surplus.
	t.local.DeallocatePage(next)
	return true
}

func (t *spinTail) commit(p *pendingPut) {
	commitAllocation(p.alloc)
	awaitAndLink(p.predPage, p.predOffset, p.alloc.Page, p.alloc.Offset, t.backoff)
}

func (t *spinTail) cancel(p *pendingPut, destroy bool) {
	cancelAllocation(p.alloc, destroy)
	awaitAndLink(p.predPage, p.predOffset, p.alloc.Page, p.alloc.Offset, t.backoff)
}
