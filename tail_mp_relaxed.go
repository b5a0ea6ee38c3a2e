package hqueue

import (
	"sync"
	"sync/atomic"

	"github.com/hqueue/hqueue/interfaces"
)

// relaxedCursor is the shared claim point every producer CASes against to
// reserve a slot: nextPage/nextOffset is where the next reservation will
// go, lastPage/lastOffset is the slot claimed by whichever producer
// performed this transition — i.e. exactly the predecessor the next
// claimant must link from. Replacing the whole struct via CAS on an
// atomic.Pointer claims both pieces of information atomically, the way
// this module's design notes describe the tail's in-flight state as "a
// single word a producer CASes in one step" generalised to carry two
// (page, offset) pairs instead of one packed integer.
type relaxedCursor struct {
	nextPage   *page
	nextOffset uintptr
	lastPage   *page
	lastOffset uintptr
}

// relaxedTail is the multi-producer-relaxed tail variant (spec.md
// §4.2.2): any number of producers claim disjoint slots via a CAS loop
// over a shared cursor, then each links its own node in once it knows its
// predecessor's final state, without waiting for any global ordering
// beyond "my predecessor is whoever claimed the slot immediately before
// mine." Page overflow is handled by CASing a page-turnover transition
// into the same cursor. Grounded on spec.md §4.2.2 and, for the CAS-loop
// shape, `other_examples/..._hayabusa-cloud-lfq__mpsc_128.go.go`'s
// FAA/CAS retry structure.
//
// Unlike spTail, reserve/tryTurnPage here run concurrently from any number
// of producer goroutines, but LocalPageAllocator is per-thread state whose
// stash is not itself synchronized (spec.md §4.1 "per-thread slot ring");
// sharing one fixed instance across producers would race on it the same
// way sharing one BufMgr frame across goroutines would in the teacher.
// localPool hands each call its own borrowed LocalPageAllocator instead,
// returning it when done, so concurrent producers never touch the same
// instance's stash at once.
type relaxedTail struct {
	alloc *PageAllocator
	ext   interfaces.ByteAllocator

	cursor atomic.Pointer[relaxedCursor]

	backoff   Backoff
	localPool sync.Pool
}

func newRelaxedTail(alloc *PageAllocator, ext interfaces.ByteAllocator, backoff Backoff) *relaxedTail {
	t := &relaxedTail{alloc: alloc, ext: ext, backoff: resolveBackoff(backoff)}
	t.localPool.New = func() any { return alloc.Local() }

	local := t.borrowLocal()
	p := local.AllocatePageZeroed()
	initPageSentinel(p)
	t.returnLocal(local)

	t.cursor.Store(&relaxedCursor{nextPage: p, nextOffset: firstElementOffset, lastPage: p, lastOffset: 0})
	return t
}

func (t *relaxedTail) borrowLocal() *LocalPageAllocator {
	return t.localPool.Get().(*LocalPageAllocator)
}

func (t *relaxedTail) returnLocal(l *LocalPageAllocator) {
	t.localPool.Put(l)
}

// reserve claims a slot for one element, handling any number of page
// turnovers along the way, and returns it as a pendingPut carrying the
// predecessor this producer must eventually link from. progress governs
// both the CAS retry loop (spec.md §4.2's shared contract) and whether a
// page turnover may block on the System Page Source: under WaitFree, the
// first failed CAS or unmet page acquisition returns (nil, nil) instead
// of retrying.
func (t *relaxedTail) reserve(progress Progress, typ interfaces.RuntimeType, rawSize, rawAlign uintptr) (*pendingPut, error) {
	var size, alignment uintptr
	if typ != nil {
		size, alignment = typ.Size(), typ.Alignment()
	} else {
		size, alignment = rawSize, rawAlign
	}
	granules, _ := footprintGranules(size, alignment)

	for attempt := 0; ; attempt++ {
		old := t.cursor.Load()

		if !fitsBeforeEnd(old.nextPage, old.nextOffset, granules) {
			if !t.tryTurnPage(progress, old) {
				return nil, nil
			}
			if !progress.allowsRetry() {
				return nil, nil
			}
			t.backoff.Wait(attempt)
			continue
		}

		myPage, myOffset := old.nextPage, old.nextOffset
		predPage, predOffset := old.lastPage, old.lastOffset
		newState := &relaxedCursor{
			nextPage: myPage, nextOffset: myOffset + G + granules*G,
			lastPage: myPage, lastOffset: myOffset,
		}
		if !t.cursor.CompareAndSwap(old, newState) {
			if !progress.allowsRetry() {
				return nil, nil
			}
			t.backoff.Wait(attempt)
			continue
		}

		a, err := reserveAllocation(myPage, myOffset, typ, rawSize, rawAlign, t.ext)
		if err != nil {
			return nil, err
		}
		return &pendingPut{alloc: a, predPage: predPage, predOffset: predOffset}, nil
	}
}

// tryTurnPage attempts to install a page turnover from the cursor state
// old observed; only one competing caller's CAS succeeds, and that caller
// alone links the turnover in (awaitAndLink can only safely run once per
// predecessor). Callers whose CAS loses simply free the page they
// speculatively allocated and retry the whole reservation. Reports false
// only when no page could be obtained under progress at all; a lost CAS
// still returns true since the page turnover itself did happen, just not
// at this caller's hand.
func (t *relaxedTail) tryTurnPage(progress Progress, old *relaxedCursor) bool {
	local := t.borrowLocal()
	defer t.returnLocal(local)

	next, ok := local.TryAllocatePageZeroed(progress)
	if !ok {
		return false
	}
	initPageSentinel(next)
	newState := &relaxedCursor{nextPage: next, nextOffset: firstElementOffset, lastPage: next, lastOffset: 0}
	if t.cursor.CompareAndSwap(old, newState) {
		awaitAndLinkPageTurn(old.lastPage, old.lastOffset, next, t.backoff)
		return true
	}
	local.DeallocatePage(next)
	return true
}

func (t *relaxedTail) commit(p *pendingPut) {
	commitAllocation(p.alloc)
	awaitAndLink(p.predPage, p.predOffset, p.alloc.Page, p.alloc.Offset, t.backoff)
}

func (t *relaxedTail) cancel(p *pendingPut, destroy bool) {
	cancelAllocation(p.alloc, destroy)
	awaitAndLink(p.predPage, p.predOffset, p.alloc.Page, p.alloc.Offset, t.backoff)
}
