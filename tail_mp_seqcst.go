package hqueue

import (
	"sync"
	"sync/atomic"

	"github.com/hqueue/hqueue/interfaces"
)

// seqCstCursor mirrors relaxedCursor exactly; kept as a distinct type
// rather than reused so the two tails can evolve independently, the way
// spec.md treats them as genuinely separate variants even though this
// module's atomics give both the same memory ordering (see SPEC_FULL.md's
// "Go memory model adaptation" sibling note on sync/atomic).
type seqCstCursor struct {
	nextPage   *page
	nextOffset uintptr
	lastPage   *page
	lastOffset uintptr
}

// seqCstTail is the multi-producer-seq-cst tail variant (spec.md §4.2.3).
// Go's sync/atomic operations are already specified as sequentially
// consistent — there is no relaxed-ordering escape hatch to opt out of —
// so this variant cannot differ from relaxedTail in memory ordering the
// way the C++ original's memory_order_relaxed vs memory_order_seq_cst
// tails do. What it keeps from the original's "seq-cst" contract is a
// genuine helping protocol, in two parts:
//
//   - a producer that loses the race to install a page turnover does not
//     simply discard its speculative page and wait for the winner to get
//     scheduled again — it also attempts to complete the winner's link
//     itself (turnPageHelping), so a page turnover is never left pending
//     on one particular goroutine's scheduling;
//   - an ordinary (non-page-turnover) reservation's publish step is
//     helpable too, through the package-level helpPublish (queuebase.go):
//     any producer about to link onto a predecessor — whether that
//     predecessor is itself, inside commit/cancel, or a different
//     producer's predecessor the helping producer happens to be racing
//     past — first CASes that predecessor's control block from its
//     unwritten zero to a BUSY placeholder before trusting what it reads
//     there, closing the window where a freshly claimed, not-yet-stored
//     slot on a zeroed page is bitwise indistinguishable from a genuinely
//     committed, flagless terminal node. This is why seqCstTail shares
//     awaitAndLink/awaitAndLinkPageTurn with relaxedTail rather than
//     keeping a seqCstTail-scoped helpPublish method: the helping
//     protocol's target is a control block reachable only through a page
//     and an offset, never through anything a consumer can see before a
//     producer links it in — there is no way for a head variant to "help
//     publish" a reservation it cannot yet reach, so this protocol is
//     entirely a producer-side concern.
//
// Like relaxedTail, this borrows a LocalPageAllocator per call from
// localPool rather than holding one fixed instance, since LocalPageAllocator
// is per-thread state not safe to share between concurrently-racing
// producer goroutines.
type seqCstTail struct {
	alloc *PageAllocator
	ext   interfaces.ByteAllocator

	cursor atomic.Pointer[seqCstCursor]

	backoff   Backoff
	localPool sync.Pool
}

func newSeqCstTail(alloc *PageAllocator, ext interfaces.ByteAllocator, backoff Backoff) *seqCstTail {
	t := &seqCstTail{alloc: alloc, ext: ext, backoff: resolveBackoff(backoff)}
	t.localPool.New = func() any { return alloc.Local() }

	local := t.borrowLocal()
	p := local.AllocatePageZeroed()
	initPageSentinel(p)
	t.returnLocal(local)

	t.cursor.Store(&seqCstCursor{nextPage: p, nextOffset: firstElementOffset, lastPage: p, lastOffset: 0})
	return t
}

func (t *seqCstTail) borrowLocal() *LocalPageAllocator {
	return t.localPool.Get().(*LocalPageAllocator)
}

func (t *seqCstTail) returnLocal(l *LocalPageAllocator) {
	t.localPool.Put(l)
}

// reserve claims a slot exactly as relaxedTail.reserve does, but every
// link it eventually performs (via commit/cancel's awaitAndLink, and via
// turnPageHelping below) goes through the CAS-based helpPublish rather
// than a raw load. progress gates the CAS retry loop and page acquisition
// the same way it does for relaxedTail: under WaitFree, the first failed
// CAS or unmet page acquisition returns (nil, nil).
func (t *seqCstTail) reserve(progress Progress, typ interfaces.RuntimeType, rawSize, rawAlign uintptr) (*pendingPut, error) {
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
			if !t.turnPageHelping(progress, old) {
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
		newState := &seqCstCursor{
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

// turnPageHelping installs a page turnover from the cursor state old
// observed. The winner of the CAS links it in as usual; a loser, instead
// of walking away, re-reads the cursor its competitor installed and helps
// finish that same link before discarding its own speculative page — the
// seq-cst helping behaviour this variant adds over relaxedTail. Reports
// false only when no page could be obtained under progress at all.
func (t *seqCstTail) turnPageHelping(progress Progress, old *seqCstCursor) bool {
	local := t.borrowLocal()
	defer t.returnLocal(local)

	next, ok := local.TryAllocatePageZeroed(progress)
	if !ok {
		return false
	}
	initPageSentinel(next)
	newState := &seqCstCursor{nextPage: next, nextOffset: firstElementOffset, lastPage: next, lastOffset: 0}

	if t.cursor.CompareAndSwap(old, newState) {
		awaitAndLinkPageTurn(old.lastPage, old.lastOffset, next, t.backoff)
		return true
	}

	local.DeallocatePage(next)
	if won := t.cursor.Load(); won.lastOffset == 0 && won.lastPage != old.lastPage {
		awaitAndLinkPageTurn(old.lastPage, old.lastOffset, won.lastPage, t.backoff)
	}
	return true
}

func (t *seqCstTail) commit(p *pendingPut) {
	commitAllocation(p.alloc)
	awaitAndLink(p.predPage, p.predOffset, p.alloc.Page, p.alloc.Offset, t.backoff)
}

func (t *seqCstTail) cancel(p *pendingPut, destroy bool) {
	cancelAllocation(p.alloc, destroy)
	awaitAndLink(p.predPage, p.predOffset, p.alloc.Page, p.alloc.Offset, t.backoff)
}
