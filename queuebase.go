package hqueue

import (
	"errors"
	"unsafe"

	"github.com/hqueue/hqueue/interfaces"
)

// maxInlinePayload is the largest element size any tail variant will lay
// out inline; anything bigger is promoted to an external block, the page
// itself only ever holding an externalBlockRecord for it (spec.md §3
// "External block record", §4.2 "promotion threshold"). A quarter of a
// page keeps a handful of oversized elements from starving a page of room
// for anything else.
const maxInlinePayload = DefaultPageSize / 4

// elementBox is the Go-memory-model adaptation described in SPEC_FULL.md:
// the actual, garbage-collector-visible home of one control block's
// payload. Exactly one of value, raw or external is set once a reservation
// has been made; all three are nil for a granule that is still unused
// padding.
type elementBox struct {
	typ interfaces.RuntimeType // nil for raw allocations and unused granules

	value unsafe.Pointer // set for typed, inline-constructed elements
	raw   []byte          // set for raw_allocate reservations (no constructor involved)

	external *externalBlockRecord     // set when the element was promoted off-page
	extAlloc interfaces.ByteAllocator // the allocator external was obtained from, needed to free it later
}

// reset clears a box back to its unused state, dropping every reference it
// held so the garbage collector can reclaim whatever it pointed to.
func (b *elementBox) reset() {
	*b = elementBox{}
}

// footprintGranules computes how many G-sized granules past its own control
// block an element of the given size and alignment needs the log to
// reserve, and whether that element must be promoted to an external block
// (spec.md §3, §4.2). The log's bookkeeping stays meaningful — page
// capacity, turnover and "does this element fit before the end-of-page
// control block" decisions all still operate on granule counts — even
// though the bytes those granules nominally span are not where the payload
// actually lives (see elementBox).
func footprintGranules(size, alignment uintptr) (granules uintptr, external bool) {
	if alignment < minAlignment {
		alignment = minAlignment
	}
	if size > maxInlinePayload || alignment > G {
		return alignUp(externalBlockRecordSize, G) / G, true
	}
	payload := alignUp(size, G)
	granules = payload / G
	if granules == 0 {
		granules = 1
	}
	return granules, false
}

// allocateExternalBlock obtains heap storage for a promoted element through
// ext (spec.md §3 "External block record": "the element itself lives on
// the heap via a ByteAllocator"). A nil ext means the queue was configured
// without one, which is a configuration error rather than a transient
// allocation failure.
func allocateExternalBlock(ext interfaces.ByteAllocator, size, alignment uintptr) (*externalBlockRecord, error) {
	if ext == nil {
		return nil, &AllocationFailureError{Op: "allocateExternalBlock", Err: errors.New("no ByteAllocator configured for external blocks")}
	}
	blk, err := ext.Allocate(size, alignment)
	if err != nil {
		return nil, &AllocationFailureError{Op: "allocateExternalBlock", Err: err}
	}
	return &externalBlockRecord{block: blk, size: size, alignment: alignment}, nil
}

// Allocation is a tail variant's in-flight reservation of one element's
// slot (spec.md §4.2 "Tail Layer — shared contract"): the control block at
// Offset has already had BUSY set, and the payload storage Box describes
// has already been obtained, but the CB carries no address yet and so no
// consumer can reach it — only the tail that reserved it knows it exists.
// commitAllocation and cancelAllocation are the only two ways a
// PutTransaction may end; either way, the tail must still call
// linkSuccessor (or linkNextPage/linkNextPageCAS for a page turnover) to
// splice this slot onto the end of the chain the head actually walks,
// exactly the way a Michael–Scott queue links a freshly allocated node in
// only after it is fully formed.
type Allocation struct {
	Page       *page
	Offset     uintptr // offset of this element's control block
	NextOffset uintptr // offset the tail will reserve its next element at (bookkeeping only — never written into any CB directly)
	NextPage   *page   // page NextOffset is relative to; reserveAllocation always sets it to Page
	Box        *elementBox
}

// Element returns a pointer to the element's storage, wherever it actually
// lives: inline GC-tracked storage, a raw byte buffer, or an external
// block.
func (a *Allocation) Element() unsafe.Pointer {
	switch {
	case a.Box.external != nil:
		return a.Box.external.block
	case a.Box.value != nil:
		return a.Box.value
	case len(a.Box.raw) > 0:
		return unsafe.Pointer(&a.Box.raw[0])
	default:
		return nil
	}
}

// Raw exposes the reserved byte slice directly for raw_allocate callers,
// who address their reservation as bytes rather than through a
// RuntimeType.
func (a *Allocation) Raw() []byte { return a.Box.raw }

// reserveAllocation lays out one element's worth of space at offset: it
// writes the control block with BUSY set and no successor, obtains backing
// storage for the payload (promoting to an external block when
// footprintGranules says to), and returns the reservation together with
// the offset the following control block will live at. Every tail variant
// calls this once it has secured offset exclusively for itself; none of it
// is visible to consumers until commitAllocation runs.
func reserveAllocation(p *page, offset uintptr, typ interfaces.RuntimeType, rawSize, rawAlign uintptr, ext interfaces.ByteAllocator) (*Allocation, error) {
	var size, alignment uintptr
	if typ != nil {
		size, alignment = typ.Size(), typ.Alignment()
	} else {
		size, alignment = rawSize, rawAlign
	}

	granules, external := footprintGranules(size, alignment)
	nextOffset := offset + G + granules*G

	box := p.boxAt(offset)
	box.reset()
	box.typ = typ

	if external {
		rec, err := allocateExternalBlock(ext, size, alignment)
		if err != nil {
			return nil, err
		}
		box.external = rec
		box.extAlloc = ext
		if typ != nil {
			// The element is constructed directly into the external block;
			// there is no separate inline value.
		}
	} else if typ != nil {
		box.value = typ.NewValue()
	} else {
		box.raw = make([]byte, size)
	}

	cbAt(p, offset).next.Store(pack(nil, flagBusy))

	return &Allocation{Page: p, Offset: offset, NextOffset: nextOffset, NextPage: p, Box: box}, nil
}

// helpPublish CASes the control block at (p, offset) from its unwritten
// zero value to a BUSY placeholder, and reports the word now in place
// (spec.md §4.2.3's seq-cst helping protocol, generalised to every
// multi-producer tail rather than only the seq-cst one: once a producer's
// claim on offset is visible to a successor through the shared cursor, the
// two can race to decide whether offset is BUSY before either acts on it).
// Only an offset that has genuinely never been written reads back as
// exactly 0 — commitAllocation always sets flagPublished, so a
// legitimately committed, otherwise-flagless terminal node never does —
// so the CAS's precondition alone tells the two apart: a reader that
// lands first sees its own CAS succeed and knows for certain nobody had
// published yet; a reader that lands second (because the owner's
// reserveAllocation got there first) sees its CAS fail and reads back
// whatever the owner actually stored. Without this, a zeroed page's
// never-touched granule and a genuinely committed, flagless terminal node
// would be bitwise identical, and a reader that only inspected the raw
// word could mistake one for the other and link onto a reservation its
// owner has not even started constructing yet.
func helpPublish(p *page, offset uintptr) uint64 {
	cb := cbAt(p, offset)
	if cb.next.CompareAndSwap(0, pack(nil, flagBusy)) {
		return pack(nil, flagBusy)
	}
	return cb.next.Load()
}

// commitAllocation publishes a reservation: BUSY is cleared and the
// control block becomes the new terminal node of the chain (it carries no
// address yet — nothing has been linked to follow it). This is the point
// a consumer that has already been linked to this slot by its predecessor
// may read the element; it is not yet the point a consumer can discover
// this slot exists, which only happens once the caller also calls
// linkSuccessor (spec.md §4.2 "commit is the single release store that
// hands the element to consumers"). flagPublished is always set, even
// when external is the only other candidate flag and so a plain dead/
// external encoding would otherwise have been 0 — see helpPublish, which
// depends on a committed node never reading back as the same all-zero
// word an unwritten granule does. Returns the flags recorded on this node
// (its own metadata — dead/external/published — never the address bits),
// which the caller passes to linkSuccessor unchanged.
func commitAllocation(a *Allocation) uint64 {
	flags := flagPublished
	if a.Box.external != nil {
		flags |= flagExternal
	}
	cb := cbAt(a.Page, a.Offset)
	cb.next.Store(pack(nil, flags))
	return flags
}

// cancelAllocation abandons a reservation (spec.md §4.2 "cancel" and
// "cancel_no_destroy"): the slot is marked DEAD, terminal, so that once
// linked in a consumer skips straight past it, and, if destroy is true,
// whatever partial construction happened is torn down and any external
// block freed. destroy is false only for the cancel_no_destroy path, used
// when the caller knows no constructor ever ran (e.g. a raw_allocate the
// producer decided not to use). Returns the flags to pass to
// linkSuccessor, same as commitAllocation.
func cancelAllocation(a *Allocation, destroy bool) uint64 {
	if destroy {
		destroyBox(a.Box)
	} else {
		freeExternalOnly(a.Box)
		a.Box.reset()
	}
	cb := cbAt(a.Page, a.Offset)
	cb.next.Store(pack(nil, flagDead))
	return flagDead
}

// linkSuccessor splices a just-committed-or-cancelled node onto the end of
// the chain: it CASes the PREVIOUS terminal node's word from "terminal
// with prevFlags" to "points at succ, still carrying prevFlags" — prevFlags
// describes the previous node itself (dead/external), never the
// successor, so it must be threaded through unchanged. A head may set
// flagConsumed on that terminal node at any moment (claimConsumed), so the
// comparison ignores that one bit and the link keeps whatever value of it
// is in place, retrying if it changes under the CAS. Returns false only if
// prev already carries a successor or flags other than prevFlags.
func linkSuccessor(prevPage *page, prevOffset uintptr, prevFlags uint64, succPage *page, succOffset uintptr) bool {
	prevCB := cbAt(prevPage, prevOffset)
	for {
		cur := prevCB.next.Load()
		if cur&^flagConsumed != pack(nil, prevFlags&^flagConsumed) {
			return false
		}
		if prevCB.next.CompareAndSwap(cur, pack(succPage.offsetPtr(succOffset), stateOf(cur))) {
			return true
		}
	}
}

// destroyBox runs the box's destructor (if any), frees its external block
// (if any), and resets it to unused. Used both by cancelAllocation(destroy
// = true) and by a ConsumeOperation's Commit, which must tear the consumed
// element down exactly once it has been read (spec.md §4.3 "Complete: runs
// the element's destructor").
func destroyBox(box *elementBox) {
	if box.typ != nil {
		if ptr := elementPointer(box); ptr != nil {
			box.typ.Destroy(ptr)
		}
	}
	freeExternalOnly(box)
	box.reset()
}

func freeExternalOnly(box *elementBox) {
	if box.external != nil && box.extAlloc != nil {
		box.extAlloc.Deallocate(box.external.block, box.external.size, box.external.alignment)
	}
}

// elementPointer is Allocation.Element's counterpart for a bare *elementBox,
// used by the head/consume side which only has a page and an offset, not
// the Allocation that originally reserved it.
func elementPointer(box *elementBox) unsafe.Pointer {
	switch {
	case box.external != nil:
		return box.external.block
	case box.value != nil:
		return box.value
	case len(box.raw) > 0:
		return unsafe.Pointer(&box.raw[0])
	default:
		return nil
	}
}

// linkNextPage writes the page-turnover control block at offset on p: a
// pointer to next's first control block tagged INVALID_NEXT_PAGE, the
// signal every head variant uses to know the chain continues in a
// different page rather than terminating (spec.md §3 "state flags",
// §4.3 "page-boundary crossing"). prevFlags is the linking node's own
// metadata (e.g. flagDead if it was a cancelled reservation), preserved
// exactly as linkSuccessor preserves it. Used by the single-producer tail,
// the only writer of p's terminal node; the CAS loop exists only to keep a
// flagConsumed bit a consumer may set on that node concurrently.
func linkNextPage(p *page, offset uintptr, prevFlags uint64, next *page) {
	cb := cbAt(p, offset)
	for {
		cur := cb.next.Load()
		if cb.next.CompareAndSwap(cur, pack(next.basePtr(), prevFlags|(cur&flagConsumed)|flagInvalidNextPage)) {
			return
		}
	}
}

// linkNextPageCAS is linkNextPage's CAS counterpart for the multi-producer
// and spin-locking tails: it only installs the page link if offset is
// still in the terminal state prevFlags describes, the same contention
// check (ignoring flagConsumed) linkSuccessor performs for an ordinary
// element link.
func linkNextPageCAS(p *page, offset uintptr, prevFlags uint64, next *page) bool {
	cb := cbAt(p, offset)
	for {
		cur := cb.next.Load()
		if cur&^flagConsumed != pack(nil, prevFlags&^flagConsumed) {
			return false
		}
		if cb.next.CompareAndSwap(cur, pack(next.basePtr(), stateOf(cur)|flagInvalidNextPage)) {
			return true
		}
	}
}

// fitsBeforeEnd reports whether an element needing the given number of
// granules can be reserved at offset without running past the page's
// end-of-page control block.
func fitsBeforeEnd(p *page, offset, granules uintptr) bool {
	end := endControlOffset(uintptr(len(p.data)))
	return offset+G+granules*G <= end
}

// tailImpl is the common shape of the four tail variants (spTail,
// spinTail, relaxedTail, seqCstTail): whichever one a Queue is configured
// with, the façade drives it through exactly these three calls. reserve
// takes the caller's requested progress guarantee (spec.md §4.2's shared
// contract "try_inplace_allocate(progress, ...)"): under Blocking it may
// wait on the System Page Source; under LockFree/ObstructionFree it may
// retry its own CAS loop but never block on the OS; under WaitFree it
// gives up after its first failed CAS or failed non-blocking page
// acquisition rather than retrying at all. A (nil, nil) return — as
// opposed to a (nil, err) one — means the allocation guarantee could not
// be met right now, not that anything went wrong.
type tailImpl interface {
	reserve(progress Progress, typ interfaces.RuntimeType, rawSize, rawAlign uintptr) (*pendingPut, error)
	commit(p *pendingPut)
	cancel(p *pendingPut, destroy bool)
}

// pendingPut is the common shape every tail variant's reserve returns:
// the underlying Allocation, plus — for the multi-producer variants, which
// do not know their predecessor until the CAS that claimed their slot
// tells them — the (page, offset) of the node they must link from once
// they commit or cancel. predPage is nil for spTail/spinTail, whose
// single writer always links from its own tracked terminal instead.
type pendingPut struct {
	alloc      *Allocation
	predPage   *page
	predOffset uintptr
}

// awaitAndLink busy-waits for the control block at (predPage, predOffset)
// to leave the BUSY state — i.e. for whichever producer reserved it to
// finish committing or cancelling — then splices (succPage, succOffset)
// in immediately after it. Used by every multi-producer tail variant,
// which cannot link their own node until they know their predecessor's
// final flags (spec.md §4.2 "commit is the single release store", applied
// here to the one step that can't be taken until the predecessor is
// itself final).
func awaitAndLink(predPage *page, predOffset uintptr, succPage *page, succOffset uintptr, backoff Backoff) {
	for attempt := 0; ; attempt++ {
		var v uint64
		if predOffset == 0 {
			// The page sentinel is written once, synchronously, before the
			// page is ever exposed to a second goroutine (initPageSentinel
			// runs before the page's pointer is published through any
			// cursor CAS) — its zero value is never ambiguous the way a
			// freshly claimed element's is, so it needs no help-publish.
			v = cbAt(predPage, predOffset).next.Load()
		} else {
			v = helpPublish(predPage, predOffset)
		}
		if stateOf(v)&flagBusy != 0 {
			backoff.Wait(attempt)
			continue
		}
		flags := stateOf(v)
		if linkSuccessor(predPage, predOffset, flags, succPage, succOffset) {
			return
		}
		// Another thread already linked a successor here; this module's
		// multi-producer tails never share a predecessor between two
		// concurrent committers, so this indicates the link already
		// happened (e.g. a helping seqcstTail beat us to it) rather than
		// a genuine conflict — nothing left to do.
		return
	}
}

// awaitAndLinkPageTurn is awaitAndLink's page-boundary counterpart, used
// once per page by whichever producer's CAS won the right to install the
// turnover.
func awaitAndLinkPageTurn(predPage *page, predOffset uintptr, next *page, backoff Backoff) {
	for attempt := 0; ; attempt++ {
		var v uint64
		if predOffset == 0 {
			v = cbAt(predPage, predOffset).next.Load()
		} else {
			v = helpPublish(predPage, predOffset)
		}
		if stateOf(v)&flagBusy != 0 {
			backoff.Wait(attempt)
			continue
		}
		flags := stateOf(v)
		if linkNextPageCAS(predPage, predOffset, flags, next) {
			return
		}
		return
	}
}

// cbView is a decoded control block word, the form every head variant
// actually reasons about rather than re-deriving stateOf/pointerOf at each
// call site.
type cbView struct {
	dead     bool
	external bool
	pageTurn bool
	consumed bool
	terminal bool // no successor linked yet — nothing to read past this node right now
	next     unsafe.Pointer
}

// decodeCB interprets a control block word read from an address the
// caller reached only by following an already-linked predecessor (the one
// circumstance under which addr-nil genuinely means "terminal" rather than
// "never reserved" — see linkSuccessor).
func decodeCB(v uint64) cbView {
	state := stateOf(v)
	addr := pointerOf(v)
	return cbView{
		dead:     state&flagDead != 0,
		external: state&flagExternal != 0,
		pageTurn: state&flagInvalidNextPage != 0,
		consumed: state&flagConsumed != 0,
		terminal: addr == nil,
		next:     addr,
	}
}

// claimConsumed attempts to set flagConsumed on the control block at
// (p, offset), preserving whatever address and other flag bits are
// present — including ones a concurrent tail might still be writing via
// linkSuccessor — by retrying against freshly loaded values instead of a
// single blind store. Returns false only if the slot was already claimed
// (flagConsumed already set) by the time of the attempt, the signal a
// multi-consumer head uses to know it lost the race for this element to
// another consumer.
func claimConsumed(p *page, offset uintptr) bool {
	cb := cbAt(p, offset)
	for {
		v := cb.next.Load()
		if stateOf(v)&flagConsumed != 0 {
			return false
		}
		if cb.next.CompareAndSwap(v, v|flagConsumed) {
			return true
		}
	}
}

// releaseConsumed clears flagConsumed on the control block at (p, offset),
// undoing a claimConsumed this same caller made and lost interest in
// without destroying the element (spec.md §4.3/§4.5 "cancel_consume
// leaves the element consumable by a later consumer"). Only the consumer
// that currently holds the claim ever calls this, so the bit can be
// cleared unconditionally rather than CAS-retried against a concurrent
// claimant.
func releaseConsumed(p *page, offset uintptr) {
	cb := cbAt(p, offset)
	for {
		v := cb.next.Load()
		if cb.next.CompareAndSwap(v, v&^flagConsumed) {
			return
		}
	}
}

// elementAt is the consumer-side counterpart of reserveAllocation: given a
// committed control block's page and offset, it returns a pointer usable
// with the element's RuntimeType (nil typ means the element is a raw
// allocation, returned instead as raw).
func elementAt(p *page, offset uintptr) (ptr unsafe.Pointer, typ interfaces.RuntimeType, raw []byte) {
	box := p.boxAt(offset)
	return elementPointer(box), box.typ, box.raw
}
