package hqueue

import "github.com/hqueue/hqueue/interfaces"

// Every page carries a permanent sentinel control block at offset 0,
// written once when the page is created and never holding an element
// itself: it exists only so the previous page's page-turnover link has
// somewhere to point, and so a page's first real reservation has a
// terminal node to splice onto (spec.md §3 "page footer" / §4.2
// "page-boundary crossing", generalised into an explicit waypoint node
// rather than overloading the footer).
func initPageSentinel(p *page) {
	cbAt(p, 0).next.Store(pack(nil, 0))
}

// firstElementOffset is where a page's first real reservation goes, one
// granule past the sentinel.
const firstElementOffset = G

// spTail is the single-producer tail variant (spec.md §4.2.1): exactly one
// goroutine ever calls reserve, so advancing the write cursor is a plain
// store; splicing a committed node onto the chain goes through
// linkSuccessor's CAS only because a consumer may set flagConsumed on the
// terminal node at the same time. Grounded
// on the teacher's single-writer cursor pattern (`BufMgr`'s page/latch
// bookkeeping advanced without synchronisation whenever the caller already
// holds exclusive access).
type spTail struct {
	local *LocalPageAllocator
	ext   interfaces.ByteAllocator

	// term is the current terminal node of the chain: the last node
	// spliced in, whose own control block still reads "no successor yet".
	termPage   *page
	termOffset uintptr
	termFlags  uint64

	// cursor is where the next reservation will be placed.
	cursorPage   *page
	cursorOffset uintptr
}

// newSPTail starts a fresh single-producer tail on one freshly allocated
// page, whose sentinel is both the initial terminal node and the point
// the first reservation links from.
func newSPTail(local *LocalPageAllocator, ext interfaces.ByteAllocator) *spTail {
	p := local.AllocatePage()
	initPageSentinel(p)
	return &spTail{
		local: local, ext: ext,
		termPage: p, termOffset: 0, termFlags: 0,
		cursorPage: p, cursorOffset: firstElementOffset,
	}
}

// reserve lays out space for one element at the current cursor, turning
// the page over first if it does not fit (spec.md §4.2.1 "page overflow:
// allocate a new page, link it, continue there"). predPage is always nil:
// a single writer always links from its own tracked terminal node rather
// than a predecessor discovered at claim time. There is no contention to
// retry against here — a single producer never races another one — so
// progress only matters for whether a page turnover may block on the
// System Page Source; a (nil, nil) return means that page could not be
// obtained under the requested guarantee.
func (t *spTail) reserve(progress Progress, typ interfaces.RuntimeType, rawSize, rawAlign uintptr) (*pendingPut, error) {
	var size, alignment uintptr
	if typ != nil {
		size, alignment = typ.Size(), typ.Alignment()
	} else {
		size, alignment = rawSize, rawAlign
	}
	granules, _ := footprintGranules(size, alignment)

	if !fitsBeforeEnd(t.cursorPage, t.cursorOffset, granules) {
		if !t.turnPage(progress) {
			return nil, nil
		}
	}

	a, err := reserveAllocation(t.cursorPage, t.cursorOffset, typ, rawSize, rawAlign, t.ext)
	if err != nil {
		return nil, err
	}
	return &pendingPut{alloc: a}, nil
}

// turnPage allocates a new page with its sentinel, links the current
// terminal node to that sentinel, and makes the sentinel the new terminal
// node — so the very next splice (of the element that triggered the
// turnover) lands correctly after it with no special-casing required.
// Reports false, leaving the tail's state untouched, if no page could be
// obtained under progress.
func (t *spTail) turnPage(progress Progress) bool {
	next, ok := t.local.TryAllocatePage(progress)
	if !ok {
		return false
	}
	initPageSentinel(next)

	linkNextPage(t.termPage, t.termOffset, t.termFlags, next)

	t.termPage, t.termOffset, t.termFlags = next, 0, 0
	t.cursorPage, t.cursorOffset = next, firstElementOffset
	return true
}

// commit publishes p's allocation and splices it onto the chain
// immediately after the tail's current terminal node, then advances both
// the terminal node and the write cursor past it (spec.md §4.2 "commit is
// the single release store that hands the element to consumers").
func (t *spTail) commit(p *pendingPut) {
	flags := commitAllocation(p.alloc)
	t.splice(p.alloc, flags)
}

// cancel abandons p's allocation the same way, splicing in a DEAD node so
// a consumer skips straight past it instead of ever seeing a hole in the
// chain.
func (t *spTail) cancel(p *pendingPut, destroy bool) {
	flags := cancelAllocation(p.alloc, destroy)
	t.splice(p.alloc, flags)
}

func (t *spTail) splice(a *Allocation, flags uint64) {
	linkSuccessor(t.termPage, t.termOffset, t.termFlags, a.Page, a.Offset)
	t.termPage, t.termOffset, t.termFlags = a.Page, a.Offset, flags
	t.cursorPage, t.cursorOffset = a.NextPage, a.NextOffset
}
