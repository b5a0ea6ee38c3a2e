package hqueue

import "unsafe"

// PinGuard is the scoped "safe pin" helper spec.md's design notes insist be
// "preserved verbatim": pin the page containing a just-read address, then
// re-read the subject pointer; if the page has since changed (the pin was
// taken a moment too late, after the page was reclaimed and reused) the
// pin is released and the caller is told to retry from the fresh value.
// The head variants hold their page pins through PinGuard values made by
// pinPage; SafePin itself has no caller in this package, and the tail
// variants take no pins.
type PinGuard struct {
	alloc  *PageAllocator
	target *page
	active bool
}

// SafePin pins the page containing addr, then calls reread to obtain the
// current value of whatever pointer addr was read from. If the page
// containing the reread value differs from the pinned page, the pin window
// missed a reclamation: the guard unpins immediately and ok is false. The
// caller is expected to restart its traversal from the value reread
// returned.
func SafePin(alloc *PageAllocator, addr unsafe.Pointer, reread func() unsafe.Pointer) (guard *PinGuard, current unsafe.Pointer, ok bool) {
	p := alloc.pageContaining(addr)
	if p == nil {
		return nil, nil, false
	}
	alloc.PinPage(p)

	current = reread()
	if alloc.pageContaining(current) != p {
		alloc.UnpinPage(p)
		return nil, current, false
	}
	return &PinGuard{alloc: alloc, target: p, active: true}, current, true
}

// pinPage pins p directly, with no re-read check, used when the caller
// already knows p cannot have been reclaimed out from under it (e.g. it
// just allocated p itself).
func pinPage(alloc *PageAllocator, p *page) *PinGuard {
	alloc.PinPage(p)
	return &PinGuard{alloc: alloc, target: p, active: true}
}

// Page returns the page this guard is holding a pin on.
func (g *PinGuard) Page() *page { return g.target }

// Release unpins the page. Idempotent: releasing an already-released guard
// is a no-op, so defer g.Release() is always safe even after an early
// explicit Release.
func (g *PinGuard) Release() {
	if g == nil || !g.active {
		return
	}
	g.alloc.UnpinPage(g.target)
	g.active = false
}
