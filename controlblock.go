package hqueue

import (
	"sync/atomic"
	"unsafe"
)

// Granularity G (spec.md §3, design notes "Granularity choice"): the common
// alignment unit for control blocks, tail and head. Chosen as 64 (a typical
// cache line / destructive_interference_size) which already dominates
// alignof(controlBlock), alignof(externalBlockRecord) and the 6 state bits
// this module needs (pow2_ceil(AllFlags+1) == 64 <= 64).
const G uintptr = 64

// Low-bit state flags packed into a control block's next word (spec.md §3
// "State flags"). BUSY and DEAD are mutually exclusive in valid states;
// DEAD is monotone.
const (
	flagBusy            uint64 = 1 << 0
	flagDead            uint64 = 1 << 1
	flagExternal        uint64 = 1 << 2
	flagInvalidNextPage uint64 = 1 << 3

	// flagConsumed has no counterpart in the original's state-flag set: it
	// is set by a head variant, never a tail, once an element's payload
	// has been claimed by a consumer. Folding "already taken" into the
	// same word a producer uses for DEAD lets both head and tail skip a
	// slot with the same single-word CAS idiom, and lets a multi-consumer
	// head use exactly that CAS as its point of mutual exclusion between
	// competing consumers (spec.md §4.3 "exactly one consumer may take a
	// given element"). Unlike DEAD, flagConsumed is not monotone: a
	// canceled (not committed) consume clears it again via
	// releaseConsumed, since spec.md §4.3/§4.5 requires cancel_consume to
	// leave the element consumable by a later consumer.
	flagConsumed uint64 = 1 << 4

	// flagPublished has no counterpart in the original's state-flag set
	// either: commitAllocation always sets it, so a genuinely committed,
	// terminal, otherwise-flagless control block never reads back as the
	// all-zero word a granule on a freshly zeroed page starts at.
	// helpPublish (queuebase.go) leans on that: it treats an observed
	// all-zero word as proof the slot has not been committed yet — never
	// as "committed with no flags" — and a raw value of exactly 0 could
	// not mean the latter once this bit exists. Without it, a successor
	// racing a slow predecessor could mistake an unwritten granule for an
	// already-published one and link onto it before the predecessor's own
	// placeholder store, losing that link the moment the predecessor
	// catches up and overwrites it.
	flagPublished uint64 = 1 << 5

	flagMask uint64 = flagBusy | flagDead | flagExternal | flagInvalidNextPage | flagConsumed | flagPublished
)

// controlBlock is the per-element header (spec.md §3 "Control block"). Its
// only field is next, an atomic word whose low bits (flagMask) carry state
// and whose remaining bits carry the address of the following control
// block, or 0 if unwritten. The design notes call for typed accessors
// rather than round-tripping through a raw pointer type the compiler might
// re-align; stateOf/pointerOf/pack below are exactly that.
type controlBlock struct {
	next atomic.Uint64
}

// stateOf extracts the flag bits of a next word.
func stateOf(v uint64) uint64 { return v & flagMask }

// pointerOf extracts the address bits of a next word as an unsafe.Pointer,
// or nil if the word is 0 or carries no address (e.g. INVALID_NEXT_PAGE).
func pointerOf(v uint64) unsafe.Pointer {
	addr := v &^ flagMask
	if addr == 0 {
		return nil
	}
	return unsafe.Pointer(uintptr(addr))
}

// pack combines an address and flag bits into a next word. addr must
// already be G-aligned (invariant 1, spec.md §3).
func pack(addr unsafe.Pointer, flags uint64) uint64 {
	return uint64(uintptr(addr)) | (flags & flagMask)
}

// cbAt returns the control block whose next word lives at offset bytes
// into p's data region.
func cbAt(p *page, offset uintptr) *controlBlock {
	return (*controlBlock)(p.offsetPtr(offset))
}

// externalBlockRecord is the in-page record written in place of the payload
// when EXTERNAL is set (spec.md §3 "External block record"): the element
// itself lives on the heap via a ByteAllocator, and only this small
// descriptor sits in the page.
type externalBlockRecord struct {
	block     unsafe.Pointer
	size      uintptr
	alignment uintptr
}

const externalBlockRecordSize = unsafe.Sizeof(externalBlockRecord{})

// alignUp rounds v up to the next multiple of align, which must be a power
// of two.
func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// endControlOffset is the offset of the end-of-page control block within a
// page of usableSize bytes (spec.md §3 "End-of-page control block"):
// floor_align(usableSize - sizeof(CB), G).
func endControlOffset(usableSize uintptr) uintptr {
	cbSize := unsafe.Sizeof(controlBlock{})
	return ((usableSize - cbSize) / G) * G
}

// minAlignment is the minimum alignment the tail ever allocates at:
// pointer alignment, per spec.md §4.2 ("if alignment < min_alignment ...
// the tail promotes the request").
const minAlignment uintptr = unsafe.Sizeof(uintptr(0))
