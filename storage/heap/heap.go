// Package heap gives a reference implementation of interfaces.ByteAllocator
// for external (oversized, promoted-off-page) elements — the Byte allocator
// contract spec.md §6 names alongside the System Page Source. It exists for
// the same reason runtype.Reflect does: the core package only ever consumes
// the interface, and some concrete implementation has to exist for an
// oversized Push to actually work.
package heap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/hqueue/hqueue/interfaces"
)

// GCHeap backs every external block with an ordinary Go-collector-tracked
// byte slice, the same adaptation queuebase.go's elementBox makes for
// inline payloads (see SPEC_FULL.md "Go memory model adaptation"): the C++
// original's Byte allocator contract assumes a language where Allocate can
// return raw, untraced memory safely handed back to the caller, but Go has
// no sound way to hand out untraced heap memory that might itself hold
// pointers. No library in the retrieval pack offers an arena/slab
// allocator either (see DESIGN.md) — GCHeap is therefore built on the
// standard library, the one part of the Byte allocator contract this
// module cannot source from the ecosystem.
type GCHeap struct {
	mu    sync.Mutex
	live  map[unsafe.Pointer][]byte
	bytes int64
}

// NewGCHeap creates an empty heap.
func NewGCHeap() *GCHeap {
	return &GCHeap{live: make(map[unsafe.Pointer][]byte)}
}

// Allocate returns size bytes of GC-visible storage, recording it so a
// later Deallocate can find the backing slice to drop.
func (h *GCHeap) Allocate(size, alignment uintptr) (unsafe.Pointer, error) {
	buf := make([]byte, size+alignment)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + alignment - 1) &^ (alignment - 1)
	ptr := unsafe.Pointer(aligned)

	h.mu.Lock()
	h.live[ptr] = buf
	h.bytes += int64(len(buf))
	h.mu.Unlock()

	return ptr, nil
}

// TryAllocate is Allocate's non-blocking form; GCHeap never blocks (the Go
// allocator's own growth is wait-free from this package's perspective), so
// it always succeeds unless size is absurd enough to panic make, which this
// package treats as a configuration error rather than something to recover
// from gracefully.
func (h *GCHeap) TryAllocate(size, alignment uintptr) (unsafe.Pointer, bool) {
	ptr, err := h.Allocate(size, alignment)
	return ptr, err == nil
}

// Deallocate drops GCHeap's own reference to the block, after which the
// collector reclaims it once nothing else points in. size/alignment are
// accepted to satisfy the interface but unused: the original record
// already carries the real backing slice.
func (h *GCHeap) Deallocate(ptr unsafe.Pointer, size, alignment uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf, ok := h.live[ptr]
	if !ok {
		panic(fmt.Sprintf("heap: Deallocate of untracked pointer %p", ptr))
	}
	h.bytes -= int64(len(buf))
	delete(h.live, ptr)
}

// Live reports how many bytes are currently allocated, a diagnostic used
// by tests checking spec.md §8 testable property 6 (bounded resident
// memory) for external blocks specifically.
func (h *GCHeap) Live() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytes
}

var _ interfaces.ByteAllocator = (*GCHeap)(nil)
