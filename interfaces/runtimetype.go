package interfaces

import "unsafe"

// RuntimeType is the value-type descriptor the core stores alongside every
// element (spec.md §6). The core never constructs one itself: producers
// supply it (typically via a factory returned by a generic helper in
// runtype) when they reserve a slot, and the core calls its methods to
// build, copy, move and tear elements down without ever naming a concrete
// element type.
type RuntimeType interface {
	// Size is the size in bytes of a constructed instance.
	Size() uintptr

	// Alignment is the required alignment of a constructed instance,
	// a power of two.
	Alignment() uintptr

	// Destroy runs the destructor of the instance at ptr. Must not panic.
	Destroy(ptr unsafe.Pointer)

	// CopyConstruct builds a new instance at dest from the instance at
	// src. May panic (the core treats a panic here as the strong
	// exception-safety failure case and cancels the reservation).
	CopyConstruct(dest, src unsafe.Pointer)

	// MoveConstruct builds a new instance at dest by moving the instance
	// at src out. Must not panic.
	MoveConstruct(dest, src unsafe.Pointer)

	// Empty reports whether this descriptor represents a padding slot
	// with no live payload (used to distinguish padding control blocks
	// from genuine elements during diagnostics).
	Empty() bool

	// NewValue allocates fresh, zero-valued, garbage-collector-visible
	// storage for one instance of the described type and returns a
	// pointer into it.
	//
	// This has no equivalent in the C++ contract this interface is
	// otherwise a direct translation of: there, the queue's own raw page
	// memory is the storage, and the runtime_type only placement-
	// constructs into it. Go has no placement new, and no sound way to
	// later convince the garbage collector that an arbitrary manually
	// carved byte range holds a pointer-containing value — so the
	// descriptor, which alone knows the concrete type, is made
	// responsible for handing back storage the collector already
	// recognises (see SPEC_FULL.md, "Go memory model adaptation").
	NewValue() unsafe.Pointer
}
