// Package runtype gives a reference implementation of interfaces.RuntimeType
// for ordinary Go types, the way the teacher's parent_page_dummy.go and
// parent_buf_mgr_dummy.go give reference implementations of its external
// ParentPage/ParentBufMgr interfaces. The core package never imports this
// package; callers (and the tests) do.
package runtype

import (
	"reflect"
	"unsafe"

	"github.com/hqueue/hqueue/interfaces"
)

// Reflect is a RuntimeType built from a reflect.Type, able to describe any
// concrete Go type usable as a queue element.
type Reflect struct {
	typ reflect.Type
}

// For builds the RuntimeType descriptor for T. It is the nothrow factory
// spec.md §6 requires ("a nothrow factory make<T>()").
func For[T any]() interfaces.RuntimeType {
	var zero T
	return &Reflect{typ: reflect.TypeOf(zero)}
}

func (r *Reflect) Size() uintptr      { return r.typ.Size() }
func (r *Reflect) Alignment() uintptr { return uintptr(r.typ.Align()) }
func (r *Reflect) Empty() bool        { return r.typ == nil }

// NewValue allocates a zero instance of the described type through
// reflect.New, which the Go runtime tracks precisely (including any
// pointers the type itself holds), and returns a pointer to it.
func (r *Reflect) NewValue() unsafe.Pointer {
	return reflect.New(r.typ).UnsafePointer()
}

func (r *Reflect) Destroy(ptr unsafe.Pointer) {
	// Go has no user destructors; zeroing drops any references the GC
	// would otherwise keep alive through the slot, mirroring the
	// value-semantics "destroy" contract for types holding pointers,
	// slices, maps or channels.
	dst := reflect.NewAt(r.typ, ptr).Elem()
	dst.Set(reflect.Zero(r.typ))
}

func (r *Reflect) CopyConstruct(dest, src unsafe.Pointer) {
	dstVal := reflect.NewAt(r.typ, dest).Elem()
	srcVal := reflect.NewAt(r.typ, src).Elem()
	dstVal.Set(srcVal)
}

func (r *Reflect) MoveConstruct(dest, src unsafe.Pointer) {
	dstVal := reflect.NewAt(r.typ, dest).Elem()
	srcVal := reflect.NewAt(r.typ, src).Elem()
	dstVal.Set(srcVal)
	srcVal.Set(reflect.Zero(r.typ))
}
