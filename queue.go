package hqueue

import (
	"errors"
	"unsafe"

	"github.com/hqueue/hqueue/interfaces"
)

// headImpl is the common shape of scHead and mcHead, the head-side
// counterpart of tailImpl (spec.md §4.3 "Head Layer — shared contract").
type headImpl interface {
	tryStart(progress Progress) (*consumeHandle, bool)
	commit(c *consumeHandle)
	commitNoDestroy(c *consumeHandle)
	cancel(c *consumeHandle)
}

// Queue is the façade spec.md §4.4 describes: it composes exactly one of
// the four tail variants with exactly one of the two head variants,
// according to cfg, and exposes the producer/consumer surface without
// either side needing to know which variant backs the other. Grounded on
// the teacher's BLTree, a thin façade composing a BufMgr with traversal
// algorithms and exposing InsertKey/FindKey/DeleteKey as the only public
// surface.
type Queue struct {
	cfg   Config
	alloc *PageAllocator
	tail  tailImpl
	head  headImpl
}

// NewQueue builds a Queue from cfg, selecting tail and head implementations
// per spec.md §6's cardinality/consistency/synchronisation axes.
func NewQueue(cfg Config) *Queue {
	alloc := NewPageAllocator(cfg.pageSource)

	q := &Queue{cfg: cfg, alloc: alloc}

	var startPage *page
	switch {
	case cfg.producers == SingleProducer && cfg.sync == SpinLocking:
		// SingleProducer never actually contends, but honour an explicit
		// request for the mutex-guarded variant anyway rather than
		// silently downgrading it to the plain spTail.
		local := alloc.Local()
		t := newSpinTail(local, cfg.byteAllocator, cfg.backoff)
		startPage = t.termPage
		q.tail = t

	case cfg.producers == SingleProducer:
		local := alloc.Local()
		t := newSPTail(local, cfg.byteAllocator)
		startPage = t.termPage
		q.tail = t

	case cfg.sync == SpinLocking:
		local := alloc.Local()
		t := newSpinTail(local, cfg.byteAllocator, cfg.backoff)
		startPage = t.termPage
		q.tail = t

	case cfg.consistency == Sequential:
		t := newSeqCstTail(alloc, cfg.byteAllocator, cfg.backoff)
		startPage = t.cursor.Load().lastPage
		q.tail = t

	default:
		t := newRelaxedTail(alloc, cfg.byteAllocator, cfg.backoff)
		startPage = t.cursor.Load().lastPage
		q.tail = t
	}

	if cfg.consumers == MultipleConsumers {
		q.head = newMCHead(alloc, startPage, cfg.backoff)
	} else {
		q.head = newSCHead(alloc, alloc.Local(), startPage)
	}

	return q
}

// IsLockFree reports whether this Queue's configured tail/head pairing can
// actually serve the requested progress guarantee (SPEC_FULL.md "Queue
// Façade", supplementing density::concurrent_heterogeneous_queue_spsc's
// is_lock_free query). SpinLocking tails only ever offer Blocking; every
// other combination in this module is built entirely from CAS loops and
// so serves every guarantee up to LockFree (ObstructionFree is treated as
// an alias of LockFree, never WaitFree, since every retry loop here is
// unbounded under contention).
func (q *Queue) IsLockFree(progress Progress) bool {
	if q.cfg.sync == SpinLocking {
		return progress == Blocking
	}
	return progress == Blocking || progress == LockFree || progress == ObstructionFree
}

// PutTransaction is the in-flight handle spec.md §4.4 "start_push" returns:
// the slot is reserved and its payload storage ready to write into, but no
// consumer can observe it until Commit runs (spec.md §4.2 "commit is the
// single release store"). A PutTransaction must be committed or canceled
// exactly once; dropping one without either leaks a BUSY slot forever, the
// one way this module does not mirror the C++ original's "destruction
// without commit or cancel is equivalent to cancel" (Go has no
// deterministic destructors to hook).
type PutTransaction struct {
	q    *Queue
	pp   *pendingPut
	done bool
}

var errTransactionDone = errors.New("hqueue: transaction already committed or canceled")

// StartPush reserves a slot for typ without constructing anything into it;
// the caller builds the value at Element() themselves (or via CopyConstruct
// on typ) before calling Commit. It is the implicitly-Blocking convenience
// form; TryStartPush exposes the underlying progress guarantee spec.md
// §4.2's shared contract takes as try_inplace_allocate's first argument.
func (q *Queue) StartPush(typ interfaces.RuntimeType) (*PutTransaction, error) {
	pp, err := q.tail.reserve(Blocking, typ, 0, 0)
	if err != nil {
		return nil, err
	}
	if pp == nil {
		return nil, &AllocationFailureError{Op: "StartPush", Err: errors.New("no page could be obtained")}
	}
	return &PutTransaction{q: q, pp: pp}, nil
}

// TryStartPush is StartPush under an explicit progress guarantee: ok is
// false, with a nil transaction and nil error, if the guarantee could not
// be met right now (spec.md §4.2/§5), as opposed to err being set for a
// genuine allocation failure.
func (q *Queue) TryStartPush(progress Progress, typ interfaces.RuntimeType) (t *PutTransaction, ok bool, err error) {
	pp, err := q.tail.reserve(progress, typ, 0, 0)
	if err != nil {
		return nil, false, err
	}
	if pp == nil {
		return nil, false, nil
	}
	return &PutTransaction{q: q, pp: pp}, true, nil
}

// StartRawPush reserves size bytes of untyped storage, returned through
// Raw(), with no RuntimeType involved — spec.md §4.2/§4.4's raw_allocate
// used as the transaction's own element rather than a chained scratch
// block. Like StartPush, this is the implicitly-Blocking convenience
// form; see TryStartRawPush for an explicit progress guarantee.
func (q *Queue) StartRawPush(size, align uintptr) (*PutTransaction, error) {
	pp, err := q.tail.reserve(Blocking, nil, size, align)
	if err != nil {
		return nil, err
	}
	if pp == nil {
		return nil, &AllocationFailureError{Op: "StartRawPush", Err: errors.New("no page could be obtained")}
	}
	return &PutTransaction{q: q, pp: pp}, nil
}

// TryStartRawPush is StartRawPush under an explicit progress guarantee,
// with the same (nil, false, nil) "guarantee unmet" signal TryStartPush
// uses.
func (q *Queue) TryStartRawPush(progress Progress, size, align uintptr) (t *PutTransaction, ok bool, err error) {
	pp, err := q.tail.reserve(progress, nil, size, align)
	if err != nil {
		return nil, false, err
	}
	if pp == nil {
		return nil, false, nil
	}
	return &PutTransaction{q: q, pp: pp}, true, nil
}

// Push is the non-reentrant convenience wrapper spec.md §4.4 describes:
// reserve, copy-construct src into the new slot via typ, commit. If
// CopyConstruct panics partway through, the reservation is canceled with
// destructors run only on what was actually constructed — the strong
// exception-safety path spec.md §7 requires — and the panic is converted
// to an error rather than propagated, since Queue.Push promises not to
// leave a transaction object behind for the caller to clean up.
func (q *Queue) Push(typ interfaces.RuntimeType, src unsafe.Pointer) (err error) {
	t, err := q.StartPush(typ)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			t.doCancel(true)
			err = &AllocationFailureError{Op: "Push", Err: errors.New("element constructor panicked")}
		}
	}()
	typ.CopyConstruct(t.Element(), src)
	return t.Commit()
}

// PushRaw reserves size bytes and copies data into them verbatim, the
// round-trip spec.md §8 testable property 7 requires.
func (q *Queue) PushRaw(data []byte) error {
	t, err := q.StartRawPush(uintptr(len(data)), minAlignment)
	if err != nil {
		return err
	}
	copy(t.Raw(), data)
	return t.Commit()
}

// Element returns a pointer to the reserved slot's storage, valid to
// construct into (for StartPush) until Commit or Cancel runs.
func (t *PutTransaction) Element() unsafe.Pointer { return t.pp.alloc.Element() }

// Raw exposes the reservation's byte slice directly, for StartRawPush
// transactions.
func (t *PutTransaction) Raw() []byte { return t.pp.alloc.Raw() }

// RawAllocate attaches size additional bytes of scratch storage to the
// same log, tagged DEAD so every head variant skips it as an element but
// it stays linked into the chain so page-reclamation accounting sees it
// (spec.md §4.4 "further raw-block allocations chained in the same
// queue"). The returned slice remains writable by the caller for as long
// as the page it lives on is reachable; it is never itself a consumable
// element and has no Commit/Cancel of its own.
func (t *PutTransaction) RawAllocate(size, align uintptr) ([]byte, error) {
	pp, err := t.q.tail.reserve(Blocking, nil, size, align)
	if err != nil {
		return nil, err
	}
	raw := pp.alloc.Raw()
	t.q.tail.cancel(pp, false)
	return raw, nil
}

// Commit publishes the reservation, making it visible to consumers.
func (t *PutTransaction) Commit() error {
	if t.done {
		return errTransactionDone
	}
	t.done = true
	t.q.tail.commit(t.pp)
	return nil
}

// Cancel abandons the reservation, destroying whatever was constructed
// into it.
func (t *PutTransaction) Cancel() error {
	return t.doCancel(true)
}

// CancelNoDestroy abandons the reservation without running any destructor,
// for callers who know nothing was ever constructed (spec.md §7
// "cancel_no_destroy").
func (t *PutTransaction) CancelNoDestroy() error {
	return t.doCancel(false)
}

func (t *PutTransaction) doCancel(destroy bool) error {
	if t.done {
		return errTransactionDone
	}
	t.done = true
	t.q.tail.cancel(t.pp, destroy)
	return nil
}

// ConsumeOperation is spec.md §4.4 "try_start_consume"'s returned handle: an
// element has been claimed (and, under MultipleConsumers, is exclusively
// ours) but not yet destroyed. Like PutTransaction it must be committed or
// canceled exactly once.
type ConsumeOperation struct {
	q      *Queue
	handle *consumeHandle
	done   bool
}

// TryStartConsume claims the oldest ready element under the requested
// progress guarantee, or reports none ready.
func (q *Queue) TryStartConsume(progress Progress) (*ConsumeOperation, bool) {
	h, ok := q.head.tryStart(progress)
	if !ok {
		return nil, false
	}
	return &ConsumeOperation{q: q, handle: h}, true
}

// CompleteType reports the RuntimeType of the claimed element, or nil if
// it was a raw allocation.
func (c *ConsumeOperation) CompleteType() interfaces.RuntimeType {
	_, typ, _ := c.handle.Element()
	return typ
}

// Element returns a pointer to the claimed element's storage (valid for a
// typed element; nil for a raw allocation, use Raw instead).
func (c *ConsumeOperation) Element() unsafe.Pointer {
	ptr, _, _ := c.handle.Element()
	return ptr
}

// Raw returns the claimed element's bytes directly, for raw allocations.
func (c *ConsumeOperation) Raw() []byte {
	_, _, raw := c.handle.Element()
	return raw
}

// Commit runs the claimed element's destructor and permanently marks its
// slot taken.
func (c *ConsumeOperation) Commit() error {
	if c.done {
		return errTransactionDone
	}
	c.done = true
	c.q.head.commit(c.handle)
	return nil
}

// CommitNoDestroy marks the slot taken without running the element's
// destructor, for a caller that has already moved the payload out by hand
// (spec.md §4.4 "commit_nodestroy").
func (c *ConsumeOperation) CommitNoDestroy() error {
	if c.done {
		return errTransactionDone
	}
	c.done = true
	c.q.head.commitNoDestroy(c.handle)
	return nil
}

// Cancel releases the claim without consuming the element. Under
// SingleConsumer the element is simply offered again by the next
// TryStartConsume; under MultipleConsumers the claim's flagConsumed bit is
// cleared again (releaseConsumed), so a later TryStartConsume by any
// consumer can take the element.
func (c *ConsumeOperation) Cancel() error {
	if c.done {
		return errTransactionDone
	}
	c.done = true
	c.q.head.cancel(c.handle)
	return nil
}

// Clear drains every committed element without requiring a consumer loop,
// valid only under the ManualClear erasure mode (spec.md §6 "when
// manual_clear is chosen ... clear() is forbidden" for Standard; inverted
// here since ManualClear is the mode that permits Clear at all).
func (q *Queue) Clear() error {
	if q.cfg.erasure != ManualClear {
		return errors.New("hqueue: Clear is only valid under ManualClear erasure")
	}
	for {
		op, ok := q.TryStartConsume(Blocking)
		if !ok {
			return nil
		}
		if err := op.Commit(); err != nil {
			return err
		}
	}
}
