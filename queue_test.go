package hqueue

import (
	"sort"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/hqueue/hqueue/runtype"
	"github.com/hqueue/hqueue/storage/heap"
	"github.com/hqueue/hqueue/storage/pagesource"
)

// bigElement is bigger than maxInlinePayload (a quarter of DefaultPageSize),
// forcing every reservation of it through the external-block path.
type bigElement [DefaultPageSize]byte

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	src := pagesource.NewMemoryPageSource(DefaultPageSize)
	cfg := NewConfig(src, opts...)
	return NewQueue(cfg)
}

func pushInt(t *testing.T, q *Queue, v int) {
	t.Helper()
	val := v
	if err := q.Push(runtype.For[int](), unsafe.Pointer(&val)); err != nil {
		t.Fatalf("Push(%d) = %v", v, err)
	}
}

func consumeInt(t *testing.T, q *Queue) (int, bool) {
	t.Helper()
	op, ok := q.TryStartConsume(Blocking)
	if !ok {
		return 0, false
	}
	v := *(*int)(op.Element())
	if err := op.Commit(); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
	return v, true
}

// single producer, single consumer: strict FIFO order.
func TestQueueSPSC_FIFO(t *testing.T) {
	q := newTestQueue(t)

	const n = 2000
	for i := 0; i < n; i++ {
		pushInt(t, q, i)
	}
	for i := 0; i < n; i++ {
		got, ok := consumeInt(t, q)
		if !ok {
			t.Fatalf("expected element %d, queue empty", i)
		}
		if got != i {
			t.Fatalf("consume order broken: got %d, want %d", got, i)
		}
	}
	if _, ok := q.TryStartConsume(LockFree); ok {
		t.Fatalf("queue should be drained")
	}
}

// spec.md §8 testable property 7: raw allocation round-trip.
func TestQueueRawRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if err := q.PushRaw(payload); err != nil {
		t.Fatalf("PushRaw() = %v", err)
	}

	op, ok := q.TryStartConsume(Blocking)
	if !ok {
		t.Fatalf("expected a raw element")
	}
	got := op.Raw()
	if string(got) != string(payload) {
		t.Fatalf("raw round-trip mismatch: got %q, want %q", got, payload)
	}
	if err := op.Commit(); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
}

// a canceled transaction must never be observed by a consumer.
func TestQueuePutTransactionCancelIsInvisible(t *testing.T) {
	q := newTestQueue(t)

	tx, err := q.StartPush(runtype.For[int]())
	if err != nil {
		t.Fatalf("StartPush() = %v", err)
	}
	v := 42
	runtype.For[int]().CopyConstruct(tx.Element(), unsafe.Pointer(&v))
	if err := tx.Cancel(); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}

	pushInt(t, q, 7)
	got, ok := consumeInt(t, q)
	if !ok || got != 7 {
		t.Fatalf("expected only the committed element 7, got (%d, %v)", got, ok)
	}
}

type producerRecord struct {
	producer int
	seq      int
}

// spec.md §8 testable properties 1 and 2: no loss/duplication and
// per-producer FIFO, under multiple producers and multiple consumers.
func TestQueueMPMC_NoLossPerProducerFIFO(t *testing.T) {
	q := newTestQueue(t,
		WithProducers(MultipleProducers),
		WithConsumers(MultipleConsumers),
		WithConsistency(Sequential),
	)

	const producers = 6
	const perProducer = 3000
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			typ := runtype.For[producerRecord]()
			for s := 0; s < perProducer; s++ {
				rec := producerRecord{producer: p, seq: s}
				if err := q.Push(typ, unsafe.Pointer(&rec)); err != nil {
					t.Errorf("producer %d Push(%d) = %v", p, s, err)
					return
				}
			}
		}(p)
	}

	var mu sync.Mutex
	consumed := make([]producerRecord, 0, total)
	lastSeq := make([]int, producers)
	for i := range lastSeq {
		lastSeq[i] = -1
	}

	var cwg sync.WaitGroup
	const consumers = 4
	cwg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func() {
			defer cwg.Done()
			for {
				op, ok := q.TryStartConsume(LockFree)
				if !ok {
					mu.Lock()
					done := len(consumed) >= total
					mu.Unlock()
					if done {
						return
					}
					time.Sleep(time.Microsecond)
					continue
				}
				rec := *(*producerRecord)(op.Element())
				if err := op.Commit(); err != nil {
					t.Errorf("Commit() = %v", err)
				}
				mu.Lock()
				if rec.seq <= lastSeq[rec.producer] {
					t.Errorf("producer %d FIFO violated: saw seq %d after %d", rec.producer, rec.seq, lastSeq[rec.producer])
				}
				lastSeq[rec.producer] = rec.seq
				consumed = append(consumed, rec)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	cwg.Wait()

	if len(consumed) != total {
		t.Fatalf("consumed %d elements, want %d", len(consumed), total)
	}

	byProducer := make(map[int][]int, producers)
	for _, rec := range consumed {
		byProducer[rec.producer] = append(byProducer[rec.producer], rec.seq)
	}
	for p := 0; p < producers; p++ {
		seqs := byProducer[p]
		if len(seqs) != perProducer {
			t.Fatalf("producer %d: consumed %d elements, want %d", p, len(seqs), perProducer)
		}
		sorted := append([]int(nil), seqs...)
		sort.Ints(sorted)
		for i, s := range sorted {
			if s != i {
				t.Fatalf("producer %d: missing or duplicate sequence number, got %v", p, sorted)
			}
		}
	}
}

func TestQueueClearRequiresManualErasure(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Clear(); err == nil {
		t.Fatalf("Clear() on a Standard-erasure queue should fail")
	}
}

func TestQueueClearDrainsUnderManualErasure(t *testing.T) {
	q := newTestQueue(t, WithErasure(ManualClear))
	for i := 0; i < 100; i++ {
		pushInt(t, q, i)
	}
	if err := q.Clear(); err != nil {
		t.Fatalf("Clear() = %v", err)
	}
	if _, ok := q.TryStartConsume(LockFree); ok {
		t.Fatalf("queue should be empty after Clear")
	}
}

// external (oversized) elements round-trip through storage/heap's GCHeap
// and the heap's live byte count returns to zero once consumed.
func TestQueueExternalBlockRoundTrip(t *testing.T) {
	gcHeap := heap.NewGCHeap()
	q := newTestQueue(t, WithByteAllocator(gcHeap))

	typ := runtype.For[bigElement]()
	var want bigElement
	for i := range want {
		want[i] = byte(i)
	}
	if err := q.Push(typ, unsafe.Pointer(&want)); err != nil {
		t.Fatalf("Push(bigElement) = %v", err)
	}
	if gcHeap.Live() == 0 {
		t.Fatalf("expected the external block to be live after commit")
	}

	op, ok := q.TryStartConsume(Blocking)
	if !ok {
		t.Fatalf("expected the big element to be ready")
	}
	got := (*bigElement)(op.Element())
	if *got != want {
		t.Fatalf("external block round-trip mismatch")
	}
	if err := op.Commit(); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
	if gcHeap.Live() != 0 {
		t.Fatalf("expected the external block to be freed after commit, live = %d", gcHeap.Live())
	}
}

func TestQueueIsLockFree(t *testing.T) {
	spin := newTestQueue(t, WithSynchronisation(SpinLocking))
	if spin.IsLockFree(LockFree) {
		t.Fatalf("a spin-locking tail must not claim LockFree")
	}
	if !spin.IsLockFree(Blocking) {
		t.Fatalf("a spin-locking tail must still serve Blocking")
	}

	relaxed := newTestQueue(t, WithProducers(MultipleProducers))
	if !relaxed.IsLockFree(LockFree) {
		t.Fatalf("the relaxed multi-producer tail should serve LockFree")
	}
}

// a canceled consume under MultipleConsumers must return the element to
// Ready rather than dropping it forever.
func TestQueueMultipleConsumersCancelRestoresElement(t *testing.T) {
	q := newTestQueue(t, WithConsumers(MultipleConsumers))
	pushInt(t, q, 99)

	op, ok := q.TryStartConsume(Blocking)
	if !ok {
		t.Fatalf("expected the pushed element to be ready")
	}
	if err := op.Cancel(); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}

	op2, ok := q.TryStartConsume(Blocking)
	if !ok {
		t.Fatalf("expected the canceled element to be consumable again")
	}
	if got := *(*int)(op2.Element()); got != 99 {
		t.Fatalf("got %d, want 99", got)
	}
	if err := op2.Commit(); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
}

// WaitFree must fail fast rather than retry when a put or consume finds
// no progress available, instead of looping until some other goroutine
// makes room.
func TestQueueWaitFreeFailsFastUnderContention(t *testing.T) {
	q := newTestQueue(t, WithProducers(MultipleProducers))

	if _, ok := q.TryStartConsume(WaitFree); ok {
		t.Fatalf("TryStartConsume(WaitFree) on an empty queue should report not-ready, not block")
	}

	pushInt(t, q, 1)
	tx, ok, err := q.TryStartPush(WaitFree, runtype.For[int]())
	if err != nil {
		t.Fatalf("TryStartPush(WaitFree) = %v", err)
	}
	if !ok {
		t.Fatalf("TryStartPush(WaitFree) should succeed on an uncontended queue")
	}
	v := 2
	runtype.For[int]().CopyConstruct(tx.Element(), unsafe.Pointer(&v))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
}

// a configured SpinBackoff must actually be consulted by a spin-locking
// tail's mutex acquisition, not silently ignored in favour of the
// default YieldBackoff.
func TestQueueSpinBackoffIsWired(t *testing.T) {
	q := newTestQueue(t,
		WithSynchronisation(SpinLocking),
		WithBackoff(SpinBackoff{Limit: 4}),
	)

	st, ok := q.tail.(*spinTail)
	if !ok {
		t.Fatalf("expected a *spinTail, got %T", q.tail)
	}
	if _, ok := st.backoff.(SpinBackoff); !ok {
		t.Fatalf("expected st.backoff to be the configured SpinBackoff, got %T", st.backoff)
	}

	pushInt(t, q, 5)
	got, ok := consumeInt(t, q)
	if !ok || got != 5 {
		t.Fatalf("expected only element 5, got (%d, %v)", got, ok)
	}
}

// heavy concurrent load on the seq-cst multi-producer tail exercises the
// helpPublish-based predecessor-publish helping protocol: a producer
// whose commit is delayed must never permanently wedge a successor that
// is racing to link onto it.
func TestQueueSeqCstHelpingUnderLoad(t *testing.T) {
	q := newTestQueue(t,
		WithProducers(MultipleProducers),
		WithConsistency(Sequential),
	)

	const producers = 8
	const perProducer = 2000
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			typ := runtype.For[producerRecord]()
			for s := 0; s < perProducer; s++ {
				rec := producerRecord{producer: p, seq: s}
				if err := q.Push(typ, unsafe.Pointer(&rec)); err != nil {
					t.Errorf("producer %d Push(%d) = %v", p, s, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	count := 0
	for {
		op, ok := q.TryStartConsume(LockFree)
		if !ok {
			break
		}
		_ = *(*producerRecord)(op.Element())
		if err := op.Commit(); err != nil {
			t.Fatalf("Commit() = %v", err)
		}
		count++
	}
	if count != total {
		t.Fatalf("consumed %d elements, want %d", count, total)
	}
}
