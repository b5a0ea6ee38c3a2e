package hqueue

import "github.com/hqueue/hqueue/interfaces"

// ProducerCardinality selects which tail variants a Queue may be
// configured with (spec.md §6 "producer cardinality ∈ {single,
// multiple}").
type ProducerCardinality int

const (
	SingleProducer ProducerCardinality = iota
	MultipleProducers
)

// ConsumerCardinality selects which head variant a Queue may be
// configured with (spec.md §6 "consumer cardinality ∈ {single, multiple}").
type ConsumerCardinality int

const (
	SingleConsumer ConsumerCardinality = iota
	MultipleConsumers
)

// Consistency only has an effect when ProducerCardinality is
// MultipleProducers (spec.md §6 "consistency ∈ {relaxed, sequential}
// (applies only to multiple-producer)").
type Consistency int

const (
	Relaxed Consistency = iota
	Sequential
)

// Synchronisation selects how a multi-producer tail serializes competing
// reservations (spec.md §6 "synchronisation ∈ {lock-free, spin-locking}").
// It has no effect under SingleProducer, which is always lock-free by
// construction.
type Synchronisation int

const (
	LockFreeSync Synchronisation = iota
	SpinLocking
)

// Erasure selects the element-erasure discipline (spec.md §6 "element
// erasure ∈ {standard, manual_clear}").
type Erasure int

const (
	// Standard erasure: a consumer's Commit destroys the element
	// immediately, and Clear is forbidden.
	Standard Erasure = iota

	// ManualClear permits Queue.Clear, which consumes and commits every
	// ready element in turn. A consumer's Commit still destroys the
	// element immediately, as under Standard. Nothing checks that such a
	// queue is empty when it is dropped.
	ManualClear
)

// Config collects every compile-time choice spec.md §6 describes as fixed
// per queue instance rather than per operation. Build one with NewConfig
// and the With* options, then pass it to NewQueue.
type Config struct {
	producers   ProducerCardinality
	consumers   ConsumerCardinality
	consistency Consistency
	sync        Synchronisation
	erasure     Erasure

	pageSource    interfaces.PageSource
	byteAllocator interfaces.ByteAllocator

	backoff Backoff
}

// Option configures a Config under construction, the functional-options
// pattern named explicitly in SPEC_FULL.md's ambient-stack section.
type Option func(*Config)

// NewConfig builds a Config from source (mandatory — every queue needs
// somewhere to get pages from) and any options, defaulting to single
// producer, single consumer, standard erasure, no external-block support.
func NewConfig(source interfaces.PageSource, opts ...Option) Config {
	cfg := Config{
		producers:  SingleProducer,
		consumers:  SingleConsumer,
		sync:       LockFreeSync,
		erasure:    Standard,
		pageSource: source,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithProducers(c ProducerCardinality) Option {
	return func(cfg *Config) { cfg.producers = c }
}

func WithConsumers(c ConsumerCardinality) Option {
	return func(cfg *Config) { cfg.consumers = c }
}

func WithConsistency(c Consistency) Option {
	return func(cfg *Config) { cfg.consistency = c }
}

func WithSynchronisation(s Synchronisation) Option {
	return func(cfg *Config) { cfg.sync = s }
}

func WithErasure(e Erasure) Option {
	return func(cfg *Config) { cfg.erasure = e }
}

// WithBackoff overrides the retry-pacing strategy every CAS-retrying tail
// or head variant, and the spin-locking tail's mutex acquisition, consult
// between failed attempts (backoff.go). Omitting this leaves every
// variant at YieldBackoff, the default. A spin-locking tail under brief,
// bursty contention is the case SpinBackoff was written for: a queue that
// expects many short-lived producer stalls can pass
// WithBackoff(SpinBackoff{Limit: n}) to busy-spin through them instead of
// yielding to the scheduler on every single attempt.
func WithBackoff(b Backoff) Option {
	return func(cfg *Config) { cfg.backoff = b }
}

// WithByteAllocator supplies the heap allocator oversized elements are
// promoted to (spec.md §6 "Byte allocator contract"). Omitting this is
// only valid if no element reserved against the resulting Queue ever
// exceeds maxInlinePayload or needs an alignment above G.
func WithByteAllocator(a interfaces.ByteAllocator) Option {
	return func(cfg *Config) { cfg.byteAllocator = a }
}
