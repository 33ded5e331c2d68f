// Package concurrency implements a lock-free, separate-chaining hash map
// and the hazard-pointer subsystem that makes its removals safe to
// reclaim without risk of use-after-free. Bucket heads and chain
// `next` links are manipulated exclusively through compare-and-swap;
// every reachable node is the target of at most one predecessor link
// (or bucket head), and a node is never freed while any hazard slot in
// the system still references it.
package concurrency

import (
	"sync/atomic"

	herrors "github.com/orizon-lang/hazardmap/internal/errors"
)

// Node is one entry of a bucket's singly linked chain. Its value is
// stored behind an atomic pointer, not inline, so that an overwrite is
// a single atomic store and a concurrent reader always observes a
// complete, un-torn value — the "value storage for large types"
// guidance from the design notes.
type Node[K comparable, V any] struct {
	key  K
	val  atomic.Pointer[V]
	next atomic.Pointer[Node[K, V]]
}

// Key returns the node's key. Exposed for callers that walk a bucket
// directly (e.g. diagnostics); ordinary use goes through Map.
func (n *Node[K, V]) Key() K { return n.key }

// Allocator creates nodes on behalf of Insert. The default allocator
// cannot fail; it exists as an injection point so tests can exercise
// the allocation-failure error path of §7, which Go's runtime does not
// otherwise surface as a recoverable error.
type Allocator[K comparable, V any] interface {
	NewNode(key K, value V) (*Node[K, V], error)
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) NewNode(key K, value V) (*Node[K, V], error) {
	n := &Node[K, V]{key: key}
	n.val.Store(&value)

	return n, nil
}

// Map is a fixed-size lock-free hash map: an array of atomic bucket
// heads, each the head of a singly linked chain of Node. Bucket count
// is fixed for the lifetime of the map; dynamic resizing is out of
// scope.
type Map[K comparable, V any] struct {
	buckets   []atomic.Pointer[Node[K, V]]
	hash      func(K) uint64
	hazards   *HazardManager[K, V]
	allocator Allocator[K, V]
}

// Option configures a Map at construction.
type Option[K comparable, V any] func(*mapConfig[K, V])

type mapConfig[K comparable, V any] struct {
	hazards    *HazardManager[K, V]
	maxThreads int
	allocator  Allocator[K, V]
}

// WithHazardManager attaches an externally owned HazardManager, letting
// multiple independent maps share one manager's bookkeeping instead of
// each allocating its own — the design notes are explicit that hazard
// storage must never be a process-global singleton, but nothing stops
// a caller from sharing one manager deliberately across maps it owns.
func WithHazardManager[K comparable, V any](m *HazardManager[K, V]) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.hazards = m }
}

// WithMaxThreads bounds the number of concurrently registered hazard
// handles when no explicit HazardManager is supplied. Defaults to 256.
func WithMaxThreads[K comparable, V any](n int) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.maxThreads = n }
}

// WithAllocator overrides node allocation, primarily for tests that
// need to exercise the allocation-failure error path.
func WithAllocator[K comparable, V any](a Allocator[K, V]) Option[K, V] {
	return func(c *mapConfig[K, V]) { c.allocator = a }
}

const defaultMaxThreads = 256

// New constructs a Map with a fixed, positive bucket count and a
// user-supplied, deterministic, non-cryptographic hash function.
func New[K comparable, V any](buckets int, hash func(K) uint64, opts ...Option[K, V]) (*Map[K, V], error) {
	if buckets <= 0 {
		return nil, herrors.InvalidBucketCount(buckets)
	}

	cfg := mapConfig[K, V]{maxThreads: defaultMaxThreads}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.hazards == nil {
		cfg.hazards = NewHazardManager[K, V](cfg.maxThreads)
	}

	if cfg.allocator == nil {
		cfg.allocator = defaultAllocator[K, V]{}
	}

	return &Map[K, V]{
		buckets:   make([]atomic.Pointer[Node[K, V]], buckets),
		hash:      hash,
		hazards:   cfg.hazards,
		allocator: cfg.allocator,
	}, nil
}

// BucketCount returns the fixed number of buckets. Constant-time, no
// synchronization.
func (m *Map[K, V]) BucketCount() int { return len(m.buckets) }

// Hazards returns the map's hazard manager, mainly so tests and the
// benchmark harness can inspect HazardStats or force a Reclaim.
func (m *Map[K, V]) Hazards() *HazardManager[K, V] { return m.hazards }

func (m *Map[K, V]) bucketFor(key K) *atomic.Pointer[Node[K, V]] {
	idx := m.hash(key) % uint64(len(m.buckets))
	return &m.buckets[idx]
}

// Insert walks the target bucket's chain; on the first equal key it
// overwrites that node's value and reports "updated", freeing the
// speculatively allocated node. If no equal key is found it prepends a
// new node with a compare-and-swap on the bucket head and reports
// "newly inserted". Concurrent inserts of the same key may both reach
// the CAS step and both link in — subsequent Get calls then return the
// value of whichever node ends up nearer the head. This is the
// documented duplicate-key behavior, not a bug.
func (m *Map[K, V]) Insert(key K, value V) (bool, error) {
	newNode, err := m.allocator.NewNode(key, value)
	if err != nil {
		return false, herrors.AllocationFailed("Insert")
	}

	handle, err := m.hazards.Acquire()
	if err != nil {
		return false, err
	}
	defer handle.Release()

	head := m.bucketFor(key)

	for {
		h := head.Load()
		handle.Protect(slotCurrent, h)

		if head.Load() != h {
			continue // head moved between load and publish; retry.
		}

		cur := h
		for cur != nil {
			if cur.key == key {
				cur.val.Store(&value)
				handle.Clear(slotCurrent)

				return false, nil // updated existing key.
			}

			next := cur.next.Load()
			handle.Protect(slotNext, next)

			if cur.next.Load() != next {
				handle.Clear(slotNext)

				break // cur's next changed underfoot; restart the walk.
			}

			handle.Protect(slotCurrent, next)
			handle.Clear(slotNext)

			cur = next
		}

		if cur != nil {
			continue // walk was interrupted by a concurrent mutation; retry.
		}

		newNode.next.Store(h)
		if head.CompareAndSwap(h, newNode) {
			handle.Clear(slotCurrent)

			return true, nil
		}
		// CAS lost the race for the bucket head; retry the whole walk.
	}
}

// Get returns the value for key, if present. A reader dereferences a
// node only after publishing it in a hazard slot and re-confirming the
// source pointer did not change underneath it, which is what makes it
// safe against a concurrent Remove physically freeing that node.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V

	handle, err := m.hazards.Acquire()
	if err != nil {
		return zero, false
	}
	defer handle.Release()

	head := m.bucketFor(key)

	for {
		h := head.Load()
		handle.Protect(slotCurrent, h)

		if head.Load() != h {
			continue
		}

		cur := h
		for cur != nil {
			if cur.key == key {
				v := cur.val.Load()
				handle.Clear(slotCurrent)

				if v == nil {
					return zero, false
				}

				return *v, true
			}

			next := cur.next.Load()
			handle.Protect(slotNext, next)

			if cur.next.Load() != next {
				handle.Clear(slotNext)

				break
			}

			handle.Protect(slotCurrent, next)
			handle.Clear(slotNext)

			cur = next
		}

		if cur != nil {
			continue
		}

		handle.Clear(slotCurrent)

		return zero, false
	}
}

// Remove unlinks the node for key, if present, via a single
// compare-and-swap against either the bucket head (predecessor is
// none) or the predecessor's next link. On success the unlinked node
// is handed to the hazard manager's retired list rather than freed
// directly — any reader that already published a hazard on it will
// finish its dereference safely before a reclaim scan can collect it.
func (m *Map[K, V]) Remove(key K) bool {
	handle, err := m.hazards.Acquire()
	if err != nil {
		return false
	}
	defer handle.Release()

	head := m.bucketFor(key)

restart:
	for {
		h := head.Load()
		handle.Protect(slotCurrent, h)

		if head.Load() != h {
			continue
		}

		var pred *Node[K, V]

		cur := h

		for cur != nil {
			if cur.key == key {
				next := cur.next.Load()

				var swapped bool
				if pred == nil {
					swapped = head.CompareAndSwap(cur, next)
				} else {
					swapped = pred.next.CompareAndSwap(cur, next)
				}

				if !swapped {
					continue restart
				}

				handle.Retire(cur)
				handle.ClearAll()

				return true
			}

			next := cur.next.Load()
			handle.Protect(slotNext, next)

			if pred != nil && pred.next.Load() != cur {
				handle.Clear(slotNext)

				continue restart
			}

			if cur.next.Load() != next {
				handle.Clear(slotNext)

				continue restart
			}

			handle.Protect(slotPredecessor, cur)
			handle.Protect(slotCurrent, next)
			handle.Clear(slotNext)

			pred = cur
			cur = next
		}

		handle.ClearAll()

		return false
	}
}

// Len walks every bucket and counts live nodes. It is a diagnostic
// snapshot, not a linearizable operation — concurrent mutations during
// the walk can make it over- or under-count by the number of
// operations that raced with it. It exists for tests and the benchmark
// harness, which need to size the surviving key set after a workload.
func (m *Map[K, V]) Len() int {
	n := 0

	for i := range m.buckets {
		for cur := m.buckets[i].Load(); cur != nil; cur = cur.next.Load() {
			n++
		}
	}

	return n
}
