package concurrency

import (
	"runtime"
)

// WorkQueue is a bounded multi-producer multi-consumer lock-free ring
// buffer based on Dmitry Vyukov's algorithm using per-slot sequence
// numbers. It is not part of the map's core protocol; it exists to
// feed the high-fan-out producer/consumer workloads described in §1 —
// cmd/cmap-stress uses one to hand keys from a single generator
// goroutine out to many worker goroutines that then drive
// Map.Insert/Get/Remove, exercising the map the way a real embedding
// workload would.
type WorkQueue[T any] struct {
	_pad0   [64]byte
	mask    uint64
	_pad1   [64]byte
	enqueue uint64
	_pad2   [64]byte
	dequeue uint64
	_pad3   [64]byte
	cells   []queueCell[T]
}

type queueCell[T any] struct {
	seq  uint64
	_pad [56]byte // cache line padding (approx)
	val  T
}

// NewWorkQueue creates a queue with the given capacity, rounded up to
// the next power of two.
func NewWorkQueue[T any](capacity uint64) *WorkQueue[T] {
	if capacity < 2 {
		capacity = 2
	}

	capPow2 := uint64(1)
	for capPow2 < capacity {
		capPow2 <<= 1
	}

	q := &WorkQueue[T]{
		mask:  capPow2 - 1,
		cells: make([]queueCell[T], capPow2),
	}
	for i := range q.cells {
		q.cells[i].seq = uint64(i)
	}

	return q
}

// Enqueue tries to push v; it returns false if the queue is full.
func (q *WorkQueue[T]) Enqueue(v T) bool {
	for {
		pos := LoadUint64(&q.enqueue)
		c := &q.cells[pos&q.mask]
		seq := LoadUint64(&c.seq)
		dif := int64(seq) - int64(pos)

		switch {
		case dif == 0:
			if CASUint64(&q.enqueue, pos, pos+1) {
				c.val = v
				StoreUint64(&c.seq, pos+1)

				return true
			}
		case dif < 0:
			return false // full
		default:
			runtime.Gosched()
		}
	}
}

// Dequeue tries to pop into out; it returns false if the queue is
// empty.
func (q *WorkQueue[T]) Dequeue(out *T) bool {
	for {
		pos := LoadUint64(&q.dequeue)
		c := &q.cells[pos&q.mask]
		seq := LoadUint64(&c.seq)
		dif := int64(seq) - int64(pos+1)

		switch {
		case dif == 0:
			if CASUint64(&q.dequeue, pos, pos+1) {
				*out = c.val
				StoreUint64(&c.seq, pos+q.mask+1)

				return true
			}
		case dif < 0:
			return false // empty
		default:
			runtime.Gosched()
		}
	}
}
