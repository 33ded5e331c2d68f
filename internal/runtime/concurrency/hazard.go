package concurrency

import (
	"sync"
	"sync/atomic"

	herrors "github.com/orizon-lang/hazardmap/internal/errors"
)

// slotsPerThread is the number of hazard slots owned by each registered
// handle. Every walk needs a slot for the node it is currently
// dereferencing (slotCurrent) and a transit slot (slotNext) to publish
// protection on a candidate successor and re-validate the source's next
// pointer while the source is still protected, before that candidate is
// trusted and promoted. Remove additionally needs slotPredecessor, since
// it must keep the predecessor node protected across the same
// protect-then-validate step for the link it is about to CAS.
const slotsPerThread = 3

const (
	slotCurrent     = 0
	slotPredecessor = 1
	slotNext        = 2
)

const (
	minRetireThreshold = 100
)

// HazardStats reports counters useful for tests and the benchmark harness
// to confirm that reclamation actually ran and actually freed memory,
// which is the Go-idiomatic stand-in for "verified under leak sanitizer."
type HazardStats struct {
	Retired           uint64
	Freed             uint64
	Scans             uint64
	RegisteredThreads uint64
}

// HazardManager is a map-scoped registry of hazard slots and retired
// lists. It is never a process-global singleton: each Map owns one (or
// callers can share a single manager across multiple maps via
// WithHazardManager).
type HazardManager[K comparable, V any] struct {
	maxThreads int

	registered uint64 // dense index counter, advanced via nextDenseIndex

	handles []atomic.Pointer[handleSlot[K, V]] // one per possible dense index

	free chan *handleSlot[K, V] // borrow/return free-list of created handles

	stats HazardStats
}

// handleSlot is the per-thread state of §3: a fixed array of hazard
// slots plus an append-only retired list. It is created once per dense
// index and then borrowed and returned via HazardManager's free-list;
// only the current borrower appends to its retired slice.
type handleSlot[K comparable, V any] struct {
	index int
	slots [slotsPerThread]atomic.Pointer[Node[K, V]]

	// retiredMu guards retired. The owning borrower never contends on
	// it; it exists only so HazardManager.Reclaim can safely force a
	// scan across handles it does not currently own, without the
	// bookkeeping race that would otherwise result.
	retiredMu sync.Mutex
	retired   []*Node[K, V]
}

// ThreadHandle is the scoped per-thread resource object the design
// notes call for. Its Release clears every slot it owns and returns it
// to the manager's free-list so it can be re-borrowed.
type ThreadHandle[K comparable, V any] struct {
	mgr  *HazardManager[K, V]
	slot *handleSlot[K, V]
}

// NewHazardManager constructs a manager bounded to maxThreads
// concurrently-registered handles.
func NewHazardManager[K comparable, V any](maxThreads int) *HazardManager[K, V] {
	if maxThreads < 1 {
		maxThreads = 1
	}

	return &HazardManager[K, V]{
		maxThreads: maxThreads,
		handles:    make([]atomic.Pointer[handleSlot[K, V]], maxThreads),
		free:       make(chan *handleSlot[K, V], maxThreads),
	}
}

// Acquire borrows a handle for the duration of one map operation. It
// never blocks: if every registered handle is currently checked out and
// the registry is at capacity, it returns the error built by
// herrors.ThreadRegistryExhausted per §7 rather than waiting.
func (m *HazardManager[K, V]) Acquire() (*ThreadHandle[K, V], error) {
	select {
	case s := <-m.free:
		return &ThreadHandle[K, V]{mgr: m, slot: s}, nil
	default:
	}

	if idx, ok := nextDenseIndex(&m.registered, m.maxThreads); ok {
		s := &handleSlot[K, V]{index: idx}
		m.handles[idx].Store(s)
		atomic.AddUint64(&m.stats.RegisteredThreads, 1)

		return &ThreadHandle[K, V]{mgr: m, slot: s}, nil
	}

	return nil, herrors.ThreadRegistryExhausted(m.maxThreads)
}

// Protect publishes ptr in the given slot with release ordering, per
// §4.1. Callers must re-read the source location after calling Protect
// and retry if it no longer matches before dereferencing ptr.
func (h *ThreadHandle[K, V]) Protect(slot int, ptr *Node[K, V]) {
	h.slot.slots[slot].Store(ptr)
}

// Clear publishes that this handle is no longer using slot.
func (h *ThreadHandle[K, V]) Clear(slot int) {
	h.slot.slots[slot].Store(nil)
}

// ClearAll clears every slot owned by this handle.
func (h *ThreadHandle[K, V]) ClearAll() {
	for i := range h.slot.slots {
		h.slot.slots[i].Store(nil)
	}
}

// Retire appends ptr to this handle's retired list. When the list
// crosses the reclaim threshold, it triggers a scan-and-reclaim on the
// manager. The threshold follows §4.1's recommendation: 2x the maximum
// number of published hazards across all threads, floored at 100.
func (h *ThreadHandle[K, V]) Retire(ptr *Node[K, V]) {
	h.slot.retiredMu.Lock()
	h.slot.retired = append(h.slot.retired, ptr)
	n := len(h.slot.retired)
	h.slot.retiredMu.Unlock()

	atomic.AddUint64(&h.mgr.stats.Retired, 1)

	threshold := 2 * h.mgr.maxThreads * slotsPerThread
	if threshold < minRetireThreshold {
		threshold = minRetireThreshold
	}

	if n >= threshold {
		h.mgr.reclaimSlot(h.slot)
	}
}

// Release clears every hazard slot this handle owns and returns it to
// the manager's free-list. The handle's retired list is left intact so
// it keeps accumulating toward its threshold across borrows — a thread
// that exits mid-list does not lose its pending retirements, it simply
// stops adding to them until the handle is borrowed again.
func (h *ThreadHandle[K, V]) Release() {
	h.ClearAll()
	h.mgr.free <- h.slot
}

// reclaimSlot performs the scan-and-reclaim protocol of §4.1 against a
// single handle's retired list: snapshot every published hazard across
// all registered handles, then keep only the retired pointers that are
// still hazarded.
func (m *HazardManager[K, V]) reclaimSlot(s *handleSlot[K, V]) {
	protected := m.snapshotHazards()
	atomic.AddUint64(&m.stats.Scans, 1)

	s.retiredMu.Lock()
	defer s.retiredMu.Unlock()

	kept := s.retired[:0]

	for _, n := range s.retired {
		if _, hazarded := protected[n]; hazarded {
			kept = append(kept, n)
		} else {
			m.freeNode(n)
		}
	}

	s.retired = kept
}

// Reclaim forces a reclamation scan across every registered handle's
// retired list, not just the list of whichever handle happens to cross
// its own threshold next. It is exposed for tests and for callers who
// want a deterministic point to observe HazardStats.Freed increase —
// scenario 3 of §8 relies on this to prove that a drained map leaks no
// memory without waiting for every handle to independently cross its
// threshold.
func (m *HazardManager[K, V]) Reclaim() {
	registered := int(atomic.LoadUint64(&m.registered))
	if registered == 0 {
		return
	}

	protected := m.snapshotHazards()
	atomic.AddUint64(&m.stats.Scans, 1)

	for i := 0; i < registered; i++ {
		s := m.handles[i].Load()
		if s == nil {
			continue
		}

		s.retiredMu.Lock()

		kept := s.retired[:0]

		for _, n := range s.retired {
			if _, hazarded := protected[n]; hazarded {
				kept = append(kept, n)
			} else {
				m.freeNode(n)
			}
		}

		s.retired = kept

		s.retiredMu.Unlock()
	}
}

// snapshotHazards reads every slot of every registered handle with
// acquire ordering and collects the non-null pointers into a set, per
// §4.1 step 1 of reclaim.
func (m *HazardManager[K, V]) snapshotHazards() map[*Node[K, V]]struct{} {
	protected := make(map[*Node[K, V]]struct{})

	registered := int(atomic.LoadUint64(&m.registered))
	for i := 0; i < registered; i++ {
		s := m.handles[i].Load()
		if s == nil {
			continue
		}

		for slot := range s.slots {
			if p := s.slots[slot].Load(); p != nil {
				protected[p] = struct{}{}
			}
		}
	}

	return protected
}

// freeNode drops the last strong reference to n so it becomes eligible for
// garbage collection. There is no explicit deallocator to call: "freed"
// in a garbage-collected language means unreachable, which is exactly
// what happens once every hazard slot and retired-list entry stops
// referencing n.
func (m *HazardManager[K, V]) freeNode(n *Node[K, V]) {
	_ = n
	atomic.AddUint64(&m.stats.Freed, 1)
}

// Stats returns a snapshot of the manager's counters.
func (m *HazardManager[K, V]) Stats() HazardStats {
	return HazardStats{
		Retired:           atomic.LoadUint64(&m.stats.Retired),
		Freed:             atomic.LoadUint64(&m.stats.Freed),
		Scans:             atomic.LoadUint64(&m.stats.Scans),
		RegisteredThreads: atomic.LoadUint64(&m.stats.RegisteredThreads),
	}
}

// Shutdown frees every remaining retired pointer unconditionally, per
// §4.1's teardown contract. It is a caller invariant that no goroutine
// still holds a reference to the map at this point.
func (m *HazardManager[K, V]) Shutdown() {
	registered := int(atomic.LoadUint64(&m.registered))
	for i := 0; i < registered; i++ {
		s := m.handles[i].Load()
		if s == nil {
			continue
		}

		s.retiredMu.Lock()
		for _, n := range s.retired {
			m.freeNode(n)
		}
		s.retired = nil
		s.retiredMu.Unlock()
	}
}
