package concurrency

import "sync/atomic"

// CASUint64 performs an atomic compare-and-swap on a uint64 variable.
func CASUint64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

// Load/Store helpers.
func LoadUint64(addr *uint64) uint64     { return atomic.LoadUint64(addr) }
func StoreUint64(addr *uint64, v uint64) { atomic.StoreUint64(addr, v) }

// nextDenseIndex atomically claims the next slot in a dense 0-based
// index space bounded by max. It reports ok=false without mutating
// *counter once the space is exhausted, which is how HazardManager
// surfaces thread-registry exhaustion without an unbounded counter.
func nextDenseIndex(counter *uint64, max int) (index int, ok bool) {
	for {
		cur := LoadUint64(counter)
		if cur >= uint64(max) {
			return 0, false
		}

		if CASUint64(counter, cur, cur+1) {
			return int(cur), true
		}
	}
}
