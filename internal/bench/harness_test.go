package bench

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/hazardmap/internal/runtime/concurrency"
)

func newLockFreeMap(t *testing.T) *concurrency.Map[int, int] {
	t.Helper()

	m, err := concurrency.New[int, int](64, func(k int) uint64 { return uint64(k) })
	require.NoError(t, err)

	return m
}

// Scenario 6 of §8: a mutex-guarded reference map driven by the same
// seeded workload must end up with the same final key set as the
// lock-free map, up to last-writer-wins on duplicates. The two Run
// calls schedule independently, so goroutine interleaving — not just
// the shared PRNG seed — decides which thread's insert to a contended
// key lands last; §8 explicitly allows that divergence, so this only
// checks key presence, never the winning value.
func TestRun_MutexBaselineParity(t *testing.T) {
	cfg := Config{
		Workload:     WorkloadMixed5050,
		Threads:      4,
		Keys:         200,
		OpsPerThread: 2000,
		Seed:         12345,
	}

	lockFree := newLockFreeMap(t)
	baseline := NewMutexMap()

	Run(context.Background(), lockFree, cfg)
	Run(context.Background(), baseline, cfg)

	for k := 0; k < cfg.Keys; k++ {
		_, lfOK := lockFree.Get(k)
		_, baseOK := baseline.Get(k)

		require.Equal(t, baseOK, lfOK, "key %d presence mismatch", k)
	}
}

func TestRun_InsertOnlyCountsMatchLen(t *testing.T) {
	m := newLockFreeMap(t)

	cfg := Config{
		Workload:     WorkloadInsertOnly,
		Threads:      1,
		Keys:         50,
		OpsPerThread: 500,
		Seed:         1,
	}

	res := Run(context.Background(), m, cfg)

	require.Equal(t, 50, m.Len())
	require.Equal(t, uint64(m.Len()), res.Inserted)
}
