package concurrency

import (
	"testing"

	"github.com/stretchr/testify/require"

	herrors "github.com/orizon-lang/hazardmap/internal/errors"
)

func TestHazardManager_AcquireRelease_ReusesHandles(t *testing.T) {
	m := NewHazardManager[string, int](2)

	h1, err := m.Acquire()
	require.NoError(t, err)

	h2, err := m.Acquire()
	require.NoError(t, err)

	require.Equal(t, uint64(2), m.Stats().RegisteredThreads)

	h1.Release()
	h2.Release()

	h3, err := m.Acquire()
	require.NoError(t, err)
	defer h3.Release()

	// A third acquire after both releases must reuse a freed handle,
	// not register a third one.
	require.Equal(t, uint64(2), m.Stats().RegisteredThreads)
}

func TestHazardManager_ThreadRegistryExhaustion(t *testing.T) {
	m := NewHazardManager[string, int](1)

	h, err := m.Acquire()
	require.NoError(t, err)

	_, err = m.Acquire()
	require.Error(t, err)

	var ce *herrors.ConcurrencyError

	require.ErrorAs(t, err, &ce)
	require.Equal(t, herrors.CategoryThreadRegistry, ce.Category)

	h.Release()

	// Releasing frees the handle back up for a subsequent Acquire.
	h2, err := m.Acquire()
	require.NoError(t, err)

	h2.Release()
}

func TestHazardManager_ProtectPreventsReclaim(t *testing.T) {
	m := NewHazardManager[string, int](4)

	h, err := m.Acquire()
	require.NoError(t, err)

	n := &Node[string, int]{key: "k"}
	h.Protect(slotCurrent, n)
	h.Retire(n)

	m.Reclaim()

	stats := m.Stats()
	require.Equal(t, uint64(1), stats.Retired)
	require.Equal(t, uint64(0), stats.Freed, "a hazarded node must survive a reclaim scan")

	h.Clear(slotCurrent)
	m.Reclaim()

	stats = m.Stats()
	require.Equal(t, uint64(1), stats.Freed, "clearing the hazard must let the next reclaim free the node")

	h.Release()
}

func TestHazardManager_RetireThreshold_TriggersSelfReclaim(t *testing.T) {
	m := NewHazardManager[string, int](1)

	h, err := m.Acquire()
	require.NoError(t, err)

	defer h.Release()

	threshold := 2 * m.maxThreads * slotsPerThread
	if threshold < minRetireThreshold {
		threshold = minRetireThreshold
	}

	for i := 0; i < threshold; i++ {
		h.Retire(&Node[string, int]{})
	}

	stats := m.Stats()
	require.Equal(t, uint64(threshold), stats.Retired)
	require.Equal(t, uint64(threshold), stats.Freed)
	require.GreaterOrEqual(t, stats.Scans, uint64(1))
}

func TestHazardManager_Shutdown_FreesEverythingUnconditionally(t *testing.T) {
	m := NewHazardManager[string, int](2)

	h, err := m.Acquire()
	require.NoError(t, err)

	n := &Node[string, int]{key: "k"}
	h.Protect(slotCurrent, n) // still hazarded
	h.Retire(n)

	m.Shutdown()

	require.Equal(t, uint64(1), m.Stats().Freed, "shutdown frees remaining retired nodes even if still hazarded")
}
