package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkQueue_SingleThreaded(t *testing.T) {
	q := NewWorkQueue[int](4)

	require.True(t, q.Enqueue(1))
	require.True(t, q.Enqueue(2))

	var out int

	require.True(t, q.Dequeue(&out))
	require.Equal(t, 1, out)

	require.True(t, q.Dequeue(&out))
	require.Equal(t, 2, out)

	require.False(t, q.Dequeue(&out))
}

func TestWorkQueue_FullReportsFalse(t *testing.T) {
	q := NewWorkQueue[int](2) // rounds up to 2

	require.True(t, q.Enqueue(1))
	require.True(t, q.Enqueue(2))
	require.False(t, q.Enqueue(3))
}

func TestWorkQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := NewWorkQueue[int](1024)

	const (
		producers = 4
		perProducer = 5000
	)

	var produced sync.WaitGroup

	produced.Add(producers)

	for p := 0; p < producers; p++ {
		go func(id int) {
			defer produced.Done()

			base := id * perProducer
			for i := 0; i < perProducer; i++ {
				for !q.Enqueue(base + i) {
				}
			}
		}(p)
	}

	const target = producers * perProducer

	var (
		consumed sync.WaitGroup
		total    int64
	)

	consumed.Add(producers)

	for c := 0; c < producers; c++ {
		go func() {
			defer consumed.Done()

			for atomic.LoadInt64(&total) < target {
				var v int
				if q.Dequeue(&v) {
					atomic.AddInt64(&total, 1)
				}
			}
		}()
	}

	produced.Wait()
	consumed.Wait()

	require.Equal(t, int64(target), atomic.LoadInt64(&total))
}
