// cmap-stress runs the map under sustained, high-fan-out concurrent
// churn for a configurable duration, feeding worker goroutines through
// a bounded work queue and checking a small set of invariants that
// would only ever be violated by a use-after-free or a lost update —
// the two failure modes hazard pointers exist to rule out.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spaolacci/murmur3"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/hazardmap/internal/runtime/concurrency"
)

func main() {
	app := &cli.App{
		Name:   "cmap-stress",
		Usage:  "run sustained concurrent churn against the lock-free map and report invariant violations",
		Flags:  stressFlags(),
		Action: runStress,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func stressFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "workers", Value: 16, Usage: "number of churning goroutines"},
		&cli.IntFlag{Name: "keys", Value: 64, Usage: "size of the contended key space"},
		&cli.IntFlag{Name: "buckets", Value: 8, Usage: "bucket count, kept small to force chain contention"},
		&cli.DurationFlag{Name: "duration", Value: 5 * time.Second, Usage: "how long to churn before checking invariants"},
	}
}

func murmurHashInt(k int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))

	return murmur3.Sum64(buf[:])
}

func runStress(c *cli.Context) error {
	log := hclog.New(&hclog.LoggerOptions{Name: "cmap-stress", Level: hclog.Info})

	workers := c.Int("workers")
	keys := c.Int("keys")
	buckets := c.Int("buckets")
	duration := c.Duration("duration")

	m, err := concurrency.New[int, int](buckets, murmurHashInt)
	if err != nil {
		return fmt.Errorf("construct map: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var (
		ops        int64
		violations int64
	)

	log.Info("starting churn", "workers", workers, "keys", keys, "buckets", buckets, "duration", duration)

	queue := concurrency.NewWorkQueue[int](uint64(workers) * 64)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		generate(gctx, queue, keys)

		return nil
	})

	for w := 0; w < workers; w++ {
		workerID := w

		g.Go(func() error {
			return churn(gctx, m, queue, workerID, &ops, &violations)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	finalOps := atomic.LoadInt64(&ops)
	finalViolations := atomic.LoadInt64(&violations)

	m.Hazards().Reclaim()
	stats := m.Hazards().Stats()

	log.Info("churn complete",
		"ops", finalOps,
		"violations", finalViolations,
		"retired", stats.Retired,
		"freed", stats.Freed,
		"scans", stats.Scans)

	if finalViolations > 0 {
		log.Error("invariant violations observed", "count", finalViolations)
		return fmt.Errorf("%d invariant violations observed", finalViolations)
	}

	if stats.Retired != stats.Freed {
		log.Error("retired nodes were never reclaimed after final scan",
			"retired", stats.Retired, "freed", stats.Freed)

		return fmt.Errorf("reclaim leak: retired=%d freed=%d", stats.Retired, stats.Freed)
	}

	return nil
}

// generate feeds keys in [0, keys) into queue until ctx is done. It is
// the single producer; churn's workers are the consumers, exercising
// WorkQueue's intended many-consumer, one-generator shape.
func generate(ctx context.Context, queue *concurrency.WorkQueue[int], keys int) {
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key := i % keys
		for !queue.Enqueue(key) {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// churn pulls keys off queue and drives insert/get/remove against m
// until ctx is done or the queue runs dry after cancellation. Every
// value this worker or any other ever inserts is non-negative by
// construction, so any negative read is proof a reader dereferenced
// something other than a live, correctly published node — exactly what
// the hazard-pointer protocol exists to rule out.
func churn(ctx context.Context, m *concurrency.Map[int, int], queue *concurrency.WorkQueue[int], workerID int, ops, violations *int64) error {
	for i := 0; ; i++ {
		var key int
		if !queue.Dequeue(&key) {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}

		value := workerID*1_000_000 + i

		if _, err := m.Insert(key, value); err != nil {
			return err
		}

		if v, ok := m.Get(key); ok && v < 0 {
			atomic.AddInt64(violations, 1)
		}

		if i%3 == 0 {
			m.Remove(key)
		}

		atomic.AddInt64(ops, 1)
	}
}
