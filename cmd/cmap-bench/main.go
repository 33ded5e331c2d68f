// cmap-bench drives a synthetic workload against the lock-free map and
// against a mutex-guarded reference map under the same seed, reporting
// throughput for both and flagging any divergence in their final key
// sets.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spaolacci/murmur3"
	"github.com/urfave/cli/v2"

	"github.com/orizon-lang/hazardmap/internal/bench"
	"github.com/orizon-lang/hazardmap/internal/runtime/concurrency"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "cmap-bench",
		Usage:   "benchmark the lock-free hash map against a mutex baseline",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags:   benchFlags(),
		Action:  runBench,
	}
}

func benchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "workload",
			Usage: "insert-only, read-only, 50-50, or 80-20",
			Value: string(bench.WorkloadMixed5050),
		},
		&cli.IntFlag{
			Name:  "threads",
			Usage: "number of concurrent worker goroutines",
			Value: 8,
		},
		&cli.IntFlag{
			Name:  "keys",
			Usage: "size of the key space operations are drawn from",
			Value: 100000,
		},
		&cli.IntFlag{
			Name:  "ops-per-thread",
			Usage: "operations issued by each worker goroutine",
			Value: 200000,
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "PRNG seed; identical seeds reproduce identical operation sequences",
			Value: 42,
		},
		&cli.IntFlag{
			Name:  "buckets",
			Usage: "bucket count for the lock-free map",
			Value: 4096,
		},
	}
}

func runBench(c *cli.Context) error {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "cmap-bench",
		Level: hclog.Info,
	})

	cfg := bench.Config{
		Workload:     bench.Workload(c.String("workload")),
		Threads:      c.Int("threads"),
		Keys:         c.Int("keys"),
		OpsPerThread: c.Int("ops-per-thread"),
		Seed:         c.Int64("seed"),
	}

	buckets := c.Int("buckets")

	log.Info("starting run",
		"workload", cfg.Workload,
		"threads", cfg.Threads,
		"keys", cfg.Keys,
		"ops_per_thread", cfg.OpsPerThread,
		"buckets", buckets)

	metrics := newMetrics()

	lockFree, err := concurrency.New[int, int](buckets, murmurHashInt)
	if err != nil {
		return fmt.Errorf("construct lock-free map: %w", err)
	}

	lfResult := timeAndRecord(log, "lock-free", metrics, func() bench.Result {
		return bench.Run(context.Background(), lockFree, cfg)
	})

	baseline := bench.NewMutexMap()

	baseResult := timeAndRecord(log, "mutex-baseline", metrics, func() bench.Result {
		return bench.Run(context.Background(), baseline, cfg)
	})

	log.Info("run complete",
		"lock_free_ops_per_sec", opsPerSec(lfResult),
		"mutex_ops_per_sec", opsPerSec(baseResult))

	if mismatch := checkParity(lockFree, baseline, cfg.Keys); mismatch > 0 {
		log.Warn("final key sets diverged between implementations", "mismatched_keys", mismatch)
	}

	stats := lockFree.Hazards().Stats()
	log.Info("hazard stats", "retired", stats.Retired, "freed", stats.Freed, "scans", stats.Scans)

	return dumpMetrics(metrics.registry)
}

// murmurHashInt hashes an int key via murmur3, the default hash for the
// domain: fast, well-distributed, and explicitly non-cryptographic per
// the map's contract that its hash function need not resist adversarial
// key selection.
func murmurHashInt(k int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))

	return murmur3.Sum64(buf[:])
}

func checkParity(lockFree *concurrency.Map[int, int], baseline *bench.MutexMap, keys int) int {
	snapshot := baseline.Snapshot()
	mismatched := 0

	for k := 0; k < keys; k++ {
		_, lfOK := lockFree.Get(k)
		_, baseOK := snapshot[k]

		if lfOK != baseOK {
			mismatched++
		}
	}

	return mismatched
}

type metricsSet struct {
	registry *prometheus.Registry
	opsTotal *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metricsSet {
	reg := prometheus.NewRegistry()

	opsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cmapbench_ops_total",
		Help: "Operations issued per implementation under test.",
	}, []string{"impl"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cmapbench_run_duration_seconds",
		Help:    "Wall-clock duration of a full workload run.",
		Buckets: prometheus.DefBuckets,
	}, []string{"impl"})

	reg.MustRegister(opsTotal, duration)

	return &metricsSet{registry: reg, opsTotal: opsTotal, duration: duration}
}

func timeAndRecord(log hclog.Logger, impl string, metrics *metricsSet, run func() bench.Result) bench.Result {
	result := run()

	metrics.opsTotal.WithLabelValues(impl).Add(float64(result.Ops))
	metrics.duration.WithLabelValues(impl).Observe(result.Duration.Seconds())

	log.Info("implementation finished",
		"impl", impl,
		"ops", result.Ops,
		"inserted", result.Inserted,
		"duration", result.Duration)

	return result
}

func opsPerSec(r bench.Result) float64 {
	if r.Duration <= 0 {
		return 0
	}

	return float64(r.Ops) / r.Duration.Seconds()
}

func dumpMetrics(reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}

	return nil
}
