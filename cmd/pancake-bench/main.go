// Command pancake-bench drives a put/get/delete workload plus a
// no-lost-update concurrent-counter scenario against a pancake DB,
// reporting commit latency via an HdrHistogram.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pancake "github.com/pancake-db/ssi-engine"
	"github.com/pancake-db/ssi-engine/internal/codec"
	"github.com/pancake-db/ssi-engine/internal/config"
	"github.com/pancake-db/ssi-engine/internal/txn"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rootDir string
	var numKeys int
	var numWorkers int

	root := &cobra.Command{
		Use:   "pancake-bench",
		Short: "Benchmark the pancake SSI engine",
	}

	putGet := &cobra.Command{
		Use:   "put-get-delete",
		Short: "Run a put/get/delete smoke workload and report commit latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPutGetDelete(rootDir, numKeys)
		},
	}
	putGet.Flags().StringVar(&rootDir, "root-dir", "./pancake-bench-data", "engine root directory")
	putGet.Flags().IntVar(&numKeys, "num-keys", 1000, "number of keys to put/get/delete")

	counter := &cobra.Command{
		Use:   "counter-race",
		Short: "Run concurrent read-modify-write counter increments to exercise no-lost-update",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounterRace(rootDir, numWorkers)
		},
	}
	counter.Flags().StringVar(&rootDir, "root-dir", "./pancake-bench-data", "engine root directory")
	counter.Flags().IntVar(&numWorkers, "num-workers", 8, "concurrent incrementer goroutines")

	root.AddCommand(putGet, counter)
	return root
}

func openBench(rootDir string) (*pancake.DB, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	cfg.RootDir = rootDir
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}
	return pancake.Open(cfg)
}

func runPutGetDelete(rootDir string, numKeys int) error {
	db, err := openBench(rootDir)
	if err != nil {
		return err
	}
	defer db.Close()

	hist := hdrhistogram.New(1, 10_000_000, 3)

	for i := 0; i < numKeys; i++ {
		pk := codec.FromInt(int64(i))
		pv := codec.FromStr(fmt.Sprintf("value-%d", i))
		start := time.Now()
		err := db.Txn(func(t *txn.Txn) error {
			t.Put(pk, pv)
			return nil
		})
		_ = hist.RecordValue(time.Since(start).Microseconds())
		if err != nil {
			return err
		}
	}

	for i := 0; i < numKeys; i++ {
		pk := codec.FromInt(int64(i))
		t := db.Begin()
		_, ok, err := t.Get(pk)
		db.Abort(t)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("key %d unexpectedly missing after put", i)
		}
	}

	for i := 0; i < numKeys; i++ {
		pk := codec.FromInt(int64(i))
		if err := db.Txn(func(t *txn.Txn) error {
			t.Delete(pk)
			return nil
		}); err != nil {
			return err
		}
	}

	fmt.Printf("commit latency (us): p50=%d p99=%d max=%d\n",
		hist.ValueAtQuantile(50), hist.ValueAtQuantile(99), hist.Max())
	return nil
}

func runCounterRace(rootDir string, numWorkers int) error {
	db, err := openBench(rootDir)
	if err != nil {
		return err
	}
	defer db.Close()

	counterKey := codec.FromStr("bench-counter")
	if err := db.Txn(func(t *txn.Txn) error {
		t.Put(counterKey, codec.FromInt(0))
		return nil
	}); err != nil {
		return err
	}

	const incrementsPerWorker = 50
	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		g.Go(func() error {
			for i := 0; i < incrementsPerWorker; i++ {
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
				err := db.Txn(func(t *txn.Txn) error {
					cur, ok, err := t.Get(counterKey)
					if err != nil {
						return err
					}
					next := int64(1)
					if ok {
						next = cur.Int + 1
					}
					t.Put(counterKey, codec.FromInt(next))
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t := db.Begin()
	final, ok, err := t.Get(counterKey)
	db.Abort(t)
	if err != nil {
		return err
	}
	want := int64(numWorkers * incrementsPerWorker)
	if !ok || final.Int != want {
		return fmt.Errorf("lost update detected: want %d, got %d (present=%v)", want, final.Int, ok)
	}
	fmt.Printf("counter-race ok: %d increments, no lost updates\n", want)
	return nil
}
