// bench drives a tree directly: sequential writes, point reads and a full
// scan, printing throughput for each phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"lsmtree/pkg/chunkstore/btfile"
	"lsmtree/pkg/config"
	"lsmtree/pkg/lsm"
	"lsmtree/pkg/metrics"
	"lsmtree/pkg/txn"
)

func main() {
	dir := flag.String("dir", "./bench-data", "data directory")
	n := flag.Int("n", 100_000, "operations per phase")
	writers := flag.Int("writers", 4, "concurrent writers")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})))

	store, err := btfile.New(*dir, slog.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := config.Default().Tree
	cfg.Name = "bench"
	cfg.Dir = *dir
	cfg.ChunkSize = 4 << 20

	txns := txn.NewRegistry()
	tree, err := lsm.Open(cfg, lsm.Deps{Store: store, Txns: txns, Metrics: metrics.NewAtomic()})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("=== lsmtree bench: %d ops, %d writers ===\n", *n, *writers)

	start := time.Now()
	var wg sync.WaitGroup
	per := *n / *writers
	for w := 0; w < *writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sess := txns.Begin()
			cur, err := tree.OpenCursor(sess, lsm.CursorOptions{Overwrite: true})
			if err != nil {
				fmt.Fprintln(os.Stderr, "open cursor:", err)
				return
			}
			defer cur.Close()
			for i := 0; i < per; i++ {
				key := fmt.Sprintf("key-%02d-%08d", w, i)
				if err := cur.Insert([]byte(key), []byte("value")); err != nil {
					fmt.Fprintln(os.Stderr, "insert:", err)
					return
				}
			}
			sess.Commit()
		}(w)
	}
	wg.Wait()
	report("writes", *n, time.Since(start))

	sess := txns.Begin()
	cur, err := tree.OpenCursor(sess, lsm.CursorOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	start = time.Now()
	for i := 0; i < per; i++ {
		key := fmt.Sprintf("key-00-%08d", i)
		if _, err := cur.Search([]byte(key)); err != nil {
			fmt.Fprintln(os.Stderr, "search:", err)
			os.Exit(1)
		}
	}
	report("point reads", per, time.Since(start))

	start = time.Now()
	scanned := 0
	if err := cur.Reset(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for {
		if _, _, err := cur.Next(); err != nil {
			break
		}
		scanned++
	}
	report("scan", scanned, time.Since(start))
	cur.Close()

	stats := tree.Stats()
	fmt.Printf("chunks=%d old=%d merges=%d\n", stats.Chunks, stats.OldChunks, stats.MergeProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tree.Close(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func report(phase string, ops int, d time.Duration) {
	fmt.Printf("%-12s %8d ops in %8s  (%.0f ops/sec)\n", phase, ops, d.Round(time.Millisecond), float64(ops)/d.Seconds())
}
