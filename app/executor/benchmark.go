package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-pkgz/syncs"
)

// BenchmarkResult aggregates timing over repeated runs of the same script
type BenchmarkResult struct {
	Runs         int     `json:"runs"`
	Concurrency  int     `json:"concurrency"`
	Failures     int     `json:"failures"`
	MinSeconds   float64 `json:"min_seconds"`
	MaxSeconds   float64 `json:"max_seconds"`
	MeanSeconds  float64 `json:"mean_seconds"`
	TotalSeconds float64 `json:"total_seconds"`
}

// ProgressFn reports benchmark progress as runs complete
type ProgressFn func(current, total int, message string)

// Benchmark executes the request runs times with bounded concurrency and
// reports timing statistics. Failed runs (non-zero exit or launch error) count
// as failures and are excluded from timing aggregates. Dedup is bypassed since
// concurrent identical runs are the whole point here.
func (e *Executor) Benchmark(ctx context.Context, req Request, runs, concurrency int, progress ProgressFn) (*BenchmarkResult, error) {
	if runs <= 0 {
		return nil, fmt.Errorf("benchmark needs at least one run, got %d", runs)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	bench := *e
	bench.DeDup = nil
	bench.Repeater = nil // retries would skew the timings

	res := &BenchmarkResult{Runs: runs, Concurrency: concurrency}
	var mu sync.Mutex
	completed := 0

	gr := syncs.NewSizedGroup(concurrency, syncs.Context(ctx))
	for i := 0; i < runs; i++ {
		gr.Go(func(gctx context.Context) {
			r, err := bench.Run(gctx, req)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if err != nil || r.ExitCode != 0 {
				res.Failures++
			} else {
				if res.MinSeconds == 0 || r.Duration < res.MinSeconds {
					res.MinSeconds = r.Duration
				}
				if r.Duration > res.MaxSeconds {
					res.MaxSeconds = r.Duration
				}
				res.TotalSeconds += r.Duration
			}
			if progress != nil {
				progress(completed, runs, fmt.Sprintf("%d of %d runs done", completed, runs))
			}
		})
	}
	gr.Wait()

	if ok := runs - res.Failures; ok > 0 {
		res.MeanSeconds = res.TotalSeconds / float64(ok)
	}
	return res, nil
}
