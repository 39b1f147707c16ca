// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tilegemm/internal/workerspool"
	"github.com/gomlx/tilegemm/pkg/gemm"
	"github.com/gomlx/tilegemm/pkg/support/xslices"
)

// fixedShapes are always checked: degenerate shapes, shapes smaller than one tile, and shapes
// with remainders in every dimension for the default tiling.
var fixedShapes = [][3]int{
	{0, 5, 7}, {5, 0, 7}, {5, 7, 0}, {1, 1, 1},
	{3, 3, 3}, {4, 256, 8}, {7, 13, 17}, {64, 300, 100},
	{257, 259, 33}, {1, 512, 4097},
}

type checkResult struct {
	shape   [3]int
	params  gemm.Params
	maxDiff float64
	err     error
}

func setupCheck(fs *flag.FlagSet) func(ctx context.Context, args []string) error {
	numRandom := fs.Int("random", 50, "Number of random shapes to check, besides the fixed ones.")
	maxDim := fs.Int("max_dim", 300, "Maximum value of each dimension of the random shapes.")
	tiling := fs.String("tiling", "", "Tiling parameters (e.g.: \"kc=128,mr=8\"), "+
		"defaults are adjusted for each shape if not set.")
	parallelism := fs.Int("parallelism", -2, "Number of shapes checked concurrently: "+
		"0 disables parallelism, -1 is unlimited, -2 uses the number of CPUs.")
	seed := fs.Uint64("seed", 42, "Random seed.")
	verbose := fs.Bool("all", false, "Display all checked shapes, not only failures.")

	return func(ctx context.Context, _ []string) error {
		var params *gemm.Params
		if *tiling != "" {
			p, err := gemm.ParseParams(*tiling)
			if err != nil {
				return err
			}
			params = &p
		}

		rng := rand.New(rand.NewPCG(*seed, *seed))
		shapes := append([][3]int(nil), fixedShapes...)
		for range *numRandom {
			shapes = append(shapes, [3]int{1 + rng.IntN(*maxDim), 1 + rng.IntN(*maxDim), 1 + rng.IntN(*maxDim)})
		}

		pool := workerspool.New()
		if *parallelism != -2 {
			pool.SetMaxParallelism(*parallelism)
		}
		results := make([]checkResult, len(shapes))
		for i, shape := range shapes {
			if ctx.Err() != nil {
				break
			}
			results[i].shape = shape
			p := gemm.DefaultParams.ForShape(shape[0], shape[1], shape[2])
			if params != nil {
				p = *params
			}
			results[i].params = p
			taskSeed := rng.Uint64()
			pool.WaitToStart(func() {
				results[i].maxDiff, results[i].err = checkShape(shape, p, taskSeed)
			})
		}
		pool.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
		return reportCheck(results, *verbose, pool.MaxParallelism())
	}
}

// checkShape runs the kernel on random operands and compares it with gemm.Reference.
func checkShape(shape [3]int, params gemm.Params, seed uint64) (maxDiff float64, err error) {
	M, K, N := shape[0], shape[1], shape[2]
	kernel, err := gemm.New(M, K, N, params)
	if err != nil {
		return 0, err
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	a, b := randomValues(rng, M*K), randomValues(rng, K*N)
	got, want := make([]float32, M*N), make([]float32, M*N)
	if err = kernel.Run(a, b, got); err != nil {
		return 0, err
	}
	gemm.Reference(a, b, want, M, K, N)
	maxDiff, _ = xslices.MaxAbsDiff(got, want)
	if err = xslices.InDelta(got, want, tolerance(K)); err != nil {
		return maxDiff, errors.WithMessagef(err, "%s", kernel)
	}
	return maxDiff, nil
}

// tolerance of the absolute difference to the reference, for values in [-1, 1].
func tolerance(K int) float64 {
	return 1e-5 * float64(max(K, 1))
}

func randomValues(rng *rand.Rand, size int) []float32 {
	values := make([]float32, size)
	for i := range values {
		values[i] = 2*rng.Float32() - 1
	}
	return values
}

// describeParallelism formats a workerspool.Pool parallelism for the summary line.
func describeParallelism(parallelism int) string {
	switch {
	case parallelism == 0:
		return "sequentially"
	case parallelism < 0:
		return "with unlimited workers"
	case parallelism == 1:
		return "with 1 worker"
	default:
		return fmt.Sprintf("with %d workers", parallelism)
	}
}

func reportCheck(results []checkResult, verbose bool, parallelism int) error {
	var numFailed int
	var flops int64
	table := newTable([]string{"M", "K", "N", "Tiling", "Max |diff|", "Status"},
		lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	for _, r := range results {
		failed := r.err != nil
		if failed {
			numFailed++
			klog.Errorf("[%d, %d] x [%d, %d]: %v", r.shape[0], r.shape[1], r.shape[1], r.shape[2], r.err)
		}
		flops += 2 * int64(r.shape[0]) * int64(r.shape[1]) * int64(r.shape[2])
		if !failed && !verbose {
			continue
		}
		status := "ok"
		if failed {
			status = "FAILED"
		}
		table.Row(failed,
			humanize.Comma(int64(r.shape[0])), humanize.Comma(int64(r.shape[1])), humanize.Comma(int64(r.shape[2])),
			r.params.String(), fmt.Sprintf("%.2g", r.maxDiff), status)
	}
	if table.count > 0 {
		fmt.Println(table.Render())
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d shapes checked %s (%s flops), %d failed",
		len(results), describeParallelism(parallelism), humanize.SIWithDigits(float64(flops), 1, ""), numFailed)))
	if numFailed > 0 {
		return errors.Errorf("%d of %d shapes failed", numFailed, len(results))
	}
	return nil
}
