// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tuner searches the tiling parameters that give the fastest GEMM for a given shape,
// by timing every valid candidate of a SearchSpace.
package tuner

import (
	"context"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"

	"github.com/gomlx/tilegemm/pkg/gemm"
	"github.com/gomlx/tilegemm/pkg/support/xslices"
)

// Options of a tuning session.
type Options struct {
	// Runs is the number of timed calls per candidate. Defaults to 3.
	Runs int

	// Seed for the random operands.
	Seed uint64

	// Progress, if not nil, is where a progress bar is displayed.
	Progress io.Writer
}

// Tune times every candidate on random [M, K] x [K, N] operands and returns the measurements.
//
// Each candidate is first verified against gemm.Reference: a mismatch is reported as an error,
// since it indicates a bug in the kernel.
//
// If ctx is cancelled, Tune stops and returns the results measured so far along with ctx.Err().
func Tune(ctx context.Context, M, K, N int, candidates []gemm.Params, opts Options) (*Results, error) {
	if M <= 0 || K <= 0 || N <= 0 {
		return nil, errors.Errorf("tuning requires positive dimensions, got [%d, %d] x [%d, %d]", M, K, K, N)
	}
	if len(candidates) == 0 {
		return nil, errors.New("no tiling candidates to tune")
	}
	runs := opts.Runs
	if runs <= 0 {
		runs = 3
	}
	runID := uuid.NewString()
	klog.V(1).Infof("tuning run %s: [%d, %d] x [%d, %d], %d candidates, %d runs each (cpu: %s)",
		runID, M, K, K, N, len(candidates), runs, CPUFeatures())

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))
	a, b := randomOperand(rng, M*K), randomOperand(rng, K*N)
	want := make([]float32, M*N)
	gemm.Reference(a, b, want, M, K, N)
	out := make([]float32, M*N)
	buffers := gemm.NewBufferPool()

	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions(len(candidates),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("Tiling params"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish())
	}

	measurements := make([]Measurement, 0, len(candidates))
	var err error
	for _, params := range candidates {
		if err = ctx.Err(); err != nil {
			break
		}
		var m Measurement
		m, err = measure(M, K, N, params, a, b, out, want, runs, buffers)
		if err != nil {
			break
		}
		klog.V(1).Infof("tuning run %s: %s -> %.3fms (%.2f GFlops)", runID, params, m.TimeMs, m.GFlops)
		measurements = append(measurements, m)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return newResults(runID, measurements), err
}

func measure(M, K, N int, params gemm.Params, a, b, out, want []float32, runs int, buffers *gemm.BufferPool) (Measurement, error) {
	kernel, err := gemm.New(M, K, N, params)
	if err != nil {
		return Measurement{}, err
	}
	kernel.WithBuffers(buffers.Alloc, buffers.Release)

	// The first call warms up the buffers and is checked.
	if err := kernel.Run(a, b, out); err != nil {
		return Measurement{}, err
	}
	if err := xslices.InDelta(out, want, 1e-5*float64(K)); err != nil {
		return Measurement{}, errors.WithMessagef(err, "%s gives wrong results", kernel)
	}

	start := time.Now()
	for range runs {
		kernel.Call(a, b, out)
	}
	elapsed := time.Since(start) / time.Duration(runs)
	m := Measurement{Params: params, TimeMs: float64(elapsed) / float64(time.Millisecond)}
	if elapsed > 0 {
		m.GFlops = float64(kernel.Flops()) / elapsed.Seconds() / 1e9
	}
	return m, nil
}

// CPUFeatures describes the SIMD features of the CPU, since the best tiling depends on them.
func CPUFeatures() string {
	var features []string
	for _, f := range []struct {
		name string
		has  bool
	}{
		{"sse4.1", cpu.X86.HasSSE41}, {"avx", cpu.X86.HasAVX}, {"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA}, {"avx512f", cpu.X86.HasAVX512F},
		{"asimd", cpu.ARM64.HasASIMD}, {"sve", cpu.ARM64.HasSVE},
	} {
		if f.has {
			features = append(features, f.name)
		}
	}
	if len(features) == 0 {
		return "generic"
	}
	return strings.Join(features, ",")
}

// randomOperand returns values that are multiples of 1/8 in [-1, 1]: their products and sums
// are exact in float32 for the sizes tuned, so the verification doesn't depend on the
// accumulation order of each candidate.
func randomOperand(rng *rand.Rand, size int) []float32 {
	values := make([]float32, size)
	for i := range values {
		values[i] = float32(rng.IntN(17)-8) / 8
	}
	return values
}
