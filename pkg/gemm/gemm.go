// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gemm implements a cache-blocked single-precision matrix multiplication,
// OUT[M, N] = A[M, K] x B[K, N], for dense row-major matrices.
//
// It follows the 5-loop GotoBLAS scheme: B is packed in [Kc, Nc] panels, A in [Mc, Kc]
// blocks, and a grid of micro-kernels computes [Mr, Nr] register tiles, each built from
// [Mv, Nu] unit updates. Remainders of M, N and K are handled by zero-padded packing and
// trimmed write-back.
//
// A Kernel is one instance with fixed dimensions and tiling: build it once (at
// "code generation" time), call it many times.
package gemm

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel computes OUT[M, N] = A[M, K] x B[K, N] with a fixed tiling configuration.
//
// A Kernel holds no mutable state: concurrent calls with distinct buffers are safe.
type Kernel struct {
	m, k, n int
	params  Params

	bufAllocFn   BufAllocFn
	bufReleaseFn BufReleaseFn
}

// New returns a Kernel for a [M, K] x [K, N] product with the given tiling.
//
// Negative dimensions and invalid tiling parameters are configuration errors.
// Zero dimensions are valid: the output is then empty or, for K == 0, all zeros.
func New(M, K, N int, params Params) (*Kernel, error) {
	if M < 0 || K < 0 || N < 0 {
		return nil, errors.Errorf("gemm: invalid dimensions [%d, %d] x [%d, %d]", M, K, K, N)
	}
	if err := params.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "gemm [%d, %d] x [%d, %d]", M, K, K, N)
	}
	klog.V(1).Infof("gemm: new kernel [%d, %d] x [%d, %d] with tiling %s", M, K, K, N, params)
	return &Kernel{
		m: M, k: K, n: N,
		params:       params,
		bufAllocFn:   freshBufAllocFn,
		bufReleaseFn: discardBufReleaseFn,
	}, nil
}

// MustNew is like New, but panics with an exception on a configuration error.
func MustNew(M, K, N int, params Params) *Kernel {
	kernel, err := New(M, K, N, params)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return kernel
}

// WithBuffers configures how the Kernel obtains its scratch buffers (the packed panels and the
// micro-kernel accumulator). By default, fresh buffers are allocated on every call.
//
// It returns the Kernel itself, to allow cascading configuration calls.
func (k *Kernel) WithBuffers(allocFn BufAllocFn, releaseFn BufReleaseFn) *Kernel {
	k.bufAllocFn = allocFn
	k.bufReleaseFn = releaseFn
	return k
}

// Dims returns the dimensions M, K, N of the product.
func (k *Kernel) Dims() (M, K, N int) {
	return k.m, k.k, k.n
}

// Params returns the tiling parameters of the Kernel.
func (k *Kernel) Params() Params {
	return k.params
}

// Flops returns the number of floating point operations of one call.
func (k *Kernel) Flops() int64 {
	return 2 * int64(k.m) * int64(k.n) * int64(k.k)
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("gemm[%d, %d] x [%d, %d] (%s)", k.m, k.k, k.k, k.n, k.params)
}

// Run computes out = a x b. Previous contents of out are discarded.
//
// a must hold at least M*K values, b at least K*N and out at least M*N; out must not
// overlap a or b. Only the first M*N values of out are written.
func (k *Kernel) Run(a, b, out []float32) error {
	if err := k.checkBuffers(a, b, out); err != nil {
		return err
	}
	p := &k.params
	packedARef, packedA, err := k.alloc(p.MC * p.KC)
	if err != nil {
		return err
	}
	defer k.bufReleaseFn(packedARef)
	packedBRef, packedB, err := k.alloc(p.NC * p.KC)
	if err != nil {
		return err
	}
	defer k.bufReleaseFn(packedBRef)
	accumRef, accum, err := k.alloc(p.MR * p.NR)
	if err != nil {
		return err
	}
	defer k.bufReleaseFn(accumRef)

	blockedGEMM(a[:k.m*k.k], b[:k.k*k.n], out[:k.m*k.n], k.m, k.k, k.n, p, packedA, packedB, accum)
	return nil
}

// Call is like Run, but panics with an exception on error. It is the fail-fast form used by
// compiled programs, where a GEMM has no meaningful degraded mode.
func (k *Kernel) Call(a, b, out []float32) {
	if err := k.Run(a, b, out); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

func (k *Kernel) alloc(size int) (ref any, data []float32, err error) {
	ref, data = k.bufAllocFn(size)
	if len(data) < size {
		k.bufReleaseFn(ref)
		return nil, nil, errors.Errorf("%s: buffer allocator returned %d values, %d required", k, len(data), size)
	}
	return ref, data[:size], nil
}

// checkBuffers validates the buffer sizes and that the output doesn't alias the inputs.
func (k *Kernel) checkBuffers(a, b, out []float32) error {
	sizeA, sizeB, sizeOut := k.m*k.k, k.k*k.n, k.m*k.n
	if len(a) < sizeA {
		return errors.Errorf("%s: A has %d values, %d required", k, len(a), sizeA)
	}
	if len(b) < sizeB {
		return errors.Errorf("%s: B has %d values, %d required", k, len(b), sizeB)
	}
	if len(out) < sizeOut {
		return errors.Errorf("%s: OUT has %d values, %d required", k, len(out), sizeOut)
	}
	if Overlaps(out[:sizeOut], a[:sizeA]) {
		return errors.Errorf("%s: OUT overlaps A", k)
	}
	if Overlaps(out[:sizeOut], b[:sizeB]) {
		return errors.Errorf("%s: OUT overlaps B", k)
	}
	return nil
}

// Overlaps returns whether the memory backing x and y overlaps. Empty slices never overlap.
func Overlaps(x, y []float32) bool {
	if len(x) == 0 || len(y) == 0 {
		return false
	}
	const elementSize = unsafe.Sizeof(float32(0))
	xStart := uintptr(unsafe.Pointer(unsafe.SliceData(x)))
	xEnd := xStart + uintptr(len(x))*elementSize
	yStart := uintptr(unsafe.Pointer(unsafe.SliceData(y)))
	yEnd := yStart + uintptr(len(y))*elementSize
	return xStart < yEnd && yStart < xEnd
}

// blockedGEMM computes out = a x b, with a: [M, K], b: [K, N] and out: [M, N], all row-major.
//
// packedA must hold Mc*Kc values, packedB Nc*Kc and accum Mr*Nr.
func blockedGEMM(a, b, out []float32, M, K, N int, p *Params, packedA, packedB, accum []float32) {
	clear(out)

	// Loop 5 (jc): Tiling N (output columns) - B panel fits in L3.
	for jc := 0; jc < N; jc += p.NC {
		activeNC := min(N-jc, p.NC)

		// Loop 4 (pc): Tiling K (contracting) - strips fit in L1.
		for pc := 0; pc < K; pc += p.KC {
			activeKC := min(K-pc, p.KC)

			// Pack B once per (jc, pc), it is reused for all of M.
			bOffset := pc*N + jc
			if activeKC < p.KC || activeNC < p.NC {
				packBEdge(b, bOffset, N, 1, packedB, p.KC, p.NC, p.NR, activeKC, activeNC)
			} else {
				packB(b, bOffset, N, 1, packedB, p.KC, p.NC, p.NR)
			}

			// Loop 3 (ic): Tiling M (output rows) - A block fits in L2.
			for ic := 0; ic < M; ic += p.MC {
				activeMC := min(M-ic, p.MC)
				aOffset := ic*K + pc
				if activeKC < p.KC || activeMC < p.MC {
					packAEdge(a, aOffset, K, 1, packedA, p.KC, p.MC, p.MR, activeKC, activeMC)
				} else {
					packA(a, aOffset, K, 1, packedA, p.KC, p.MC, p.MR)
				}
				macroKernel(packedA, packedB, accum, out, p, activeKC, activeMC, activeNC, (ic*N)+jc, N)
			}
		}
	}
}

// macroKernel runs the grid of micro-kernels over one packed A block and one packed B panel,
// adding the results into out starting at outOffset.
func macroKernel(packedA, packedB, accum, out []float32, p *Params, activeKC, activeMC, activeNC, outOffset, outStride int) {
	accum = accum[:p.MR*p.NR]

	// Loop 2 (jr): micro-kernel columns.
	for jr := 0; jr < activeNC; jr += p.NR {
		activeNR := min(activeNC-jr, p.NR)
		kernelB := packedB[jr*p.KC:]

		// Loop 1 (ir): micro-kernel rows.
		for ir := 0; ir < activeMC; ir += p.MR {
			activeMR := min(activeMC-ir, p.MR)
			kernelA := packedA[ir*p.KC:]

			clear(accum)
			microKernel(activeKC, kernelA, kernelB, accum, p.MR, p.NR, p.MV, p.NU)

			tileOffset := outOffset + ir*outStride + jr
			if activeMR == p.MR && activeNR == p.NR {
				writeBack(accum, out, tileOffset, outStride, p.MR, p.NR)
			} else {
				writeBackEdge(accum, out, tileOffset, outStride, p.NR, activeMR, activeNR)
			}
		}
	}
}

// Reference computes out = a x b with a naive triple loop, a: [M, K], b: [K, N], out: [M, N].
// It is meant to verify results.
func Reference(a, b, out []float32, M, K, N int) {
	for row := range M {
		for col := range N {
			var sum float32
			for idx := range K {
				sum += a[row*K+idx] * b[idx*N+col]
			}
			out[row*N+col] = sum
		}
	}
}
