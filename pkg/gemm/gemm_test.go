package gemm_test

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/gomlx/tilegemm/internal/workerspool"
	"github.com/gomlx/tilegemm/pkg/gemm"
	"github.com/gomlx/tilegemm/pkg/support/xslices"
)

// Absolute tolerance of the acceptance tests.
const tolerance = 1e-5

// randomMatrix returns values in {-1, -7/8, ..., 7/8, 1}: products and their sums are exact
// in float32 for the sizes used here, so results don't depend on the accumulation order.
func randomMatrix(rng *rand.Rand, size int) []float32 {
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32(rng.IntN(17)-8) / 8
	}
	return values
}

// blasGEMM computes a x b with gonum, as an independent reference.
func blasGEMM(a, b []float32, M, K, N int) []float32 {
	out := make([]float32, M*N)
	if M == 0 || N == 0 || K == 0 {
		return out
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: M, Cols: K, Data: a, Stride: K},
		blas32.General{Rows: K, Cols: N, Data: b, Stride: N},
		0,
		blas32.General{Rows: M, Cols: N, Data: out, Stride: N})
	return out
}

// checkGEMM runs a [M, K] x [K, N] product with the given params and compares it with the
// naive reference and with gonum.
func checkGEMM(t *testing.T, rng *rand.Rand, M, K, N int, params gemm.Params) {
	t.Helper()
	a := randomMatrix(rng, M*K)
	b := randomMatrix(rng, K*N)
	want := make([]float32, M*N)
	gemm.Reference(a, b, want, M, K, N)

	kernel, err := gemm.New(M, K, N, params)
	require.NoError(t, err)
	got := xslices.SliceWithValue(M*N, float32(1000)) // Previous contents must be discarded.
	require.NoError(t, kernel.Run(a, b, got))
	if err := xslices.InDelta(got, want, tolerance); err != nil {
		t.Fatalf("%s: mismatch with reference: %+v", kernel, err)
	}
	if err := xslices.InDelta(got, blasGEMM(a, b, M, K, N), tolerance); err != nil {
		t.Fatalf("%s: mismatch with gonum: %+v", kernel, err)
	}
}

func TestGEMM_HandComputed(t *testing.T) {
	// A = B = [4, 4] matrix with 1..16, small tiles so every loop level iterates.
	params := gemm.Params{NC: 2, KC: 2, MC: 2, MR: 2, NR: 2, MV: 2, NU: 1}
	a := xslices.Iota(float32(1), 16)
	kernel := gemm.MustNew(4, 4, 4, params)
	out := make([]float32, 16)
	kernel.Call(a, a, out)
	want := []float32{
		90, 100, 110, 120,
		202, 228, 254, 280,
		314, 356, 398, 440,
		426, 484, 542, 600,
	}
	assert.Equal(t, want, out)
}

func TestGEMM_Reference(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for _, params := range []gemm.Params{
		gemm.DefaultParams,
		{NC: 16, KC: 8, MC: 8, MR: 4, NR: 4, MV: 2, NU: 2},
		{NC: 6, KC: 5, MC: 6, MR: 3, NR: 3, MV: 1, NU: 3},
		{NC: 1, KC: 1, MC: 1, MR: 1, NR: 1, MV: 1, NU: 1},
	} {
		t.Run(params.String(), func(t *testing.T) {
			for _, dims := range [][3]int{{16, 16, 16}, {33, 17, 29}, {64, 40, 24}, {7, 100, 13}} {
				checkGEMM(t, rng, dims[0], dims[1], dims[2], params)
			}
		})
	}
}

func TestGEMM_Boundaries(t *testing.T) {
	// Each of M, N, K is in turn not divisible by its block size (mc, nc, kc) nor by its
	// register tile size (mr, nr).
	params := gemm.Params{NC: 16, KC: 8, MC: 12, MR: 4, NR: 8, MV: 2, NU: 4}
	rng := rand.New(rand.NewPCG(1, 2))
	for _, tc := range []struct {
		name    string
		M, K, N int
	}{
		{"conforming", 24, 16, 32},
		{"M-block-remainder", 30, 16, 32},
		{"M-tile-remainder", 25, 16, 32},
		{"N-block-remainder", 24, 16, 40},
		{"N-tile-remainder", 24, 16, 35},
		{"K-block-remainder", 24, 13, 32},
		{"K-smaller-than-kc", 24, 3, 32},
		{"all-remainders", 27, 21, 37},
		{"smaller-than-tiles", 3, 5, 7},
	} {
		t.Run(tc.name, func(t *testing.T) {
			checkGEMM(t, rng, tc.M, tc.K, tc.N, params)
		})
	}
}

func TestGEMM_Degenerate(t *testing.T) {
	params := gemm.Params{NC: 8, KC: 4, MC: 8, MR: 4, NR: 4, MV: 2, NU: 2}
	rng := rand.New(rand.NewPCG(3, 4))
	for _, dims := range [][3]int{
		{1, 9, 11},  // M=1: row vector times matrix.
		{10, 9, 1},  // N=1: matrix times column vector.
		{10, 1, 11}, // K=1: outer product.
		{1, 17, 1},  // M=N=1: dot product.
		{1, 1, 1},
	} {
		t.Run(fmt.Sprintf("%dx%dx%d", dims[0], dims[1], dims[2]), func(t *testing.T) {
			checkGEMM(t, rng, dims[0], dims[1], dims[2], params)
		})
	}

	t.Run("K=0", func(t *testing.T) {
		kernel := gemm.MustNew(3, 0, 2, params)
		out := xslices.SliceWithValue(6, float32(5))
		require.NoError(t, kernel.Run(nil, nil, out))
		assert.Equal(t, make([]float32, 6), out)
	})
	t.Run("M=0", func(t *testing.T) {
		kernel := gemm.MustNew(0, 4, 2, params)
		require.NoError(t, kernel.Run(nil, make([]float32, 8), nil))
	})
}

func TestGEMM_Zeros(t *testing.T) {
	const M, K, N = 13, 11, 17
	rng := rand.New(rand.NewPCG(5, 6))
	params := gemm.Params{NC: 8, KC: 4, MC: 8, MR: 4, NR: 4, MV: 4, NU: 4}
	kernel := gemm.MustNew(M, K, N, params)
	zeros := make([]float32, M*N)

	out := xslices.SliceWithValue(M*N, float32(-1))
	kernel.Call(make([]float32, M*K), randomMatrix(rng, K*N), out)
	assert.Equal(t, zeros, out)

	out = xslices.SliceWithValue(M*N, float32(-1))
	kernel.Call(randomMatrix(rng, M*K), make([]float32, K*N), out)
	assert.Equal(t, zeros, out)
}

func TestGEMM_Isolation(t *testing.T) {
	const M, K, N = 19, 23, 21
	params := gemm.Params{NC: 16, KC: 8, MC: 8, MR: 4, NR: 8, MV: 2, NU: 4}
	rng := rand.New(rand.NewPCG(7, 8))
	pool := gemm.NewBufferPool()
	kernel := gemm.MustNew(M, K, N, params).WithBuffers(pool.Alloc, pool.Release)

	// Sequential calls, reusing recycled scratch buffers.
	a0, b0 := randomMatrix(rng, M*K), randomMatrix(rng, K*N)
	a1, b1 := randomMatrix(rng, M*K), randomMatrix(rng, K*N)
	want0, want1 := make([]float32, M*N), make([]float32, M*N)
	gemm.Reference(a0, b0, want0, M, K, N)
	gemm.Reference(a1, b1, want1, M, K, N)
	out0, out1 := make([]float32, M*N), make([]float32, M*N)
	kernel.Call(a0, b0, out0)
	kernel.Call(a1, b1, out1)
	require.NoError(t, xslices.InDelta(out0, want0, tolerance))
	require.NoError(t, xslices.InDelta(out1, want1, tolerance))

	// Concurrent independent calls on the same kernel.
	workers := workerspool.New()
	workers.SetMaxParallelism(4)
	const numCalls = 16
	outputs := make([][]float32, numCalls)
	var mu sync.Mutex
	var errs []error
	for ii := range numCalls {
		outputs[ii] = make([]float32, M*N)
		workers.WaitToStart(func() {
			a, b := a0, b0
			if ii%2 == 1 {
				a, b = a1, b1
			}
			if err := kernel.Run(a, b, outputs[ii]); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	workers.Wait()
	require.Empty(t, errs)
	for ii, out := range outputs {
		want := want0
		if ii%2 == 1 {
			want = want1
		}
		require.NoError(t, xslices.InDelta(out, want, tolerance), "call #%d", ii)
	}
}

func TestGEMM_Errors(t *testing.T) {
	params := gemm.Params{NC: 8, KC: 4, MC: 8, MR: 4, NR: 4, MV: 2, NU: 2}

	// Configuration errors.
	_, err := gemm.New(-1, 2, 2, params)
	require.Error(t, err)
	badParams := params
	badParams.MC = 6 // Not a multiple of MR.
	_, err = gemm.New(2, 2, 2, badParams)
	require.ErrorContains(t, err, "mc=6")
	require.NotNil(t, exceptions.TryCatch[error](func() { gemm.MustNew(2, 2, 2, badParams) }))

	// Bounds errors.
	kernel := gemm.MustNew(3, 4, 5, params)
	a, b, out := make([]float32, 12), make([]float32, 20), make([]float32, 15)
	require.NoError(t, kernel.Run(a, b, out))
	require.ErrorContains(t, kernel.Run(a[:11], b, out), "A has 11 values")
	require.ErrorContains(t, kernel.Run(a, b[:19], out), "B has 19 values")
	require.ErrorContains(t, kernel.Run(a, b, out[:14]), "OUT has 14 values")
	require.NotNil(t, exceptions.TryCatch[error](func() { kernel.Call(a, b, out[:1]) }))

	// Aliasing errors.
	shared := make([]float32, 40)
	require.ErrorContains(t, kernel.Run(shared[:12], b, shared[10:25]), "overlaps A")
	require.NoError(t, kernel.Run(a, shared[:20], shared[20:35]))
	require.ErrorContains(t, kernel.Run(a, shared[5:25], shared[20:35]), "overlaps B")

	// Broken allocator.
	kernel.WithBuffers(func(size int) (any, []float32) { return nil, make([]float32, size/2) }, func(any) {})
	require.ErrorContains(t, kernel.Run(a, b, out), "buffer allocator")
}

func TestGEMM_ForShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	for _, N := range []int{1, 3, 9, 100, 5000} {
		params := gemm.DefaultParams.ForShape(5, 7, N)
		require.NoError(t, params.Validate())
		assert.LessOrEqual(t, params.NC, gemm.DefaultParams.NC)
		if N < 5000 {
			checkGEMM(t, rng, 5, 7, N, params)
		}
	}
	assert.Equal(t, 8, gemm.DefaultParams.ForShape(1, 1, 3).NC)
	assert.Equal(t, 128, gemm.DefaultParams.ForShape(1, 1, 100).NC)
	assert.Equal(t, gemm.DefaultParams.NC, gemm.DefaultParams.ForShape(1, 1, 5000).NC)
}

func TestParams(t *testing.T) {
	p, err := gemm.ParseParams("")
	require.NoError(t, err)
	assert.Equal(t, gemm.DefaultParams, p)

	p, err = gemm.ParseParams(" kc=128, MR=8,nr=16 ")
	require.NoError(t, err)
	want := gemm.DefaultParams
	want.KC, want.MR, want.NR = 128, 8, 16
	assert.Equal(t, want, p)

	// String round-trips.
	p2, err := gemm.ParseParams(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, p2)
	assert.Equal(t, "nc=4096,kc=128,mc=256,mr=8,nr=16,mv=4,nu=4", p.String())

	for _, bad := range []string{"kc", "kc=x", "foo=3", "mr=3", "nu=3", "nc=12", "mc=0"} {
		_, err = gemm.ParseParams(bad)
		assert.Error(t, err, "ParseParams(%q) should have failed", bad)
	}
}

func TestOverlaps(t *testing.T) {
	data := make([]float32, 10)
	assert.True(t, gemm.Overlaps(data[:5], data[4:]))
	assert.False(t, gemm.Overlaps(data[:5], data[5:]))
	assert.False(t, gemm.Overlaps(data[:0], data))
	assert.False(t, gemm.Overlaps(data, make([]float32, 10)))
}
