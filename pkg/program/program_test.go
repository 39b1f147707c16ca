package program

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tilegemm/pkg/gemm"
	"github.com/gomlx/tilegemm/pkg/support/xslices"
)

// twoLayers is a 2-layer MLP without activations: [2, 3] x [3, 4] -> [2, 4] x [4, 5] -> [2, 5].
const twoLayers = `
name: two_layers
ops:
  - name: dense_0
    m: 2
    k: 3
    n: 4
    a: {buffer: inputs, offset: 0}
    b: {buffer: weights, offset: 0}
    out: {buffer: scratch, offset: 0}
  - name: dense_1
    m: 2
    k: 4
    n: 5
    a: {buffer: scratch, offset: 0}
    b: {buffer: weights, offset: 12}
    out: {buffer: outputs, offset: 0}
    tiling: "nc=4,kc=2,mc=2,mr=2,nr=2,mv=1,nu=2"
`

func TestProgram(t *testing.T) {
	desc, err := Parse([]byte(twoLayers))
	require.NoError(t, err)
	require.Len(t, desc.Ops, 2)
	assert.Equal(t, Ref{Buffer: Weights, Offset: 12}, desc.Ops[1].B)

	prog, err := Compile(desc, gemm.DefaultParams)
	require.NoError(t, err)
	assert.Equal(t, "two_layers", prog.Name())
	assert.Equal(t, 2, prog.NumOps())
	assert.Equal(t, Sizes{Weights: 12 + 20, Inputs: 6, Outputs: 10, Scratch: 8}, prog.Sizes())
	assert.Equal(t, int64(2*2*4*3+2*2*5*4), prog.Flops())
	names, kernels := prog.Kernels()
	assert.Equal(t, []string{"dense_0", "dense_1"}, names)
	assert.Equal(t, 2, kernels[1].Params().KC)

	weights := xslices.Iota(float32(-5), 32)
	inputs := xslices.Iota(float32(1), 6)
	hidden := make([]float32, 8)
	gemm.Reference(inputs, weights[:12], hidden, 2, 3, 4)
	want := make([]float32, 10)
	gemm.Reference(hidden, weights[12:], want, 2, 4, 5)

	outputs := make([]float32, 10)
	require.NoError(t, prog.Run(weights, inputs, outputs))
	assert.Equal(t, want, outputs)

	// Running again gives the same results.
	outputs2 := make([]float32, 10)
	prog.Call(weights, inputs, outputs2)
	assert.Equal(t, want, outputs2)

	// Buffers too small.
	require.ErrorContains(t, prog.Run(weights[:31], inputs, outputs), "weights buffer")
	require.ErrorContains(t, prog.Run(weights, inputs[:5], outputs), "inputs buffer")
	require.NotNil(t, exceptions.TryCatch[error](func() { prog.Call(weights, inputs, outputs[:9]) }))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "program.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoLayers), 0o644))
	desc, err := LoadFile(path)
	require.NoError(t, err)

	// Round trip through Marshal.
	data, err := desc.Marshal()
	require.NoError(t, err)
	desc2, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, desc, desc2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestCompileErrors(t *testing.T) {
	validOp := Op{
		Name: "op", M: 2, K: 3, N: 4,
		A:   Ref{Buffer: Inputs},
		B:   Ref{Buffer: Weights},
		Out: Ref{Buffer: Outputs},
	}
	for _, tc := range []struct {
		name   string
		modify func(op *Op)
		want   string
	}{
		{"unknown-buffer", func(op *Op) { op.A.Buffer = "constants" }, "unknown buffer"},
		{"negative-offset", func(op *Op) { op.B.Offset = -1 }, "negative offset"},
		{"write-to-weights", func(op *Op) { op.Out.Buffer = Weights }, "can only write"},
		{"negative-dims", func(op *Op) { op.K = -3 }, "invalid dimensions"},
		{"bad-tiling", func(op *Op) { op.Tiling = "mr=3" }, "mr=3"},
		{"out-overlaps-a", func(op *Op) {
			op.A = Ref{Buffer: Scratch, Offset: 0}
			op.Out = Ref{Buffer: Scratch, Offset: 4}
		}, "overlaps input a"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			op := validOp
			tc.modify(&op)
			_, err := Compile(&Description{Name: "bad", Ops: []Op{op}}, gemm.DefaultParams)
			require.ErrorContains(t, err, tc.want)
		})
	}

	_, err := Compile(&Description{Name: "empty"}, gemm.DefaultParams)
	require.Error(t, err)
	_, err = Compile(&Description{Name: "twice", Ops: []Op{validOp, validOp}}, gemm.DefaultParams)
	require.ErrorContains(t, err, "both named")
	_, err = Parse([]byte("ops:\n  - name: x\n    unknown_field: 1\n"))
	require.Error(t, err)

	// Adjacent (not overlapping) regions of the same buffer are fine.
	op := validOp
	op.A = Ref{Buffer: Scratch, Offset: 0}
	op.Out = Ref{Buffer: Scratch, Offset: 6}
	_, err = Compile(&Description{Name: "adjacent", Ops: []Op{op}}, gemm.DefaultParams)
	require.NoError(t, err)
}
