// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package program compiles a model description -- the list of its matrix multiplications and
// where their operands live -- into a sequence of GEMM kernels, and runs it as the inference
// entry point: Run(weights, inputs, outputs).
package program

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tilegemm/pkg/gemm"
)

// Sizes holds the minimum number of float32 values of each buffer.
type Sizes map[BufferKind]int

// Program is a compiled Description: one gemm.Kernel per operator, plus the scratch buffer
// for intermediate results.
//
// Calls to Run are serialized, since they share the scratch buffer.
type Program struct {
	name  string
	ops   []compiledOp
	sizes Sizes

	mu      sync.Mutex
	scratch []float32
	buffers *gemm.BufferPool
}

type compiledOp struct {
	Op
	kernel *gemm.Kernel
}

// Compile validates the description and builds one kernel per operator.
//
// Operators without an explicit tiling use defaults adapted to their shape
// (see gemm.Params.ForShape).
func Compile(desc *Description, defaults gemm.Params) (*Program, error) {
	if desc == nil || len(desc.Ops) == 0 {
		return nil, errors.New("program has no operators")
	}
	if err := defaults.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid default tiling")
	}
	p := &Program{
		name:    desc.Name,
		ops:     make([]compiledOp, 0, len(desc.Ops)),
		sizes:   make(Sizes, len(BufferKinds)),
		buffers: gemm.NewBufferPool(),
	}
	for _, kind := range BufferKinds {
		p.sizes[kind] = 0
	}
	opNames := make(map[string]int, len(desc.Ops))
	for opIdx, op := range desc.Ops {
		if op.Name == "" {
			op.Name = fmt.Sprintf("op#%d", opIdx)
		}
		if prevIdx, found := opNames[op.Name]; found {
			return nil, errors.Errorf("program %q: operators #%d and #%d are both named %q", p.name, prevIdx, opIdx, op.Name)
		}
		opNames[op.Name] = opIdx
		if err := p.checkOp(&op); err != nil {
			return nil, errors.WithMessagef(err, "program %q, operator %q", p.name, op.Name)
		}
		params := defaults.ForShape(op.M, op.K, op.N)
		if op.Tiling != "" {
			var err error
			params, err = gemm.ParseParams(op.Tiling)
			if err != nil {
				return nil, errors.WithMessagef(err, "program %q, operator %q", p.name, op.Name)
			}
		}
		kernel, err := gemm.New(op.M, op.K, op.N, params)
		if err != nil {
			return nil, errors.WithMessagef(err, "program %q, operator %q", p.name, op.Name)
		}
		kernel.WithBuffers(p.buffers.Alloc, p.buffers.Release)
		p.ops = append(p.ops, compiledOp{Op: op, kernel: kernel})
		p.grow(op.A, op.M*op.K)
		p.grow(op.B, op.K*op.N)
		p.grow(op.Out, op.M*op.N)
	}
	p.scratch = make([]float32, p.sizes[Scratch])
	klog.V(1).Infof("compiled program %q: %d operators, buffer sizes %v", p.name, len(p.ops), p.sizes)
	return p, nil
}

// checkOp validates the references of one operator.
func (p *Program) checkOp(op *Op) error {
	if op.M < 0 || op.K < 0 || op.N < 0 {
		return errors.Errorf("invalid dimensions [%d, %d] x [%d, %d]", op.M, op.K, op.K, op.N)
	}
	for _, ref := range []struct {
		name string
		ref  Ref
	}{{"a", op.A}, {"b", op.B}, {"out", op.Out}} {
		if !slices.Contains(BufferKinds, ref.ref.Buffer) {
			return errors.Errorf("%s: unknown buffer %q, valid buffers are %v", ref.name, ref.ref.Buffer, BufferKinds)
		}
		if ref.ref.Offset < 0 {
			return errors.Errorf("%s: negative offset %d", ref.name, ref.ref.Offset)
		}
	}
	if op.Out.Buffer != Outputs && op.Out.Buffer != Scratch {
		return errors.Errorf("out: operators can only write to %q or %q, not to %q", Outputs, Scratch, op.Out.Buffer)
	}
	outEnd := op.Out.Offset + op.M*op.N
	if overlapsRef(op.A, op.M*op.K, op.Out, outEnd) {
		return errors.Errorf("out overlaps input a in buffer %q", op.Out.Buffer)
	}
	if overlapsRef(op.B, op.K*op.N, op.Out, outEnd) {
		return errors.Errorf("out overlaps input b in buffer %q", op.Out.Buffer)
	}
	return nil
}

func overlapsRef(in Ref, inSize int, out Ref, outEnd int) bool {
	if in.Buffer != out.Buffer || inSize == 0 || outEnd == out.Offset {
		return false
	}
	return in.Offset < outEnd && out.Offset < in.Offset+inSize
}

func (p *Program) grow(ref Ref, size int) {
	p.sizes[ref.Buffer] = max(p.sizes[ref.Buffer], ref.Offset+size)
}

// Name of the program.
func (p *Program) Name() string { return p.name }

// NumOps returns the number of operators.
func (p *Program) NumOps() int { return len(p.ops) }

// Sizes returns the minimum sizes of the buffers, in number of float32 values.
func (p *Program) Sizes() Sizes {
	sizes := make(Sizes, len(p.sizes))
	for kind, size := range p.sizes {
		sizes[kind] = size
	}
	return sizes
}

// Flops returns the number of floating point operations of one inference.
func (p *Program) Flops() (flops int64) {
	for _, op := range p.ops {
		flops += op.kernel.Flops()
	}
	return
}

// Kernels returns the operator names and their compiled kernels, in execution order.
func (p *Program) Kernels() (names []string, kernels []*gemm.Kernel) {
	for _, op := range p.ops {
		names = append(names, op.Name)
		kernels = append(kernels, op.kernel)
	}
	return
}

// Run executes all operators in order.
// The buffers must hold at least the number of values reported by Sizes.
func (p *Program) Run(weights, inputs, outputs []float32) error {
	buffers := map[BufferKind][]float32{Weights: weights, Inputs: inputs, Outputs: outputs}
	for kind, buf := range buffers {
		if len(buf) < p.sizes[kind] {
			return errors.Errorf("program %q: %s buffer has %d values, %d required", p.name, kind, len(buf), p.sizes[kind])
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	buffers[Scratch] = p.scratch
	view := func(ref Ref, size int) []float32 {
		return buffers[ref.Buffer][ref.Offset : ref.Offset+size]
	}
	for _, op := range p.ops {
		klog.V(2).Infof("program %q: running %s", p.name, op.kernel)
		err := op.kernel.Run(view(op.A, op.M*op.K), view(op.B, op.K*op.N), view(op.Out, op.M*op.N))
		if err != nil {
			return errors.WithMessagef(err, "program %q, operator %q", p.name, op.Name)
		}
	}
	return nil
}

// Call is like Run, but panics with an exception on error.
func (p *Program) Call(weights, inputs, outputs []float32) {
	if err := p.Run(weights, inputs, outputs); err != nil {
		exceptions.Panicf("%+v", err)
	}
}
