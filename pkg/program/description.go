// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package program

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BufferKind identifies one of the flat buffers an operator reads from or writes to.
type BufferKind string

const (
	Weights BufferKind = "weights"
	Inputs  BufferKind = "inputs"
	Outputs BufferKind = "outputs"
	// Scratch holds intermediate results, it is owned by the Program.
	Scratch BufferKind = "scratch"
)

// BufferKinds lists all valid buffer kinds.
var BufferKinds = []BufferKind{Weights, Inputs, Outputs, Scratch}

// Ref points to the start of a matrix within one of the buffers.
type Ref struct {
	Buffer BufferKind `yaml:"buffer"`
	Offset int        `yaml:"offset"`
}

// Op describes one matrix multiplication operator: Out[M, N] = A[M, K] x B[K, N].
type Op struct {
	Name string `yaml:"name"`
	M    int    `yaml:"m"`
	K    int    `yaml:"k"`
	N    int    `yaml:"n"`
	A    Ref    `yaml:"a"`
	B    Ref    `yaml:"b"`
	Out  Ref    `yaml:"out"`

	// Tiling overrides the default tiling parameters of the operator, in the format
	// accepted by gemm.ParseParams. Optional.
	Tiling string `yaml:"tiling,omitempty"`
}

// Description is the list of operators of a model, in execution order, as produced by the
// graph translator.
type Description struct {
	Name string `yaml:"name"`
	Ops  []Op   `yaml:"ops"`
}

// Parse parses a YAML program description.
//
// Example:
//
//	name: mlp
//	ops:
//	  - name: dense_0
//	    m: 1
//	    k: 512
//	    n: 256
//	    a: {buffer: inputs, offset: 0}
//	    b: {buffer: weights, offset: 0}
//	    out: {buffer: scratch, offset: 0}
//	  - name: dense_1
//	    m: 1
//	    k: 256
//	    n: 10
//	    a: {buffer: scratch, offset: 0}
//	    b: {buffer: weights, offset: 131072}
//	    out: {buffer: outputs, offset: 0}
//	    tiling: "kc=128,mr=4,nr=4"
func Parse(data []byte) (*Description, error) {
	desc := &Description{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(desc); err != nil {
		return nil, errors.Wrap(err, "failed to parse program description")
	}
	return desc, nil
}

// LoadFile reads and parses the YAML program description in path.
func LoadFile(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read program description")
	}
	desc, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	return desc, nil
}

// Marshal serializes the description back to YAML.
func (desc *Description) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize program description")
	}
	return data, nil
}
