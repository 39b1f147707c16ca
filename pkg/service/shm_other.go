// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !unix

package service

import "github.com/pkg/errors"

const (
	InputsName  = "onnx2code-inputs"
	OutputsName = "onnx2code-outputs"
)

// Region is not supported on this platform.
type Region struct{}

// MapShared is only supported on unix platforms.
func MapShared(name string) (*Region, error) {
	return nil, errors.Errorf("shared memory %q: not supported on this platform", name)
}

func (r *Region) Name() string { return "" }

func (r *Region) Floats() []float32 { return nil }

func (r *Region) Close() error { return nil }

func isSyncUnsupported(_ error) bool { return false }
