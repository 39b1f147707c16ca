// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package, for the flat
// float32 buffers used by the GEMM kernels and their tools.
package xslices

import (
	"flag"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Iota returns a slice of incremental values, starting with start and of length len.
// Eg: Iota(3.0, 2) -> []float64{3.0, 4.0}
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// MaxAbsDiff returns the largest absolute difference between corresponding elements of s0
// and s1, and the index where it happens. It returns an index of -1 if the slices are empty.
//
// NaNs are reported as an infinite difference.
func MaxAbsDiff[T constraints.Float](s0, s1 []T) (maxDiff float64, idx int) {
	if len(s0) != len(s1) {
		return math.Inf(1), min(len(s0), len(s1))
	}
	idx = -1
	for ii := range s0 {
		diff := math.Abs(float64(s0[ii]) - float64(s1[ii]))
		if math.IsNaN(diff) {
			return math.Inf(1), ii
		}
		if idx < 0 || diff > maxDiff {
			maxDiff, idx = diff, ii
		}
	}
	return
}

// InDelta returns an error describing the first largest difference if any element of got
// differs from want by more than delta, or if their lengths differ.
func InDelta[T constraints.Float](got, want []T, delta float64) error {
	if len(got) != len(want) {
		return errors.Errorf("got %d values, wanted %d", len(got), len(want))
	}
	maxDiff, idx := MaxAbsDiff(got, want)
	if maxDiff > delta {
		return errors.Errorf("element #%d: got %g, wanted %g (|diff|=%g > delta=%g)",
			idx, got[idx], want[idx], maxDiff, delta)
	}
	return nil
}

// FlagSet defines a flag for []T in flagSet, with the given name, description and default value.
// The flag takes comma-separated values, each converted with parserFn.
func FlagSet[T any](flagSet *flag.FlagSet, name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &genericSliceFlagImpl[T]{
		parsedSlice: defaultValue,
		parserFn:    parserFn,
	}
	flagSet.Var(f, name, usage)
	return &f.parsedSlice
}

// genericSliceFlagImpl implements flag.Value for a generic type.
type genericSliceFlagImpl[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
}

func (f *genericSliceFlagImpl[T]) String() string {
	if f == nil || len(f.parsedSlice) == 0 {
		return ""
	}
	parts := make([]string, len(f.parsedSlice))
	for ii, elem := range f.parsedSlice {
		parts[ii] = fmt.Sprintf("%v", elem)
	}
	return strings.Join(parts, ",")
}

func (f *genericSliceFlagImpl[T]) Set(listStr string) error {
	if listStr == "" {
		f.parsedSlice = make([]T, 0)
		return nil
	}
	parts := strings.Split(listStr, ",")
	f.parsedSlice = make([]T, len(parts))
	var err error
	for ii, part := range parts {
		f.parsedSlice[ii], err = f.parserFn(strings.TrimSpace(part))
		if err != nil {
			return err
		}
	}
	return nil
}
