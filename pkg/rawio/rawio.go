// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rawio reads and writes the raw buffers consumed by compiled programs: headerless,
// little-endian IEEE-754 values, in the row-major order of the matrices they hold.
//
// Buffers stored in half precision are widened to float32 when loaded, since the kernels
// only compute in float32.
package rawio

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// DType is the storage type of a raw buffer.
type DType int

const (
	Float32 DType = iota
	Float16
)

// Size returns the number of bytes of one element.
func (dtype DType) Size() int {
	if dtype == Float16 {
		return 2
	}
	return 4
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	}
	return "invalid"
}

// ParseDType parses "float32"/"f32" or "float16"/"f16"/"half".
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "f32":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	}
	return Float32, errors.Errorf("unknown raw buffer dtype %q, valid values are float32 and float16", s)
}

// Decode converts raw bytes stored as dtype to float32 values.
// The length of data must be a multiple of dtype.Size().
func Decode(data []byte, dtype DType) ([]float32, error) {
	elementSize := dtype.Size()
	if len(data)%elementSize != 0 {
		return nil, errors.Errorf("raw %s buffer has %d bytes, not a multiple of %d", dtype, len(data), elementSize)
	}
	values := make([]float32, len(data)/elementSize)
	switch dtype {
	case Float32:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[ii*4:]))
		}
	case Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(data[ii*2:])).Float32()
		}
	default:
		return nil, errors.Errorf("invalid dtype %d", dtype)
	}
	return values, nil
}

// Encode converts values to raw little-endian float32 bytes.
func Encode(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, value := range values {
		binary.LittleEndian.PutUint32(data[ii*4:], math.Float32bits(value))
	}
	return data
}

// EncodeFloat16 converts values to raw little-endian float16 bytes, rounding to the nearest
// representable half-precision value.
func EncodeFloat16(values []float32) []byte {
	data := make([]byte, 2*len(values))
	for ii, value := range values {
		binary.LittleEndian.PutUint16(data[ii*2:], float16.Fromfloat32(value).Bits())
	}
	return data
}

// Read reads r until EOF and decodes its contents.
func Read(r io.Reader, dtype DType) ([]float32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading raw %s buffer", dtype)
	}
	return Decode(data, dtype)
}

// LoadFile reads and decodes the raw buffer stored in path.
func LoadFile(path string, dtype DType) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load raw buffer")
	}
	values, err := Decode(data, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	klog.V(1).Infof("loaded %s values (%s) from %q", humanize.Comma(int64(len(values))), humanize.Bytes(uint64(len(data))), path)
	return values, nil
}

// WriteFile writes values to path as a raw float32 buffer.
func WriteFile(path string, values []float32) error {
	data := Encode(values)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write raw buffer to %q", path)
	}
	klog.V(1).Infof("wrote %s values (%s) to %q", humanize.Comma(int64(len(values))), humanize.Bytes(uint64(len(data))), path)
	return nil
}
