// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Params holds the tiling parameters of one GEMM instance.
//
// They are fixed for the lifetime of a Kernel, so within one call they are loop invariants.
type Params struct {
	NC int // Nc: columns of the packed B panel (L3 block width).
	KC int // Kc: contracting depth shared by both panels (L1 block depth).
	MC int // Mc: rows of the packed A block (L2 block height).

	MR int // Mr: rows of the micro-kernel register tile.
	NR int // Nr: columns of the micro-kernel register tile.

	MV int // Mv: rows of one unit update.
	NU int // Nu: columns of one unit update.
}

// DefaultParams are the tiling parameters used when none are given.
//
// Kc and Mc assume a 256KB-ish L2 cache, Nc is large enough that most inference shapes use
// a single B panel (see Params.ForShape).
var DefaultParams = Params{
	NC: 4096,
	KC: 256,
	MC: 256,
	MR: 4,
	NR: 8,
	MV: 4,
	NU: 4,
}

// Validate checks the divisibility constraints the blocking scheme relies on.
// An invalid Params is a configuration error: it must be rejected before any Kernel is built.
func (p Params) Validate() error {
	for _, field := range p.fields() {
		if *field.value <= 0 {
			return errors.Errorf("invalid tiling %s: %s must be > 0, got %d", p, field.name, *field.value)
		}
	}
	if p.MR%p.MV != 0 {
		return errors.Errorf("invalid tiling %s: mr=%d must be a multiple of mv=%d", p, p.MR, p.MV)
	}
	if p.NR%p.NU != 0 {
		return errors.Errorf("invalid tiling %s: nr=%d must be a multiple of nu=%d", p, p.NR, p.NU)
	}
	if p.MC%p.MR != 0 {
		return errors.Errorf("invalid tiling %s: mc=%d must be a multiple of mr=%d", p, p.MC, p.MR)
	}
	if p.NC%p.NR != 0 {
		return errors.Errorf("invalid tiling %s: nc=%d must be a multiple of nr=%d", p, p.NC, p.NR)
	}
	return nil
}

// String implements fmt.Stringer, in the same format accepted by ParseParams.
func (p Params) String() string {
	parts := make([]string, 0, 7)
	for _, field := range p.fields() {
		parts = append(parts, fmt.Sprintf("%s=%d", field.name, *field.value))
	}
	return strings.Join(parts, ",")
}

type paramField struct {
	name  string
	value *int
}

// fields lists the parameters in their canonical order.
func (p *Params) fields() []paramField {
	return []paramField{
		{"nc", &p.NC}, {"kc", &p.KC}, {"mc", &p.MC},
		{"mr", &p.MR}, {"nr", &p.NR},
		{"mv", &p.MV}, {"nu", &p.NU},
	}
}

// ParseParams parses a comma-separated list of key=value pairs, e.g. "kc=128,mr=8,nr=8",
// overriding the corresponding values of DefaultParams.
//
// An empty string returns DefaultParams. The result is validated.
func ParseParams(s string) (Params, error) {
	p := DefaultParams
	s = strings.TrimSpace(s)
	if s == "" {
		return p, nil
	}
	fields := p.fields()
	for _, part := range strings.Split(s, ",") {
		key, valueStr, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return Params{}, errors.Errorf("invalid tiling %q: %q is not in the key=value format", s, part)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		idx := -1
		for ii, field := range fields {
			if field.name == key {
				idx = ii
				break
			}
		}
		if idx < 0 {
			return Params{}, errors.Errorf("invalid tiling %q: unknown parameter %q (valid: nc, kc, mc, mr, nr, mv, nu)", s, key)
		}
		value, err := strconv.Atoi(strings.TrimSpace(valueStr))
		if err != nil {
			return Params{}, errors.Wrapf(err, "invalid tiling %q: value for %q", s, key)
		}
		*fields[idx].value = value
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// ForShape adapts the parameters to a [M, K] x [K, N] product: Nc is clamped to the next
// power of 2 of N (rounded up to a multiple of Nr), so that narrow matrices don't pay for
// packing and allocating a B panel much wider than B itself.
//
// M and K don't affect the choice for now. If p is valid, so is the returned value.
func (p Params) ForShape(M, K, N int) Params {
	if N <= 0 || p.NR <= 0 {
		return p
	}
	nc := nextPow2(N)
	nc = (nc + p.NR - 1) / p.NR * p.NR
	p.NC = min(p.NC, nc)
	return p
}

// nextPow2 returns the smallest power of 2 >= n, for n > 0.
func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
