// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuner

import (
	"github.com/gomlx/tilegemm/pkg/gemm"
)

// SearchSpace lists the values to try for each tiling parameter.
// Candidates are the Cartesian product of all lists, filtered by validity.
type SearchSpace struct {
	NC, KC, MC, MR, NR, MV, NU []int
}

// DefaultSearchSpace returns the search space used to tune a square [n, n] x [n, n] product.
func DefaultSearchSpace(n int) SearchSpace {
	return SearchSpace{
		NC: []int{n},
		KC: []int{64, 128, 256, 512},
		MC: []int{64, 128, 256, 512},
		MR: []int{2, 4, 8, 16, 32},
		NR: []int{2, 4, 8, 16, 32},
		MV: []int{2, 4, 8, 16},
		NU: []int{2, 4, 8, 16},
	}
}

// Size returns the number of combinations in the search space, before filtering.
func (s SearchSpace) Size() int {
	return len(s.NC) * len(s.KC) * len(s.MC) * len(s.MR) * len(s.NR) * len(s.MV) * len(s.NU)
}

// Candidates returns the valid combinations of the search space for an [M, K] x [K, N] product:
// those that pass gemm.Params.Validate and whose KC is not larger than K.
func (s SearchSpace) Candidates(_, K, _ int) []gemm.Params {
	var candidates []gemm.Params
	for _, nc := range s.NC {
		for _, kc := range s.KC {
			if kc > K {
				continue
			}
			for _, mc := range s.MC {
				for _, mr := range s.MR {
					for _, nr := range s.NR {
						for _, mv := range s.MV {
							for _, nu := range s.NU {
								p := gemm.Params{NC: nc, KC: kc, MC: mc, MR: mr, NR: nr, MV: mv, NU: nu}
								if p.Validate() == nil {
									candidates = append(candidates, p)
								}
							}
						}
					}
				}
			}
		}
	}
	return candidates
}
