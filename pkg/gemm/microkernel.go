// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

// unitUpdate accumulates the [mv, nu] outer product of a and b into c:
//
//	c[i*cStrideRow + j*cStrideCol] += a[i] * b[j]
//
// The strides allow both row-major (cStrideRow=nr, cStrideCol=1) and transposed
// (cStrideRow=1, cStrideCol=mr) accumulators.
func unitUpdate(a, b, c []float32, mv, nu, cStrideRow, cStrideCol int) {
	a = a[:mv]
	b = b[:nu]
	for i, aValue := range a {
		cIdx := i * cStrideRow
		for _, bValue := range b {
			c[cIdx] += aValue * bValue
			cIdx += cStrideCol
		}
	}
}

// microKernel accumulates the [mr, kc] x [kc, nr] product of one A strip and one B strip
// into the row-major [mr, nr] accum, which must be zeroed by the caller for a fresh tile.
//
//   - packedA: kc columns of mr contiguous rows (see packA).
//   - packedB: kc rows of nr contiguous columns (see packB).
//   - mv, nu: size of the unit update; mr and nr must be multiples of them.
func microKernel(kc int, packedA, packedB, accum []float32, mr, nr, mv, nu int) {
	if kc <= 0 {
		return
	}
	// BCE hints
	_ = packedA[kc*mr-1]
	_ = packedB[kc*nr-1]
	_ = accum[mr*nr-1]

	idxA, idxB := 0, 0
	for range kc {
		// One rank-1 update: column of A times row of B.
		colA := packedA[idxA : idxA+mr]
		rowB := packedB[idxB : idxB+nr]
		for j := 0; j < nr; j += nu {
			for i := 0; i < mr; i += mv {
				unitUpdate(colA[i:], rowB[j:], accum[i*nr+j:], mv, nu, nr, 1)
			}
		}
		idxA += mr
		idxB += nr
	}
}
