// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

// writeBack adds a full [mr, nr] accumulator tile into out, at outOffset, with out's row
// stride outStride.
func writeBack(accum, out []float32, outOffset, outStride, mr, nr int) {
	accumIdx := 0
	for range mr {
		outRow := out[outOffset : outOffset+nr]
		accumRow := accum[accumIdx : accumIdx+nr]
		for col, value := range accumRow {
			outRow[col] += value
		}
		accumIdx += nr
		outOffset += outStride
	}
}

// writeBackEdge adds only the valid [activeMR, activeNR] corner of a [mr, nr] accumulator
// tile into out. It never touches positions of out beyond the valid rows and columns.
func writeBackEdge(accum, out []float32, outOffset, outStride, nr, activeMR, activeNR int) {
	accumIdx := 0
	for range activeMR {
		outRow := out[outOffset : outOffset+activeNR]
		accumRow := accum[accumIdx : accumIdx+activeNR]
		for col, value := range accumRow {
			outRow[col] += value
		}
		accumIdx += nr
		outOffset += outStride
	}
}
