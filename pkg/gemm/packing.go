// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

// The packed A block is a [mc/mr, kc, mr] tensor: mc/mr strips, each holding kc columns of mr
// contiguous rows. E.g. for mr=2, kc=4, mc=4 the packed positions of the source indices are:
//
//	| 0 | 2 | 4 | 6 |   strip 0
//	| 1 | 3 | 5 | 7 |
//	| 8 | 10| 12| 14|   strip 1
//	| 9 | 11| 13| 15|
//
// The packed B panel is the mirror image, a [nc/nr, kc, nr] tensor: nc/nr strips, each holding
// kc rows of nr contiguous columns.
//
// Strips are always laid out with the nominal kc and tile sizes, so the micro-kernel reads a
// padded panel exactly like a conforming one.

// packA packs an [mc, kc] block of A, starting at src[srcOffset], into dst.
//
// Conforming path: mc must be a multiple of mr and the whole block must be valid, there are
// no bounds checks and no zero-padding.
func packA(src []float32, srcOffset, strideRow, strideCol int, dst []float32, kc, mc, mr int) {
	_ = dst[mc*kc-1]
	dstIdx := 0
	srcIdx := srcOffset
	for stripRowIdx := 0; stripRowIdx < mc; stripRowIdx += mr {
		packAStrip(src, srcIdx, strideRow, strideCol, dst[dstIdx:], kc, mr, mr)
		dstIdx += mr * kc
		srcIdx += mr * strideRow
	}
}

// packAEdge packs the valid [activeMC, activeKC] part of an [mc, kc] block of A, zero-padding
// the rest of the panel. The last strip holds activeMC % mr valid rows.
func packAEdge(src []float32, srcOffset, strideRow, strideCol int, dst []float32, kc, mc, mr, activeKC, activeMC int) {
	clear(dst[:mc*kc])
	dstIdx := 0
	srcIdx := srcOffset
	numFullStrips := activeMC / mr
	for range numFullStrips {
		packAStrip(src, srcIdx, strideRow, strideCol, dst[dstIdx:], activeKC, mr, mr)
		dstIdx += mr * kc
		srcIdx += mr * strideRow
	}
	if lastRows := activeMC % mr; lastRows != 0 {
		packAStrip(src, srcIdx, strideRow, strideCol, dst[dstIdx:], activeKC, lastRows, mr)
	}
}

// packAStrip copies numCols columns of numRows rows each, into a strip with kernelRows
// positions per column. Positions numRows..kernelRows-1 are left untouched.
func packAStrip(src []float32, srcIdx, strideRow, strideCol int, dst []float32, numCols, numRows, kernelRows int) {
	dstIdx := 0
	for range numCols {
		column := dst[dstIdx : dstIdx+numRows]
		rowIdx := srcIdx
		for row := range column {
			column[row] = src[rowIdx]
			rowIdx += strideRow
		}
		dstIdx += kernelRows
		srcIdx += strideCol
	}
}

// packB packs a [kc, nc] panel of B, starting at src[srcOffset], into dst.
//
// Conforming path: nc must be a multiple of nr and the whole panel must be valid, there are
// no bounds checks and no zero-padding.
func packB(src []float32, srcOffset, strideRow, strideCol int, dst []float32, kc, nc, nr int) {
	_ = dst[nc*kc-1]
	dstIdx := 0
	srcIdx := srcOffset
	for stripColIdx := 0; stripColIdx < nc; stripColIdx += nr {
		packBStrip(src, srcIdx, strideRow, strideCol, dst[dstIdx:], kc, nr, nr)
		dstIdx += nr * kc
		srcIdx += nr * strideCol
	}
}

// packBEdge packs the valid [activeKC, activeNC] part of a [kc, nc] panel of B, zero-padding
// the rest of the panel. The last strip holds activeNC % nr valid columns.
func packBEdge(src []float32, srcOffset, strideRow, strideCol int, dst []float32, kc, nc, nr, activeKC, activeNC int) {
	clear(dst[:nc*kc])
	dstIdx := 0
	srcIdx := srcOffset
	numFullStrips := activeNC / nr
	for range numFullStrips {
		packBStrip(src, srcIdx, strideRow, strideCol, dst[dstIdx:], activeKC, nr, nr)
		dstIdx += nr * kc
		srcIdx += nr * strideCol
	}
	if lastCols := activeNC % nr; lastCols != 0 {
		packBStrip(src, srcIdx, strideRow, strideCol, dst[dstIdx:], activeKC, lastCols, nr)
	}
}

// packBStrip copies numRows rows of numCols columns each, into a strip with kernelCols
// positions per row. Positions numCols..kernelCols-1 are left untouched.
func packBStrip(src []float32, srcIdx, strideRow, strideCol int, dst []float32, numRows, numCols, kernelCols int) {
	dstIdx := 0
	if strideCol == 1 {
		// Rows of B are contiguous in row-major matrices.
		for range numRows {
			copy(dst[dstIdx:dstIdx+numCols], src[srcIdx:srcIdx+numCols])
			dstIdx += kernelCols
			srcIdx += strideRow
		}
		return
	}
	for range numRows {
		row := dst[dstIdx : dstIdx+numCols]
		colIdx := srcIdx
		for col := range row {
			row[col] = src[colIdx]
			colIdx += strideCol
		}
		dstIdx += kernelCols
		srcIdx += strideRow
	}
}
