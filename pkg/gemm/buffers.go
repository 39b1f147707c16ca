// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import "sync"

// BufAllocFn is a function that allocates a scratch buffer of at least the given size.
// The returned ref is handed back to the matching BufReleaseFn.
type BufAllocFn func(size int) (ref any, data []float32)

// BufReleaseFn is a function that releases a buffer allocated with BufAllocFn.
type BufReleaseFn func(ref any)

// freshBufAllocFn allocates a new zeroed buffer on every call.
func freshBufAllocFn(size int) (ref any, data []float32) {
	data = make([]float32, size)
	return nil, data
}

// discardBufReleaseFn leaves the buffer to the garbage collector.
func discardBufReleaseFn(any) {}

// BufferPool recycles scratch buffers by size. It is safe for concurrent use: a buffer is
// handed to only one caller at a time.
//
// Recycled buffers are not cleared, the kernel always overwrites (or explicitly zeroes)
// its scratch before reading it.
type BufferPool struct {
	mu     sync.Mutex
	bySize map[int][][]float32
}

// NewBufferPool returns an empty BufferPool.
func NewBufferPool() *BufferPool {
	return &BufferPool{bySize: make(map[int][][]float32)}
}

// Alloc implements BufAllocFn.
func (p *BufferPool) Alloc(size int) (ref any, data []float32) {
	p.mu.Lock()
	free := p.bySize[size]
	if n := len(free); n > 0 {
		data = free[n-1]
		p.bySize[size] = free[:n-1]
	}
	p.mu.Unlock()
	if data == nil {
		data = make([]float32, size)
	}
	return data, data
}

// Release implements BufReleaseFn.
func (p *BufferPool) Release(ref any) {
	data, ok := ref.([]float32)
	if !ok || data == nil {
		return
	}
	p.mu.Lock()
	p.bySize[len(data)] = append(p.bySize[len(data)], data)
	p.mu.Unlock()
}
