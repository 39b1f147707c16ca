// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build unix

package service

import (
	"os"
	"path/filepath"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// shmDir is where POSIX shared-memory objects live. It is a variable for tests.
var shmDir = "/dev/shm"

// Default names of the shared-memory objects created by clients.
const (
	InputsName  = "onnx2code-inputs"
	OutputsName = "onnx2code-outputs"
)

// Region is a shared-memory object mapped read-write into the process.
type Region struct {
	name string
	data []byte
}

// MapShared maps the existing shared-memory object name (as created by shm_open) into memory.
// Its size is taken from the object itself, and it must be a non-zero multiple of 4 bytes.
func MapShared(name string) (*Region, error) {
	path := filepath.Join(shmDir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open shared memory %q", name)
	}
	defer func() { _ = f.Close() }()

	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return nil, errors.Wrapf(err, "failed to stat shared memory %q", name)
	}
	size := int(stat.Size)
	if size == 0 {
		return nil, errors.Errorf("shared memory %q is empty, it must be sized by its creator", name)
	}
	if size%4 != 0 {
		return nil, errors.Errorf("shared memory %q has %d bytes, not a multiple of float32 size", name, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap shared memory %q", name)
	}
	klog.V(1).Infof("mapped shared memory %q: %s", name, humanize.IBytes(uint64(size)))
	return &Region{name: name, data: data}, nil
}

// Name of the shared-memory object.
func (r *Region) Name() string { return r.name }

// Floats returns the region viewed as float32 values. The slice is only valid until Close.
func (r *Region) Floats() []float32 {
	if len(r.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(r.data))), len(r.data)/4)
}

// Close unmaps the region. It is a no-op if already closed.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return errors.Wrapf(err, "failed to unmap shared memory %q", r.name)
}

func isSyncUnsupported(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP)
}
