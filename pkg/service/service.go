// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package service runs a compiled program as a long-lived process: a client writes the inputs
// to a shared-memory region, sends a one-byte signal over the process input, and waits for the
// same byte to be echoed back once the outputs region is ready.
package service

import (
	"context"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferFn runs one inference over the (already mapped) inputs and outputs.
type InferFn func() error

// syncer is implemented by *os.File.
type syncer interface {
	Sync() error
}

// Serve reads one-byte signals from in, and for each one runs infer and writes the same byte
// back to out, syncing it if possible.
//
// It returns nil when in reaches EOF, ctx.Err() if the context is cancelled (checked between
// requests) and an error if reading, writing or infer fail. Panics in infer are reported as errors.
func Serve(ctx context.Context, in io.Reader, out io.Writer, infer InferFn) error {
	signal := make([]byte, 1)
	var numRequests int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(in, signal); err != nil {
			if errors.Is(err, io.EOF) {
				klog.V(1).Infof("service: input closed after %d requests", numRequests)
				return nil
			}
			return errors.Wrap(err, "service: failed to read request signal")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		klog.V(2).Infof("service: request #%d (signal %d)", numRequests, signal[0])
		if err := runInfer(infer); err != nil {
			return errors.WithMessagef(err, "service: request #%d", numRequests)
		}
		if _, err := out.Write(signal); err != nil {
			return errors.Wrap(err, "service: failed to write ready signal")
		}
		if s, ok := out.(syncer); ok {
			// Pipes and terminals don't support fsync, only report real failures.
			if err := s.Sync(); err != nil && !isSyncUnsupported(err) {
				return errors.Wrap(err, "service: failed to sync ready signal")
			}
		}
		numRequests++
	}
}

// runInfer calls infer, converting panics (e.g. a kernel contract violation) to errors.
func runInfer(infer InferFn) (err error) {
	exception := exceptions.Try(func() {
		err = infer()
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessage(e, "inference panicked")
		}
		return errors.Errorf("inference panicked: %v", exception)
	}
	return err
}
