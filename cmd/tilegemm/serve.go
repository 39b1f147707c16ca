// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tilegemm/pkg/program"
	"github.com/gomlx/tilegemm/pkg/rawio"
	"github.com/gomlx/tilegemm/pkg/service"
)

func setupServe(fs *flag.FlagSet) func(ctx context.Context, args []string) error {
	pf := newProgramFlags(fs)
	weightsPath := fs.String("weights", "", "Raw file with the weights.")
	dtypeName := fs.String("dtype", "float32", "Data type of the weights file: float32 or float16.")
	shmInputs := fs.String("shm_inputs", service.InputsName, "Name of the shared-memory object with the inputs.")
	shmOutputs := fs.String("shm_outputs", service.OutputsName, "Name of the shared-memory object for the outputs.")

	return func(ctx context.Context, _ []string) error {
		// MapShared only uses the base name: both flags could refer to the same object.
		if filepath.Base(*shmInputs) == filepath.Base(*shmOutputs) {
			return errors.Errorf("-shm_inputs and -shm_outputs must be different shared-memory objects, both are %q",
				filepath.Base(*shmInputs))
		}
		dtype, err := rawio.ParseDType(*dtypeName)
		if err != nil {
			return err
		}
		prog, err := pf.compile()
		if err != nil {
			return err
		}
		sizes := prog.Sizes()
		weights, err := loadBuffer(program.Weights, *weightsPath, dtype, sizes[program.Weights])
		if err != nil {
			return err
		}

		inputsRegion, err := service.MapShared(*shmInputs)
		if err != nil {
			return err
		}
		defer func() { _ = inputsRegion.Close() }()
		outputsRegion, err := service.MapShared(*shmOutputs)
		if err != nil {
			return err
		}
		defer func() { _ = outputsRegion.Close() }()
		inputs, outputs := inputsRegion.Floats(), outputsRegion.Floats()
		if len(inputs) < sizes[program.Inputs] {
			return errors.Errorf("shared memory %q has %d values, program requires %d inputs", *shmInputs, len(inputs), sizes[program.Inputs])
		}
		if len(outputs) < sizes[program.Outputs] {
			return errors.Errorf("shared memory %q has %d values, program requires %d outputs", *shmOutputs, len(outputs), sizes[program.Outputs])
		}

		klog.Infof("Serving %q: waiting for requests on stdin", prog.Name())
		return service.Serve(ctx, os.Stdin, os.Stdout, func() error {
			return prog.Run(weights, inputs, outputs)
		})
	}
}
