// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tilegemm/pkg/gemm"
	"github.com/gomlx/tilegemm/pkg/program"
	"github.com/gomlx/tilegemm/pkg/rawio"
)

// programFlags are the flags shared by the commands that compile a program.
type programFlags struct {
	path, tiling *string
}

func newProgramFlags(fs *flag.FlagSet) programFlags {
	return programFlags{
		path: fs.String("program", "", "YAML program description (required)."),
		tiling: fs.String("tiling", "", "Default tiling parameters (e.g.: \"kc=128,mr=8\") for operators "+
			"that don't set their own."),
	}
}

func (pf programFlags) compile() (*program.Program, error) {
	if *pf.path == "" {
		return nil, errors.New("-program is required")
	}
	defaults, err := gemm.ParseParams(*pf.tiling)
	if err != nil {
		return nil, err
	}
	desc, err := program.LoadFile(*pf.path)
	if err != nil {
		return nil, err
	}
	return program.Compile(desc, defaults)
}

// loadBuffer reads the raw file in path, requiring at least size values. An empty path gives
// a zero buffer, valid only if size is 0.
func loadBuffer(kind program.BufferKind, path string, dtype rawio.DType, size int) ([]float32, error) {
	if path == "" {
		if size > 0 {
			return nil, errors.Errorf("program requires %s (%d values), but no file was given", kind, size)
		}
		return nil, nil
	}
	values, err := rawio.LoadFile(path, dtype)
	if err != nil {
		return nil, err
	}
	if len(values) < size {
		return nil, errors.Errorf("%s file %q has %d values, program requires %d", kind, path, len(values), size)
	}
	return values, nil
}

func setupRun(fs *flag.FlagSet) func(ctx context.Context, args []string) error {
	pf := newProgramFlags(fs)
	weightsPath := fs.String("weights", "", "Raw file with the weights.")
	inputsPath := fs.String("inputs", "", "Raw file with the inputs.")
	outputsPath := fs.String("outputs", "", "Raw float32 file where to write the outputs. Leave empty to skip.")
	dtypeName := fs.String("dtype", "float32", "Data type of the weights and inputs files: float32 or float16.")
	repeat := fs.Int("repeat", 1, "Number of times to run the program, for timing.")

	return func(ctx context.Context, _ []string) error {
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
		inputs, err := loadBuffer(program.Inputs, *inputsPath, dtype, sizes[program.Inputs])
		if err != nil {
			return err
		}
		outputs := make([]float32, sizes[program.Outputs])

		start := time.Now()
		var numRuns int
		for numRuns < max(*repeat, 1) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := prog.Run(weights, inputs, outputs); err != nil {
				return err
			}
			numRuns++
		}
		elapsed := time.Since(start)
		perRun := elapsed / time.Duration(numRuns)
		fmt.Printf("%s: %d operators, %s flops per run, %s per run (%d runs)\n", prog.Name(), prog.NumOps(),
			humanize.SIWithDigits(float64(prog.Flops()), 1, ""), perRun, numRuns)

		if *outputsPath != "" {
			if err := rawio.WriteFile(*outputsPath, outputs); err != nil {
				return err
			}
			klog.V(1).Infof("Outputs written to %q", *outputsPath)
		}
		return nil
	}
}
