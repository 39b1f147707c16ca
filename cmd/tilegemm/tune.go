// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tilegemm/pkg/support/xslices"
	"github.com/gomlx/tilegemm/pkg/tuner"
)

func setupTune(fs *flag.FlagSet) func(ctx context.Context, args []string) error {
	shape := xslices.FlagSet(fs, "shape", []int{512, 512, 512}, "Shape M,K,N of the product [M, K] x [K, N] to tune.", strconv.Atoi)
	searchLists := map[string]*[]int{}
	for _, name := range tuner.ParamsCols {
		searchLists[name] = xslices.FlagSet(fs, name, nil,
			fmt.Sprintf("Comma-separated values of %s to try. Defaults to the standard search space.", name), strconv.Atoi)
	}
	runs := fs.Int("runs", 3, "Number of timed runs per candidate.")
	seed := fs.Uint64("seed", 42, "Random seed for the operands.")
	outPath := fs.String("out", "results.csv", "CSV file where to write the results. Leave empty to skip.")
	show := fs.String("show", "", "Instead of tuning, display the results of a previous session from this CSV file.")
	top := fs.Int("top", 10, "Number of fastest candidates to display.")

	return func(ctx context.Context, _ []string) error {
		if *show != "" {
			f, err := os.Open(*show)
			if err != nil {
				return errors.Wrap(err, "failed to open results")
			}
			defer func() { _ = f.Close() }()
			results, err := tuner.ReadResults(f)
			if err != nil {
				return err
			}
			return reportTune(results, *top)
		}

		if len(*shape) != 3 {
			return errors.Errorf("-shape requires 3 values (M,K,N), got %v", *shape)
		}
		M, K, N := (*shape)[0], (*shape)[1], (*shape)[2]
		space := tuner.DefaultSearchSpace(N)
		for name, field := range map[string]*[]int{
			"nc": &space.NC, "kc": &space.KC, "mc": &space.MC, "mr": &space.MR,
			"nr": &space.NR, "mv": &space.MV, "nu": &space.NU,
		} {
			if values := *searchLists[name]; len(values) > 0 {
				*field = values
			}
		}
		candidates := space.Candidates(M, K, N)
		klog.Infof("Tuning [%s, %s] x [%s, %s]: %s valid candidates out of %s", humanize.Comma(int64(M)),
			humanize.Comma(int64(K)), humanize.Comma(int64(K)), humanize.Comma(int64(N)),
			humanize.Comma(int64(len(candidates))), humanize.Comma(int64(space.Size())))

		results, tuneErr := tuner.Tune(ctx, M, K, N, candidates, tuner.Options{Runs: *runs, Seed: *seed, Progress: os.Stderr})
		if results == nil {
			return tuneErr
		}
		// Partial results (e.g. interrupted sessions) are still saved.
		if *outPath != "" && results.Len() > 0 {
			if err := writeResults(*outPath, results); err != nil {
				return err
			}
		}
		if results.Len() > 0 {
			if err := reportTune(results, *top); err != nil {
				return err
			}
		}
		return tuneErr
	}
}

func writeResults(path string, results *tuner.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create results file")
	}
	if err := results.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	klog.Infof("Results of run %s written to %q", results.RunID, path)
	return nil
}

func reportTune(results *tuner.Results, top int) error {
	measurements, err := results.Sorted().Measurements()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Fastest tiling parameters (run %s)", results.RunID)))
	table := newTable([]string{"#", "Tiling", "Time", "GFlops"},
		lipgloss.Right, lipgloss.Left, lipgloss.Right)
	for i, m := range measurements[:max(0, min(top, len(measurements)))] {
		table.Row(false, strconv.Itoa(i+1), m.Params.String(),
			fmt.Sprintf("%.3f ms", m.TimeMs), humanize.FtoaWithDigits(m.GFlops, 2))
	}
	fmt.Println(table.Render())
	return nil
}
