// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuner

import (
	"io"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/gomlx/tilegemm/pkg/gemm"
)

// Column names of the results table.
const (
	RunIDCol  = "run_id"
	TimeCol   = "time_ms"
	GFlopsCol = "gflops"
)

// ParamsCols are the columns holding the tiling parameters, in gemm.Params order.
var ParamsCols = []string{"nc", "kc", "mc", "mr", "nr", "mv", "nu"}

// Measurement is the timing of one tiling candidate.
type Measurement struct {
	Params gemm.Params

	// TimeMs is the mean time of one GEMM call, in milliseconds.
	TimeMs float64

	// GFlops is the throughput derived from TimeMs.
	GFlops float64
}

// Results of a tuning session, one row per candidate.
type Results struct {
	RunID string
	df    dataframe.DataFrame
}

// paramsFields returns pointers to the fields of p, in ParamsCols order.
func paramsFields(p *gemm.Params) []*int {
	return []*int{&p.NC, &p.KC, &p.MC, &p.MR, &p.NR, &p.MV, &p.NU}
}

func newResults(runID string, measurements []Measurement) *Results {
	cols := make([]series.Series, 0, len(ParamsCols)+3)
	cols = append(cols, series.New(slices.Repeat([]string{runID}, len(measurements)), series.String, RunIDCol))
	for colIdx, name := range ParamsCols {
		values := make([]int, len(measurements))
		for row := range measurements {
			values[row] = *paramsFields(&measurements[row].Params)[colIdx]
		}
		cols = append(cols, series.New(values, series.Int, name))
	}
	times := make([]float64, len(measurements))
	gflops := make([]float64, len(measurements))
	for row, m := range measurements {
		times[row] = m.TimeMs
		gflops[row] = m.GFlops
	}
	cols = append(cols,
		series.New(times, series.Float, TimeCol),
		series.New(gflops, series.Float, GFlopsCol))
	return &Results{RunID: runID, df: dataframe.New(cols...)}
}

// ReadResults reads results previously written with Results.WriteCSV.
func ReadResults(r io.Reader) (*Results, error) {
	types := map[string]series.Type{RunIDCol: series.String, TimeCol: series.Float, GFlopsCol: series.Float}
	for _, name := range ParamsCols {
		types[name] = series.Int
	}
	df := dataframe.ReadCSV(r, dataframe.WithTypes(types))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to read tuning results")
	}
	names := df.Names()
	for name := range types {
		if !slices.Contains(names, name) {
			return nil, errors.Errorf("tuning results are missing column %q", name)
		}
	}
	results := &Results{df: df}
	if df.Nrow() > 0 {
		results.RunID = df.Col(RunIDCol).Elem(0).String()
	}
	return results, nil
}

// Len returns the number of measured candidates.
func (r *Results) Len() int { return r.df.Nrow() }

// Sorted returns the results sorted by time, fastest first.
func (r *Results) Sorted() *Results {
	if r.df.Nrow() == 0 {
		return r
	}
	return &Results{RunID: r.RunID, df: r.df.Arrange(dataframe.Sort(TimeCol))}
}

// Measurements returns the rows of the results, in table order.
func (r *Results) Measurements() ([]Measurement, error) {
	numRows := r.df.Nrow()
	measurements := make([]Measurement, numRows)
	for colIdx, name := range ParamsCols {
		col := r.df.Col(name)
		for row := range numRows {
			v, err := col.Elem(row).Int()
			if err != nil {
				return nil, errors.Wrapf(err, "row %d, column %q", row, name)
			}
			*paramsFields(&measurements[row].Params)[colIdx] = v
		}
	}
	times, gflops := r.df.Col(TimeCol), r.df.Col(GFlopsCol)
	for row := range numRows {
		measurements[row].TimeMs = times.Elem(row).Float()
		measurements[row].GFlops = gflops.Elem(row).Float()
	}
	return measurements, nil
}

// Best returns the fastest candidate.
func (r *Results) Best() (Measurement, error) {
	if r.Len() == 0 {
		return Measurement{}, errors.New("no tuning results")
	}
	measurements, err := r.Sorted().Measurements()
	if err != nil {
		return Measurement{}, err
	}
	return measurements[0], nil
}

// WriteCSV writes the results table, with a header line.
func (r *Results) WriteCSV(w io.Writer) error {
	return errors.Wrap(r.df.WriteCSV(w), "failed to write tuning results")
}
