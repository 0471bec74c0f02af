// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trace exports the per-step trace of a guided generation (centroid, loss and noise scale) as CSV
// and as a plot.
package trace

import (
	"io"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/attnguide/pkg/diffusion"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Column names of the trace CSV.
const (
	ColStep     = "step"
	ColTimestep = "timestep"
	ColX        = "x"
	ColY        = "y"
	ColLoss     = "loss"
	ColSigma    = "sigma"
)

// Columns in the order they are written.
var Columns = []string{ColStep, ColTimestep, ColX, ColY, ColLoss, ColSigma}

// DataFrame with one row per step.
func DataFrame(trace []diffusion.Trace) dataframe.DataFrame {
	steps := make([]int, len(trace))
	timesteps := make([]int, len(trace))
	xs := make([]float64, len(trace))
	ys := make([]float64, len(trace))
	losses := make([]float64, len(trace))
	sigmas := make([]float64, len(trace))
	for ii, tr := range trace {
		steps[ii], timesteps[ii] = tr.Step, tr.Timestep
		xs[ii], ys[ii], losses[ii], sigmas[ii] = tr.X, tr.Y, tr.Loss, tr.Sigma
	}
	return dataframe.New(
		series.New(steps, series.Int, ColStep),
		series.New(timesteps, series.Int, ColTimestep),
		series.New(xs, series.Float, ColX),
		series.New(ys, series.Float, ColY),
		series.New(losses, series.Float, ColLoss),
		series.New(sigmas, series.Float, ColSigma),
	)
}

// WriteCSV writes the trace as CSV, with a header.
func WriteCSV(trace []diffusion.Trace, w io.Writer) error {
	df := DataFrame(trace)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building trace data frame")
	}
	return errors.Wrap(df.WriteCSV(w), "writing trace CSV")
}

// SaveCSV writes the trace as CSV to path.
func SaveCSV(trace []diffusion.Trace, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating trace file %q", path)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing trace file %q", path)
		}
	}()
	return WriteCSV(trace, f)
}

// ReadCSV reads a trace written by WriteCSV.
func ReadCSV(r io.Reader) ([]diffusion.Trace, error) {
	df := dataframe.ReadCSV(r, dataframe.WithTypes(map[string]series.Type{
		ColStep: series.Int, ColTimestep: series.Int,
		ColX: series.Float, ColY: series.Float, ColLoss: series.Float, ColSigma: series.Float,
	}))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "reading trace CSV")
	}
	for _, name := range Columns {
		if !hasColumn(df, name) {
			return nil, errors.Errorf("trace CSV is missing column %q", name)
		}
	}
	steps, err := df.Col(ColStep).Int()
	if err != nil {
		return nil, errors.Wrap(err, "parsing trace steps")
	}
	timesteps, err := df.Col(ColTimestep).Int()
	if err != nil {
		return nil, errors.Wrap(err, "parsing trace timesteps")
	}
	xs, ys := df.Col(ColX).Float(), df.Col(ColY).Float()
	losses, sigmas := df.Col(ColLoss).Float(), df.Col(ColSigma).Float()
	trace := make([]diffusion.Trace, df.Nrow())
	for ii := range trace {
		trace[ii] = diffusion.Trace{
			Step: steps[ii], Timestep: timesteps[ii],
			X: xs[ii], Y: ys[ii], Loss: losses[ii], Sigma: sigmas[ii],
		}
	}
	return trace, nil
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, n := range df.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Plot the centroid coordinates and the loss per step, plus the target x as a reference line.
func Plot(trace []diffusion.Trace, targetX float64) (*plot.Plot, error) {
	if len(trace) == 0 {
		return nil, errors.New("trace.Plot: empty trace")
	}
	p := plot.New()
	p.Title.Text = "Attention centroid per step"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "position (attention map cells)"

	xs := make(plotter.XYs, len(trace))
	ys := make(plotter.XYs, len(trace))
	losses := make(plotter.XYs, len(trace))
	for ii, tr := range trace {
		step := float64(tr.Step)
		xs[ii] = plotter.XY{X: step, Y: tr.X}
		ys[ii] = plotter.XY{X: step, Y: tr.Y}
		losses[ii] = plotter.XY{X: step, Y: tr.Loss}
	}
	target := plotter.NewFunction(func(float64) float64 { return targetX })
	target.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(target)
	p.Legend.Add("target x", target)
	if err := plotutil.AddLines(p, "centroid x", xs, "centroid y", ys, "loss", losses); err != nil {
		return nil, errors.Wrap(err, "trace.Plot: adding lines")
	}
	return p, nil
}

// SavePlot renders Plot to path. The format is taken from the extension (e.g. .png or .svg).
func SavePlot(trace []diffusion.Trace, targetX float64, path string) error {
	p, err := Plot(trace, targetX)
	if err != nil {
		return err
	}
	if err = p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving trace plot to %q", path)
	}
	return nil
}
