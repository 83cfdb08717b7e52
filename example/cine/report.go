package main

import (
	"fmt"
	"os"

	"github.com/go-gota/gota/dataframe"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

type stepMetric struct {
	step       int64
	mse        float64
	gradEnergy float64
}

// writeMetricsCSV writes per-step registration metrics.
func writeMetricsCSV(path string, rows []stepMetric) error {
	records := [][]string{{"step", "mse", "grad_energy"}}
	for _, r := range rows {
		records = append(records, []string{
			fmt.Sprint(r.step),
			fmt.Sprintf("%.6f", r.mse),
			fmt.Sprintf("%.6f", r.gradEnergy),
		})
	}
	df := dataframe.LoadRecords(records)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return df.WriteCSV(f)
}

// plotMSE plots the per-step similarity curve.
func plotMSE(path string, rows []stepMetric) error {
	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Warped-to-target MSE per step"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "mse"

	pts := make(plotter.XYs, len(rows))
	for i, r := range rows {
		pts[i].X = float64(r.step)
		pts[i].Y = r.mse
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(line)

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
