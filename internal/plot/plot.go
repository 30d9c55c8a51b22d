// Package plot renders envelope sweeps against the occupancy threshold
package plot

import (
	"fmt"
	"image/color"

	gonumplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/teslashibe/go-parking/internal/detect"
	"github.com/teslashibe/go-parking/internal/envelope"
)

// Output size of a rendered sweep
const (
	Width  = 10 * vg.Inch
	Height = 4 * vg.Inch
)

var (
	calibrationColor = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	sweepColor       = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	thresholdColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// Render draws amplitude against distance for the calibration and live
// sweeps, with the occupancy threshold as a horizontal line and the live
// peak marked. The output format follows the extension of path (png, svg,
// pdf). Either sweep may be empty.
func Render(path string, calibration, sweep []envelope.DataPoint, threshold detect.Threshold) error {
	p := gonumplot.New()
	p.Title.Text = "Parking sensor envelope"
	p.X.Label.Text = "Distance (m)"
	p.Y.Label.Text = "Amplitude"

	if len(calibration) > 0 {
		line, err := plotter.NewLine(toXYs(calibration))
		if err != nil {
			return fmt.Errorf("calibration line: %w", err)
		}
		line.Color = calibrationColor
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("calibration", line)
	}

	if len(sweep) > 0 {
		line, err := plotter.NewLine(toXYs(sweep))
		if err != nil {
			return fmt.Errorf("sweep line: %w", err)
		}
		line.Color = sweepColor
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("sweep", line)

		if peak, err := envelope.MaxPeak(sweep); err == nil {
			marker, err := plotter.NewScatter(plotter.XYs{{X: peak.Distance, Y: peak.Amplitude}})
			if err != nil {
				return fmt.Errorf("peak marker: %w", err)
			}
			marker.Color = sweepColor
			marker.Radius = vg.Points(3)
			p.Add(marker)
			p.Legend.Add(fmt.Sprintf("peak %.0f @ %.3f m", peak.Amplitude, peak.Distance), marker)
		}
	}

	level := threshold.Level()
	limit := plotter.NewFunction(func(float64) float64 { return level })
	limit.Color = thresholdColor
	limit.Width = vg.Points(1)
	p.Add(limit)
	p.Legend.Add(fmt.Sprintf("threshold %.0f", level), limit)

	// Keep the threshold visible when every sample sits well below it
	p.Y.Min = 0
	if p.Y.Max < level*1.1 {
		p.Y.Max = level * 1.1
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(Width, Height, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

func toXYs(points []envelope.DataPoint) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i].X = pt.Distance
		xys[i].Y = pt.Amplitude
	}
	return xys
}
