package calibration

import (
	"bytes"
	"fmt"
	"image/color"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/walleye/internal/fsutil"
)

// ReportPath returns the report path stored next to a calibration file.
func ReportPath(calibrationPath string) string {
	return strings.TrimSuffix(calibrationPath, filepath.Ext(calibrationPath)) + "_report.png"
}

// WriteReport renders the per-view reprojection errors of r as a bar chart
// with the mean drawn across it.
func WriteReport(fs fsutil.FileSystem, r *Result, path string) error {
	if len(r.ViewErrors) == 0 {
		return fmt.Errorf("calibration report: no per-view errors")
	}
	mean, std := stat.MeanStdDev(r.ViewErrors, nil)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s %dx%d: mean %.3f px, sd %.3f", r.CameraID, r.Resolution[0], r.Resolution[1], mean, std)
	p.X.Label.Text = "View"
	p.Y.Label.Text = "Reprojection error (px)"
	p.Add(plotter.NewGrid())

	bars, err := plotter.NewBarChart(plotter.Values(r.ViewErrors), vg.Points(8))
	if err != nil {
		return fmt.Errorf("calibration report bars: %w", err)
	}
	bars.LineStyle.Width = vg.Length(0)
	bars.Color = color.RGBA{R: 60, G: 120, B: 200, A: 255}
	p.Add(bars)

	meanLine, err := plotter.NewLine(plotter.XYs{
		{X: -0.5, Y: mean},
		{X: float64(len(r.ViewErrors)) - 0.5, Y: mean},
	})
	if err != nil {
		return fmt.Errorf("calibration report mean: %w", err)
	}
	meanLine.Color = color.RGBA{R: 220, G: 50, B: 50, A: 255}
	meanLine.Width = vg.Points(1)
	p.Add(meanLine)
	p.Legend.Add("mean", meanLine)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("calibration report render: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return fmt.Errorf("calibration report encode: %w", err)
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write calibration report: %w", err)
	}
	return nil
}
