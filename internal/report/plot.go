package report

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SweepPoint is the result of an adversarial pass at one epsilon.
type SweepPoint struct {
	Eps    float64
	Result Result
}

// SweepSeries are the adversarial metrics drawn by PlotSweep.
var SweepSeries = []string{"age_output_adv_acc", "race_output_adv_acc", "gender_output_adv_acc"}

// NewSweepPlot draws each series against epsilon.
func NewSweepPlot(points []SweepPoint, series []string) (*plot.Plot, error) {
	if len(points) == 0 {
		return nil, errors.New("report: no sweep points")
	}
	pts := append([]SweepPoint(nil), points...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Eps < pts[j].Eps })

	p := plot.New()
	p.Title.Text = "FGSM robustness"
	p.X.Label.Text = "epsilon"
	p.Y.Label.Text = "adversarial metric"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, name := range series {
		xys := make(plotter.XYs, 0, len(pts))
		for _, pt := range pts {
			v, ok := pt.Result.Value(name)
			if !ok {
				continue
			}
			xys = append(xys, plotter.XY{X: pt.Eps, Y: v})
		}
		if len(xys) == 0 {
			continue
		}
		line, marks, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "plot %s", name)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		marks.Color = plotutil.Color(i)
		marks.Shape = plotutil.Shape(i)
		p.Add(line, marks)
		p.Legend.Add(name, line, marks)
	}
	return p, nil
}

// WriteSweep renders the plot in format (svg, png, pdf or eps) to w.
func WriteSweep(w io.Writer, points []SweepPoint, format string) error {
	p, err := NewSweepPlot(points, SweepSeries)
	if err != nil {
		return err
	}
	writer, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return errors.Wrap(err, "render plot")
	}
	_, err = writer.WriteTo(w)
	return errors.Wrap(err, "write plot")
}

// PlotSweep writes the sweep plot to path; the extension picks the format.
func PlotSweep(path string, points []SweepPoint) error {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		format = "svg"
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create plot file")
	}
	if err := WriteSweep(f, points, format); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close plot file")
}
