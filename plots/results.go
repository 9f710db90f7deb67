package plots

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ResultTitles names the columns returned by ParseResults.
var ResultTitles = []string{"X + Y", "Width + Height", "Confidence", "Classification", "Total Loss",
	"Precision", "Recall", "mAP", "F1", "Test Loss"}

// ParseResults reads the loss (columns 3-7) and validation (columns 10-14)
// metrics of every line of a results file.
func ParseResults(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open results")
	}
	defer f.Close()

	var rows [][]float64
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 14 {
			return nil, errors.Errorf("%s:%d: expected at least 14 columns, got %d", path, line, len(fields))
		}
		row := make([]float64, 0, len(ResultTitles))
		for _, col := range append(fields[2:7:7], fields[9:14]...) {
			v, err := strconv.ParseFloat(col, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d", path, line)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read results")
	}
	return rows, nil
}

// Results draws one panel per metric of a results file against the epoch
// and saves it as PNG.
func Results(resultsPath, outPath string) error {
	rows, err := ParseResults(resultsPath)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.Errorf("%s has no results", resultsPath)
	}

	const nRows, nCols = 2, 5
	plots := make([][]*plot.Plot, nRows)
	for r := range plots {
		plots[r] = make([]*plot.Plot, nCols)
		for c := range plots[r] {
			k := r*nCols + c
			p := plot.New()
			p.Title.Text = ResultTitles[k]
			p.X.Label.Text = "epoch"
			p.Add(plotter.NewGrid())

			pts := make(plotter.XYs, len(rows))
			for i, row := range rows {
				pts[i].X = float64(i)
				pts[i].Y = row[k]
			}
			line, err := plotter.NewLine(pts)
			if err != nil {
				return errors.Wrapf(err, "plot %s", ResultTitles[k])
			}
			line.Color = palette[k%len(palette)]
			p.Add(line)
			plots[r][c] = p
		}
	}

	img := vgimg.New(vg.Points(1400), vg.Points(560))
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: nRows, Cols: nCols,
		PadX: vg.Millimeter, PadY: vg.Millimeter,
		PadTop: vg.Points(2), PadBottom: vg.Points(2), PadLeft: vg.Points(2), PadRight: vg.Points(2),
	}
	canvases := plot.Align(plots, tiles, dc)
	for r := range plots {
		for c := range plots[r] {
			plots[r][c].Draw(canvases[r][c])
		}
	}

	f, err := os.Create(outPath)
	if err != nil {
		return errors.Wrap(err, "create results plot")
	}
	defer f.Close()
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		return errors.Wrap(err, "encode results plot")
	}
	return nil
}
