// Package diagnostics renders calibration visuals for the normalization
// search: scatter plots of estimated unwanted-variation factors against the
// known batch × gel groups. The plots inform the operator's choice of knob
// ranges; nothing here feeds back into filtering or selection.
package diagnostics

import (
	"bytes"
	"fmt"
	"os"

	"github.com/carbocation/pfx"
	"github.com/wcharczuk/go-chart/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/abundqc/abundqc"
	"github.com/abundqc/abundqc/normsearch"
)

// PlotFactorPairs renders one PNG per adjacent factor pair (factor 1 vs 2,
// 3 vs 4, ...) with one dot series per batch × gel group, written to
// <prefix>_factors_<i>_<j>.png.
func PlotFactorPairs(prefix string, diag *normsearch.Diagnostics) error {
	if diag.FactorScores == nil {
		return nil
	}

	_, k := diag.FactorScores.Dims()
	for a := 0; a+1 < k; a += 2 {
		name := fmt.Sprintf("%s_factors_%d_%d.png", prefix, a+1, a+2)
		if err := plotFactorPair(name, diag, a, a+1); err != nil {
			return err
		}
	}

	// An odd trailing factor is plotted against sample position.
	if k%2 == 1 {
		name := fmt.Sprintf("%s_factor_%d.png", prefix, k)
		if err := plotFactorAlone(name, diag, k-1); err != nil {
			return err
		}
	}

	return nil
}

func groupedSeries(diag *normsearch.Diagnostics, xs, ys []float64) []chart.Series {
	byGroup := make(map[abundqc.ConfoundGroup][]int)
	var order []abundqc.ConfoundGroup
	for i, g := range diag.Groups {
		if _, ok := byGroup[g]; !ok {
			order = append(order, g)
		}
		byGroup[g] = append(byGroup[g], i)
	}

	series := make([]chart.Series, 0, len(order))
	for gi, g := range order {
		idx := byGroup[g]
		gx := make([]float64, 0, len(idx))
		gy := make([]float64, 0, len(idx))
		for _, i := range idx {
			gx = append(gx, xs[i])
			gy = append(gy, ys[i])
		}
		series = append(series, chart.ContinuousSeries{
			Name:    g.String(),
			XValues: gx,
			YValues: gy,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    chart.GetDefaultColor(gi),
			},
		})
	}

	return series
}

func renderPNG(filename string, graph chart.Chart) error {
	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return pfx.Err(err)
	}

	outFile, err := os.Create(filename)
	if err != nil {
		return pfx.Err(err)
	}
	defer outFile.Close()

	if _, err := buffer.WriteTo(outFile); err != nil {
		return pfx.Err(err)
	}

	return nil
}

func plotFactorPair(filename string, diag *normsearch.Diagnostics, a, b int) error {
	n, _ := diag.FactorScores.Dims()
	xs := make([]float64, n)
	ys := make([]float64, n)
	mat.Col(xs, a, diag.FactorScores)
	mat.Col(ys, b, diag.FactorScores)

	graph := chart.Chart{
		Width:  640,
		Height: 480,
		XAxis:  chart.XAxis{Name: fmt.Sprintf("factor %d", a+1)},
		YAxis:  chart.YAxis{Name: fmt.Sprintf("factor %d", b+1)},
		Series: groupedSeries(diag, xs, ys),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return renderPNG(filename, graph)
}

func plotFactorAlone(filename string, diag *normsearch.Diagnostics, a int) error {
	n, _ := diag.FactorScores.Dims()
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i)
	}
	mat.Col(ys, a, diag.FactorScores)

	graph := chart.Chart{
		Width:  640,
		Height: 480,
		XAxis:  chart.XAxis{Name: "sample"},
		YAxis:  chart.YAxis{Name: fmt.Sprintf("factor %d", a+1)},
		Series: groupedSeries(diag, xs, ys),
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return renderPNG(filename, graph)
}
