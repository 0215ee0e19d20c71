// Package normsearch enumerates candidate normalization recipes for the
// filtered, imputed abundance matrix, scores each on a fixed metric rubric,
// ranks them into a total order, and materializes the top recipe's
// normalized matrix.
package normsearch

import (
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/stat"

	"github.com/abundqc/abundqc"
)

// ScalingFunc returns one multiplicative factor per sample column; dividing
// a column by its factor library-scales the matrix. Inputs are linear-space
// intensity columns of equal length.
type ScalingFunc func(cols [][]float64) ([]float64, error)

// Scaling pairs a stable identifier with its factor function. The identifier
// appears in the ranking table and the manifest.
type Scaling struct {
	ID      string
	Factors ScalingFunc
}

// Library returns the fixed scaling library in enumeration order: identity,
// upper-quartile, and median-ratio.
func Library() []Scaling {
	return []Scaling{
		{ID: "identity", Factors: IdentityFactors},
		{ID: "upper-quartile", Factors: UpperQuartileFactors},
		{ID: "median-ratio", Factors: MedianRatioFactors},
	}
}

// IdentityFactors leaves every column unscaled.
func IdentityFactors(cols [][]float64) ([]float64, error) {
	f := make([]float64, len(cols))
	for i := range f {
		f[i] = 1
	}
	return f, nil
}

// columnSums validates the column shapes and returns per-column totals.
func columnSums(cols [][]float64) ([]float64, error) {
	if len(cols) == 0 {
		return nil, pfx.Err(fmt.Errorf("%w: no sample columns to scale", abundqc.ErrDataShape))
	}
	rows := len(cols[0])
	sums := make([]float64, len(cols))
	for i, col := range cols {
		if len(col) != rows {
			return nil, pfx.Err(fmt.Errorf("%w: mismatched column lengths", abundqc.ErrDataShape))
		}
		for _, v := range col {
			sums[i] += v
		}
	}
	return sums, nil
}

// geoMeanScaled rescales factors to geometric mean 1 so scaling changes the
// relative weighting of columns without shifting the overall intensity level.
func geoMeanScaled(f []float64) []float64 {
	var logSum float64
	for _, v := range f {
		logSum += math.Log(v)
	}
	gm := math.Exp(logSum / float64(len(f)))
	for i, v := range f {
		f[i] = v / gm
	}
	return f
}

// rowAllZero flags rows with no signal in any column; they carry no scaling
// information.
func rowAllZero(cols [][]float64) []bool {
	skip := make([]bool, len(cols[0]))
	for i := range skip {
		skip[i] = true
		for _, col := range cols {
			if col[i] != 0 {
				skip[i] = false
				break
			}
		}
	}
	return skip
}

// UpperQuartileFactors scales each column by the 75th percentile of its
// total-signal-normalised values, ignoring rows that are zero everywhere.
func UpperQuartileFactors(cols [][]float64) ([]float64, error) {
	sums, err := columnSums(cols)
	if err != nil {
		return nil, err
	}
	skip := rowAllZero(cols)

	f := make([]float64, len(cols))
	buf := make([]float64, 0, len(cols[0]))
	for i, col := range cols {
		buf = buf[:0]
		for j, v := range col {
			if skip[j] {
				continue
			}
			buf = append(buf, v/sums[i])
		}
		if len(buf) == 0 {
			f[i] = 1
			continue
		}
		sort.Float64s(buf)
		f[i] = stat.Quantile(0.75, stat.LinInterp, buf, nil)
	}

	return geoMeanScaled(f), nil
}

// MedianRatioFactors scales each column by the median of its ratios to the
// per-row geometric mean across columns, the "DESeq-like" estimator. Rows
// where the geometric mean is zero are ignored.
func MedianRatioFactors(cols [][]float64) ([]float64, error) {
	if _, err := columnSums(cols); err != nil {
		return nil, err
	}
	skip := rowAllZero(cols)

	rows := len(cols[0])
	geo := make([]float64, rows)
	for j := 0; j < rows; j++ {
		if skip[j] {
			continue
		}
		var logSum float64
		zero := false
		for _, col := range cols {
			if col[j] == 0 {
				zero = true
				break
			}
			logSum += math.Log(col[j])
		}
		if zero {
			continue
		}
		geo[j] = math.Exp(logSum / float64(len(cols)))
	}

	f := make([]float64, len(cols))
	ratios := make([]float64, 0, rows)
	for i, col := range cols {
		ratios = ratios[:0]
		for j, v := range col {
			if skip[j] || geo[j] == 0 {
				continue
			}
			ratios = append(ratios, v/geo[j])
		}
		if len(ratios) == 0 {
			f[i] = 1
			continue
		}
		sort.Float64s(ratios)
		f[i] = stat.Quantile(0.5, stat.LinInterp, ratios, nil)
	}

	return geoMeanScaled(f), nil
}
