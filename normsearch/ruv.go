package normsearch

import (
	"fmt"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/mat"

	"github.com/abundqc/abundqc"
)

// FactorEstimator extracts k latent unwanted-variation factors from the
// negative-control residual matrix (samples × control features). The result
// is samples × k, columns ordered by decreasing captured variance.
type FactorEstimator func(residuals *mat.Dense, k int) (*mat.Dense, error)

// SVDFactors is the default estimator: the first k left singular vectors of
// the control residuals, each scaled by its singular value.
func SVDFactors(residuals *mat.Dense, k int) (*mat.Dense, error) {
	n, p := residuals.Dims()
	max := n
	if p < max {
		max = p
	}
	if k > max {
		return nil, pfx.Err(fmt.Errorf("%w: %d factors requested but at most %d supported by %d×%d residuals", abundqc.ErrModelFit, k, max, n, p))
	}

	var svd mat.SVD
	if ok := svd.Factorize(residuals, mat.SVDThin); !ok {
		return nil, pfx.Err(fmt.Errorf("%w: SVD of control residuals did not converge", abundqc.ErrModelFit))
	}

	var u mat.Dense
	svd.UTo(&u)
	values := svd.Values(nil)

	W := mat.NewDense(n, k, nil)
	for j := 0; j < k; j++ {
		for i := 0; i < n; i++ {
			W.Set(i, j, u.At(i, j)*values[j])
		}
	}

	return W, nil
}

// controlResiduals builds the samples × controls slice of Y restricted to
// the negative-control features, column-centered so the factors describe
// structure rather than abundance level. featureCols maps control feature
// ids to their column index in Y.
func controlResiduals(Y *mat.Dense, controls *abundqc.FeatureSet, featureCols map[string]int) (*mat.Dense, error) {
	n, _ := Y.Dims()

	colIdx := make([]int, 0, controls.Len())
	for _, id := range controls.IDs() {
		if c, ok := featureCols[id]; ok {
			colIdx = append(colIdx, c)
		}
	}
	if len(colIdx) == 0 {
		return nil, pfx.Err(fmt.Errorf("%w: no negative-control features present in the matrix", abundqc.ErrDataShape))
	}

	R := mat.NewDense(n, len(colIdx), nil)
	for c, yc := range colIdx {
		col := make([]float64, n)
		mat.Col(col, yc, Y)
		col = centered(col)
		R.SetCol(c, col)
	}

	return R, nil
}
