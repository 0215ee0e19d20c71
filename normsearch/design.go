package normsearch

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/abundqc/abundqc"
)

// sampleInfo is the per-column covariate view the engine works from. All
// slices are aligned with the matrix's sample columns.
type sampleInfo struct {
	ids       []string
	isBio     []bool
	isQC      []bool
	caseReg   []float64 // +0.5 case, -0.5 control, 0 for QC columns
	runOrder  []float64 // raw run-order index; 0 when unknown
	gelReg    []float64 // 1 gel-contaminated, else 0
	groups    []abundqc.ConfoundGroup
	distinct  []abundqc.ConfoundGroup
	batchOf   []string
	batchSet  []string
	caseKnown bool
}

func newSampleInfo(m *abundqc.FeatureMatrix, cov *abundqc.CovariateTable) (*sampleInfo, error) {
	ids := m.SampleIDs()
	groups, distinct, err := cov.ConfoundGroups(ids)
	if err != nil {
		return nil, err
	}

	info := &sampleInfo{
		ids:      ids,
		isBio:    make([]bool, len(ids)),
		isQC:     make([]bool, len(ids)),
		caseReg:  make([]float64, len(ids)),
		runOrder: make([]float64, len(ids)),
		gelReg:   make([]float64, len(ids)),
		groups:   groups,
		distinct: distinct,
		batchOf:  make([]string, len(ids)),
	}

	seenBatch := make(map[string]bool)
	for j, id := range ids {
		s, ok := cov.Sample(id)
		if !ok {
			continue
		}
		info.batchOf[j] = s.Batch
		if !seenBatch[s.Batch] {
			seenBatch[s.Batch] = true
			info.batchSet = append(info.batchSet, s.Batch)
		}
		switch s.Role {
		case abundqc.RoleBiological:
			info.isBio[j] = true
			if s.Case.Valid {
				info.caseKnown = true
				if s.Case.Bool {
					info.caseReg[j] = 0.5
				} else {
					info.caseReg[j] = -0.5
				}
			}
		case abundqc.RoleQC:
			info.isQC[j] = true
		}
		if s.Gel.ValueOrZero() {
			info.gelReg[j] = 1
		}
		if s.RunOrder.Valid {
			info.runOrder[j] = float64(s.RunOrder.Int64)
		}
	}

	return info, nil
}

// centered returns v minus its mean.
func centered(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	mean := sum / float64(len(v))
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x - mean
	}
	return out
}

// confoundDummies returns centered indicator columns for all but the first
// distinct batch × gel group.
func (info *sampleInfo) confoundDummies() [][]float64 {
	if len(info.distinct) < 2 {
		return nil
	}
	cols := make([][]float64, 0, len(info.distinct)-1)
	for _, g := range info.distinct[1:] {
		col := make([]float64, len(info.groups))
		for j, sg := range info.groups {
			if sg == g {
				col[j] = 1
			}
		}
		cols = append(cols, centered(col))
	}
	return cols
}

// runOrderPolynomials returns k centered polynomial regressors of the
// standardized run order, degrees 1..k, for QC-drift adjustment.
func (info *sampleInfo) runOrderPolynomials(k int) [][]float64 {
	if k <= 0 {
		return nil
	}

	std := centered(info.runOrder)
	var scale float64
	for _, v := range std {
		scale += v * v
	}
	scale = math.Sqrt(scale / float64(len(std)))
	if scale == 0 {
		return nil
	}
	for i := range std {
		std[i] /= scale
	}

	cols := make([][]float64, 0, k)
	for d := 1; d <= k; d++ {
		col := make([]float64, len(std))
		for i, v := range std {
			col[i] = math.Pow(v, float64(d))
		}
		cols = append(cols, centered(col))
	}
	return cols
}

// removeComponents returns Y minus its least-squares projection onto the
// given centered design columns. Y is samples × features and is not
// modified. With no columns the input is returned unchanged, which is what
// anchors the identity baseline: no adjustment means bit-identical output.
func removeComponents(Y *mat.Dense, designCols [][]float64) (*mat.Dense, error) {
	if len(designCols) == 0 {
		return Y, nil
	}

	n, p := Y.Dims()
	X := mat.NewDense(n, len(designCols), nil)
	for c, col := range designCols {
		X.SetCol(c, col)
	}

	// Least-squares fit X*B ≈ Y, then subtract the fitted component.
	var B mat.Dense
	if err := B.Solve(X, Y); err != nil {
		return nil, err
	}

	var fitted mat.Dense
	fitted.Mul(X, &B)

	out := mat.NewDense(n, p, nil)
	out.Sub(Y, &fitted)
	return out, nil
}
