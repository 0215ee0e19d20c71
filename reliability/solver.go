package reliability

import (
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/carbocation/runningvariance"

	"github.com/abundqc/abundqc"
)

// MomentSolver is the default variance-component backend: a method-of-
// moments one-way random-effects decomposition that tolerates unbalanced
// group sizes. It returns the between-group variance and the residual
// (within-group) variance.
func MomentSolver(groups [][]float64) (between, residual float64, err error) {
	nonEmpty := make([][]float64, 0, len(groups))
	for _, g := range groups {
		if len(g) > 0 {
			nonEmpty = append(nonEmpty, g)
		}
	}
	if len(nonEmpty) < 2 {
		return 0, 0, pfx.Err(fmt.Errorf("%w: %d non-empty groups", abundqc.ErrInsufficientReplicates, len(nonEmpty)))
	}

	grand := runningvariance.NewRunningStat()
	type groupMoment struct {
		n    float64
		mean float64
		ss   float64 // within-group sum of squares
	}

	moments := make([]groupMoment, 0, len(nonEmpty))
	var total float64
	for _, g := range nonEmpty {
		rs := runningvariance.NewRunningStat()
		for _, v := range g {
			rs.Push(v)
			grand.Push(v)
		}
		n := float64(len(g))
		sd := rs.StandardDeviation()
		moments = append(moments, groupMoment{n: n, mean: rs.Mean(), ss: sd * sd * (n - 1)})
		total += n
	}

	k := float64(len(moments))
	dfWithin := total - k
	if dfWithin <= 0 {
		return 0, 0, pfx.Err(fmt.Errorf("%w: no residual degrees of freedom (%v observations in %v groups)", abundqc.ErrModelFit, total, k))
	}

	var ssWithin, ssBetween, sumSqN float64
	grandMean := grand.Mean()
	for _, gm := range moments {
		ssWithin += gm.ss
		d := gm.mean - grandMean
		ssBetween += gm.n * d * d
		sumSqN += gm.n * gm.n
	}

	residual = ssWithin / dfWithin

	msBetween := ssBetween / (k - 1)
	n0 := (total - sumSqN/total) / (k - 1)
	between = (msBetween - residual) / n0
	if between < 0 {
		between = 0
	}

	if between+residual == 0 {
		return 0, 0, pfx.Err(fmt.Errorf("%w: zero total variance", abundqc.ErrModelFit))
	}

	return between, residual, nil
}
